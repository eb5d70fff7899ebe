package bars

import (
	"testing"

	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/schema"
)

func newTestEngine(out *[]schema.Bar, seedOpen bool) *Engine {
	return NewEngine(cache.NewBarCache(), seedOpen, collectBars(out), nil)
}

func TestCascadeFromExternalBars(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	target := minuteBarType("BTC-USD", 5, schema.SourceInternal)
	origin := minuteBarType("BTC-USD", 1, schema.SourceExternal)

	req, err := e.Start(target, []schema.BarType{origin})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(req.ExternalBars) != 1 || req.ExternalBars[0] != origin {
		t.Fatalf("expected one external feed requirement, got %+v", req)
	}
	if req.NeedsTicks {
		t.Error("bar-fed cascade must not request ticks")
	}

	// Five consecutive 1-minute bars fill exactly one 5-minute bar.
	closes := []string{"100", "102", "101", "103", "104"}
	for i, close := range closes {
		bar := externalBar(60*(i+1), close, false)
		if v := e.OnExternalBar(bar); v != VerdictNew {
			t.Fatalf("bar %d verdict = %v, want new", i, v)
		}
	}

	if len(got) != 1 {
		t.Fatalf("expected exactly 1 composed bar, got %d", len(got))
	}
	if got[0].BarType != target {
		t.Errorf("composed bar type = %s", got[0].BarType)
	}
	if !got[0].Open.Equal(dec("100")) || !got[0].Close.Equal(dec("104")) {
		t.Errorf("composed open/close = %s/%s", got[0].Open, got[0].Close)
	}
	if !got[0].Volume.Equal(dec("5")) {
		t.Errorf("composed volume = %s, want 5", got[0].Volume)
	}
	if !got[0].CloseTime.Equal(at(300)) {
		t.Errorf("composed close time = %s, want %s", got[0].CloseTime, at(300))
	}
}

func TestCascadeThroughIntermediateLevels(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	target := minuteBarType("BTC-USD", 2, schema.SourceInternal)
	mid := minuteBarType("BTC-USD", 1, schema.SourceInternal)

	// 2-minute bars built from locally built 1-minute bars fed by ticks.
	req, err := e.Start(target, []schema.BarType{mid})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !req.NeedsTicks {
		t.Fatal("tick-rooted cascade must request ticks")
	}
	if !e.Running(mid) {
		t.Fatal("intermediate level must be materialized")
	}

	for sec := 5; sec <= 125; sec += 10 {
		e.OnTrade(trade("BTC-USD", "100", "1", sec))
	}

	var oneMin, twoMin int
	for _, bar := range got {
		switch bar.BarType {
		case mid:
			oneMin++
		case target:
			twoMin++
		}
	}
	if oneMin != 2 {
		t.Errorf("1-minute bars = %d, want 2", oneMin)
	}
	if twoMin != 1 {
		t.Errorf("2-minute bars = %d, want 1", twoMin)
	}
}

func TestRevisionsDoNotRefeedCascade(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	target := minuteBarType("BTC-USD", 5, schema.SourceInternal)
	origin := minuteBarType("BTC-USD", 1, schema.SourceExternal)
	_, _ = e.Start(target, []schema.BarType{origin})

	e.OnExternalBar(externalBar(60, "100", false))
	if v := e.OnExternalBar(externalBar(60, "101", true)); v != VerdictRevision {
		t.Fatalf("verdict = %v, want revision", v)
	}
	for i := 2; i <= 5; i++ {
		e.OnExternalBar(externalBar(60*i, "100", false))
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 composed bar, got %d", len(got))
	}
	// Volume counts each interval once even though bar 1 arrived twice.
	if !got[0].Volume.Equal(dec("5")) {
		t.Errorf("composed volume = %s, want 5", got[0].Volume)
	}
}

func TestStopPrunesUnsharedLevels(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	target := minuteBarType("BTC-USD", 2, schema.SourceInternal)
	mid := minuteBarType("BTC-USD", 1, schema.SourceInternal)
	_, _ = e.Start(target, []schema.BarType{mid})

	e.Stop(target)
	if e.Running(target) {
		t.Error("stopped target still materialized")
	}
	if e.Running(mid) {
		t.Error("orphan intermediate level not pruned")
	}
}

func TestStopKeepsSharedLevels(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	mid := minuteBarType("BTC-USD", 1, schema.SourceInternal)
	target := minuteBarType("BTC-USD", 2, schema.SourceInternal)

	// mid is both an explicit target and target's feed.
	if _, err := e.Start(mid, nil); err != nil {
		t.Fatalf("Start(mid) error = %v", err)
	}
	if _, err := e.Start(target, []schema.BarType{mid}); err != nil {
		t.Fatalf("Start(target) error = %v", err)
	}

	e.Stop(target)
	if !e.Running(mid) {
		t.Error("directly subscribed level must survive dependent teardown")
	}

	e.Stop(mid)
	if e.Running(mid) {
		t.Error("released level still materialized")
	}
}

func TestStartRejectsBadChains(t *testing.T) {
	var got []schema.Bar
	e := newTestEngine(&got, false)

	external := minuteBarType("BTC-USD", 1, schema.SourceExternal)
	if _, err := e.Start(external, nil); err == nil {
		t.Error("external target must be rejected")
	}

	target := minuteBarType("BTC-USD", 5, schema.SourceInternal)
	other := minuteBarType("ETH-USD", 1, schema.SourceExternal)
	if _, err := e.Start(target, []schema.BarType{other}); err == nil {
		t.Error("cross-instrument chain must be rejected")
	}

	mid := minuteBarType("BTC-USD", 2, schema.SourceInternal)
	if _, err := e.Start(target, []schema.BarType{external, mid}); err == nil {
		t.Error("external level above the root must be rejected")
	}
}
