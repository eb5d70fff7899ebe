package backfill

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/catalog"
	"github.com/coachpo/tidemark/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

var testBarType = schema.BarType{
	InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
	Step:         1,
	Aggregation:  schema.AggregationMinute,
	PriceType:    schema.PriceLast,
	Source:       schema.SourceExternal,
}

func bar(closeSec int, close string) schema.Bar {
	return schema.Bar{
		BarType: testBarType,
		Open:    dec(close), High: dec(close), Low: dec(close), Close: dec(close),
		Volume:     dec("1"),
		CloseTime:  at(closeSec),
		IngestTime: at(closeSec),
	}
}

// fakeSource serves a fixed history and records the ranges it was asked for.
type fakeSource struct {
	bars     []schema.Bar
	requests [][2]time.Time
	err      error
}

func (f *fakeSource) RequestQuotes(context.Context, schema.InstrumentID, time.Time, time.Time, int) ([]schema.QuoteTick, error) {
	return nil, f.err
}

func (f *fakeSource) RequestTrades(context.Context, schema.InstrumentID, time.Time, time.Time, int) ([]schema.TradeTick, error) {
	return nil, f.err
}

func (f *fakeSource) RequestBars(_ context.Context, _ schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error) {
	f.requests = append(f.requests, [2]time.Time{start, end})
	if f.err != nil {
		return nil, f.err
	}
	var out []schema.Bar
	for _, b := range f.bars {
		if !start.IsZero() && b.CloseTime.Before(start) {
			continue
		}
		if !end.IsZero() && !b.CloseTime.Before(end) {
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func barsRequest(start, end time.Time, limit int, mode schema.WriteMode) schema.DataRequest {
	return schema.DataRequest{
		CorrelationID: schema.NewCorrelationID(),
		Kind:          schema.KindBar,
		BarType:       testBarType,
		Start:         start,
		End:           end,
		Limit:         limit,
		WriteMode:     mode,
	}
}

func TestStitchCatalogAndLive(t *testing.T) {
	ctx := context.Background()
	store, err := catalog.NewParquetStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewParquetStore() error = %v", err)
	}
	// Catalog holds the first two minutes; the venue holds all four.
	if err := store.WriteBars(ctx, []schema.Bar{bar(60, "100"), bar(120, "101")}, schema.WriteModeAppend); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	source := &fakeSource{bars: []schema.Bar{bar(60, "100"), bar(120, "101"), bar(180, "102"), bar(240, "103")}}
	r := NewReconciler(store, source, nil)

	got, err := r.Bars(ctx, barsRequest(at(0), at(300), 0, schema.WriteModeAppend))
	if err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("stitched bars = %d, want 4 without boundary duplicates", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].CloseTime.Before(got[i].CloseTime) {
			t.Errorf("bars not strictly ascending at %d", i)
		}
	}

	// The live source must have been asked only for the gap.
	if len(source.requests) != 1 || !source.requests[0][0].After(at(120)) {
		t.Errorf("live range = %+v, want start after catalog bound", source.requests)
	}

	// The fetched gap is persisted, so a second run is served without
	// re-fetching anything.
	source.requests = nil
	again, err := r.Bars(ctx, barsRequest(at(0), at(300), 0, schema.WriteModeAppend))
	if err != nil {
		t.Fatalf("Bars() second run error = %v", err)
	}
	if len(again) != 4 {
		t.Fatalf("second run bars = %d, want 4", len(again))
	}
	if len(source.requests) != 1 || !source.requests[0][0].After(at(240)) {
		t.Errorf("second run live range = %+v, want start after advanced bound", source.requests)
	}
}

func TestCatalogOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := catalog.NewParquetStore(t.TempDir())
	_ = store.WriteBars(ctx, []schema.Bar{bar(60, "100"), bar(120, "101")}, schema.WriteModeAppend)
	r := NewReconciler(store, nil, nil)

	got, err := r.Bars(ctx, barsRequest(at(0), at(300), 0, schema.WriteModeNone))
	if err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("catalog-only bars = %d, want 2", len(got))
	}
}

func TestLiveOnly(t *testing.T) {
	source := &fakeSource{bars: []schema.Bar{bar(60, "100"), bar(120, "101"), bar(180, "102")}}
	r := NewReconciler(nil, source, nil)

	got, err := r.Bars(context.Background(), barsRequest(at(90), at(200), 0, schema.WriteModeNone))
	if err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("live-only bars = %d, want 2 in range", len(got))
	}
}

func TestNoSourcesConfigured(t *testing.T) {
	r := NewReconciler(nil, nil, nil)
	if _, err := r.Bars(context.Background(), barsRequest(at(0), at(60), 0, schema.WriteModeNone)); err == nil {
		t.Error("expected unavailable error with no sources")
	}
}

func TestRangelessDefaultsToRecent(t *testing.T) {
	source := &fakeSource{}
	for i := 1; i <= 200; i++ {
		source.bars = append(source.bars, bar(60*i, "100"))
	}
	r := NewReconciler(nil, source, nil)

	got, err := r.Bars(context.Background(), barsRequest(time.Time{}, time.Time{}, 0, schema.WriteModeNone))
	if err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	if len(got) != defaultRecentLimit {
		t.Errorf("rangeless bars = %d, want default limit %d", len(got), defaultRecentLimit)
	}
	if !got[len(got)-1].CloseTime.Equal(at(60 * 200)) {
		t.Errorf("rangeless result must end at the most recent bar")
	}
}

func TestLiveFailureFallsBackToCatalog(t *testing.T) {
	ctx := context.Background()
	store, _ := catalog.NewParquetStore(t.TempDir())
	_ = store.WriteBars(ctx, []schema.Bar{bar(60, "100")}, schema.WriteModeAppend)
	source := &fakeSource{err: context.DeadlineExceeded}
	r := NewReconciler(store, source, nil)

	got, err := r.Bars(ctx, barsRequest(at(0), at(300), 0, schema.WriteModeNone))
	if err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("fallback bars = %d, want 1 from catalog", len(got))
	}
}

func TestWriteModeNoneSkipsPersistence(t *testing.T) {
	ctx := context.Background()
	store, _ := catalog.NewParquetStore(t.TempDir())
	source := &fakeSource{bars: []schema.Bar{bar(60, "100"), bar(120, "101")}}
	r := NewReconciler(store, source, nil)

	if _, err := r.Bars(ctx, barsRequest(at(0), at(300), 0, schema.WriteModeNone)); err != nil {
		t.Fatalf("Bars() error = %v", err)
	}
	persisted, _ := store.QueryBars(ctx, testBarType, time.Time{}, time.Time{}, 0)
	if len(persisted) != 0 {
		t.Errorf("persisted = %d, want 0 under write mode none", len(persisted))
	}
}
