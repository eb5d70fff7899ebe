package bars

import (
	"testing"

	"github.com/coachpo/tidemark/internal/schema"
)

func collectBars(out *[]schema.Bar) Emit {
	return func(bar schema.Bar) {
		*out = append(*out, bar)
	}
}

func trade(symbol, price, size string, sec int) schema.TradeTick {
	return schema.TradeTick{
		InstrumentID: schema.NewInstrumentID(symbol, "SIM"),
		Price:        dec(price),
		Size:         dec(size),
		Aggressor:    schema.AggressorBuyer,
		EventTime:    at(sec),
	}
}

func TestAggregatorRejectsExternalTarget(t *testing.T) {
	if _, err := NewAggregator(minuteBarType("BTC-USD", 1, schema.SourceExternal), false, func(schema.Bar) {}); err == nil {
		t.Error("external bar types must not be aggregated locally")
	}
}

func TestTickAggregator(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         3,
		Aggregation:  schema.AggregationTick,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, err := NewAggregator(barType, false, collectBars(&got))
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}

	agg.OnTrade(trade("BTC-USD", "100", "1", 1))
	agg.OnTrade(trade("BTC-USD", "101", "1", 2))
	if len(got) != 0 {
		t.Fatalf("bar closed early after %d trades", 2)
	}
	agg.OnTrade(trade("BTC-USD", "99", "1", 3))
	if len(got) != 1 {
		t.Fatalf("expected 1 bar after 3 trades, got %d", len(got))
	}
	if !got[0].Open.Equal(dec("100")) || !got[0].Close.Equal(dec("99")) {
		t.Errorf("open/close = %s/%s", got[0].Open, got[0].Close)
	}
}

func TestVolumeAggregatorSplitsOversizedTrade(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         10,
		Aggregation:  schema.AggregationVolume,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, false, collectBars(&got))

	// 25 units across a 10-unit threshold: two full bars, 5 left over.
	agg.OnTrade(trade("BTC-USD", "100", "25", 1))
	if len(got) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(got))
	}
	for i, bar := range got {
		if !bar.Volume.Equal(dec("10")) {
			t.Errorf("bar %d volume = %s, want 10", i, bar.Volume)
		}
	}

	agg.OnTrade(trade("BTC-USD", "100", "5", 2))
	if len(got) != 3 {
		t.Fatalf("expected remainder to complete a third bar, got %d", len(got))
	}
	if !got[2].Volume.Equal(dec("10")) {
		t.Errorf("third bar volume = %s, want 10", got[2].Volume)
	}
}

func TestValueAggregator(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         1000,
		Aggregation:  schema.AggregationValue,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, false, collectBars(&got))

	// 100 x 8 = 800 value, below threshold.
	agg.OnTrade(trade("BTC-USD", "100", "8", 1))
	if len(got) != 0 {
		t.Fatal("bar closed below the value threshold")
	}
	// 100 x 4 = 400 more crosses 1000; 2 units spill into the next bar.
	agg.OnTrade(trade("BTC-USD", "100", "4", 2))
	if len(got) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(got))
	}
	if !got[0].Volume.Equal(dec("10")) {
		t.Errorf("bar volume = %s, want 10", got[0].Volume)
	}
}

func TestTimeAggregatorWindows(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         1,
		Aggregation:  schema.AggregationMinute,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, false, collectBars(&got))

	agg.OnTrade(trade("BTC-USD", "100", "1", 10))
	agg.OnTrade(trade("BTC-USD", "101", "1", 59))
	// Crossing into the next minute closes the first window.
	agg.OnTrade(trade("BTC-USD", "102", "1", 61))
	if len(got) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(got))
	}
	if !got[0].CloseTime.Equal(at(60)) {
		t.Errorf("close time = %s, want %s", got[0].CloseTime, at(60))
	}
	if !got[0].Close.Equal(dec("101")) {
		t.Errorf("close = %s, want 101", got[0].Close)
	}
}

func TestTimeAggregatorSeedsEmptyWindows(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         1,
		Aggregation:  schema.AggregationMinute,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, true, collectBars(&got))

	agg.OnTrade(trade("BTC-USD", "100", "1", 10))
	// A trade three minutes later closes the gap windows with seeded bars.
	agg.OnTrade(trade("BTC-USD", "105", "1", 185))
	if len(got) != 3 {
		t.Fatalf("expected 3 bars (1 real + 2 seeded), got %d", len(got))
	}
	if !got[1].Open.Equal(dec("100")) || got[1].Volume.Sign() != 0 {
		t.Errorf("seeded bar = open %s volume %s", got[1].Open, got[1].Volume)
	}
}

func TestTimeAggregatorAdvanceTo(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         1,
		Aggregation:  schema.AggregationSecond,
		PriceType:    schema.PriceLast,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, false, collectBars(&got))

	agg.OnTrade(trade("BTC-USD", "100", "1", 0))
	agg.(*timeAggregator).AdvanceTo(at(1))
	if len(got) != 1 {
		t.Fatalf("expected 1 bar after clock advance, got %d", len(got))
	}
}

func TestQuotePriceSelection(t *testing.T) {
	barType := schema.BarType{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		Step:         1,
		Aggregation:  schema.AggregationTick,
		PriceType:    schema.PriceMid,
		Source:       schema.SourceInternal,
	}
	var got []schema.Bar
	agg, _ := NewAggregator(barType, false, collectBars(&got))

	agg.OnQuote(schema.QuoteTick{
		InstrumentID: schema.NewInstrumentID("BTC-USD", "SIM"),
		BidPrice:     dec("100"),
		AskPrice:     dec("102"),
		BidSize:      dec("3"),
		AskSize:      dec("1"),
		EventTime:    at(1),
	})
	if len(got) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(got))
	}
	if !got[0].Close.Equal(dec("101")) {
		t.Errorf("mid close = %s, want 101", got[0].Close)
	}
	if !got[0].Volume.Equal(dec("2")) {
		t.Errorf("mid volume = %s, want 2", got[0].Volume)
	}
}
