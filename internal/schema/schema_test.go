package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseInstrumentID(t *testing.T) {
	id, err := ParseInstrumentID("btc-usd.sim")
	if err != nil {
		t.Fatalf("ParseInstrumentID() error = %v", err)
	}
	if id.Symbol != "BTC-USD" {
		t.Errorf("expected BTC-USD, got %s", id.Symbol)
	}
	if id.Venue != "SIM" {
		t.Errorf("expected SIM, got %s", id.Venue)
	}
	if id.String() != "BTC-USD.SIM" {
		t.Errorf("unexpected round trip %s", id.String())
	}
}

func TestParseInstrumentIDInvalid(t *testing.T) {
	for _, value := range []string{"", "BTCUSD", ".SIM", "BTC-USD."} {
		if _, err := ParseInstrumentID(value); err == nil {
			t.Errorf("expected error for %q", value)
		}
	}
}

func TestBarTypeRoundTrip(t *testing.T) {
	barType := BarType{
		InstrumentID: NewInstrumentID("BTC-USD", "SIM"),
		Step:         5,
		Aggregation:  AggregationMinute,
		PriceType:    PriceLast,
		Source:       SourceInternal,
	}
	parsed, err := ParseBarType(barType.String())
	if err != nil {
		t.Fatalf("ParseBarType(%q) error = %v", barType.String(), err)
	}
	if parsed != barType {
		t.Errorf("round trip mismatch: %v != %v", parsed, barType)
	}
}

func TestBarTypeValidate(t *testing.T) {
	barType := BarType{
		InstrumentID: NewInstrumentID("BTC-USD", "SIM"),
		Step:         0,
		Aggregation:  AggregationMinute,
		PriceType:    PriceLast,
		Source:       SourceInternal,
	}
	if err := barType.Validate(); err == nil {
		t.Error("expected error for zero step")
	}
	barType.Step = 1
	barType.Aggregation = "weekly"
	if err := barType.Validate(); err == nil {
		t.Error("expected error for unsupported aggregation")
	}
}

func TestBarAggregationInterval(t *testing.T) {
	if got := AggregationMinute.Interval(5); got != 5*time.Minute {
		t.Errorf("expected 5m, got %v", got)
	}
	if got := AggregationTick.Interval(5); got != 0 {
		t.Errorf("expected 0 for tick aggregation, got %v", got)
	}
}

func TestQuoteExtractPrice(t *testing.T) {
	quote := QuoteTick{
		BidPrice: decimal.RequireFromString("100"),
		AskPrice: decimal.RequireFromString("101"),
	}
	if !quote.ExtractPrice(PriceMid).Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("unexpected mid %s", quote.ExtractPrice(PriceMid))
	}
	if !quote.ExtractPrice(PriceBid).Equal(quote.BidPrice) {
		t.Error("bid extraction mismatch")
	}
}

func TestDeltasComplete(t *testing.T) {
	id := NewInstrumentID("ETH-USD", "SIM")
	deltas := OrderBookDeltas{InstrumentID: id, Deltas: []OrderBookDelta{
		{InstrumentID: id, Sequence: 1},
		{InstrumentID: id, Sequence: 2, Flags: FlagLast},
	}}
	if !deltas.IsComplete() {
		t.Error("expected batch terminated by FlagLast to be complete")
	}
	if deltas.Sequence() != 2 {
		t.Errorf("expected sequence 2, got %d", deltas.Sequence())
	}
}

func TestRequestValidate(t *testing.T) {
	req := DataRequest{
		CorrelationID: NewCorrelationID(),
		Kind:          KindTrade,
		InstrumentID:  NewInstrumentID("BTC-USD", "SIM"),
		Start:         time.Unix(200, 0),
		End:           time.Unix(100, 0),
	}
	if err := req.Validate(); err == nil {
		t.Error("expected error for inverted range")
	}
	req.End = time.Unix(300, 0)
	if err := req.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	req.CorrelationID = ""
	if err := req.Validate(); err == nil {
		t.Error("expected error for missing correlation id")
	}
}

func TestSubscribeScope(t *testing.T) {
	cmd := SubscribeCommand{
		ConsumerID:   "strategy-1",
		Kind:         KindQuote,
		InstrumentID: NewInstrumentID("BTC-USD", "SIM"),
	}
	if cmd.Scope() != "BTC-USD.SIM" {
		t.Errorf("unexpected scope %s", cmd.Scope())
	}

	barCmd := SubscribeCommand{
		ConsumerID: "strategy-1",
		Kind:       KindBar,
		BarType: BarType{
			InstrumentID: NewInstrumentID("BTC-USD", "SIM"),
			Step:         1,
			Aggregation:  AggregationMinute,
			PriceType:    PriceLast,
			Source:       SourceExternal,
		},
	}
	if barCmd.Scope() != barCmd.BarType.String() {
		t.Errorf("unexpected bar scope %s", barCmd.Scope())
	}
}

func TestInstrumentMakePrice(t *testing.T) {
	instrument := Instrument{
		ID:             NewInstrumentID("BTC-USD", "SIM"),
		PricePrecision: 2,
		SizePrecision:  4,
	}
	price := instrument.MakePrice(decimal.RequireFromString("100.12345"))
	if price.String() != "100.12" {
		t.Errorf("expected 100.12, got %s", price)
	}
}
