package synthetic

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var (
	btc = schema.NewInstrumentID("BTC-USD", "SIM")
	eth = schema.NewInstrumentID("ETH-USD", "SIM")
)

func spreadDef() Definition {
	return Definition{
		Symbol:         "BTC-ETH-SPREAD",
		Components:     []schema.InstrumentID{btc, eth},
		Weights:        []decimal.Decimal{dec("1"), dec("-10")},
		PricePrecision: 2,
	}
}

func quote(id schema.InstrumentID, bid, ask string) schema.QuoteTick {
	return schema.QuoteTick{
		InstrumentID: id,
		BidPrice:     dec(bid),
		AskPrice:     dec(ask),
		BidSize:      dec("1"),
		AskSize:      dec("1"),
		EventTime:    time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
	}
}

func TestDefinitionValidate(t *testing.T) {
	def := spreadDef()
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	bad := spreadDef()
	bad.Components = bad.Components[:1]
	if err := bad.Validate(); err == nil {
		t.Error("single component must be rejected")
	}

	bad = spreadDef()
	bad.Weights = bad.Weights[:1]
	if err := bad.Validate(); err == nil {
		t.Error("weight count mismatch must be rejected")
	}

	bad = spreadDef()
	bad.Components = []schema.InstrumentID{btc, btc}
	if err := bad.Validate(); !errs.HasCode(err, errs.CodeDuplicate) {
		t.Errorf("duplicate component error = %v", err)
	}
}

func TestSuppressionUntilAllLegsPriced(t *testing.T) {
	e := NewEngine(nil)
	if err := e.Add(spreadDef()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Only one leg priced: nothing may be derived.
	if out := e.OnQuote(quote(btc, "50000", "50010")); len(out) != 0 {
		t.Fatalf("derived %d quotes with an unpriced leg", len(out))
	}

	out := e.OnQuote(quote(eth, "3000", "3002"))
	if len(out) != 1 {
		t.Fatalf("expected 1 derived quote, got %d", len(out))
	}
	derived := out[0]
	if derived.InstrumentID != schema.NewInstrumentID("BTC-ETH-SPREAD", Venue) {
		t.Errorf("derived identity = %s", derived.InstrumentID)
	}
	// 50000 - 10*3000 = 20000 bid, 50010 - 10*3002 = 19990 ask.
	if !derived.BidPrice.Equal(dec("20000")) {
		t.Errorf("derived bid = %s, want 20000", derived.BidPrice)
	}
	if !derived.AskPrice.Equal(dec("19990")) {
		t.Errorf("derived ask = %s, want 19990", derived.AskPrice)
	}
}

func TestFormulaPricing(t *testing.T) {
	def := Definition{
		Symbol:         "BTC-ETH-MID",
		Components:     []schema.InstrumentID{btc, eth},
		Formula:        "(BTC_USD_SIM + ETH_USD_SIM) / 2",
		PricePrecision: 2,
	}
	e := NewEngine(nil)
	if err := e.Add(def); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	e.OnTrade(schema.TradeTick{InstrumentID: btc, Price: dec("50000"), Size: dec("1")})
	out := e.OnTrade(schema.TradeTick{InstrumentID: eth, Price: dec("3000"), Size: dec("2")})
	if len(out) != 1 {
		t.Fatalf("expected 1 derived trade, got %d", len(out))
	}
	if !out[0].Price.Equal(dec("26500")) {
		t.Errorf("derived price = %s, want 26500", out[0].Price)
	}
	if !out[0].Size.Equal(dec("2")) {
		t.Errorf("derived size carries the trigger size, got %s", out[0].Size)
	}
}

func TestFormulaCompileError(t *testing.T) {
	def := spreadDef()
	def.Formula = "BTC_USD_SIM +"
	e := NewEngine(nil)
	if err := e.Add(def); !errs.HasCode(err, errs.CodeInvalid) {
		t.Errorf("broken formula error = %v", err)
	}
}

func TestAddRemoveLifecycle(t *testing.T) {
	e := NewEngine(nil)
	def := spreadDef()
	if err := e.Add(def); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := e.Add(def); !errs.HasCode(err, errs.CodeDuplicate) {
		t.Errorf("re-add error = %v", err)
	}
	if got := len(e.Components()); got != 2 {
		t.Errorf("components = %d, want 2", got)
	}

	if err := e.Remove(def.ID()); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := e.Remove(def.ID()); !errs.HasCode(err, errs.CodeNotFound) {
		t.Errorf("double remove error = %v", err)
	}
	if got := len(e.Components()); got != 0 {
		t.Errorf("components after remove = %d, want 0", got)
	}
	if out := e.OnQuote(quote(btc, "1", "2")); len(out) != 0 {
		t.Errorf("removed synthetic still derives quotes")
	}
}
