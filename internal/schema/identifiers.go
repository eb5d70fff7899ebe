// Package schema defines the canonical market data model shared across the engine.
package schema

import (
	"strings"

	"github.com/coachpo/tidemark/errs"
)

// Venue names a trading or data source (exchange, broker, vendor).
type Venue string

// ClientID identifies a registered venue client.
type ClientID string

// ConsumerID identifies an internal data consumer (strategy, actor).
type ConsumerID string

// InstrumentID identifies an instrument by symbol and venue.
type InstrumentID struct {
	Symbol string
	Venue  Venue
}

// NewInstrumentID builds an instrument id from a symbol and venue.
func NewInstrumentID(symbol string, venue Venue) InstrumentID {
	return InstrumentID{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Venue:  Venue(strings.ToUpper(strings.TrimSpace(string(venue)))),
	}
}

// ParseInstrumentID parses the "SYMBOL.VENUE" form.
func ParseInstrumentID(value string) (InstrumentID, error) {
	trimmed := strings.TrimSpace(value)
	idx := strings.LastIndex(trimmed, ".")
	if idx <= 0 || idx == len(trimmed)-1 {
		return InstrumentID{}, errs.New("schema/instrument-id", errs.CodeInvalid,
			errs.WithMessage("instrument id requires SYMBOL.VENUE"))
	}
	return NewInstrumentID(trimmed[:idx], Venue(trimmed[idx+1:])), nil
}

// Validate ensures both symbol and venue are present.
func (id InstrumentID) Validate() error {
	if strings.TrimSpace(id.Symbol) == "" {
		return errs.New("schema/instrument-id", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if strings.TrimSpace(string(id.Venue)) == "" {
		return errs.New("schema/instrument-id", errs.CodeInvalid, errs.WithMessage("venue required"))
	}
	return nil
}

// IsZero reports whether the id is unset.
func (id InstrumentID) IsZero() bool {
	return id.Symbol == "" && id.Venue == ""
}

func (id InstrumentID) String() string {
	return id.Symbol + "." + string(id.Venue)
}

// DataKind enumerates the closed set of routable data categories.
type DataKind string

const (
	// KindInstrument identifies single instrument definitions.
	KindInstrument DataKind = "instrument"
	// KindInstruments identifies venue-wide instrument definition sets.
	KindInstruments DataKind = "instruments"
	// KindQuote identifies top-of-book quote ticks.
	KindQuote DataKind = "quote"
	// KindTrade identifies trade ticks.
	KindTrade DataKind = "trade"
	// KindBookDelta identifies order book delta batches.
	KindBookDelta DataKind = "book_delta"
	// KindBookSnapshot identifies depth-limited order book snapshots.
	KindBookSnapshot DataKind = "book_snapshot"
	// KindBar identifies OHLCV bars.
	KindBar DataKind = "bar"
	// KindMarkPrice identifies mark price updates.
	KindMarkPrice DataKind = "mark_price"
	// KindIndexPrice identifies index price updates.
	KindIndexPrice DataKind = "index_price"
	// KindInstrumentStatus identifies instrument status transitions.
	KindInstrumentStatus DataKind = "instrument_status"
	// KindInstrumentClose identifies instrument close prices.
	KindInstrumentClose DataKind = "instrument_close"
)

// Validate reports whether the kind belongs to the closed set.
func (k DataKind) Validate() error {
	switch k {
	case KindInstrument, KindInstruments, KindQuote, KindTrade, KindBookDelta,
		KindBookSnapshot, KindBar, KindMarkPrice, KindIndexPrice,
		KindInstrumentStatus, KindInstrumentClose:
		return nil
	default:
		return errs.New("schema/data-kind", errs.CodeInvalid,
			errs.WithMessage("unrecognized data kind"), errs.WithField("kind", string(k)))
	}
}
