package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// AggressorSide indicates which side initiated a trade.
type AggressorSide string

const (
	// AggressorBuyer marks buyer-initiated trades.
	AggressorBuyer AggressorSide = "buyer"
	// AggressorSeller marks seller-initiated trades.
	AggressorSeller AggressorSide = "seller"
	// AggressorUnknown marks trades with no aggressor information.
	AggressorUnknown AggressorSide = "unknown"
)

// QuoteTick is a top-of-book quote for an instrument.
type QuoteTick struct {
	InstrumentID InstrumentID
	BidPrice     decimal.Decimal
	AskPrice     decimal.Decimal
	BidSize      decimal.Decimal
	AskSize      decimal.Decimal
	EventTime    time.Time
	IngestTime   time.Time
}

// Mid returns the midpoint of the bid and ask prices.
func (q QuoteTick) Mid() decimal.Decimal {
	return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
}

// ExtractPrice returns the price matching the requested price type.
func (q QuoteTick) ExtractPrice(priceType PriceType) decimal.Decimal {
	switch priceType {
	case PriceBid:
		return q.BidPrice
	case PriceAsk:
		return q.AskPrice
	default:
		return q.Mid()
	}
}

// TradeTick is a single executed trade for an instrument.
type TradeTick struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	Size         decimal.Decimal
	Aggressor    AggressorSide
	TradeID      string
	EventTime    time.Time
	IngestTime   time.Time
}

// MarkPriceUpdate is a venue-computed mark price.
type MarkPriceUpdate struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	EventTime    time.Time
	IngestTime   time.Time
}

// IndexPriceUpdate is a venue-computed index price.
type IndexPriceUpdate struct {
	InstrumentID InstrumentID
	Price        decimal.Decimal
	EventTime    time.Time
	IngestTime   time.Time
}
