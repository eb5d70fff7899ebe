package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
)

// Instrument describes a tradeable instrument and its precision metadata.
// Instances are immutable once added to the shared cache; updates replace
// the whole value.
type Instrument struct {
	ID             InstrumentID
	BaseCurrency   string
	QuoteCurrency  string
	PricePrecision int32
	SizePrecision  int32
	PriceIncrement decimal.Decimal
	SizeIncrement  decimal.Decimal
	Multiplier     decimal.Decimal
	UpdatedAt      time.Time
}

// Validate checks the precision metadata is usable for price construction.
func (i Instrument) Validate() error {
	if err := i.ID.Validate(); err != nil {
		return err
	}
	if i.PricePrecision < 0 || i.SizePrecision < 0 {
		return errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("precision must be non-negative"),
			errs.WithField("instrument", i.ID.String()))
	}
	if i.PriceIncrement.Sign() < 0 || i.SizeIncrement.Sign() < 0 {
		return errs.New("schema/instrument", errs.CodeInvalid,
			errs.WithMessage("increment must be non-negative"),
			errs.WithField("instrument", i.ID.String()))
	}
	return nil
}

// MakePrice rounds the value to the instrument's price precision.
func (i Instrument) MakePrice(value decimal.Decimal) decimal.Decimal {
	return value.Round(i.PricePrecision)
}

// MakeQty rounds the value to the instrument's size precision.
func (i Instrument) MakeQty(value decimal.Decimal) decimal.Decimal {
	return value.Round(i.SizePrecision)
}

// InstrumentStatus reports a venue-published instrument trading status.
type InstrumentStatus struct {
	InstrumentID InstrumentID
	Status       string
	Reason       string
	EventTime    time.Time
	IngestTime   time.Time
}

// InstrumentClose reports a venue-published closing price.
type InstrumentClose struct {
	InstrumentID InstrumentID
	ClosePrice   decimal.Decimal
	CloseType    string
	EventTime    time.Time
	IngestTime   time.Time
}
