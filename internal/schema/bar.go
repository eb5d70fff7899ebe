package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
)

// BarAggregation enumerates supported bar aggregation units.
type BarAggregation string

const (
	// AggregationTick closes bars after a fixed number of ticks.
	AggregationTick BarAggregation = "tick"
	// AggregationVolume closes bars after a cumulative traded volume.
	AggregationVolume BarAggregation = "volume"
	// AggregationValue closes bars after a cumulative traded value.
	AggregationValue BarAggregation = "value"
	// AggregationSecond closes bars on second boundaries.
	AggregationSecond BarAggregation = "second"
	// AggregationMinute closes bars on minute boundaries.
	AggregationMinute BarAggregation = "minute"
	// AggregationHour closes bars on hour boundaries.
	AggregationHour BarAggregation = "hour"
	// AggregationDay closes bars on day boundaries.
	AggregationDay BarAggregation = "day"
)

// IsTimeBased reports whether the aggregation closes on wall-clock boundaries.
func (a BarAggregation) IsTimeBased() bool {
	switch a {
	case AggregationSecond, AggregationMinute, AggregationHour, AggregationDay:
		return true
	default:
		return false
	}
}

// Interval returns the wall-clock duration of one step for time-based aggregations.
func (a BarAggregation) Interval(step int) time.Duration {
	switch a {
	case AggregationSecond:
		return time.Duration(step) * time.Second
	case AggregationMinute:
		return time.Duration(step) * time.Minute
	case AggregationHour:
		return time.Duration(step) * time.Hour
	case AggregationDay:
		return time.Duration(step) * 24 * time.Hour
	default:
		return 0
	}
}

// PriceType selects which price stream feeds an aggregation.
type PriceType string

const (
	// PriceBid aggregates bid prices.
	PriceBid PriceType = "bid"
	// PriceAsk aggregates ask prices.
	PriceAsk PriceType = "ask"
	// PriceMid aggregates quote midpoints.
	PriceMid PriceType = "mid"
	// PriceLast aggregates traded prices.
	PriceLast PriceType = "last"
)

// AggregationSource distinguishes venue-produced and locally computed bars.
type AggregationSource string

const (
	// SourceExternal marks bars produced by the venue.
	SourceExternal AggregationSource = "external"
	// SourceInternal marks bars computed locally from finer data.
	SourceInternal AggregationSource = "internal"
)

// BarType fully specifies a bar stream.
type BarType struct {
	InstrumentID InstrumentID
	Step         int
	Aggregation  BarAggregation
	PriceType    PriceType
	Source       AggregationSource
}

// Validate checks the bar type is well formed.
func (t BarType) Validate() error {
	if err := t.InstrumentID.Validate(); err != nil {
		return err
	}
	if t.Step <= 0 {
		return errs.New("schema/bar-type", errs.CodeInvalid,
			errs.WithMessage("step must be positive"),
			errs.WithField("bar_type", t.String()))
	}
	switch t.Aggregation {
	case AggregationTick, AggregationVolume, AggregationValue,
		AggregationSecond, AggregationMinute, AggregationHour, AggregationDay:
	default:
		return errs.New("schema/bar-type", errs.CodeInvalid,
			errs.WithMessage("unsupported aggregation"),
			errs.WithField("bar_type", t.String()))
	}
	switch t.Source {
	case SourceExternal, SourceInternal:
	default:
		return errs.New("schema/bar-type", errs.CodeInvalid,
			errs.WithMessage("unsupported aggregation source"),
			errs.WithField("bar_type", t.String()))
	}
	return nil
}

// Spec returns the bar type without its instrument, used as a map key suffix.
func (t BarType) Spec() string {
	return fmt.Sprintf("%d-%s-%s-%s", t.Step, t.Aggregation, t.PriceType, t.Source)
}

func (t BarType) String() string {
	return t.InstrumentID.String() + "-" + t.Spec()
}

// ParseBarType parses the "SYMBOL.VENUE-STEP-AGG-PRICETYPE-SOURCE" form.
func ParseBarType(value string) (BarType, error) {
	parts := strings.Split(strings.TrimSpace(value), "-")
	if len(parts) < 5 {
		return BarType{}, errs.New("schema/bar-type", errs.CodeInvalid,
			errs.WithMessage("bar type requires instrument-step-aggregation-pricetype-source"))
	}
	instrumentPart := strings.Join(parts[:len(parts)-4], "-")
	id, err := ParseInstrumentID(instrumentPart)
	if err != nil {
		return BarType{}, err
	}
	var step int
	if _, err := fmt.Sscanf(parts[len(parts)-4], "%d", &step); err != nil {
		return BarType{}, errs.New("schema/bar-type", errs.CodeInvalid,
			errs.WithMessage("step must be an integer"), errs.WithCause(err))
	}
	barType := BarType{
		InstrumentID: id,
		Step:         step,
		Aggregation:  BarAggregation(parts[len(parts)-3]),
		PriceType:    PriceType(parts[len(parts)-2]),
		Source:       AggregationSource(parts[len(parts)-1]),
	}
	if err := barType.Validate(); err != nil {
		return BarType{}, err
	}
	return barType, nil
}

// Bar is one OHLCV aggregation with its closing timestamp.
type Bar struct {
	BarType    BarType
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	CloseTime  time.Time
	IngestTime time.Time
	IsRevision bool
}
