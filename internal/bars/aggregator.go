package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// Emit delivers a completed bar downstream.
type Emit func(schema.Bar)

// Aggregator turns price/size observations into bars of one target type.
type Aggregator interface {
	BarType() schema.BarType
	OnQuote(quote schema.QuoteTick)
	OnTrade(trade schema.TradeTick)
	OnBar(bar schema.Bar)
}

// NewAggregator constructs the aggregator variant matching the bar type's
// aggregation unit. seedOpen controls empty-interval carry-forward for
// time-based bars.
func NewAggregator(barType schema.BarType, seedOpen bool, emit Emit) (Aggregator, error) {
	if err := barType.Validate(); err != nil {
		return nil, err
	}
	if barType.Source != schema.SourceInternal {
		return nil, errs.New("bars/aggregator", errs.CodeInvalid,
			errs.WithMessage("aggregators only produce internally sourced bars"),
			errs.WithField("bar_type", barType.String()))
	}
	if emit == nil {
		return nil, errs.New("bars/aggregator", errs.CodeInvalid,
			errs.WithMessage("emit callback required"))
	}

	switch barType.Aggregation {
	case schema.AggregationTick:
		return newTickAggregator(barType, emit), nil
	case schema.AggregationVolume:
		return newVolumeAggregator(barType, emit), nil
	case schema.AggregationValue:
		return newValueAggregator(barType, emit), nil
	default:
		return newTimeAggregator(barType, seedOpen, emit), nil
	}
}

type core struct {
	barType schema.BarType
	builder *Builder
	emit    Emit
}

func (c *core) BarType() schema.BarType {
	return c.barType
}

func (c *core) priceOf(quote schema.QuoteTick) decimal.Decimal {
	return quote.ExtractPrice(c.barType.PriceType)
}

func (c *core) sizeOf(quote schema.QuoteTick) decimal.Decimal {
	switch c.barType.PriceType {
	case schema.PriceBid:
		return quote.BidSize
	case schema.PriceAsk:
		return quote.AskSize
	default:
		return quote.BidSize.Add(quote.AskSize).Div(decimal.NewFromInt(2))
	}
}

func (c *core) buildNow(closeTime time.Time) {
	bar, ok := c.builder.Build(closeTime)
	if !ok {
		return
	}
	c.emit(bar)
}

// tickAggregator closes a bar every Step ticks.
type tickAggregator struct {
	core
	threshold int
}

func newTickAggregator(barType schema.BarType, emit Emit) *tickAggregator {
	a := new(tickAggregator)
	a.barType = barType
	a.builder = NewBuilder(barType, false)
	a.emit = emit
	a.threshold = barType.Step
	return a
}

func (a *tickAggregator) update(price, size decimal.Decimal, ts time.Time) {
	a.builder.Update(price, size, ts)
	if a.builder.Count() >= a.threshold {
		a.buildNow(ts)
	}
}

func (a *tickAggregator) OnQuote(quote schema.QuoteTick) {
	a.update(a.priceOf(quote), a.sizeOf(quote), quote.EventTime)
}

func (a *tickAggregator) OnTrade(trade schema.TradeTick) {
	a.update(trade.Price, trade.Size, trade.EventTime)
}

func (a *tickAggregator) OnBar(bar schema.Bar) {
	a.builder.UpdateBar(bar)
	if a.builder.Count() >= a.threshold {
		a.buildNow(bar.CloseTime)
	}
}

// volumeAggregator closes a bar every Step units of traded volume. An update
// larger than the remaining capacity is split across consecutive bars.
type volumeAggregator struct {
	core
	threshold decimal.Decimal
	cumVolume decimal.Decimal
}

func newVolumeAggregator(barType schema.BarType, emit Emit) *volumeAggregator {
	a := new(volumeAggregator)
	a.barType = barType
	a.builder = NewBuilder(barType, false)
	a.emit = emit
	a.threshold = decimal.NewFromInt(int64(barType.Step))
	return a
}

func (a *volumeAggregator) update(price, size decimal.Decimal, ts time.Time) {
	remaining := size
	for remaining.Sign() > 0 {
		capacity := a.threshold.Sub(a.cumVolume)
		if remaining.LessThan(capacity) {
			a.builder.Update(price, remaining, ts)
			a.cumVolume = a.cumVolume.Add(remaining)
			return
		}
		a.builder.Update(price, capacity, ts)
		a.buildNow(ts)
		a.cumVolume = decimal.Decimal{}
		remaining = remaining.Sub(capacity)
	}
}

func (a *volumeAggregator) OnQuote(quote schema.QuoteTick) {
	a.update(a.priceOf(quote), a.sizeOf(quote), quote.EventTime)
}

func (a *volumeAggregator) OnTrade(trade schema.TradeTick) {
	a.update(trade.Price, trade.Size, trade.EventTime)
}

func (a *volumeAggregator) OnBar(bar schema.Bar) {
	a.update(bar.Close, bar.Volume, bar.CloseTime)
}

// valueAggregator closes a bar every Step units of traded value
// (price x size), splitting oversized updates like the volume variant.
type valueAggregator struct {
	core
	threshold decimal.Decimal
	cumValue  decimal.Decimal
}

func newValueAggregator(barType schema.BarType, emit Emit) *valueAggregator {
	a := new(valueAggregator)
	a.barType = barType
	a.builder = NewBuilder(barType, false)
	a.emit = emit
	a.threshold = decimal.NewFromInt(int64(barType.Step))
	return a
}

func (a *valueAggregator) update(price, size decimal.Decimal, ts time.Time) {
	if price.Sign() <= 0 {
		return
	}
	remaining := size
	for remaining.Sign() > 0 {
		valueUpdate := price.Mul(remaining)
		capacity := a.threshold.Sub(a.cumValue)
		if valueUpdate.LessThan(capacity) {
			a.builder.Update(price, remaining, ts)
			a.cumValue = a.cumValue.Add(valueUpdate)
			return
		}
		sizeForBar := capacity.Div(price)
		a.builder.Update(price, sizeForBar, ts)
		a.buildNow(ts)
		a.cumValue = decimal.Decimal{}
		remaining = remaining.Sub(sizeForBar)
	}
}

func (a *valueAggregator) OnQuote(quote schema.QuoteTick) {
	a.update(a.priceOf(quote), a.sizeOf(quote), quote.EventTime)
}

func (a *valueAggregator) OnTrade(trade schema.TradeTick) {
	a.update(trade.Price, trade.Size, trade.EventTime)
}

func (a *valueAggregator) OnBar(bar schema.Bar) {
	a.update(bar.Close, bar.Volume, bar.CloseTime)
}

// timeAggregator closes bars on wall-clock interval boundaries derived from
// event timestamps. Windows are left-closed right-open for ticks; an origin
// bar closing exactly on the boundary belongs to the closing window.
type timeAggregator struct {
	core
	interval  time.Duration
	windowEnd time.Time
}

func newTimeAggregator(barType schema.BarType, seedOpen bool, emit Emit) *timeAggregator {
	a := new(timeAggregator)
	a.barType = barType
	a.builder = NewBuilder(barType, seedOpen)
	a.emit = emit
	a.interval = barType.Aggregation.Interval(barType.Step)
	return a
}

func (a *timeAggregator) openWindow(ts time.Time) {
	start := ts.Truncate(a.interval)
	a.windowEnd = start.Add(a.interval)
}

func (a *timeAggregator) update(price, size decimal.Decimal, ts time.Time) {
	if a.windowEnd.IsZero() {
		a.openWindow(ts)
	}
	for !ts.Before(a.windowEnd) {
		a.buildNow(a.windowEnd)
		a.windowEnd = a.windowEnd.Add(a.interval)
	}
	a.builder.Update(price, size, ts)
}

func (a *timeAggregator) OnQuote(quote schema.QuoteTick) {
	a.update(a.priceOf(quote), a.sizeOf(quote), quote.EventTime)
}

func (a *timeAggregator) OnTrade(trade schema.TradeTick) {
	a.update(trade.Price, trade.Size, trade.EventTime)
}

func (a *timeAggregator) OnBar(bar schema.Bar) {
	if a.windowEnd.IsZero() {
		// Align the window to the origin bar's close so N origin bars
		// fill exactly one target bar.
		start := bar.CloseTime.Add(-time.Nanosecond).Truncate(a.interval)
		a.windowEnd = start.Add(a.interval)
	}
	for bar.CloseTime.After(a.windowEnd) {
		a.buildNow(a.windowEnd)
		a.windowEnd = a.windowEnd.Add(a.interval)
	}
	a.builder.UpdateBar(bar)
	if bar.CloseTime.Equal(a.windowEnd) {
		a.buildNow(a.windowEnd)
		a.windowEnd = a.windowEnd.Add(a.interval)
	}
}

// AdvanceTo force-closes any window ending at or before now, emitting seeded
// bars for empty intervals when configured. Used by the engine's clock.
func (a *timeAggregator) AdvanceTo(now time.Time) {
	if a.windowEnd.IsZero() {
		return
	}
	for !now.Before(a.windowEnd) {
		a.buildNow(a.windowEnd)
		a.windowEnd = a.windowEnd.Add(a.interval)
	}
}
