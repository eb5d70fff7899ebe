// Package bars aggregates ticks and finer bars into target bar types and
// arbitrates revisions of externally produced bars.
package bars

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/schema"
)

// Builder accumulates open/high/low/close state for one bar under
// construction. It is reset on every emitted bar.
type Builder struct {
	barType   schema.BarType
	seedOpen  bool
	open      decimal.Decimal
	high      decimal.Decimal
	low       decimal.Decimal
	close     decimal.Decimal
	volume    decimal.Decimal
	lastClose decimal.Decimal
	hasLast   bool
	started   bool
	count     int
	tsLast    time.Time
}

// NewBuilder constructs a builder for the bar type. When seedOpen is set, an
// empty interval emits a bar carried from the previous close instead of being
// skipped.
func NewBuilder(barType schema.BarType, seedOpen bool) *Builder {
	b := new(Builder)
	b.barType = barType
	b.seedOpen = seedOpen
	return b
}

// Update folds a single price/size observation into the bar.
func (b *Builder) Update(price, size decimal.Decimal, ts time.Time) {
	if b.started && ts.Before(b.tsLast) {
		return // time-travelling update, dropped
	}
	if b.count == 0 {
		b.open = price
		b.high = price
		b.low = price
	} else {
		if price.GreaterThan(b.high) {
			b.high = price
		}
		if price.LessThan(b.low) {
			b.low = price
		}
	}
	b.close = price
	b.volume = b.volume.Add(size)
	b.count++
	b.started = true
	b.tsLast = ts
}

// UpdateBar folds a finer-grained bar into the builder.
func (b *Builder) UpdateBar(bar schema.Bar) {
	if b.started && bar.CloseTime.Before(b.tsLast) {
		return
	}
	if b.count == 0 {
		b.open = bar.Open
		b.high = bar.High
		b.low = bar.Low
	} else {
		if bar.High.GreaterThan(b.high) {
			b.high = bar.High
		}
		if bar.Low.LessThan(b.low) {
			b.low = bar.Low
		}
	}
	b.close = bar.Close
	b.volume = b.volume.Add(bar.Volume)
	b.count++
	b.started = true
	b.tsLast = bar.CloseTime
}

// Count returns the number of updates folded into the current bar.
func (b *Builder) Count() int {
	return b.count
}

// Empty reports whether the current interval received no updates.
func (b *Builder) Empty() bool {
	return b.count == 0
}

// Build emits the accumulated bar with the given close time and resets the
// builder. An empty interval returns ok=false unless open seeding is enabled
// and a previous close exists.
func (b *Builder) Build(closeTime time.Time) (schema.Bar, bool) {
	if b.count == 0 {
		if !b.seedOpen || !b.hasLast {
			return schema.Bar{}, false
		}
		b.open = b.lastClose
		b.high = b.lastClose
		b.low = b.lastClose
		b.close = b.lastClose
	}

	// Close must stay inside the high/low range.
	if b.close.LessThan(b.low) {
		b.low = b.close
	}
	if b.close.GreaterThan(b.high) {
		b.high = b.close
	}

	bar := schema.Bar{
		BarType:    b.barType,
		Open:       b.open,
		High:       b.high,
		Low:        b.low,
		Close:      b.close,
		Volume:     b.volume,
		CloseTime:  closeTime,
		IngestTime: time.Now().UTC(),
	}
	b.lastClose = b.close
	b.hasLast = true
	b.reset()
	return bar, true
}

func (b *Builder) reset() {
	b.open = decimal.Decimal{}
	b.high = decimal.Decimal{}
	b.low = decimal.Decimal{}
	b.close = decimal.Decimal{}
	b.volume = decimal.Decimal{}
	b.count = 0
}
