// Package cache provides the shared instrument and bar caches owned by the engine.
//
// Instruments are stored by value and replaced wholesale on update, so readers
// never observe partial mutation. Components hold instrument ids, not
// references, and look entries up on demand.
package cache

import (
	"sync"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// InstrumentCache stores immutable instrument definitions keyed by id.
type InstrumentCache struct {
	mu          sync.RWMutex
	instruments map[schema.InstrumentID]schema.Instrument
}

// NewInstrumentCache constructs an empty instrument cache.
func NewInstrumentCache() *InstrumentCache {
	cache := new(InstrumentCache)
	cache.instruments = make(map[schema.InstrumentID]schema.Instrument)
	return cache
}

// Add validates and stores the instrument, replacing any previous definition.
func (c *InstrumentCache) Add(instrument schema.Instrument) error {
	if err := instrument.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.instruments[instrument.ID] = instrument
	c.mu.Unlock()
	return nil
}

// Get returns the instrument definition if present.
func (c *InstrumentCache) Get(id schema.InstrumentID) (schema.Instrument, bool) {
	c.mu.RLock()
	instrument, ok := c.instruments[id]
	c.mu.RUnlock()
	return instrument, ok
}

// MustGet returns the instrument or a not-found error.
func (c *InstrumentCache) MustGet(id schema.InstrumentID) (schema.Instrument, error) {
	instrument, ok := c.Get(id)
	if !ok {
		return schema.Instrument{}, errs.New("cache/instrument", errs.CodeNotFound,
			errs.WithMessage("instrument not in cache"),
			errs.WithField("instrument", id.String()))
	}
	return instrument, nil
}

// Venue returns all instruments for the given venue.
func (c *InstrumentCache) Venue(venue schema.Venue) []schema.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []schema.Instrument
	for id, instrument := range c.instruments {
		if id.Venue == venue {
			out = append(out, instrument)
		}
	}
	return out
}

// Len returns the number of cached instruments.
func (c *InstrumentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments)
}

// BarCache stores the last accepted bar per bar type.
type BarCache struct {
	mu   sync.RWMutex
	bars map[schema.BarType]schema.Bar
}

// NewBarCache constructs an empty bar cache.
func NewBarCache() *BarCache {
	cache := new(BarCache)
	cache.bars = make(map[schema.BarType]schema.Bar)
	return cache
}

// Put stores the bar as the latest for its type.
func (c *BarCache) Put(bar schema.Bar) {
	c.mu.Lock()
	c.bars[bar.BarType] = bar
	c.mu.Unlock()
}

// Last returns the most recently accepted bar for the type.
func (c *BarCache) Last(barType schema.BarType) (schema.Bar, bool) {
	c.mu.RLock()
	bar, ok := c.bars[barType]
	c.mu.RUnlock()
	return bar, ok
}

// Drop removes the cached bar for the type.
func (c *BarCache) Drop(barType schema.BarType) {
	c.mu.Lock()
	delete(c.bars, barType)
	c.mu.Unlock()
}
