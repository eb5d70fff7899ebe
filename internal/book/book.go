// Package book maintains order book state reconstructed from venue deltas and snapshots.
package book

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/internal/schema"
)

// OrderBook is a mutable ladder of bid/ask price levels for one instrument.
// It is owned exclusively by the Manager; callers interact through snapshots.
type OrderBook struct {
	instrumentID schema.InstrumentID
	bids         map[string]decimal.Decimal
	asks         map[string]decimal.Decimal
	lastSeq      uint64
	lastUpdate   time.Time
}

// NewOrderBook constructs an empty book for the instrument.
func NewOrderBook(instrumentID schema.InstrumentID) *OrderBook {
	b := new(OrderBook)
	b.instrumentID = instrumentID
	b.bids = make(map[string]decimal.Decimal)
	b.asks = make(map[string]decimal.Decimal)
	return b
}

// InstrumentID returns the owning instrument id.
func (b *OrderBook) InstrumentID() schema.InstrumentID {
	return b.instrumentID
}

// LastSequence returns the sequence number of the last applied delta.
func (b *OrderBook) LastSequence() uint64 {
	return b.lastSeq
}

// Apply mutates the ladder with a single delta.
func (b *OrderBook) Apply(delta schema.OrderBookDelta) {
	side := b.bids
	if delta.Side == schema.SideSell {
		side = b.asks
	}
	switch delta.Action {
	case schema.ActionClear:
		b.clear()
	case schema.ActionDelete:
		delete(side, delta.Price.String())
	case schema.ActionAdd, schema.ActionUpdate:
		if delta.Size.Sign() <= 0 {
			delete(side, delta.Price.String())
			break
		}
		side[delta.Price.String()] = delta.Size
	}
	if delta.Sequence > b.lastSeq {
		b.lastSeq = delta.Sequence
	}
	if !delta.EventTime.IsZero() {
		b.lastUpdate = delta.EventTime
	}
}

// ApplyAll mutates the ladder with an ordered batch of deltas.
func (b *OrderBook) ApplyAll(deltas schema.OrderBookDeltas) {
	for _, delta := range deltas.Deltas {
		b.Apply(delta)
	}
}

// ReplaceFromSnapshot resets the ladder to the snapshot contents.
func (b *OrderBook) ReplaceFromSnapshot(snapshot schema.OrderBookSnapshot) {
	b.clear()
	for _, level := range snapshot.Bids {
		if level.Size.Sign() > 0 {
			b.bids[level.Price.String()] = level.Size
		}
	}
	for _, level := range snapshot.Asks {
		if level.Size.Sign() > 0 {
			b.asks[level.Price.String()] = level.Size
		}
	}
	b.lastSeq = snapshot.Sequence
	if !snapshot.EventTime.IsZero() {
		b.lastUpdate = snapshot.EventTime
	}
}

// BestBid returns the highest bid level, if any.
func (b *OrderBook) BestBid() (schema.BookLevel, bool) {
	return bestLevel(b.bids, true)
}

// BestAsk returns the lowest ask level, if any.
func (b *OrderBook) BestAsk() (schema.BookLevel, bool) {
	return bestLevel(b.asks, false)
}

// Snapshot produces a depth-limited view of the ladder (depth<=0 keeps all levels).
func (b *OrderBook) Snapshot(depth int) schema.OrderBookSnapshot {
	return schema.OrderBookSnapshot{
		InstrumentID: b.instrumentID,
		Bids:         sortedLevels(b.bids, true, depth),
		Asks:         sortedLevels(b.asks, false, depth),
		Sequence:     b.lastSeq,
		EventTime:    b.lastUpdate,
	}
}

func (b *OrderBook) clear() {
	for price := range b.bids {
		delete(b.bids, price)
	}
	for price := range b.asks {
		delete(b.asks, price)
	}
}

func bestLevel(side map[string]decimal.Decimal, isBid bool) (schema.BookLevel, bool) {
	var best schema.BookLevel
	found := false
	for key, size := range side {
		price, err := decimal.NewFromString(key)
		if err != nil {
			continue
		}
		if !found || (isBid && price.GreaterThan(best.Price)) || (!isBid && price.LessThan(best.Price)) {
			best = schema.BookLevel{Price: price, Size: size}
			found = true
		}
	}
	return best, found
}

func sortedLevels(side map[string]decimal.Decimal, isBid bool, depth int) []schema.BookLevel {
	if len(side) == 0 {
		return nil
	}
	levels := make([]schema.BookLevel, 0, len(side))
	for key, size := range side {
		price, err := decimal.NewFromString(key)
		if err != nil || size.Sign() <= 0 {
			continue
		}
		levels = append(levels, schema.BookLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if isBid {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	return levels
}
