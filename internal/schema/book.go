package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the order book side a delta applies to.
type Side string

const (
	// SideBuy marks bid-side updates.
	SideBuy Side = "buy"
	// SideSell marks ask-side updates.
	SideSell Side = "sell"
)

// BookAction enumerates order book delta actions.
type BookAction string

const (
	// ActionAdd inserts a new price level or order.
	ActionAdd BookAction = "add"
	// ActionUpdate replaces the size at an existing level.
	ActionUpdate BookAction = "update"
	// ActionDelete removes a price level or order.
	ActionDelete BookAction = "delete"
	// ActionClear wipes the whole book.
	ActionClear BookAction = "clear"
)

// RecordFlag is a bit field carried on order book deltas.
type RecordFlag uint8

const (
	// FlagLast marks the terminal delta of an atomic multi-part update.
	FlagLast RecordFlag = 1 << 7
	// FlagSnapshot marks deltas produced from a snapshot rather than a stream.
	FlagSnapshot RecordFlag = 1 << 6
)

// Matches reports whether all bits of f are set in flags.
func (f RecordFlag) Matches(flags RecordFlag) bool {
	return flags&f == f
}

// OrderBookDelta is a single price level change.
type OrderBookDelta struct {
	InstrumentID InstrumentID
	Action       BookAction
	Side         Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	OrderID      string
	Sequence     uint64
	Flags        RecordFlag
	EventTime    time.Time
	IngestTime   time.Time
}

// IsLast reports whether this delta terminates an atomic batch.
func (d OrderBookDelta) IsLast() bool {
	return FlagLast.Matches(d.Flags)
}

// OrderBookDeltas is an ordered batch of deltas forming one atomic update.
type OrderBookDeltas struct {
	InstrumentID InstrumentID
	Deltas       []OrderBookDelta
}

// Sequence returns the sequence number of the final delta in the batch.
func (d OrderBookDeltas) Sequence() uint64 {
	if len(d.Deltas) == 0 {
		return 0
	}
	return d.Deltas[len(d.Deltas)-1].Sequence
}

// IsComplete reports whether the batch terminates with a FlagLast delta.
func (d OrderBookDeltas) IsComplete() bool {
	if len(d.Deltas) == 0 {
		return false
	}
	return d.Deltas[len(d.Deltas)-1].IsLast()
}

// BookLevel is one aggregated price level of an order book snapshot.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is a depth-limited view of a book at a point in time.
type OrderBookSnapshot struct {
	InstrumentID InstrumentID
	Bids         []BookLevel
	Asks         []BookLevel
	Sequence     uint64
	EventTime    time.Time
	IngestTime   time.Time
}
