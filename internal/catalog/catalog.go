// Package catalog persists and queries historical market data. Two backends
// are provided: partitioned parquet files on disk and Postgres.
package catalog

import (
	"context"
	"time"

	"github.com/coachpo/tidemark/internal/schema"
)

// Store reads and writes historical ticks and bars.
type Store interface {
	WriteQuotes(ctx context.Context, quotes []schema.QuoteTick, mode schema.WriteMode) error
	WriteTrades(ctx context.Context, trades []schema.TradeTick, mode schema.WriteMode) error
	WriteBars(ctx context.Context, bars []schema.Bar, mode schema.WriteMode) error

	QueryQuotes(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error)
	QueryTrades(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error)
	QueryBars(ctx context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error)

	// QuoteBound, TradeBound, and BarBound return the latest persisted event
	// time for a stream, used to stitch catalog data with live history.
	QuoteBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error)
	TradeBound(ctx context.Context, id schema.InstrumentID) (time.Time, bool, error)
	BarBound(ctx context.Context, barType schema.BarType) (time.Time, bool, error)

	Close(ctx context.Context) error
}

// inRange reports whether ts falls in the half-open [start, end) window. A
// zero bound is unbounded on its side.
func inRange(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	return end.IsZero() || ts.Before(end)
}
