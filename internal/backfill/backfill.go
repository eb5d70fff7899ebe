// Package backfill reconciles historical data between the catalog and a live
// venue source, stitching the two at the catalog's time bound.
package backfill

import (
	"context"
	"time"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/catalog"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// defaultRecentLimit bounds rangeless requests to the most recent records.
const defaultRecentLimit = 100

// LiveSource serves historical data straight from a venue.
type LiveSource interface {
	RequestQuotes(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error)
	RequestTrades(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error)
	RequestBars(ctx context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error)
}

// Reconciler answers historical requests from the catalog, the live source,
// or both stitched together. Either collaborator may be nil.
type Reconciler struct {
	store  catalog.Store
	source LiveSource
	log    observability.Logger
}

// NewReconciler constructs a reconciler over the optional catalog store and
// optional live source.
func NewReconciler(store catalog.Store, source LiveSource, log observability.Logger) *Reconciler {
	if log == nil {
		log = observability.Log()
	}
	r := new(Reconciler)
	r.store = store
	r.source = source
	r.log = log
	return r
}

func (r *Reconciler) check() error {
	if r.store == nil && r.source == nil {
		return errs.New("backfill", errs.CodeUnavailable,
			errs.WithMessage("no catalog and no live source configured"))
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}

// Bars reconciles a historical bar request per its range, limit, and write
// mode. Results are ascending by close time with no boundary duplicates.
func (r *Reconciler) Bars(ctx context.Context, req schema.DataRequest) ([]schema.Bar, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	// Rangeless requests return the most recent records from the freshest
	// configured source.
	if !req.HasRange() {
		limit := limitOrDefault(req.Limit)
		if r.source != nil {
			bars, err := r.source.RequestBars(ctx, req.BarType, time.Time{}, time.Time{}, limit)
			if err == nil && r.store != nil {
				if werr := r.store.WriteBars(ctx, bars, req.WriteMode); werr != nil {
					r.log.Warn("catalog write failed", observability.F("error", werr))
				}
			}
			return bars, err
		}
		return r.store.QueryBars(ctx, req.BarType, time.Time{}, time.Time{}, limit)
	}

	if r.store == nil {
		return r.source.RequestBars(ctx, req.BarType, req.Start, req.End, req.Limit)
	}

	cataloged, err := r.store.QueryBars(ctx, req.BarType, req.Start, req.End, 0)
	if err != nil {
		return nil, err
	}
	if r.source == nil {
		return clampBars(cataloged, req.Limit), nil
	}

	// Stitch: live data resumes strictly after the last cataloged close.
	liveStart := req.Start
	if len(cataloged) > 0 {
		liveStart = cataloged[len(cataloged)-1].CloseTime.Add(time.Nanosecond)
	}
	live, err := r.source.RequestBars(ctx, req.BarType, liveStart, req.End, 0)
	if err != nil {
		r.log.Warn("live bar backfill failed, serving catalog only",
			observability.F("bar_type", req.BarType.String()),
			observability.F("error", err))
		return clampBars(cataloged, req.Limit), nil
	}
	live = trimBarsBefore(live, liveStart)
	if len(live) > 0 {
		if werr := r.store.WriteBars(ctx, live, req.WriteMode); werr != nil {
			r.log.Warn("catalog write failed", observability.F("error", werr))
		}
	}
	return clampBars(append(cataloged, live...), req.Limit), nil
}

// Quotes reconciles a historical quote request.
func (r *Reconciler) Quotes(ctx context.Context, req schema.DataRequest) ([]schema.QuoteTick, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	if !req.HasRange() {
		limit := limitOrDefault(req.Limit)
		if r.source != nil {
			quotes, err := r.source.RequestQuotes(ctx, req.InstrumentID, time.Time{}, time.Time{}, limit)
			if err == nil && r.store != nil {
				if werr := r.store.WriteQuotes(ctx, quotes, req.WriteMode); werr != nil {
					r.log.Warn("catalog write failed", observability.F("error", werr))
				}
			}
			return quotes, err
		}
		return r.store.QueryQuotes(ctx, req.InstrumentID, time.Time{}, time.Time{}, limit)
	}

	if r.store == nil {
		return r.source.RequestQuotes(ctx, req.InstrumentID, req.Start, req.End, req.Limit)
	}

	cataloged, err := r.store.QueryQuotes(ctx, req.InstrumentID, req.Start, req.End, 0)
	if err != nil {
		return nil, err
	}
	if r.source == nil {
		return clampQuotes(cataloged, req.Limit), nil
	}

	liveStart := req.Start
	if len(cataloged) > 0 {
		liveStart = cataloged[len(cataloged)-1].EventTime.Add(time.Nanosecond)
	}
	live, err := r.source.RequestQuotes(ctx, req.InstrumentID, liveStart, req.End, 0)
	if err != nil {
		r.log.Warn("live quote backfill failed, serving catalog only",
			observability.F("instrument", req.InstrumentID.String()),
			observability.F("error", err))
		return clampQuotes(cataloged, req.Limit), nil
	}
	live = trimQuotesBefore(live, liveStart)
	if len(live) > 0 {
		if werr := r.store.WriteQuotes(ctx, live, req.WriteMode); werr != nil {
			r.log.Warn("catalog write failed", observability.F("error", werr))
		}
	}
	return clampQuotes(append(cataloged, live...), req.Limit), nil
}

// Trades reconciles a historical trade request.
func (r *Reconciler) Trades(ctx context.Context, req schema.DataRequest) ([]schema.TradeTick, error) {
	if err := r.check(); err != nil {
		return nil, err
	}

	if !req.HasRange() {
		limit := limitOrDefault(req.Limit)
		if r.source != nil {
			trades, err := r.source.RequestTrades(ctx, req.InstrumentID, time.Time{}, time.Time{}, limit)
			if err == nil && r.store != nil {
				if werr := r.store.WriteTrades(ctx, trades, req.WriteMode); werr != nil {
					r.log.Warn("catalog write failed", observability.F("error", werr))
				}
			}
			return trades, err
		}
		return r.store.QueryTrades(ctx, req.InstrumentID, time.Time{}, time.Time{}, limit)
	}

	if r.store == nil {
		return r.source.RequestTrades(ctx, req.InstrumentID, req.Start, req.End, req.Limit)
	}

	cataloged, err := r.store.QueryTrades(ctx, req.InstrumentID, req.Start, req.End, 0)
	if err != nil {
		return nil, err
	}
	if r.source == nil {
		return clampTrades(cataloged, req.Limit), nil
	}

	liveStart := req.Start
	if len(cataloged) > 0 {
		liveStart = cataloged[len(cataloged)-1].EventTime.Add(time.Nanosecond)
	}
	live, err := r.source.RequestTrades(ctx, req.InstrumentID, liveStart, req.End, 0)
	if err != nil {
		r.log.Warn("live trade backfill failed, serving catalog only",
			observability.F("instrument", req.InstrumentID.String()),
			observability.F("error", err))
		return clampTrades(cataloged, req.Limit), nil
	}
	live = trimTradesBefore(live, liveStart)
	if len(live) > 0 {
		if werr := r.store.WriteTrades(ctx, live, req.WriteMode); werr != nil {
			r.log.Warn("catalog write failed", observability.F("error", werr))
		}
	}
	return clampTrades(append(cataloged, live...), req.Limit), nil
}

func clampBars(bars []schema.Bar, limit int) []schema.Bar {
	if limit > 0 && len(bars) > limit {
		return bars[len(bars)-limit:]
	}
	return bars
}

func clampQuotes(quotes []schema.QuoteTick, limit int) []schema.QuoteTick {
	if limit > 0 && len(quotes) > limit {
		return quotes[len(quotes)-limit:]
	}
	return quotes
}

func clampTrades(trades []schema.TradeTick, limit int) []schema.TradeTick {
	if limit > 0 && len(trades) > limit {
		return trades[len(trades)-limit:]
	}
	return trades
}

func trimBarsBefore(bars []schema.Bar, bound time.Time) []schema.Bar {
	out := bars[:0]
	for _, b := range bars {
		if !b.CloseTime.Before(bound) {
			out = append(out, b)
		}
	}
	return out
}

func trimQuotesBefore(quotes []schema.QuoteTick, bound time.Time) []schema.QuoteTick {
	out := quotes[:0]
	for _, q := range quotes {
		if !q.EventTime.Before(bound) {
			out = append(out, q)
		}
	}
	return out
}

func trimTradesBefore(trades []schema.TradeTick, bound time.Time) []schema.TradeTick {
	out := trades[:0]
	for _, tr := range trades {
		if !tr.EventTime.Before(bound) {
			out = append(out, tr)
		}
	}
	return out
}
