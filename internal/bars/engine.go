package bars

import (
	"sync"
	"time"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// Requirements reports the upstream feeds a bar subscription needs: external
// bar types to subscribe at the venue, or tick streams for the instrument.
type Requirements struct {
	ExternalBars []schema.BarType
	NeedsTicks   bool
}

type node struct {
	agg        Aggregator
	origin     *schema.BarType
	explicit   bool
	dependents int
}

// Engine materializes internal bar types, cascading across aggregation
// levels, and routes external bars through the revision filter.
type Engine struct {
	mu        sync.Mutex
	barCache  *cache.BarCache
	revisions *RevisionFilter
	seedOpen  bool
	emit      Emit
	log       observability.Logger

	nodes     map[schema.BarType]*node
	tickFeeds map[schema.InstrumentID][]schema.BarType
	barFeeds  map[schema.BarType][]schema.BarType
}

// NewEngine constructs a bar aggregation engine. Completed bars of every
// materialized level are delivered through emit.
func NewEngine(barCache *cache.BarCache, seedOpen bool, emit Emit, log observability.Logger) *Engine {
	if log == nil {
		log = observability.Log()
	}
	e := new(Engine)
	e.barCache = barCache
	e.revisions = NewRevisionFilter(barCache, log)
	e.seedOpen = seedOpen
	e.emit = emit
	e.log = log
	e.nodes = make(map[schema.BarType]*node)
	e.tickFeeds = make(map[schema.InstrumentID][]schema.BarType)
	e.barFeeds = make(map[schema.BarType][]schema.BarType)
	return e
}

// Start materializes the target internal bar type. The chain lists the
// target's origin levels ordered coarse to fine; levels are resolved
// dependency-first so every intermediate feeds the next. An empty chain makes
// the target tick-fed. The returned requirements name the venue feeds the
// caller must open.
func (e *Engine) Start(target schema.BarType, chain []schema.BarType) (Requirements, error) {
	if err := target.Validate(); err != nil {
		return Requirements{}, err
	}
	if target.Source != schema.SourceInternal {
		return Requirements{}, errs.New("bars/engine", errs.CodeInvalid,
			errs.WithMessage("only internal bar types are materialized locally"),
			errs.WithField("bar_type", target.String()))
	}
	for _, level := range chain {
		if err := level.Validate(); err != nil {
			return Requirements{}, err
		}
		if level.InstrumentID != target.InstrumentID {
			return Requirements{}, errs.New("bars/engine", errs.CodeInvalid,
				errs.WithMessage("cascade levels must share the target instrument"),
				errs.WithField("bar_type", level.String()))
		}
	}
	for i, level := range chain {
		if level.Source == schema.SourceExternal && i != len(chain)-1 {
			return Requirements{}, errs.New("bars/engine", errs.CodeInvalid,
				errs.WithMessage("external bars can only be the cascade root"),
				errs.WithField("bar_type", level.String()))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var req Requirements

	// Resolve dependency-first: walk from the finest level up to the target.
	levels := make([]schema.BarType, 0, len(chain)+1)
	levels = append(levels, target)
	levels = append(levels, chain...)

	for i := len(levels) - 1; i >= 0; i-- {
		level := levels[i]
		if level.Source == schema.SourceExternal {
			req.ExternalBars = append(req.ExternalBars, level)
			continue
		}
		var origin *schema.BarType
		if i+1 < len(levels) {
			o := levels[i+1]
			origin = &o
		}
		if err := e.materializeLocked(level, origin, i == 0); err != nil {
			return Requirements{}, err
		}
		if origin == nil {
			req.NeedsTicks = true
		}
	}
	return req, nil
}

func (e *Engine) materializeLocked(level schema.BarType, origin *schema.BarType, explicit bool) error {
	if existing, ok := e.nodes[level]; ok {
		if explicit {
			existing.explicit = true
		} else {
			existing.dependents++
		}
		return nil
	}

	agg, err := NewAggregator(level, e.seedOpen, func(bar schema.Bar) {
		e.onInternal(bar)
	})
	if err != nil {
		return err
	}

	n := &node{agg: agg, origin: origin, explicit: explicit}
	if !explicit {
		n.dependents = 1
	}
	e.nodes[level] = n

	if origin == nil {
		id := level.InstrumentID
		e.tickFeeds[id] = append(e.tickFeeds[id], level)
	} else {
		e.barFeeds[*origin] = append(e.barFeeds[*origin], level)
	}
	e.log.Debug("bar level materialized",
		observability.F("bar_type", level.String()),
		observability.F("tick_fed", origin == nil))
	return nil
}

// Stop releases the target bar type and prunes intermediate levels no other
// target depends on.
func (e *Engine) Stop(target schema.BarType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[target]
	if !ok {
		return
	}
	n.explicit = false
	e.pruneLocked(target)
}

func (e *Engine) pruneLocked(level schema.BarType) {
	n, ok := e.nodes[level]
	if !ok || n.explicit || n.dependents > 0 {
		return
	}
	delete(e.nodes, level)
	if n.origin == nil {
		e.tickFeeds[level.InstrumentID] = remove(e.tickFeeds[level.InstrumentID], level)
		if len(e.tickFeeds[level.InstrumentID]) == 0 {
			delete(e.tickFeeds, level.InstrumentID)
		}
	} else {
		e.barFeeds[*n.origin] = remove(e.barFeeds[*n.origin], level)
		if len(e.barFeeds[*n.origin]) == 0 {
			delete(e.barFeeds, *n.origin)
		}
		if parent, ok := e.nodes[*n.origin]; ok {
			parent.dependents--
			e.pruneLocked(*n.origin)
		}
	}
	e.barCache.Drop(level)
}

// Running reports whether the bar type is currently materialized.
func (e *Engine) Running(barType schema.BarType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.nodes[barType]
	return ok
}

// OnQuote feeds tick-fed aggregators for the quote's instrument.
func (e *Engine) OnQuote(quote schema.QuoteTick) {
	for _, agg := range e.tickTargets(quote.InstrumentID) {
		agg.OnQuote(quote)
	}
}

// OnTrade feeds tick-fed aggregators for the trade's instrument.
func (e *Engine) OnTrade(trade schema.TradeTick) {
	for _, agg := range e.tickTargets(trade.InstrumentID) {
		agg.OnTrade(trade)
	}
}

// OnExternalBar routes a venue-produced bar through the revision filter and,
// when accepted, into any cascade levels fed by it. The verdict tells the
// caller whether (and how) to publish the bar.
func (e *Engine) OnExternalBar(bar schema.Bar) Verdict {
	verdict := e.revisions.Apply(bar)
	if verdict == VerdictDrop {
		return verdict
	}
	// Revisions correct an already-consumed interval; feeding them into the
	// cascade again would double-count the origin bar.
	if verdict == VerdictNew {
		for _, agg := range e.barTargets(bar.BarType) {
			agg.OnBar(bar)
		}
	}
	return verdict
}

// AdvanceTo force-closes time-based windows that ended at or before now.
func (e *Engine) AdvanceTo(now time.Time) {
	e.mu.Lock()
	aggs := make([]Aggregator, 0, len(e.nodes))
	for _, n := range e.nodes {
		aggs = append(aggs, n.agg)
	}
	e.mu.Unlock()
	for _, agg := range aggs {
		if ta, ok := agg.(*timeAggregator); ok {
			ta.AdvanceTo(now.UTC())
		}
	}
}

func (e *Engine) onInternal(bar schema.Bar) {
	e.barCache.Put(bar)
	if e.emit != nil {
		e.emit(bar)
	}
	for _, agg := range e.barTargets(bar.BarType) {
		agg.OnBar(bar)
	}
}

func (e *Engine) tickTargets(id schema.InstrumentID) []Aggregator {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := e.tickFeeds[id]
	out := make([]Aggregator, 0, len(types))
	for _, t := range types {
		if n, ok := e.nodes[t]; ok {
			out = append(out, n.agg)
		}
	}
	return out
}

func (e *Engine) barTargets(origin schema.BarType) []Aggregator {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := e.barFeeds[origin]
	out := make([]Aggregator, 0, len(types))
	for _, t := range types {
		if n, ok := e.nodes[t]; ok {
			out = append(out, n.agg)
		}
	}
	return out
}

func remove(list []schema.BarType, target schema.BarType) []schema.BarType {
	out := list[:0]
	for _, item := range list {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
