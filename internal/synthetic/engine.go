package synthetic

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

type legInputs struct {
	bid   map[schema.InstrumentID]decimal.Decimal
	ask   map[schema.InstrumentID]decimal.Decimal
	trade map[schema.InstrumentID]decimal.Decimal
}

func newLegInputs() *legInputs {
	l := new(legInputs)
	l.bid = make(map[schema.InstrumentID]decimal.Decimal)
	l.ask = make(map[schema.InstrumentID]decimal.Decimal)
	l.trade = make(map[schema.InstrumentID]decimal.Decimal)
	return l
}

type instance struct {
	def    Definition
	pricer pricer
	inputs *legInputs
}

func (in *instance) complete(prices map[schema.InstrumentID]decimal.Decimal) bool {
	for _, comp := range in.def.Components {
		if _, ok := prices[comp]; !ok {
			return false
		}
	}
	return true
}

// Engine maintains synthetic instrument definitions and derives synthetic
// quotes and trades from component ticks. Derivation is suppressed until every
// component leg has reported a price.
type Engine struct {
	mu        sync.Mutex
	instances map[schema.InstrumentID]*instance
	byLeg     map[schema.InstrumentID][]schema.InstrumentID
	log       observability.Logger
}

// NewEngine constructs an empty synthetic engine.
func NewEngine(log observability.Logger) *Engine {
	if log == nil {
		log = observability.Log()
	}
	e := new(Engine)
	e.instances = make(map[schema.InstrumentID]*instance)
	e.byLeg = make(map[schema.InstrumentID][]schema.InstrumentID)
	e.log = log
	return e
}

// Add registers a synthetic definition. Re-adding an existing symbol fails.
func (e *Engine) Add(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	p, err := newPricer(def)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := def.ID()
	if _, exists := e.instances[id]; exists {
		return errs.New("synthetic", errs.CodeDuplicate,
			errs.WithMessage("synthetic already defined"),
			errs.WithField("synthetic", id.String()))
	}
	in := new(instance)
	in.def = def
	in.pricer = p
	in.inputs = newLegInputs()
	e.instances[id] = in
	for _, comp := range def.Components {
		e.byLeg[comp] = append(e.byLeg[comp], id)
	}
	e.log.Info("synthetic defined",
		observability.F("synthetic", id.String()),
		observability.F("components", len(def.Components)))
	return nil
}

// Remove drops a synthetic definition.
func (e *Engine) Remove(id schema.InstrumentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[id]
	if !ok {
		return errs.New("synthetic", errs.CodeNotFound,
			errs.WithMessage("unknown synthetic"),
			errs.WithField("synthetic", id.String()))
	}
	delete(e.instances, id)
	for _, comp := range in.def.Components {
		filtered := e.byLeg[comp][:0]
		for _, sid := range e.byLeg[comp] {
			if sid != id {
				filtered = append(filtered, sid)
			}
		}
		if len(filtered) == 0 {
			delete(e.byLeg, comp)
		} else {
			e.byLeg[comp] = filtered
		}
	}
	return nil
}

// Get returns the definition registered under the synthetic identity.
func (e *Engine) Get(id schema.InstrumentID) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[id]
	if !ok {
		return Definition{}, false
	}
	return in.def, true
}

// Components returns the union of component legs across all definitions,
// the instruments the engine must observe.
func (e *Engine) Components() []schema.InstrumentID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]schema.InstrumentID, 0, len(e.byLeg))
	for comp := range e.byLeg {
		out = append(out, comp)
	}
	return out
}

// OnQuote folds a component quote into every synthetic using that leg and
// returns the derived quotes, one per synthetic whose legs are all priced.
func (e *Engine) OnQuote(quote schema.QuoteTick) []schema.QuoteTick {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []schema.QuoteTick
	for _, sid := range e.byLeg[quote.InstrumentID] {
		in := e.instances[sid]
		in.inputs.bid[quote.InstrumentID] = quote.BidPrice
		in.inputs.ask[quote.InstrumentID] = quote.AskPrice

		if !in.complete(in.inputs.bid) || !in.complete(in.inputs.ask) {
			continue
		}
		bid, err := in.pricer.price(in.inputs.bid)
		if err != nil {
			e.logPricingError(sid, err)
			continue
		}
		ask, err := in.pricer.price(in.inputs.ask)
		if err != nil {
			e.logPricingError(sid, err)
			continue
		}
		out = append(out, schema.QuoteTick{
			InstrumentID: sid,
			BidPrice:     bid,
			AskPrice:     ask,
			BidSize:      quote.BidSize,
			AskSize:      quote.AskSize,
			EventTime:    quote.EventTime,
			IngestTime:   quote.IngestTime,
		})
	}
	return out
}

// OnTrade folds a component trade into every synthetic using that leg and
// returns the derived trades.
func (e *Engine) OnTrade(trade schema.TradeTick) []schema.TradeTick {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []schema.TradeTick
	for _, sid := range e.byLeg[trade.InstrumentID] {
		in := e.instances[sid]
		in.inputs.trade[trade.InstrumentID] = trade.Price

		if !in.complete(in.inputs.trade) {
			continue
		}
		price, err := in.pricer.price(in.inputs.trade)
		if err != nil {
			e.logPricingError(sid, err)
			continue
		}
		out = append(out, schema.TradeTick{
			InstrumentID: sid,
			Price:        price,
			Size:         trade.Size,
			Aggressor:    trade.Aggressor,
			TradeID:      trade.TradeID,
			EventTime:    trade.EventTime,
			IngestTime:   trade.IngestTime,
		})
	}
	return out
}

func (e *Engine) logPricingError(id schema.InstrumentID, err error) {
	e.log.Warn("synthetic pricing failed",
		observability.F("synthetic", id.String()),
		observability.F("error", err))
}
