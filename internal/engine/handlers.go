package engine

import (
	"context"
	"strings"
	"time"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/backfill"
	"github.com/coachpo/tidemark/internal/bars"
	"github.com/coachpo/tidemark/internal/client"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/synthetic"
)

// barActivation records what an internal bar subscription opened, so the
// matching unsubscribe can tear down only the feeds no other target still uses.
type barActivation struct {
	externals []schema.BarType
	tickKind  schema.DataKind
	tickLevel schema.BarType
}

func (e *Engine) handleCommand(cmd schema.Command) {
	switch c := cmd.(type) {
	case schema.SubscribeCommand:
		e.handleSubscribe(c)
	case schema.UnsubscribeCommand:
		e.handleUnsubscribe(c)
	}
}

func (e *Engine) handleSubscribe(cmd schema.SubscribeCommand) {
	if err := e.checkSubscribeInstrument(cmd); err != nil {
		e.log.Error("subscribe rejected",
			observability.F("consumer", string(cmd.ConsumerID)),
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()),
			observability.F("error", err))
		return
	}
	first, added := e.registry.Add(cmd.ConsumerID, cmd.Kind, cmd.Scope(), cmd.Params)
	if !added {
		e.log.Debug("duplicate subscription ignored",
			observability.F("consumer", string(cmd.ConsumerID)),
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()))
		return
	}
	if !first {
		return
	}
	if err := e.activateStream(cmd); err != nil {
		e.registry.Remove(cmd.ConsumerID, cmd.Kind, cmd.Scope())
		e.log.Error("stream activation failed",
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()),
			observability.F("error", err))
	}
}

// checkSubscribeInstrument requires the subscription's instrument to be in
// the shared cache, or defined as a synthetic. Venue-wide subscriptions carry
// no instrument scope and pass through.
func (e *Engine) checkSubscribeInstrument(cmd schema.SubscribeCommand) error {
	if cmd.Kind == schema.KindInstruments {
		return nil
	}
	id := cmd.InstrumentID
	if cmd.Kind == schema.KindBar {
		id = cmd.BarType.InstrumentID
	}
	if id.Venue == synthetic.Venue {
		if _, ok := e.synth.Get(id); ok {
			return nil
		}
		return errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("synthetic instrument not defined"),
			errs.WithField("instrument", id.String()))
	}
	if _, ok := e.instruments.Get(id); !ok {
		return errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("instrument not in cache"),
			errs.WithField("instrument", id.String()))
	}
	return nil
}

func (e *Engine) handleUnsubscribe(cmd schema.UnsubscribeCommand) {
	last, removed := e.registry.Remove(cmd.ConsumerID, cmd.Kind, cmd.Scope())
	if !removed {
		e.log.Debug("unsubscribe without subscription ignored",
			observability.F("consumer", string(cmd.ConsumerID)),
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()))
		return
	}
	if !last {
		return
	}
	e.deactivateStream(cmd)
}

// activateStream opens whatever upstream feeds the first subscription on a
// scope requires.
func (e *Engine) activateStream(cmd schema.SubscribeCommand) error {
	switch cmd.Kind {
	case schema.KindBar:
		return e.activateBar(cmd)
	case schema.KindBookDelta:
		if err := e.books.StartDeltas(cmd.InstrumentID); err != nil {
			return err
		}
		return e.subscribeVenue(cmd)
	case schema.KindBookSnapshot:
		depth := cmd.BookDepth
		if depth <= 0 {
			depth = e.cfg.DefaultBookDepth
		}
		if err := e.books.StartSnapshots(cmd.InstrumentID, depth); err != nil {
			return err
		}
		e.mu.Lock()
		e.bookDepths[cmd.InstrumentID] = depth
		e.mu.Unlock()
		return e.subscribeVenue(cmd)
	case schema.KindQuote, schema.KindTrade:
		if cmd.InstrumentID.Venue == synthetic.Venue {
			return e.activateSyntheticLegs(cmd.Kind, cmd.InstrumentID)
		}
		return e.subscribeVenue(cmd)
	default:
		return e.subscribeVenue(cmd)
	}
}

// activateBar starts either a venue bar feed or a local aggregation cascade.
// Internal targets carry their origin chain (coarse to fine) in the command
// params; the cascade reports which external feeds and ticks it still needs.
func (e *Engine) activateBar(cmd schema.SubscribeCommand) error {
	target := cmd.BarType
	if target.Source == schema.SourceExternal {
		return e.subscribeVenue(cmd)
	}

	chain, err := parseOrigins(cmd.Params)
	if err != nil {
		return err
	}
	reqs, err := e.bars.Start(target, chain)
	if err != nil {
		return err
	}

	act := barActivation{externals: reqs.ExternalBars}
	for _, external := range reqs.ExternalBars {
		e.handleSubscribe(schema.SubscribeCommand{
			ConsumerID: engineConsumer,
			Kind:       schema.KindBar,
			BarType:    external,
			ClientID:   cmd.ClientID,
		})
	}
	if reqs.NeedsTicks {
		act.tickKind = schema.KindQuote
		if target.PriceType == schema.PriceLast {
			act.tickKind = schema.KindTrade
		}
		act.tickLevel = finestLevel(target, chain)
		e.handleSubscribe(schema.SubscribeCommand{
			ConsumerID:   engineConsumer,
			Kind:         act.tickKind,
			InstrumentID: target.InstrumentID,
			ClientID:     cmd.ClientID,
		})
	}
	e.mu.Lock()
	e.barFeeds[target.String()] = act
	e.mu.Unlock()
	return nil
}

// activateSyntheticLegs subscribes the synthetic instrument's component legs
// at their venues. The synthetic itself never reaches a client.
func (e *Engine) activateSyntheticLegs(kind schema.DataKind, id schema.InstrumentID) error {
	def, ok := e.synth.Get(id)
	if !ok {
		return errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("synthetic instrument not defined"),
			errs.WithField("instrument", id.String()))
	}
	for _, leg := range def.Components {
		e.handleSubscribe(schema.SubscribeCommand{
			ConsumerID:   engineConsumer,
			Kind:         kind,
			InstrumentID: leg,
		})
	}
	return nil
}

// deactivateStream tears down upstream feeds after the last subscription on a
// scope is gone.
func (e *Engine) deactivateStream(cmd schema.UnsubscribeCommand) {
	switch cmd.Kind {
	case schema.KindBar:
		e.deactivateBar(cmd)
	case schema.KindBookDelta, schema.KindBookSnapshot:
		scope := cmd.InstrumentID.String()
		if !e.registry.Active(schema.KindBookDelta, scope) &&
			!e.registry.Active(schema.KindBookSnapshot, scope) {
			e.books.Stop(cmd.InstrumentID)
		}
		if cmd.Kind == schema.KindBookSnapshot {
			e.mu.Lock()
			delete(e.bookDepths, cmd.InstrumentID)
			e.mu.Unlock()
		}
		e.unsubscribeVenue(cmd)
	case schema.KindQuote, schema.KindTrade:
		if cmd.InstrumentID.Venue == synthetic.Venue {
			if def, ok := e.synth.Get(cmd.InstrumentID); ok {
				for _, leg := range def.Components {
					e.handleUnsubscribe(schema.UnsubscribeCommand{
						ConsumerID:   engineConsumer,
						Kind:         cmd.Kind,
						InstrumentID: leg,
					})
				}
			}
			return
		}
		e.unsubscribeVenue(cmd)
	default:
		e.unsubscribeVenue(cmd)
	}
}

func (e *Engine) deactivateBar(cmd schema.UnsubscribeCommand) {
	target := cmd.BarType
	if target.Source == schema.SourceExternal {
		e.unsubscribeVenue(cmd)
		return
	}

	e.mu.Lock()
	act, tracked := e.barFeeds[target.String()]
	delete(e.barFeeds, target.String())
	e.mu.Unlock()

	e.bars.Stop(target)
	if !tracked {
		return
	}
	// Shared cascade levels survive Stop; release only feeds whose level is
	// genuinely gone.
	for _, external := range act.externals {
		if e.bars.Running(external) {
			continue
		}
		e.handleUnsubscribe(schema.UnsubscribeCommand{
			ConsumerID: engineConsumer,
			Kind:       schema.KindBar,
			BarType:    external,
			ClientID:   cmd.ClientID,
		})
	}
	if act.tickKind != "" && !e.bars.Running(act.tickLevel) {
		e.handleUnsubscribe(schema.UnsubscribeCommand{
			ConsumerID:   engineConsumer,
			Kind:         act.tickKind,
			InstrumentID: target.InstrumentID,
			ClientID:     cmd.ClientID,
		})
	}
}

func (e *Engine) subscribeVenue(cmd schema.SubscribeCommand) error {
	c, err := e.routeClient(cmd.ClientID, venueOfSubscribe(cmd))
	if err != nil {
		return err
	}
	return c.Subscribe(e.runCtx, cmd)
}

func (e *Engine) unsubscribeVenue(cmd schema.UnsubscribeCommand) {
	c, err := e.routeClient(cmd.ClientID, venueOfUnsubscribe(cmd))
	if err != nil {
		e.log.Warn("no client for unsubscribe",
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()),
			observability.F("error", err))
		return
	}
	if err := c.Unsubscribe(e.runCtx, cmd); err != nil {
		e.log.Warn("venue unsubscribe failed",
			observability.F("kind", string(cmd.Kind)),
			observability.F("scope", cmd.Scope()),
			observability.F("error", err))
	}
}

func venueOfSubscribe(cmd schema.SubscribeCommand) schema.Venue {
	switch cmd.Kind {
	case schema.KindBar:
		return cmd.BarType.InstrumentID.Venue
	case schema.KindInstruments:
		return cmd.Venue
	default:
		return cmd.InstrumentID.Venue
	}
}

func venueOfUnsubscribe(cmd schema.UnsubscribeCommand) schema.Venue {
	switch cmd.Kind {
	case schema.KindBar:
		return cmd.BarType.InstrumentID.Venue
	case schema.KindInstruments:
		return cmd.Venue
	default:
		return cmd.InstrumentID.Venue
	}
}

// parseOrigins reads the comma-separated cascade chain, coarse to fine, from
// the subscription params.
func parseOrigins(params map[string]string) ([]schema.BarType, error) {
	raw := strings.TrimSpace(params[originsParam])
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	chain := make([]schema.BarType, 0, len(parts))
	for _, part := range parts {
		barType, err := schema.ParseBarType(part)
		if err != nil {
			return nil, err
		}
		chain = append(chain, barType)
	}
	return chain, nil
}

// finestLevel returns the deepest aggregation level, the one ticks feed.
func finestLevel(target schema.BarType, chain []schema.BarType) schema.BarType {
	if len(chain) == 0 {
		return target
	}
	return chain[len(chain)-1]
}

func (e *Engine) handleRequest(req schema.DataRequest) {
	started := time.Now()
	reqCtx, cancel := context.WithTimeout(e.runCtx, e.cfg.RequestTimeout)
	defer cancel()
	resp := schema.DataResponse{
		CorrelationID: req.CorrelationID,
		Kind:          req.Kind,
		InstrumentID:  req.InstrumentID,
		Venue:         req.Venue,
	}

	switch req.Kind {
	case schema.KindInstrument:
		c, err := e.routeClient(req.ClientID, req.InstrumentID.Venue)
		if err != nil {
			resp.Err = err
			break
		}
		instrument, err := c.RequestInstrument(reqCtx, req.InstrumentID)
		if err != nil {
			resp.Err = err
			break
		}
		if err := e.instruments.Add(instrument); err != nil {
			e.log.Warn("instrument rejected by cache",
				observability.F("instrument", instrument.ID.String()),
				observability.F("error", err))
		}
		resp.Data = instrument
	case schema.KindInstruments:
		c, err := e.routeClient(req.ClientID, req.Venue)
		if err != nil {
			resp.Err = err
			break
		}
		instruments, err := c.RequestInstruments(reqCtx, req.Venue)
		if err != nil {
			resp.Err = err
			break
		}
		for _, instrument := range instruments {
			if err := e.instruments.Add(instrument); err != nil {
				e.log.Warn("instrument rejected by cache",
					observability.F("instrument", instrument.ID.String()),
					observability.F("error", err))
			}
		}
		resp.Data = instruments
	case schema.KindQuote:
		resp.Data, resp.Err = e.reconcilerFor(req).Quotes(reqCtx, req)
	case schema.KindTrade:
		resp.Data, resp.Err = e.reconcilerFor(req).Trades(reqCtx, req)
	case schema.KindBar:
		resp.Data, resp.Err = e.reconcilerFor(req).Bars(reqCtx, req)
	case schema.KindBookSnapshot:
		depth := req.Limit
		if depth <= 0 {
			depth = e.cfg.DefaultBookDepth
		}
		resp.Data, resp.Err = e.books.Snapshot(req.InstrumentID, depth)
	default:
		resp.Err = errs.New("engine", errs.CodeInvalid,
			errs.WithMessage("kind not requestable"),
			errs.WithField("kind", string(req.Kind)))
	}

	resp.CompletedAt = time.Now().UTC()
	e.metrics.RequestLatency(e.runCtx, string(req.Kind), time.Since(started).Seconds())
	if err := e.responses.Put(e.runCtx, resp); err != nil {
		e.mu.Lock()
		delete(e.pending, req.CorrelationID)
		e.mu.Unlock()
		e.log.Error("response dropped",
			observability.F("correlation_id", req.CorrelationID),
			observability.F("error", err))
		return
	}
	e.metrics.QueueDelta(e.runCtx, e.responses.Name(), 1)
}

// reconcilerFor builds a backfill reconciler from the shared catalog and the
// request's routed client. Either side may be absent; the reconciler handles
// the degenerate combinations.
func (e *Engine) reconcilerFor(req schema.DataRequest) *backfill.Reconciler {
	venue := req.InstrumentID.Venue
	if req.Kind == schema.KindBar {
		venue = req.BarType.InstrumentID.Venue
	}
	var source backfill.LiveSource
	if c, err := e.routeClient(req.ClientID, venue); err == nil {
		source = c
	}
	return backfill.NewReconciler(e.store, source, e.log)
}

// handleResponse publishes the single response on its correlation topic and
// retires the correlation id.
func (e *Engine) handleResponse(resp schema.DataResponse) {
	e.mu.Lock()
	delete(e.pending, resp.CorrelationID)
	e.mu.Unlock()
	e.publish(schema.ResponseTopic(resp.CorrelationID), resp)
}

// handleData normalizes one live event and fans it out: publish on the bus,
// feed aggregations, derive synthetics, maintain books and caches.
func (e *Engine) handleData(evt client.Event) {
	switch p := evt.Payload.(type) {
	case schema.Instrument:
		if err := e.instruments.Add(p); err != nil {
			e.log.Warn("instrument rejected by cache",
				observability.F("instrument", p.ID.String()),
				observability.F("error", err))
			return
		}
		e.publish(schema.DataTopic(schema.KindInstrument, p.ID), p)
	case []schema.Instrument:
		for _, instrument := range p {
			if err := e.instruments.Add(instrument); err != nil {
				e.log.Warn("instrument rejected by cache",
					observability.F("instrument", instrument.ID.String()),
					observability.F("error", err))
			}
		}
		if len(p) > 0 {
			e.publish(schema.VenueTopic(schema.KindInstruments, p[0].ID.Venue), p)
		}
	case schema.QuoteTick:
		e.publish(schema.DataTopic(schema.KindQuote, p.InstrumentID), p)
		e.bars.OnQuote(p)
		for _, derived := range e.synth.OnQuote(p) {
			e.publish(schema.DataTopic(schema.KindQuote, derived.InstrumentID), derived)
			e.bars.OnQuote(derived)
		}
	case schema.TradeTick:
		e.publish(schema.DataTopic(schema.KindTrade, p.InstrumentID), p)
		e.bars.OnTrade(p)
		for _, derived := range e.synth.OnTrade(p) {
			e.publish(schema.DataTopic(schema.KindTrade, derived.InstrumentID), derived)
			e.bars.OnTrade(derived)
		}
	case schema.OrderBookDeltas:
		batch, ok := e.books.OnDeltas(p)
		if ok && len(batch.Deltas) > 0 {
			e.publish(schema.DataTopic(schema.KindBookDelta, p.InstrumentID), batch)
		}
	case schema.OrderBookSnapshot:
		deltas, ok := e.books.OnSnapshot(p)
		if !ok {
			return
		}
		scope := p.InstrumentID.String()
		if len(deltas.Deltas) > 0 && e.registry.Active(schema.KindBookDelta, scope) {
			e.publish(schema.DataTopic(schema.KindBookDelta, p.InstrumentID), deltas)
		}
		if e.registry.Active(schema.KindBookSnapshot, scope) {
			e.publish(schema.DataTopic(schema.KindBookSnapshot, p.InstrumentID), p)
		}
	case schema.Bar:
		if e.bars.OnExternalBar(p) == bars.VerdictDrop {
			return
		}
		e.publish(schema.BarTopic(p.BarType), p)
	case schema.MarkPriceUpdate:
		e.publish(schema.DataTopic(schema.KindMarkPrice, p.InstrumentID), p)
	case schema.IndexPriceUpdate:
		e.publish(schema.DataTopic(schema.KindIndexPrice, p.InstrumentID), p)
	case schema.InstrumentStatus:
		e.publish(schema.DataTopic(schema.KindInstrumentStatus, p.InstrumentID), p)
	case schema.InstrumentClose:
		e.publish(schema.DataTopic(schema.KindInstrumentClose, p.InstrumentID), p)
	default:
		e.log.Warn("unrecognized data payload",
			observability.F("kind", string(evt.Kind)))
	}
}
