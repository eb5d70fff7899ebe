package client

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// SimOptions configures the simulated venue client.
type SimOptions struct {
	ID            schema.ClientID
	Venue         schema.Venue
	Instruments   []schema.Instrument
	QuoteInterval time.Duration
	TradeInterval time.Duration
	// DisconnectDelay is waited on Disconnect before reporting completion,
	// mimicking venue teardown latency.
	DisconnectDelay time.Duration
	EventBuffer     int
}

func (o SimOptions) normalize() SimOptions {
	if o.ID == "" {
		o.ID = "sim"
	}
	if o.Venue == "" {
		o.Venue = "SIM"
	}
	if o.QuoteInterval <= 0 {
		o.QuoteInterval = 100 * time.Millisecond
	}
	if o.TradeInterval <= 0 {
		o.TradeInterval = 250 * time.Millisecond
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 1024
	}
	return o
}

// SimClient is a deterministic venue client backed by a sine-walk price
// generator. It also accepts injected events and canned history, which makes
// it the standard test double for the engine.
type SimClient struct {
	opts SimOptions

	events chan Event
	errors chan error

	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool

	mu          sync.Mutex
	instruments map[schema.InstrumentID]schema.Instrument
	feeds       map[string]context.CancelFunc
	step        map[schema.InstrumentID]int

	histMu     sync.Mutex
	histQuotes map[schema.InstrumentID][]schema.QuoteTick
	histTrades map[schema.InstrumentID][]schema.TradeTick
	histBars   map[schema.BarType][]schema.Bar
}

// NewSimClient constructs a simulated client.
func NewSimClient(opts SimOptions) *SimClient {
	opts = opts.normalize()
	c := new(SimClient)
	c.opts = opts
	c.events = make(chan Event, opts.EventBuffer)
	c.errors = make(chan error, 8)
	c.instruments = make(map[schema.InstrumentID]schema.Instrument)
	c.feeds = make(map[string]context.CancelFunc)
	c.step = make(map[schema.InstrumentID]int)
	c.histQuotes = make(map[schema.InstrumentID][]schema.QuoteTick)
	c.histTrades = make(map[schema.InstrumentID][]schema.TradeTick)
	c.histBars = make(map[schema.BarType][]schema.Bar)
	for _, inst := range opts.Instruments {
		c.instruments[inst.ID] = inst
	}
	return c
}

// ID returns the client identity.
func (c *SimClient) ID() schema.ClientID { return c.opts.ID }

// Venue returns the simulated venue.
func (c *SimClient) Venue() schema.Venue { return c.opts.Venue }

// Connect starts the client.
func (c *SimClient) Connect(ctx context.Context) error {
	if c.connected.Swap(true) {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return nil
}

// Disconnect stops all feeds after the configured teardown delay.
func (c *SimClient) Disconnect(ctx context.Context) error {
	if !c.connected.Swap(false) {
		return nil
	}
	if c.opts.DisconnectDelay > 0 {
		select {
		case <-time.After(c.opts.DisconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	for key, cancel := range c.feeds {
		cancel()
		delete(c.feeds, key)
	}
	c.mu.Unlock()
	c.cancel()
	return nil
}

// Connected reports the connection state.
func (c *SimClient) Connected() bool { return c.connected.Load() }

// Events returns the live data channel.
func (c *SimClient) Events() <-chan Event { return c.events }

// Errors returns the asynchronous error channel.
func (c *SimClient) Errors() <-chan error { return c.errors }

// Push injects an event directly, bypassing the generators.
func (c *SimClient) Push(evt Event) {
	select {
	case c.events <- evt:
	default:
	}
}

// SeedQuotes installs canned quote history for RequestQuotes.
func (c *SimClient) SeedQuotes(id schema.InstrumentID, quotes []schema.QuoteTick) {
	c.histMu.Lock()
	c.histQuotes[id] = quotes
	c.histMu.Unlock()
}

// SeedTrades installs canned trade history for RequestTrades.
func (c *SimClient) SeedTrades(id schema.InstrumentID, trades []schema.TradeTick) {
	c.histMu.Lock()
	c.histTrades[id] = trades
	c.histMu.Unlock()
}

// SeedBars installs canned bar history for RequestBars.
func (c *SimClient) SeedBars(barType schema.BarType, bars []schema.Bar) {
	c.histMu.Lock()
	c.histBars[barType] = bars
	c.histMu.Unlock()
}

// Subscribe starts a generator feed matching the command.
func (c *SimClient) Subscribe(_ context.Context, cmd schema.SubscribeCommand) error {
	if !c.connected.Load() {
		return errs.New("client/sim", errs.CodeNetwork,
			errs.WithMessage("client not connected"), errs.WithVenue(string(c.opts.Venue)))
	}
	key := string(cmd.Kind) + "|" + cmd.Scope()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.feeds[key]; running {
		return nil
	}
	feedCtx, cancel := context.WithCancel(c.ctx)
	c.feeds[key] = cancel

	switch cmd.Kind {
	case schema.KindQuote:
		go c.quoteFeed(feedCtx, cmd.InstrumentID)
	case schema.KindTrade:
		go c.tradeFeed(feedCtx, cmd.InstrumentID)
	default:
		// Remaining kinds are push-driven via Push in tests.
	}
	return nil
}

// Unsubscribe stops the feed matching the command.
func (c *SimClient) Unsubscribe(_ context.Context, cmd schema.UnsubscribeCommand) error {
	key := string(cmd.Kind) + "|" + cmd.Scope()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.feeds[key]; ok {
		cancel()
		delete(c.feeds, key)
	}
	return nil
}

// RequestInstrument returns the configured instrument definition.
func (c *SimClient) RequestInstrument(_ context.Context, id schema.InstrumentID) (schema.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instruments[id]
	if !ok {
		return schema.Instrument{}, errs.New("client/sim", errs.CodeNotFound,
			errs.WithMessage("unknown instrument"),
			errs.WithField("instrument", id.String()))
	}
	return inst, nil
}

// RequestInstruments returns all configured instrument definitions.
func (c *SimClient) RequestInstruments(_ context.Context, venue schema.Venue) ([]schema.Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		if venue == "" || inst.ID.Venue == venue {
			out = append(out, inst)
		}
	}
	return out, nil
}

// RequestQuotes serves canned quote history filtered by range and limit.
func (c *SimClient) RequestQuotes(_ context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	var out []schema.QuoteTick
	for _, q := range c.histQuotes[id] {
		if inWindow(q.EventTime, start, end) {
			out = append(out, q)
		}
	}
	return lastN(out, limit), nil
}

// RequestTrades serves canned trade history filtered by range and limit.
func (c *SimClient) RequestTrades(_ context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	var out []schema.TradeTick
	for _, tr := range c.histTrades[id] {
		if inWindow(tr.EventTime, start, end) {
			out = append(out, tr)
		}
	}
	return lastN(out, limit), nil
}

// RequestBars serves canned bar history filtered by range and limit.
func (c *SimClient) RequestBars(_ context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	var out []schema.Bar
	for _, b := range c.histBars[barType] {
		if inWindow(b.CloseTime, start, end) {
			out = append(out, b)
		}
	}
	return lastN(out, limit), nil
}

func (c *SimClient) quoteFeed(ctx context.Context, id schema.InstrumentID) {
	ticker := time.NewTicker(c.opts.QuoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mid := c.nextPrice(id)
			spread := mid.Mul(decimal.NewFromFloat(0.0002))
			c.Push(Event{Kind: schema.KindQuote, Payload: schema.QuoteTick{
				InstrumentID: id,
				BidPrice:     mid.Sub(spread),
				AskPrice:     mid.Add(spread),
				BidSize:      decimal.NewFromInt(1),
				AskSize:      decimal.NewFromInt(1),
				EventTime:    now.UTC(),
				IngestTime:   now.UTC(),
			}})
		}
	}
}

func (c *SimClient) tradeFeed(ctx context.Context, id schema.InstrumentID) {
	ticker := time.NewTicker(c.opts.TradeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			price := c.nextPrice(id)
			c.Push(Event{Kind: schema.KindTrade, Payload: schema.TradeTick{
				InstrumentID: id,
				Price:        price,
				Size:         decimal.NewFromFloat(0.1),
				Aggressor:    schema.AggressorBuyer,
				EventTime:    now.UTC(),
				IngestTime:   now.UTC(),
			}})
		}
	}
}

// nextPrice walks a sine wave around a per-symbol base, deterministic across
// runs.
func (c *SimClient) nextPrice(id schema.InstrumentID) decimal.Decimal {
	c.mu.Lock()
	c.step[id]++
	n := c.step[id]
	c.mu.Unlock()
	base := 100.0
	for _, r := range id.Symbol {
		base += float64(r)
	}
	return decimal.NewFromFloat(base * (1 + 0.01*math.Sin(float64(n)/10)))
}

func inWindow(ts, start, end time.Time) bool {
	if !start.IsZero() && ts.Before(start) {
		return false
	}
	if !end.IsZero() && ts.After(end) {
		return false
	}
	return true
}

func lastN[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[len(rows)-limit:]
	}
	return rows
}
