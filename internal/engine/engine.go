// Package engine implements the data engine: it routes commands and
// historical requests, normalizes live venue data, and fans results out to
// consumers over the bus.
package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/bars"
	"github.com/coachpo/tidemark/internal/book"
	"github.com/coachpo/tidemark/internal/bus"
	"github.com/coachpo/tidemark/internal/cache"
	"github.com/coachpo/tidemark/internal/catalog"
	"github.com/coachpo/tidemark/internal/client"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/registry"
	"github.com/coachpo/tidemark/internal/schema"
	"github.com/coachpo/tidemark/internal/synthetic"
	"github.com/coachpo/tidemark/internal/telemetry"
)

// engineConsumer marks subscriptions the engine itself opens at venues.
const engineConsumer schema.ConsumerID = "engine"

// originsParam carries a comma-separated cascade chain on bar subscriptions,
// ordered coarse to fine.
const originsParam = "origins"

// Config tunes the engine's queues and timers.
type Config struct {
	CommandQueueSize  int
	RequestQueueSize  int
	ResponseQueueSize int
	DataQueueSize     int

	GracefulShutdownTimeout time.Duration
	RequestTimeout          time.Duration
	SnapshotInterval        time.Duration
	DefaultBookDepth        int
	// SeedBarOpen carries the previous close into empty time-bar intervals.
	SeedBarOpen bool
	// HaltOnFault stops the engine instead of recovering a panicked item.
	HaltOnFault bool
}

func (c Config) normalize() Config {
	if c.CommandQueueSize <= 0 {
		c.CommandQueueSize = 256
	}
	if c.RequestQueueSize <= 0 {
		c.RequestQueueSize = 256
	}
	if c.ResponseQueueSize <= 0 {
		c.ResponseQueueSize = 256
	}
	if c.DataQueueSize <= 0 {
		c.DataQueueSize = 4096
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}
	if c.DefaultBookDepth <= 0 {
		c.DefaultBookDepth = 10
	}
	return c
}

// QueueStats reports one queue's depth and processed count.
type QueueStats struct {
	Name      string
	Depth     int
	Processed uint64
}

// Engine is the data engine core.
type Engine struct {
	cfg     Config
	bus     bus.Bus
	store   catalog.Store
	metrics *telemetry.Metrics
	log     observability.Logger

	registry    *registry.Registry
	instruments *cache.InstrumentCache
	barCache    *cache.BarCache
	books       *book.Manager
	bars        *bars.Engine
	synth       *synthetic.Engine

	commands  *Queue[schema.Command]
	requests  *Queue[schema.DataRequest]
	responses *Queue[schema.DataResponse]
	data      *Queue[client.Event]

	mu            sync.RWMutex
	clients       map[schema.ClientID]client.Client
	venueRoutes   map[schema.Venue]schema.ClientID
	defaultClient schema.ClientID
	pending       map[string]struct{}
	bookDepths    map[schema.InstrumentID]int
	barFeeds      map[string]barActivation

	wg        conc.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc
	started   atomic.Bool
	stopOnce  sync.Once
	stopErr   error
}

// New constructs an engine over the bus. store and metrics may be nil.
func New(cfg Config, b bus.Bus, store catalog.Store, metrics *telemetry.Metrics, log observability.Logger) *Engine {
	if log == nil {
		log = observability.Log()
	}
	cfg = cfg.normalize()

	e := new(Engine)
	e.cfg = cfg
	e.bus = b
	e.store = store
	e.metrics = metrics
	e.log = log
	e.registry = registry.New()
	e.instruments = cache.NewInstrumentCache()
	e.barCache = cache.NewBarCache()
	e.books = book.NewManager(e.requestBookSnapshot, log)
	e.bars = bars.NewEngine(e.barCache, cfg.SeedBarOpen, e.publishBar, log)
	e.synth = synthetic.NewEngine(log)
	e.commands = NewQueue[schema.Command]("command", cfg.CommandQueueSize)
	e.requests = NewQueue[schema.DataRequest]("request", cfg.RequestQueueSize)
	e.responses = NewQueue[schema.DataResponse]("response", cfg.ResponseQueueSize)
	e.data = NewQueue[client.Event]("data", cfg.DataQueueSize)
	e.clients = make(map[schema.ClientID]client.Client)
	e.venueRoutes = make(map[schema.Venue]schema.ClientID)
	e.pending = make(map[string]struct{})
	e.bookDepths = make(map[schema.InstrumentID]int)
	e.barFeeds = make(map[string]barActivation)
	return e
}

// RegisterClient adds a venue client and routes the given venues to it. The
// first registered client becomes the default route.
func (e *Engine) RegisterClient(c client.Client, venues ...schema.Venue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.clients[c.ID()]; exists {
		return errs.New("engine", errs.CodeDuplicate,
			errs.WithMessage("client already registered"),
			errs.WithField("client_id", string(c.ID())))
	}
	e.clients[c.ID()] = c
	if len(e.clients) == 1 {
		e.defaultClient = c.ID()
	}
	if len(venues) == 0 {
		venues = []schema.Venue{c.Venue()}
	}
	for _, venue := range venues {
		e.venueRoutes[venue] = c.ID()
	}
	return nil
}

// DeregisterClient removes a client and its venue routes. The default route
// falls back to any remaining client.
func (e *Engine) DeregisterClient(id schema.ClientID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[id]; !ok {
		return errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("unknown client"),
			errs.WithField("client_id", string(id)))
	}
	delete(e.clients, id)
	for venue, routed := range e.venueRoutes {
		if routed == id {
			delete(e.venueRoutes, venue)
		}
	}
	if e.defaultClient == id {
		e.defaultClient = ""
		for remaining := range e.clients {
			e.defaultClient = remaining
			break
		}
	}
	return nil
}

// SetDefaultClient overrides the fallback route.
func (e *Engine) SetDefaultClient(id schema.ClientID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.clients[id]; !ok {
		return errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("unknown client"),
			errs.WithField("client_id", string(id)))
	}
	e.defaultClient = id
	return nil
}

// routeClient resolves a client by explicit id, venue route, then default.
func (e *Engine) routeClient(clientID schema.ClientID, venue schema.Venue) (client.Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if clientID != "" {
		if c, ok := e.clients[clientID]; ok {
			return c, nil
		}
		return nil, errs.New("engine", errs.CodeNotFound,
			errs.WithMessage("unknown client"),
			errs.WithField("client_id", string(clientID)))
	}
	if venue != "" && venue != synthetic.Venue {
		if id, ok := e.venueRoutes[venue]; ok {
			return e.clients[id], nil
		}
	}
	if e.defaultClient != "" {
		return e.clients[e.defaultClient], nil
	}
	return nil, errs.New("engine", errs.CodeUnavailable,
		errs.WithMessage("no client registered"))
}

// Start launches the drain loops and client pumps. It is not idempotent.
func (e *Engine) Start(ctx context.Context) error {
	if e.started.Swap(true) {
		return errs.New("engine", errs.CodeConflict, errs.WithMessage("engine already started"))
	}
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	e.mu.RLock()
	for _, c := range e.clients {
		if err := c.Connect(e.runCtx); err != nil {
			e.mu.RUnlock()
			return err
		}
	}
	clients := make([]client.Client, 0, len(e.clients))
	for _, c := range e.clients {
		clients = append(clients, c)
	}
	e.mu.RUnlock()

	e.wg.Go(e.drainCommands)
	e.wg.Go(e.drainRequests)
	e.wg.Go(e.drainResponses)
	e.wg.Go(e.drainData)
	e.wg.Go(e.clockLoop)
	for _, c := range clients {
		c := c
		e.wg.Go(func() { e.pumpClient(c) })
	}
	e.log.Info("data engine started",
		observability.F("clients", len(clients)))
	return nil
}

// Execute validates and enqueues a control command, blocking while the
// command queue is full.
func (e *Engine) Execute(ctx context.Context, cmd schema.Command) error {
	switch c := cmd.(type) {
	case schema.SubscribeCommand:
		if err := c.Validate(); err != nil {
			return err
		}
	case schema.UnsubscribeCommand:
		if err := c.Validate(); err != nil {
			return err
		}
	default:
		return errs.New("engine", errs.CodeInvalid, errs.WithMessage("unsupported command type"))
	}
	if err := e.commands.Put(ctx, cmd); err != nil {
		return err
	}
	e.metrics.QueueDelta(ctx, e.commands.Name(), 1)
	return nil
}

// Submit validates and enqueues a historical request. A correlation id
// already in flight is logged and dropped; the original request's single
// response stands.
func (e *Engine) Submit(ctx context.Context, req schema.DataRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	if _, dup := e.pending[req.CorrelationID]; dup {
		e.mu.Unlock()
		e.log.Warn("duplicate correlation id dropped",
			observability.F("correlation_id", req.CorrelationID),
			observability.F("kind", string(req.Kind)))
		return nil
	}
	e.pending[req.CorrelationID] = struct{}{}
	e.mu.Unlock()

	if err := e.requests.Put(ctx, req); err != nil {
		e.mu.Lock()
		delete(e.pending, req.CorrelationID)
		e.mu.Unlock()
		return err
	}
	e.metrics.QueueDelta(ctx, e.requests.Name(), 1)
	return nil
}

// Ingest enqueues a live data event, blocking while the data queue is full.
// Client pumps use it; tests may inject events directly.
func (e *Engine) Ingest(ctx context.Context, evt client.Event) error {
	if err := e.data.Put(ctx, evt); err != nil {
		return err
	}
	e.metrics.QueueDelta(ctx, e.data.Name(), 1)
	return nil
}

// QueueStats returns depth and processed counters for all four queues.
func (e *Engine) QueueStats() []QueueStats {
	return []QueueStats{
		{Name: e.commands.Name(), Depth: e.commands.Len(), Processed: e.commands.Processed()},
		{Name: e.requests.Name(), Depth: e.requests.Len(), Processed: e.requests.Processed()},
		{Name: e.responses.Name(), Depth: e.responses.Len(), Processed: e.responses.Processed()},
		{Name: e.data.Name(), Depth: e.data.Len(), Processed: e.data.Processed()},
	}
}

// SubscribedScopes returns the active subscription scopes for the kind.
func (e *Engine) SubscribedScopes(kind schema.DataKind) []string {
	return e.registry.Scopes(kind)
}

// Per-kind snapshots of the active subscription scopes.

func (e *Engine) SubscribedQuotes() []string { return e.registry.Scopes(schema.KindQuote) }

func (e *Engine) SubscribedTrades() []string { return e.registry.Scopes(schema.KindTrade) }

func (e *Engine) SubscribedBookDeltas() []string { return e.registry.Scopes(schema.KindBookDelta) }

func (e *Engine) SubscribedBookSnapshots() []string {
	return e.registry.Scopes(schema.KindBookSnapshot)
}

func (e *Engine) SubscribedBars() []string { return e.registry.Scopes(schema.KindBar) }

func (e *Engine) SubscribedMarkPrices() []string { return e.registry.Scopes(schema.KindMarkPrice) }

func (e *Engine) SubscribedIndexPrices() []string { return e.registry.Scopes(schema.KindIndexPrice) }

func (e *Engine) SubscribedInstrumentStatus() []string {
	return e.registry.Scopes(schema.KindInstrumentStatus)
}

func (e *Engine) SubscribedInstrumentCloses() []string {
	return e.registry.Scopes(schema.KindInstrumentClose)
}

func (e *Engine) SubscribedInstruments() []string { return e.registry.Scopes(schema.KindInstruments) }

// AddInstrument validates and stores an instrument definition in the shared
// cache. Subscriptions referencing an instrument the cache does not hold are
// rejected.
func (e *Engine) AddInstrument(instrument schema.Instrument) error {
	return e.instruments.Add(instrument)
}

// Instrument returns the cached definition for the id.
func (e *Engine) Instrument(id schema.InstrumentID) (schema.Instrument, bool) {
	return e.instruments.Get(id)
}

// BookState exposes the synchronization state of an instrument's book.
func (e *Engine) BookState(id schema.InstrumentID) book.State {
	return e.books.CurrentState(id)
}

// DefineSynthetic registers a synthetic instrument definition.
func (e *Engine) DefineSynthetic(def synthetic.Definition) error {
	return e.synth.Add(def)
}

// RemoveSynthetic drops a synthetic instrument definition.
func (e *Engine) RemoveSynthetic(id schema.InstrumentID) error {
	return e.synth.Remove(id)
}

// NotifyReconnect re-synchronizes every delta-tracked book on the venue after
// a transport reconnect.
func (e *Engine) NotifyReconnect(venue schema.Venue) {
	resyncing := e.books.OnReconnect(venue)
	if len(resyncing) > 0 {
		e.metrics.Resync(e.runCtx, string(venue))
		e.log.Warn("venue reconnected, resyncing books",
			observability.F("venue", venue),
			observability.F("instruments", len(resyncing)))
	}
}

// Shutdown drains the queues within the configured grace period, then stops
// the loops and disconnects every client. It runs exactly once; later calls
// return the first result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.shutdown(ctx, true)
	})
	return e.stopErr
}

// Kill stops the engine immediately without draining.
func (e *Engine) Kill() {
	e.stopOnce.Do(func() {
		e.stopErr = e.shutdown(context.Background(), false)
	})
}

func (e *Engine) shutdown(ctx context.Context, graceful bool) error {
	e.commands.Close()
	e.requests.Close()
	e.data.Close()

	if graceful {
		deadline := time.Now().Add(e.cfg.GracefulShutdownTimeout)
		for time.Now().Before(deadline) {
			if e.commands.Len() == 0 && e.requests.Len() == 0 &&
				e.responses.Len() == 0 && e.data.Len() == 0 {
				break
			}
			select {
			case <-ctx.Done():
				deadline = time.Now()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	e.responses.Close()
	if e.runCancel != nil {
		e.runCancel()
	}
	e.wg.Wait()

	var first error
	e.mu.RLock()
	for _, c := range e.clients {
		if err := c.Disconnect(ctx); err != nil && first == nil {
			first = err
		}
	}
	e.mu.RUnlock()
	e.log.Info("data engine stopped", observability.F("graceful", graceful))
	return first
}

// runItem executes one queue item with panic isolation: a fault poisons the
// item, never the drain loop. With HaltOnFault the whole engine stops instead.
func (e *Engine) runItem(queue string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.Dropped(e.runCtx, queue)
			e.log.Error("queue item panicked",
				observability.F("queue", queue),
				observability.F("panic", r),
				observability.F("stack", string(debug.Stack())))
			if e.cfg.HaltOnFault {
				go e.Kill()
			}
		}
	}()
	fn()
}

func (e *Engine) drainCommands() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case cmd := <-e.commands.C():
			e.metrics.QueueDelta(e.runCtx, e.commands.Name(), -1)
			e.runItem(e.commands.Name(), func() { e.handleCommand(cmd) })
			e.commands.MarkProcessed()
			e.metrics.Processed(e.runCtx, e.commands.Name())
		}
	}
}

func (e *Engine) drainRequests() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case req := <-e.requests.C():
			e.metrics.QueueDelta(e.runCtx, e.requests.Name(), -1)
			// Venue and catalog I/O runs off the drain loop so one slow
			// request cannot head-of-line block the rest.
			e.wg.Go(func() {
				e.runItem(e.requests.Name(), func() { e.handleRequest(req) })
				e.requests.MarkProcessed()
				e.metrics.Processed(e.runCtx, e.requests.Name())
			})
		}
	}
}

func (e *Engine) drainResponses() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case resp := <-e.responses.C():
			e.metrics.QueueDelta(e.runCtx, e.responses.Name(), -1)
			e.runItem(e.responses.Name(), func() { e.handleResponse(resp) })
			e.responses.MarkProcessed()
			e.metrics.Processed(e.runCtx, e.responses.Name())
		}
	}
}

func (e *Engine) drainData() {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case evt := <-e.data.C():
			e.metrics.QueueDelta(e.runCtx, e.data.Name(), -1)
			e.runItem(e.data.Name(), func() { e.handleData(evt) })
			e.data.MarkProcessed()
			e.metrics.Processed(e.runCtx, e.data.Name())
		}
	}
}

// clockLoop advances time-based bar windows and publishes periodic book
// snapshots for snapshot subscriptions.
func (e *Engine) clockLoop() {
	ticker := time.NewTicker(e.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.runCtx.Done():
			return
		case now := <-ticker.C:
			e.bars.AdvanceTo(now.UTC())
			e.publishPeriodicSnapshots()
		}
	}
}

func (e *Engine) publishPeriodicSnapshots() {
	for _, scope := range e.registry.Scopes(schema.KindBookSnapshot) {
		id, err := schema.ParseInstrumentID(scope)
		if err != nil {
			continue
		}
		e.mu.RLock()
		depth := e.bookDepths[id]
		e.mu.RUnlock()
		snapshot, err := e.books.Snapshot(id, depth)
		if err != nil {
			continue
		}
		e.publish(schema.DataTopic(schema.KindBookSnapshot, id), snapshot)
	}
}

func (e *Engine) pumpClient(c client.Client) {
	for {
		select {
		case <-e.runCtx.Done():
			return
		case evt, ok := <-c.Events():
			if !ok {
				return
			}
			if err := e.Ingest(e.runCtx, evt); err != nil {
				return
			}
		case err, ok := <-c.Errors():
			if !ok {
				return
			}
			e.log.Error("client error",
				observability.F("client_id", string(c.ID())),
				observability.F("error", err))
		}
	}
}

func (e *Engine) publish(topic schema.Topic, payload any) {
	if err := e.bus.Publish(e.runCtx, topic, payload); err != nil && e.runCtx.Err() == nil {
		e.log.Warn("bus publish failed",
			observability.F("topic", string(topic)),
			observability.F("error", err))
	}
}

func (e *Engine) publishBar(bar schema.Bar) {
	e.publish(schema.BarTopic(bar.BarType), bar)
}

// requestBookSnapshot asks the routed venue client to deliver a snapshot for
// the instrument; the snapshot arrives later through the data queue.
func (e *Engine) requestBookSnapshot(id schema.InstrumentID) {
	c, err := e.routeClient("", id.Venue)
	if err != nil {
		e.log.Error("no client for snapshot request",
			observability.F("instrument", id.String()),
			observability.F("error", err))
		return
	}
	cmd := schema.SubscribeCommand{
		ConsumerID:   engineConsumer,
		Kind:         schema.KindBookSnapshot,
		InstrumentID: id,
	}
	if err := c.Subscribe(e.runCtx, cmd); err != nil {
		e.log.Error("snapshot request failed",
			observability.F("instrument", id.String()),
			observability.F("error", err))
	}
}
