package book

import (
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/observability"
	"github.com/coachpo/tidemark/internal/schema"
)

// State tracks per-instrument reconstruction progress.
type State int

const (
	// StateUninitialized means no subscription exists for the instrument.
	StateUninitialized State = iota
	// StateSnapshotRequested means a snapshot request is in flight.
	StateSnapshotRequested
	// StateBuffering means deltas are queued while awaiting the snapshot.
	StateBuffering
	// StateSynchronized means the book reflects venue state.
	StateSynchronized
)

func (s State) String() string {
	switch s {
	case StateSnapshotRequested:
		return "snapshot_requested"
	case StateBuffering:
		return "buffering"
	case StateSynchronized:
		return "synchronized"
	default:
		return "uninitialized"
	}
}

// SnapshotRequester asks the owning venue client for a full book snapshot.
type SnapshotRequester func(instrumentID schema.InstrumentID)

type bookState struct {
	state       State
	book        *OrderBook
	buffer      deque.Deque[schema.OrderBookDelta]
	accumulator []schema.OrderBookDelta
	depth       int
	snapshots   bool
}

// Manager reconstructs consistent order books from raw venue data.
//
// Per instrument it runs Uninitialized -> SnapshotRequested -> Buffering ->
// Synchronized. Deltas that arrive before the snapshot are buffered in order;
// once Synchronized, multi-packet updates are withheld until the terminal
// FlagLast delta arrives so consumers never observe a partially applied book.
type Manager struct {
	mu        sync.Mutex
	books     map[schema.InstrumentID]*bookState
	requester SnapshotRequester
	log       observability.Logger
}

// NewManager constructs a reconstruction manager. The requester is invoked
// whenever an instrument needs a venue snapshot; it must not block.
func NewManager(requester SnapshotRequester, log observability.Logger) *Manager {
	if log == nil {
		log = observability.Log()
	}
	m := new(Manager)
	m.books = make(map[schema.InstrumentID]*bookState)
	m.requester = requester
	m.log = log
	return m
}

// StartDeltas opens a full-depth delta subscription for the instrument and
// requests the initial snapshot. It is a no-op when already started and fails
// when a depth-limited snapshot subscription exists for the instrument.
func (m *Manager) StartDeltas(instrumentID schema.InstrumentID) error {
	m.mu.Lock()
	state, ok := m.books[instrumentID]
	if ok && state.snapshots {
		m.mu.Unlock()
		return errs.New("book/manager", errs.CodeInvalid,
			errs.WithMessage("delta and snapshot subscriptions are mutually exclusive"),
			errs.WithField("instrument", instrumentID.String()))
	}
	if ok {
		m.mu.Unlock()
		return nil
	}
	state = &bookState{state: StateSnapshotRequested, book: NewOrderBook(instrumentID)}
	m.books[instrumentID] = state
	m.mu.Unlock()

	if m.requester != nil {
		m.requester(instrumentID)
	}
	return nil
}

// StartSnapshots opens a depth-limited snapshot subscription. It fails when a
// full-depth delta subscription already exists for the instrument.
func (m *Manager) StartSnapshots(instrumentID schema.InstrumentID, depth int) error {
	if depth <= 0 {
		return errs.New("book/manager", errs.CodeInvalid,
			errs.WithMessage("snapshot subscription requires a positive depth"),
			errs.WithField("instrument", instrumentID.String()))
	}
	m.mu.Lock()
	state, ok := m.books[instrumentID]
	if ok && !state.snapshots {
		m.mu.Unlock()
		return errs.New("book/manager", errs.CodeInvalid,
			errs.WithMessage("delta and snapshot subscriptions are mutually exclusive"),
			errs.WithField("instrument", instrumentID.String()))
	}
	if ok {
		m.mu.Unlock()
		return nil
	}
	state = &bookState{state: StateSnapshotRequested, book: NewOrderBook(instrumentID), depth: depth, snapshots: true}
	m.books[instrumentID] = state
	m.mu.Unlock()

	if m.requester != nil {
		m.requester(instrumentID)
	}
	return nil
}

// Stop tears down the instrument's reconstruction state.
func (m *Manager) Stop(instrumentID schema.InstrumentID) {
	m.mu.Lock()
	delete(m.books, instrumentID)
	m.mu.Unlock()
}

// CurrentState returns the reconstruction state for the instrument.
func (m *Manager) CurrentState(instrumentID schema.InstrumentID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.books[instrumentID]
	if !ok {
		return StateUninitialized
	}
	return state.state
}

// OnDeltas ingests a raw delta batch. While awaiting the snapshot the batch is
// buffered and nothing is returned. Once Synchronized, deltas accumulate
// until a batch terminates with FlagLast; the full accumulated run is then
// applied to the book and returned for publication as one atomic batch.
func (m *Manager) OnDeltas(deltas schema.OrderBookDeltas) (schema.OrderBookDeltas, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.books[deltas.InstrumentID]
	if !ok {
		return schema.OrderBookDeltas{}, false
	}

	switch state.state {
	case StateSnapshotRequested, StateBuffering:
		state.state = StateBuffering
		for _, delta := range deltas.Deltas {
			state.buffer.PushBack(delta)
		}
		return schema.OrderBookDeltas{}, false
	case StateSynchronized:
		return m.applySynchronized(state, deltas)
	default:
		return schema.OrderBookDeltas{}, false
	}
}

func (m *Manager) applySynchronized(state *bookState, deltas schema.OrderBookDeltas) (schema.OrderBookDeltas, bool) {
	lastSeq := state.book.LastSequence()
	for _, delta := range deltas.Deltas {
		if delta.Sequence != 0 && delta.Sequence <= lastSeq {
			// Stale replay from the venue; dropped by design.
			continue
		}
		state.accumulator = append(state.accumulator, delta)
	}
	if len(state.accumulator) == 0 {
		return schema.OrderBookDeltas{}, false
	}
	if !state.accumulator[len(state.accumulator)-1].IsLast() {
		return schema.OrderBookDeltas{}, false
	}

	batch := schema.OrderBookDeltas{
		InstrumentID: deltas.InstrumentID,
		Deltas:       state.accumulator,
	}
	state.accumulator = nil
	state.book.ApplyAll(batch)
	return batch, true
}

// OnSnapshot applies the venue snapshot, discards buffered deltas at or below
// the snapshot sequence, replays the remainder in order, and transitions the
// instrument to Synchronized. The returned batch carries the full post-replay
// book state for publication.
func (m *Manager) OnSnapshot(snapshot schema.OrderBookSnapshot) (schema.OrderBookDeltas, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.books[snapshot.InstrumentID]
	if !ok {
		return schema.OrderBookDeltas{}, false
	}

	state.book.ReplaceFromSnapshot(snapshot)

	dropped := 0
	var replayed []schema.OrderBookDelta
	for state.buffer.Len() > 0 {
		delta := state.buffer.PopFront()
		if delta.Sequence <= snapshot.Sequence {
			dropped++
			continue
		}
		state.book.Apply(delta)
		replayed = append(replayed, delta)
	}
	state.state = StateSynchronized
	state.accumulator = nil

	m.log.Debug("book synchronized",
		observability.F("instrument", snapshot.InstrumentID.String()),
		observability.F("snapshot_seq", snapshot.Sequence),
		observability.F("replayed", len(replayed)),
		observability.F("dropped", dropped))

	batch := snapshotAsDeltas(snapshot)
	batch.Deltas = append(batch.Deltas, replayed...)
	if len(batch.Deltas) > 0 {
		batch.Deltas[len(batch.Deltas)-1].Flags |= schema.FlagLast
	}
	return batch, true
}

// OnReconnect re-enters SnapshotRequested for every open subscription on the
// venue and re-issues snapshot requests.
func (m *Manager) OnReconnect(venue schema.Venue) []schema.InstrumentID {
	m.mu.Lock()
	var resync []schema.InstrumentID
	for id, state := range m.books {
		if id.Venue != venue {
			continue
		}
		state.state = StateSnapshotRequested
		state.buffer.Clear()
		state.accumulator = nil
		resync = append(resync, id)
	}
	m.mu.Unlock()

	for _, id := range resync {
		m.log.Info("book resync after reconnect", observability.F("instrument", id.String()))
		if m.requester != nil {
			m.requester(id)
		}
	}
	return resync
}

// Snapshot returns a depth-limited view of a synchronized book.
func (m *Manager) Snapshot(instrumentID schema.InstrumentID, depth int) (schema.OrderBookSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.books[instrumentID]
	if !ok {
		return schema.OrderBookSnapshot{}, errs.New("book/manager", errs.CodeNotFound,
			errs.WithMessage("no book for instrument"),
			errs.WithField("instrument", instrumentID.String()))
	}
	if state.state != StateSynchronized {
		return schema.OrderBookSnapshot{}, errs.New("book/manager", errs.CodeUnavailable,
			errs.WithMessage("book not synchronized"),
			errs.WithField("instrument", instrumentID.String()),
			errs.WithField("state", state.state.String()))
	}
	if depth <= 0 {
		depth = state.depth
	}
	snapshot := state.book.Snapshot(depth)
	snapshot.IngestTime = time.Now().UTC()
	return snapshot, nil
}

// SnapshotInstruments returns the instruments holding snapshot subscriptions,
// used by the engine's periodic snapshot publisher.
func (m *Manager) SnapshotInstruments() []schema.InstrumentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schema.InstrumentID
	for id, state := range m.books {
		if state.snapshots {
			out = append(out, id)
		}
	}
	return out
}

func snapshotAsDeltas(snapshot schema.OrderBookSnapshot) schema.OrderBookDeltas {
	deltas := make([]schema.OrderBookDelta, 0, len(snapshot.Bids)+len(snapshot.Asks)+1)
	deltas = append(deltas, schema.OrderBookDelta{
		InstrumentID: snapshot.InstrumentID,
		Action:       schema.ActionClear,
		Sequence:     snapshot.Sequence,
		Flags:        schema.FlagSnapshot,
		EventTime:    snapshot.EventTime,
		IngestTime:   snapshot.IngestTime,
	})
	for _, level := range snapshot.Bids {
		deltas = append(deltas, schema.OrderBookDelta{
			InstrumentID: snapshot.InstrumentID,
			Action:       schema.ActionAdd,
			Side:         schema.SideBuy,
			Price:        level.Price,
			Size:         level.Size,
			Sequence:     snapshot.Sequence,
			Flags:        schema.FlagSnapshot,
			EventTime:    snapshot.EventTime,
			IngestTime:   snapshot.IngestTime,
		})
	}
	for _, level := range snapshot.Asks {
		deltas = append(deltas, schema.OrderBookDelta{
			InstrumentID: snapshot.InstrumentID,
			Action:       schema.ActionAdd,
			Side:         schema.SideSell,
			Price:        level.Price,
			Size:         level.Size,
			Sequence:     snapshot.Sequence,
			Flags:        schema.FlagSnapshot,
			EventTime:    snapshot.EventTime,
			IngestTime:   snapshot.IngestTime,
		})
	}
	return schema.OrderBookDeltas{InstrumentID: snapshot.InstrumentID, Deltas: deltas}
}
