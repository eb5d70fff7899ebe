package book

import (
	"testing"

	"github.com/coachpo/tidemark/internal/schema"
)

func newTestManager() (*Manager, *[]schema.InstrumentID) {
	requested := new([]schema.InstrumentID)
	m := NewManager(func(id schema.InstrumentID) {
		*requested = append(*requested, id)
	}, nil)
	return m, requested
}

func snapshot(id schema.InstrumentID, seq uint64) schema.OrderBookSnapshot {
	return schema.OrderBookSnapshot{
		InstrumentID: id,
		Bids:         []schema.BookLevel{{Price: dec("100"), Size: dec("2")}},
		Asks:         []schema.BookLevel{{Price: dec("101"), Size: dec("3")}},
		Sequence:     seq,
	}
}

func TestStartDeltasRequestsSnapshot(t *testing.T) {
	m, requested := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")

	if err := m.StartDeltas(id); err != nil {
		t.Fatalf("StartDeltas() error = %v", err)
	}
	if len(*requested) != 1 || (*requested)[0] != id {
		t.Fatalf("expected one snapshot request, got %v", *requested)
	}
	if got := m.CurrentState(id); got != StateSnapshotRequested {
		t.Errorf("expected snapshot_requested, got %s", got)
	}

	// Second start is a no-op.
	if err := m.StartDeltas(id); err != nil {
		t.Fatalf("StartDeltas() second call error = %v", err)
	}
	if len(*requested) != 1 {
		t.Errorf("expected no extra snapshot request, got %d", len(*requested))
	}
}

func TestMutualExclusion(t *testing.T) {
	m, _ := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")

	if err := m.StartDeltas(id); err != nil {
		t.Fatalf("StartDeltas() error = %v", err)
	}
	if err := m.StartSnapshots(id, 10); err == nil {
		t.Error("expected configuration error for snapshot over delta subscription")
	}

	other := schema.NewInstrumentID("ETH-USD", "SIM")
	if err := m.StartSnapshots(other, 10); err != nil {
		t.Fatalf("StartSnapshots() error = %v", err)
	}
	if err := m.StartDeltas(other); err == nil {
		t.Error("expected configuration error for delta over snapshot subscription")
	}
}

func TestBufferUntilSnapshot(t *testing.T) {
	m, _ := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")
	_ = m.StartDeltas(id)

	// Deltas ahead of the snapshot arrive first and must be buffered.
	pre := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionAdd, schema.SideBuy, "99", "1", 4, 0),
		delta(id, schema.ActionAdd, schema.SideBuy, "98", "1", 5, schema.FlagLast),
	}}
	if _, ok := m.OnDeltas(pre); ok {
		t.Fatal("deltas before snapshot must not publish")
	}
	if got := m.CurrentState(id); got != StateBuffering {
		t.Errorf("expected buffering, got %s", got)
	}

	// Stale delta at the snapshot sequence must be discarded on replay.
	stale := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionAdd, schema.SideSell, "102", "9", 3, schema.FlagLast),
	}}
	_, _ = m.OnDeltas(stale)

	batch, ok := m.OnSnapshot(snapshot(id, 3))
	if !ok {
		t.Fatal("expected publishable batch after snapshot")
	}
	if got := m.CurrentState(id); got != StateSynchronized {
		t.Errorf("expected synchronized, got %s", got)
	}

	// The published batch must end with the terminal flag and contain the
	// replayed post-snapshot deltas, not the stale one.
	if !batch.IsComplete() {
		t.Error("expected batch terminated by FlagLast")
	}
	for _, d := range batch.Deltas {
		if d.Sequence == 3 && !schema.FlagSnapshot.Matches(d.Flags) {
			t.Errorf("stale buffered delta with seq 3 must be discarded: %+v", d)
		}
	}

	sn, err := m.Snapshot(id, 0)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(sn.Bids) != 3 {
		t.Errorf("expected snapshot bids + replayed bids = 3 levels, got %d", len(sn.Bids))
	}
}

func TestAtomicMultiPacketPublication(t *testing.T) {
	m, _ := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")
	_ = m.StartDeltas(id)
	if _, ok := m.OnSnapshot(snapshot(id, 10)); !ok {
		t.Fatal("snapshot not applied")
	}

	// First packet of a multi-part update: no terminal flag, no publication.
	part1 := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionUpdate, schema.SideBuy, "100", "5", 11, 0),
	}}
	if _, ok := m.OnDeltas(part1); ok {
		t.Fatal("partial batch must not publish")
	}

	// The book itself must not move until the batch completes.
	sn, _ := m.Snapshot(id, 0)
	if !sn.Bids[0].Size.Equal(dec("2")) {
		t.Errorf("book mutated before terminal flag: %s", sn.Bids[0].Size)
	}

	part2 := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionAdd, schema.SideSell, "102", "4", 12, schema.FlagLast),
	}}
	batch, ok := m.OnDeltas(part2)
	if !ok {
		t.Fatal("expected atomic publication at terminal flag")
	}
	if len(batch.Deltas) != 2 {
		t.Fatalf("expected both packets in one batch, got %d", len(batch.Deltas))
	}

	sn, _ = m.Snapshot(id, 0)
	if !sn.Bids[0].Size.Equal(dec("5")) {
		t.Errorf("expected batch applied, bid size %s", sn.Bids[0].Size)
	}
}

func TestSequenceMonotonicity(t *testing.T) {
	m, _ := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")
	_ = m.StartDeltas(id)
	_, _ = m.OnSnapshot(snapshot(id, 10))

	// Replay of an already-applied sequence is dropped silently.
	replay := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionUpdate, schema.SideBuy, "100", "9", 10, schema.FlagLast),
	}}
	if _, ok := m.OnDeltas(replay); ok {
		t.Error("replayed sequence must not publish")
	}

	fresh := schema.OrderBookDeltas{InstrumentID: id, Deltas: []schema.OrderBookDelta{
		delta(id, schema.ActionUpdate, schema.SideBuy, "100", "9", 11, schema.FlagLast),
	}}
	batch, ok := m.OnDeltas(fresh)
	if !ok {
		t.Fatal("fresh sequence must publish")
	}
	last := uint64(10)
	for _, d := range batch.Deltas {
		if d.Sequence <= last {
			t.Errorf("published sequence %d not strictly increasing after %d", d.Sequence, last)
		}
		last = d.Sequence
	}
}

func TestReconnectResync(t *testing.T) {
	m, requested := newTestManager()
	btc := schema.NewInstrumentID("BTC-USD", "SIM")
	eth := schema.NewInstrumentID("ETH-USD", "SIM")
	other := schema.NewInstrumentID("BTC-EUR", "OTHER")
	_ = m.StartDeltas(btc)
	_ = m.StartDeltas(eth)
	_ = m.StartDeltas(other)
	_, _ = m.OnSnapshot(snapshot(btc, 10))
	*requested = nil

	resync := m.OnReconnect("SIM")
	if len(resync) != 2 {
		t.Fatalf("expected 2 instruments resyncing, got %d", len(resync))
	}
	if got := m.CurrentState(btc); got != StateSnapshotRequested {
		t.Errorf("expected snapshot_requested after reconnect, got %s", got)
	}
	if got := m.CurrentState(other); got == StateSnapshotRequested {
		t.Error("other venue must be untouched")
	}
	if len(*requested) != 2 {
		t.Errorf("expected 2 snapshot re-requests, got %d", len(*requested))
	}
}

func TestSnapshotUnavailableBeforeSync(t *testing.T) {
	m, _ := newTestManager()
	id := schema.NewInstrumentID("BTC-USD", "SIM")
	_ = m.StartDeltas(id)

	if _, err := m.Snapshot(id, 0); err == nil {
		t.Error("expected unavailable error before synchronization")
	}
}
