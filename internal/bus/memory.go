package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/schema"
)

// MemoryBus is an in-memory implementation of the data bus. Slow subscribers
// are skipped rather than blocking publication; skips are counted.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.Topic]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	dropped      atomic.Uint64
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Message
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := new(MemoryBus)
	b.cfg = cfg
	b.ctx = ctx
	b.cancel = cancel
	b.subscribers = make(map[schema.Topic]map[SubscriptionID]*subscriber)
	return b
}

// Publish fans the payload out to every subscriber of the topic.
func (b *MemoryBus) Publish(ctx context.Context, topic schema.Topic, payload any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if topic == "" {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}

	// Snapshot subscribers to avoid holding the lock during delivery.
	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers[topic]))
	for _, sub := range b.subscribers[topic] {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if len(subscribers) == 0 {
		return nil
	}

	msg := Message{Topic: topic, Payload: payload, PublishedAt: time.Now().UTC()}
	for _, sub := range subscribers {
		if err := b.deliver(ctx, sub, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for messages on the topic and returns a subscription ID
// and receive channel. Cancelling ctx tears the subscription down.
func (b *MemoryBus) Subscribe(ctx context.Context, topic schema.Topic) (SubscriptionID, <-chan Message, error) {
	if topic == "" {
		return "", nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan Message, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	go b.observe(topic, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			b.mu.Unlock()
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				sub.close()
				delete(subs, id)
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
	})
}

// Dropped reports how many messages were skipped on full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) observe(topic schema.Topic, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	if subs := b.subscribers[topic]; subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, msg Message) error {
	select {
	case <-b.ctx.Done():
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	default:
	}
	if sub.ctx.Err() != nil {
		return nil
	}
	if !sub.send(msg) && sub.ctx.Err() == nil {
		b.dropped.Add(1)
	}
	return nil
}

// send attempts a non-blocking delivery. An unsubscribe racing a publish can
// close the channel between the liveness check and the send, so the send is
// recover-guarded.
func (s *subscriber) send(msg Message) (delivered bool) {
	defer func() {
		if recover() != nil {
			delivered = false
		}
	}()
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}
