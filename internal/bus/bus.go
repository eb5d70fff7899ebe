// Package bus defines topic-based pub/sub used to fan processed market data
// out to consumers.
package bus

import (
	"context"
	"time"

	"github.com/coachpo/tidemark/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Message is one published payload together with its topic and publish time.
type Message struct {
	Topic       schema.Topic
	Payload     any
	PublishedAt time.Time
}

// Bus delivers published messages to topic subscribers.
type Bus interface {
	Publish(ctx context.Context, topic schema.Topic, payload any) error
	Subscribe(ctx context.Context, topic schema.Topic) (SubscriptionID, <-chan Message, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	return c
}
