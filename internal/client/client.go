// Package client defines the venue data client contract and transports.
package client

import (
	"context"
	"time"

	"github.com/coachpo/tidemark/internal/schema"
)

// Event is one piece of market data pushed by a venue client. Payload holds
// the schema value matching Kind.
type Event struct {
	Kind    schema.DataKind
	Payload any
}

// Client is a venue-facing data adapter. Live data and errors flow through
// the Events and Errors channels; historical lookups are request/response.
type Client interface {
	ID() schema.ClientID
	Venue() schema.Venue

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool

	Subscribe(ctx context.Context, cmd schema.SubscribeCommand) error
	Unsubscribe(ctx context.Context, cmd schema.UnsubscribeCommand) error

	RequestInstrument(ctx context.Context, id schema.InstrumentID) (schema.Instrument, error)
	RequestInstruments(ctx context.Context, venue schema.Venue) ([]schema.Instrument, error)
	RequestQuotes(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.QuoteTick, error)
	RequestTrades(ctx context.Context, id schema.InstrumentID, start, end time.Time, limit int) ([]schema.TradeTick, error)
	RequestBars(ctx context.Context, barType schema.BarType, start, end time.Time, limit int) ([]schema.Bar, error)

	Events() <-chan Event
	Errors() <-chan error
}
