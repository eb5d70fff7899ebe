package schema

import (
	"github.com/coachpo/tidemark/errs"
)

// Command is the closed set of control-plane messages accepted by the engine.
// The engine dispatches on the concrete type; new variants require engine
// support, so the marker method is unexported.
type Command interface {
	command()
}

// SubscribeCommand requests delivery of a live data stream to a consumer.
type SubscribeCommand struct {
	ConsumerID   ConsumerID
	Kind         DataKind
	InstrumentID InstrumentID
	BarType      BarType
	Venue        Venue
	ClientID     ClientID
	BookDepth    int
	Interval     string
	Params       map[string]string
}

func (SubscribeCommand) command() {}

// Validate rejects malformed subscribe commands before any state mutation.
func (c SubscribeCommand) Validate() error {
	if c.ConsumerID == "" {
		return errs.New("schema/subscribe", errs.CodeInvalid, errs.WithMessage("consumer id required"))
	}
	if err := c.Kind.Validate(); err != nil {
		return err
	}
	switch c.Kind {
	case KindInstruments:
		if c.Venue == "" && c.ClientID == "" {
			return errs.New("schema/subscribe", errs.CodeInvalid,
				errs.WithMessage("instruments subscription requires a venue or client id"))
		}
	case KindBar:
		if err := c.BarType.Validate(); err != nil {
			return err
		}
	default:
		if err := c.InstrumentID.Validate(); err != nil {
			return err
		}
	}
	if c.BookDepth < 0 {
		return errs.New("schema/subscribe", errs.CodeInvalid,
			errs.WithMessage("book depth must be non-negative"))
	}
	return nil
}

// Scope returns the uniqueness key shared between a subscribe command and its
// matching unsubscribe: bar subscriptions key on the full bar type, venue-wide
// subscriptions on the venue, everything else on the instrument id.
func (c SubscribeCommand) Scope() string {
	switch c.Kind {
	case KindBar:
		return c.BarType.String()
	case KindInstruments:
		if c.Venue != "" {
			return string(c.Venue)
		}
		return string(c.ClientID)
	default:
		return c.InstrumentID.String()
	}
}

// UnsubscribeCommand removes a consumer's interest in a live data stream.
type UnsubscribeCommand struct {
	ConsumerID   ConsumerID
	Kind         DataKind
	InstrumentID InstrumentID
	BarType      BarType
	Venue        Venue
	ClientID     ClientID
}

func (UnsubscribeCommand) command() {}

// Validate rejects malformed unsubscribe commands.
func (c UnsubscribeCommand) Validate() error {
	if c.ConsumerID == "" {
		return errs.New("schema/unsubscribe", errs.CodeInvalid, errs.WithMessage("consumer id required"))
	}
	return c.Kind.Validate()
}

// Scope mirrors SubscribeCommand.Scope for registry removal.
func (c UnsubscribeCommand) Scope() string {
	switch c.Kind {
	case KindBar:
		return c.BarType.String()
	case KindInstruments:
		if c.Venue != "" {
			return string(c.Venue)
		}
		return string(c.ClientID)
	default:
		return c.InstrumentID.String()
	}
}
