package broadcast

import (
	"context"

	"github.com/google/uuid"

	"github.com/pointdeck/pointdeck/go/internal/events"
)

// Channel is the session-scoped publish/subscribe topic every component talks
// over. The contract is deliberately weak: delivery is at-most-once, order is
// not preserved, and nothing is retained for late subscribers. Components must
// stay correct under drops and reordering; the periodic reconciliation pull is
// the backstop.
type Channel interface {
	// Publish sends the event to currently-connected subscribers of its
	// session topic. Fire-and-forget: a lost message is not an error the
	// caller can observe.
	Publish(ctx context.Context, ev events.Event) error

	// Subscribe registers a handler for one session's topic. The handler is
	// invoked from the channel's delivery goroutine; implementations do not
	// guarantee ordering across events.
	Subscribe(sessionID uuid.UUID, handler func(events.Event)) (Subscription, error)
}

// Subscription is a handle to an active topic registration.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}
