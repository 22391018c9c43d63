package channels

import (
	"context"

	"github.com/basket/go-relay/internal/dispatch"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Router consumes decoded inbound events.
type Router interface {
	Handle(ctx context.Context, ev any)
	LaneKey(ev any) string
}

// Submitter queues work on an ordered lane. *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(key, kind string, fn dispatch.Job) error
}
