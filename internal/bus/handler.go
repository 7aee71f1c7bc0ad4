package bus

import (
	"context"

	"github.com/bridgecore/genesis/internal/event"
)

// Handler is the single capability interface every subscriber implements.
// Heterogeneous engines are normalized to this shape and registered in an
// explicit table at startup rather than looked up dynamically.
//
// Handle errors are isolated per handler: they are logged and
// dead-lettered but never reach the publisher or sibling handlers.
type Handler interface {
	// Name identifies the handler in logs, dead letters, and audit output.
	Name() string

	// Handle processes one event. The Replay flag on the event tells
	// handlers with external side effects that this is a re-emission.
	Handle(ctx context.Context, ev event.Event) error
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, ev event.Event) error
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Handle(ctx context.Context, ev event.Event) error {
	return h.fn(ctx, ev)
}

// HandlerFunc adapts a function to the Handler interface under the given
// name.
func HandlerFunc(name string, fn func(ctx context.Context, ev event.Event) error) Handler {
	return funcHandler{name: name, fn: fn}
}
