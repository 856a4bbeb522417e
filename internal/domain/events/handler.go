package events

import "context"

// EventHandler defines the contract for components that consume platform
// events delivered by a broker subscription.
type EventHandler interface {
	// HandleEvent processes a platform event and returns an error if
	// processing fails. Unknown kinds must be ignored.
	HandleEvent(ctx context.Context, evt PlatformEvent) error
}

// HandlerFunc adapts an ordinary function to EventHandler.
type HandlerFunc func(ctx context.Context, evt PlatformEvent) error

// HandleEvent calls f(ctx, evt).
func (f HandlerFunc) HandleEvent(ctx context.Context, evt PlatformEvent) error { return f(ctx, evt) }
