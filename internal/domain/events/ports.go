// Package events provides the platform event model and the ports through which
// events are stored, published and consumed. The outbox is the durability
// authority; broker fan-out is advisory.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxRepository is the durable, at-least-once event log.
type OutboxRepository interface {
	// Insert appends an event. Inserting an event id that already exists is
	// a no-op, not an error.
	Insert(ctx context.Context, evt PlatformEvent) error

	// FetchAfter returns up to limit pending events created at or after ts,
	// sorted ascending by CreatedAt.
	FetchAfter(ctx context.Context, ts time.Time, limit int) ([]PlatformEvent, error)

	// MarkProcessed transitions an event to PROCESSED.
	MarkProcessed(ctx context.Context, eventID uuid.UUID) error
}

// Publisher publishes platform events to interested parties. Implementations
// must persist the event durably before returning nil.
type Publisher interface {
	Publish(ctx context.Context, evt PlatformEvent) error
}

// Broker pushes events to an external message broker. Delivery through a
// Broker is best effort.
type Broker interface {
	Send(ctx context.Context, evt PlatformEvent) error
	Close() error
}
