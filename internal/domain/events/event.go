package events

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus tracks an outbox row's processing state. Rows move from
// PENDING to PROCESSED exactly once.
type EventStatus string

const (
	// EventStatusPending marks an event that has not been consumed yet.
	EventStatusPending EventStatus = "PENDING"
	// EventStatusProcessed marks an event the orchestrator has ingested.
	EventStatusProcessed EventStatus = "PROCESSED"
)

// PlatformEvent is the unit stored in the outbox and fanned out to the
// broker. Payload is free-form; stage events use the Payload* keys.
type PlatformEvent struct {
	// EventID uniquely identifies the event; inserts are idempotent on it.
	EventID uuid.UUID

	// TenantID is set for tenant-scoped events.
	TenantID *uuid.UUID

	// CorrelationID ties the event to the task that caused it.
	CorrelationID string

	// Event is the kind string used for routing.
	Event Kind

	// Payload carries the event data.
	Payload map[string]any

	// CreatedAt orders events in the outbox.
	CreatedAt time.Time

	// Status is the outbox processing state.
	Status EventStatus
}

// PayloadString returns the payload value under key when it is a non-empty
// string.
func (e PlatformEvent) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
