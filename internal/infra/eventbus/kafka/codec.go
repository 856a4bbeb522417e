package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
)

// ErrMissingEventKind is returned when a message does not name its event kind.
var ErrMissingEventKind = errors.New("kafka message has no event kind")

// wireEvent is the JSON body of a platform event on the topic.
type wireEvent struct {
	EventID       uuid.UUID          `json:"event_id"`
	TenantID      *uuid.UUID         `json:"tenant_id,omitempty"`
	CorrelationID string             `json:"correlation_id"`
	Event         events.Kind        `json:"event"`
	Payload       map[string]any     `json:"payload"`
	CreatedAt     time.Time          `json:"created_at"`
	Status        events.EventStatus `json:"status,omitempty"`
}

func encodeEvent(evt events.PlatformEvent) ([]byte, error) {
	return json.Marshal(wireEvent{
		EventID:       evt.EventID,
		TenantID:      evt.TenantID,
		CorrelationID: evt.CorrelationID,
		Event:         evt.Event,
		Payload:       evt.Payload,
		CreatedAt:     evt.CreatedAt,
		Status:        evt.Status,
	})
}

func decodeEvent(b []byte) (events.PlatformEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return events.PlatformEvent{}, fmt.Errorf("decode platform event: %w", err)
	}
	if w.Event == "" {
		return events.PlatformEvent{}, ErrMissingEventKind
	}
	return events.PlatformEvent{
		EventID:       w.EventID,
		TenantID:      w.TenantID,
		CorrelationID: w.CorrelationID,
		Event:         w.Event,
		Payload:       w.Payload,
		CreatedAt:     w.CreatedAt,
		Status:        w.Status,
	}, nil
}

// messageKey partitions events by task so one task's events stay ordered.
// Events without a task fall back to the correlation id.
func messageKey(evt events.PlatformEvent) string {
	if id, ok := evt.PayloadString(events.PayloadTaskID); ok {
		return id
	}
	return evt.CorrelationID
}
