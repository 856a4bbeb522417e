package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
)

var _ events.OutboxRepository = (*Outbox)(nil)

// Outbox is an in-memory events.OutboxRepository.
type Outbox struct {
	mu     sync.Mutex
	events []events.PlatformEvent
	index  map[uuid.UUID]int

	fetches []time.Time
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{index: make(map[uuid.UUID]int)}
}

func (o *Outbox) Insert(_ context.Context, evt events.PlatformEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.index[evt.EventID]; exists {
		return nil
	}
	if evt.Status == "" {
		evt.Status = events.EventStatusPending
	}
	o.index[evt.EventID] = len(o.events)
	o.events = append(o.events, evt)
	return nil
}

func (o *Outbox) FetchAfter(_ context.Context, ts time.Time, limit int) ([]events.PlatformEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fetches = append(o.fetches, ts)

	var out []events.PlatformEvent
	for _, evt := range o.events {
		if evt.Status == events.EventStatusPending && !evt.CreatedAt.Before(ts) {
			out = append(out, evt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) MarkProcessed(_ context.Context, eventID uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i, ok := o.index[eventID]; ok {
		o.events[i].Status = events.EventStatusProcessed
	}
	return nil
}

// Fetches returns the timestamps passed to FetchAfter, in call order.
func (o *Outbox) Fetches() []time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Time(nil), o.fetches...)
}

// Events returns a copy of every stored event.
func (o *Outbox) Events() []events.PlatformEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.PlatformEvent(nil), o.events...)
}
