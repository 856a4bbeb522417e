package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrExecutorNotConnected is returned when a message targets an executor with
// no live session on this gateway.
var ErrExecutorNotConnected = errors.New("executor not connected")

// SessionRegistry maps executor ids to their live gateway sessions. It is
// shared by every connection and by the dispatch path, so all operations are
// safe for concurrent use.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	metrics  GatewayMetrics
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(metrics GatewayMetrics) *SessionRegistry {
	if metrics == nil {
		metrics = noopGatewayMetrics{}
	}
	return &SessionRegistry{sessions: make(map[uuid.UUID]*Session), metrics: metrics}
}

// Register binds executorID to sess, replacing any previous session.
func (r *SessionRegistry) Register(ctx context.Context, executorID uuid.UUID, sess *Session) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("executor_id", executorID.String()))

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.sessions[executorID]
	if exists && prev == sess {
		return
	}
	r.sessions[executorID] = sess
	if exists {
		span.AddEvent("executor_session_replaced")
		r.metrics.SetConnectedExecutors(ctx, len(r.sessions))
		return
	}
	span.AddEvent("executor_registered")

	r.metrics.IncConnectedExecutors(ctx)
	r.metrics.SetConnectedExecutors(ctx, len(r.sessions))
}

// Remove unbinds executorID. It reports whether a session was removed.
func (r *SessionRegistry) Remove(ctx context.Context, executorID uuid.UUID) bool {
	return r.remove(ctx, executorID, nil)
}

// RemoveSession unbinds executorID only while it is still bound to sess, so a
// stale connection closing cannot evict the executor's newer session.
func (r *SessionRegistry) RemoveSession(ctx context.Context, executorID uuid.UUID, sess *Session) bool {
	return r.remove(ctx, executorID, sess)
}

func (r *SessionRegistry) remove(ctx context.Context, executorID uuid.UUID, sess *Session) bool {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("executor_id", executorID.String()))

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.sessions[executorID]
	if !exists || (sess != nil && cur != sess) {
		span.AddEvent("executor_session_not_found")
		return false
	}

	delete(r.sessions, executorID)
	span.AddEvent("executor_unregistered")

	r.metrics.DecConnectedExecutors(ctx)
	r.metrics.SetConnectedExecutors(ctx, len(r.sessions))

	return true
}

// Get returns the session bound to executorID.
func (r *SessionRegistry) Get(executorID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[executorID]
	return sess, exists
}

// Connected reports whether executorID has a live session on this gateway.
func (r *SessionRegistry) Connected(executorID uuid.UUID) bool {
	_, ok := r.Get(executorID)
	return ok
}

// Count returns the number of registered executors.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Send writes msg as one frame to executorID's session.
func (r *SessionRegistry) Send(ctx context.Context, executorID uuid.UUID, msg any) error {
	sess, ok := r.Get(executorID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutorNotConnected, executorID)
	}
	if err := sess.send(ctx, msg); err != nil {
		return fmt.Errorf("send to executor %s: %w", executorID, err)
	}
	return nil
}
