package executor

import (
	"context"

	"github.com/google/uuid"
)

// Registry resolves executor credentials and tracks executor liveness and
// availability.
type Registry interface {
	// Create persists a new executor.
	Create(ctx context.Context, e *Executor) error

	// UpdateHeartbeat resolves token to an executor, records the heartbeat
	// and returns the updated executor. An unknown token yields (nil, nil).
	UpdateHeartbeat(ctx context.Context, token string, cpu *float64, mem *int64) (*Executor, error)

	// UpdateStatus sets the availability of an executor owned by tenantID.
	UpdateStatus(ctx context.Context, tenantID, executorID uuid.UUID, status Status) error

	// ListReady returns the tenant's READY executors, most recently seen
	// first. READY is not cleared on disconnect, so callers must confirm the
	// executor is still reachable.
	ListReady(ctx context.Context, tenantID uuid.UUID) ([]*Executor, error)
}
