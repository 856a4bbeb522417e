package task

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the persistence operations for tasks. Find methods
// return (nil, nil) when the task does not exist; absence is an expected
// outcome for callers such as the orchestrator and the gateway.
type Repository interface {
	// Create persists a new task.
	Create(ctx context.Context, t *Task) error

	// FindByID returns the task if it exists and belongs to tenantID.
	FindByID(ctx context.Context, taskID, tenantID uuid.UUID) (*Task, error)

	// Find returns the task regardless of tenant. Callers are responsible for
	// enforcing tenant ownership on the result.
	Find(ctx context.Context, taskID uuid.UUID) (*Task, error)

	// UpdateStatus sets the task's status.
	UpdateStatus(ctx context.Context, taskID, tenantID uuid.UUID, status TaskStatus) error

	// AssignExecutor records which executor currently owns the task's work.
	AssignExecutor(ctx context.Context, taskID, tenantID, executorID uuid.UUID) error

	// ListByStatus returns up to limit tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status TaskStatus, limit int) ([]*Task, error)
}
