// Package task provides the task aggregate: one requested scan or check owned
// by a tenant that progresses through an ordered sequence of pipeline stages.
// This package should be imported by other packages that need to work with
// the core task domain model.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Task represents a single scan task owned by a tenant. The orchestrator reads
// its type to plan stages and is the only writer of its terminal status.
type Task struct {
	taskID        uuid.UUID
	tenantID      uuid.UUID
	taskType      TaskType
	status        TaskStatus
	executorID    uuid.UUID // Zero until a stage is dispatched to a remote executor.
	correlationID string
	createdAt     time.Time
	updatedAt     time.Time
}

// NewTask creates a PENDING task. The correlation id defaults to the task id
// when empty so every event emitted for the task can be tied back to it.
func NewTask(tenantID uuid.UUID, taskType TaskType, correlationID string, now time.Time) *Task {
	id := uuid.New()
	if correlationID == "" {
		correlationID = id.String()
	}
	return &Task{
		taskID:        id,
		tenantID:      tenantID,
		taskType:      taskType,
		status:        TaskStatusPending,
		correlationID: correlationID,
		createdAt:     now,
		updatedAt:     now,
	}
}

// ReconstructTask rebuilds a Task from persisted state.
func ReconstructTask(
	taskID uuid.UUID,
	tenantID uuid.UUID,
	taskType TaskType,
	status TaskStatus,
	executorID uuid.UUID,
	correlationID string,
	createdAt time.Time,
	updatedAt time.Time,
) *Task {
	return &Task{
		taskID:        taskID,
		tenantID:      tenantID,
		taskType:      taskType,
		status:        status,
		executorID:    executorID,
		correlationID: correlationID,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

// TaskID returns the task's unique identifier.
func (t *Task) TaskID() uuid.UUID { return t.taskID }

// TenantID returns the owning tenant.
func (t *Task) TenantID() uuid.UUID { return t.tenantID }

// Type returns the task type, which determines the stage plan.
func (t *Task) Type() TaskType { return t.taskType }

// Status returns the current task status.
func (t *Task) Status() TaskStatus { return t.status }

// ExecutorID returns the executor currently assigned to the task, or
// uuid.Nil when none is assigned.
func (t *Task) ExecutorID() uuid.UUID { return t.executorID }

// CorrelationID ties together every event and stage record of the task.
func (t *Task) CorrelationID() string { return t.correlationID }

// CreatedAt returns the creation time.
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// UpdatedAt returns the last modification time.
func (t *Task) UpdatedAt() time.Time { return t.updatedAt }

// IsAssignedTo reports whether the task is currently assigned to executorID.
func (t *Task) IsAssignedTo(executorID uuid.UUID) bool {
	return t.executorID != uuid.Nil && t.executorID == executorID
}
