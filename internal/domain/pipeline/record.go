package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StageRecord is the persisted lifecycle record of one stage attempt.
type StageRecord struct {
	StageID    uuid.UUID
	TaskID     uuid.UUID
	TenantID   uuid.UUID
	Type       StageType
	Status     StageStatus
	ExecutorID uuid.UUID // Zero when the stage ran in-process.
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	ExitCode   *int
	Error      string
}

// NewRunningStageRecord records a stage that has been handed to an executor.
func NewRunningStageRecord(stageID, taskID, tenantID, executorID uuid.UUID, stageType StageType, now time.Time) StageRecord {
	return StageRecord{
		StageID:    stageID,
		TaskID:     taskID,
		TenantID:   tenantID,
		Type:       stageType,
		Status:     StageStatusRunning,
		ExecutorID: executorID,
		StartTime:  now,
	}
}

// NewFailedStageRecord records a stage attempt that failed before it produced
// any asynchronous signal. Start and end are both now and the duration is zero.
func NewFailedStageRecord(stageID, taskID, tenantID uuid.UUID, stageType StageType, now time.Time, cause error) StageRecord {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return StageRecord{
		StageID:   stageID,
		TaskID:    taskID,
		TenantID:  tenantID,
		Type:      stageType,
		Status:    StageStatusFailed,
		StartTime: now,
		EndTime:   now,
		Duration:  0,
		Error:     msg,
	}
}

// Complete returns a copy of r finished with status at end.
func (r StageRecord) Complete(status StageStatus, end time.Time, exitCode *int, errMsg string) StageRecord {
	r.Status = status
	r.EndTime = end
	if !r.StartTime.IsZero() {
		r.Duration = end.Sub(r.StartTime)
	} else {
		r.StartTime = end
	}
	r.ExitCode = exitCode
	r.Error = errMsg
	return r
}

// StageRepository persists stage lifecycle records.
type StageRepository interface {
	// Persist upserts the record keyed by its stage id.
	Persist(ctx context.Context, record StageRecord, correlationID string) error

	// Get returns the record for stageID, or (nil, nil) if none exists.
	Get(ctx context.Context, stageID uuid.UUID) (*StageRecord, error)

	// LatestForTask returns the most recently started stage record for the
	// task, or (nil, nil) if the task has none.
	LatestForTask(ctx context.Context, taskID uuid.UUID) (*StageRecord, error)
}
