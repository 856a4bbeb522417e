package pipeline

import (
	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
)

// NewStageEvent builds a stage event carrying the payload keys the
// orchestrator expects. The kind follows from the status: FAILED maps to
// StageFailed, SKIPPED to StageUpdated and anything else to StageCompleted.
func NewStageEvent(record StageRecord, correlationID string) events.PlatformEvent {
	kind := events.KindStageCompleted
	switch record.Status {
	case StageStatusFailed:
		kind = events.KindStageFailed
	case StageStatusSkipped:
		kind = events.KindStageUpdated
	}

	payload := map[string]any{
		events.PayloadTaskID:  record.TaskID.String(),
		events.PayloadStageID: record.StageID.String(),
		events.PayloadType:    record.Type.String(),
		events.PayloadStatus:  record.Status.String(),
	}
	var tenantID *uuid.UUID
	if record.TenantID != uuid.Nil {
		id := record.TenantID
		tenantID = &id
		payload[events.PayloadTenantID] = id.String()
	}
	if record.Error != "" {
		payload[events.PayloadError] = record.Error
	}

	return events.PlatformEvent{
		EventID:       uuid.New(),
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Event:         kind,
		Payload:       payload,
	}
}
