package task

import (
	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
)

// NewTaskStatusChangedEvent builds the platform event emitted once a task
// reaches a terminal status.
func NewTaskStatusChangedEvent(
	taskID, tenantID uuid.UUID,
	taskType TaskType,
	correlationID string,
	status TaskStatus,
) events.PlatformEvent {
	return events.PlatformEvent{
		EventID:       uuid.New(),
		TenantID:      &tenantID,
		CorrelationID: correlationID,
		Event:         events.KindTaskStatusChanged,
		Payload: map[string]any{
			events.PayloadTaskID:   taskID.String(),
			events.PayloadTenantID: tenantID.String(),
			events.PayloadType:     taskType.String(),
			events.PayloadStatus:   status.String(),
		},
	}
}
