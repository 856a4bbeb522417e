package executor

import (
	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
)

// NewStatusChangedEvent builds the platform event emitted when an executor's
// availability changes.
func NewStatusChangedEvent(tenantID, executorID uuid.UUID, status Status) events.PlatformEvent {
	return events.PlatformEvent{
		EventID:       uuid.New(),
		TenantID:      &tenantID,
		CorrelationID: executorID.String(),
		Event:         events.KindExecutorStatusChanged,
		Payload: map[string]any{
			events.PayloadExecutorID: executorID.String(),
			events.PayloadTenantID:   tenantID.String(),
			events.PayloadStatus:     status.String(),
		},
	}
}
