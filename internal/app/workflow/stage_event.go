package workflow

import (
	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
)

// stageEventInfo is the validated content of a stage event payload.
type stageEventInfo struct {
	taskID    uuid.UUID
	stageID   uuid.UUID
	stageType pipeline.StageType
	status    pipeline.StageStatus
	tenantID  uuid.UUID // Optional; log context only.
}

// parseStageEvent extracts stage event fields from a generic payload. It
// reports false for any payload missing a required field, and for a
// StageUpdated event whose status is not SKIPPED.
func parseStageEvent(evt events.PlatformEvent) (stageEventInfo, bool) {
	var info stageEventInfo

	raw, ok := evt.PayloadString(events.PayloadTaskID)
	if !ok {
		return info, false
	}
	taskID, err := uuid.Parse(raw)
	if err != nil {
		return info, false
	}

	if raw, ok = evt.PayloadString(events.PayloadStageID); !ok {
		return info, false
	}
	stageID, err := uuid.Parse(raw)
	if err != nil {
		return info, false
	}

	if raw, ok = evt.PayloadString(events.PayloadType); !ok {
		return info, false
	}
	stageType, err := pipeline.ParseStageType(raw)
	if err != nil {
		return info, false
	}

	if raw, ok = evt.PayloadString(events.PayloadStatus); !ok {
		return info, false
	}
	status, err := pipeline.ParseStageStatus(raw)
	if err != nil {
		return info, false
	}

	if evt.Event == events.KindStageUpdated && status != pipeline.StageStatusSkipped {
		return info, false
	}

	info = stageEventInfo{
		taskID:    taskID,
		stageID:   stageID,
		stageType: stageType,
		status:    status,
	}
	if raw, ok = evt.PayloadString(events.PayloadTenantID); ok {
		if tenantID, err := uuid.Parse(raw); err == nil {
			info.tenantID = tenantID
		}
	} else if evt.TenantID != nil {
		info.tenantID = *evt.TenantID
	}

	return info, true
}

func isStageEventKind(k events.Kind) bool {
	switch k {
	case events.KindStageCompleted, events.KindStageFailed, events.KindStageUpdated:
		return true
	default:
		return false
	}
}
