package workflow

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
)

// workflowState is the orchestrator's runtime view of one task's progress.
// Every field is guarded by the owning workflowEntry's mutex.
type workflowState struct {
	tenantID      uuid.UUID
	taskID        uuid.UUID
	correlationID string
	taskType      task.TaskType

	stages     []pipeline.StageType
	stageIndex int

	inFlightStageID   uuid.UUID // uuid.Nil when nothing is in flight.
	inFlightStageType pipeline.StageType

	completed bool
}

func newWorkflowState(t *task.Task) *workflowState {
	return &workflowState{
		tenantID:      t.TenantID(),
		taskID:        t.TaskID(),
		correlationID: t.CorrelationID(),
		taskType:      t.Type(),
		stages:        pipeline.Plan(t.Type()),
	}
}

func (s *workflowState) hasInFlight() bool { return s.inFlightStageID != uuid.Nil }

// expectedStage returns the stage at the cursor, or false once the cursor is
// past the end of the plan.
func (s *workflowState) expectedStage() (pipeline.StageType, bool) {
	if s.stageIndex >= len(s.stages) {
		return "", false
	}
	return s.stages[s.stageIndex], true
}

func (s *workflowState) setInFlight(id uuid.UUID, st pipeline.StageType) {
	s.inFlightStageID = id
	s.inFlightStageType = st
}

func (s *workflowState) clearInFlight() {
	s.inFlightStageID = uuid.Nil
	s.inFlightStageType = ""
}

// advance moves the cursor past the current stage and reports whether the
// plan is exhausted.
func (s *workflowState) advance() bool {
	s.stageIndex++
	s.clearInFlight()
	return s.stageIndex >= len(s.stages)
}

func (s *workflowState) request(stageID uuid.UUID, st pipeline.StageType) StageRequest {
	return StageRequest{
		TenantID:      s.tenantID,
		TaskID:        s.taskID,
		TaskType:      s.taskType,
		StageType:     st,
		StageID:       stageID,
		CorrelationID: s.correlationID,
	}
}

func (s *workflowState) snapshot() WorkflowSnapshot {
	stages := make([]pipeline.StageType, len(s.stages))
	copy(stages, s.stages)
	return WorkflowSnapshot{
		TenantID:          s.tenantID,
		TaskID:            s.taskID,
		CorrelationID:     s.correlationID,
		TaskType:          s.taskType,
		Stages:            stages,
		StageIndex:        s.stageIndex,
		InFlightStageID:   s.inFlightStageID,
		InFlightStageType: s.inFlightStageType,
		Completed:         s.completed,
	}
}

// workflowEntry serialises every read-modify-write of one task's state.
type workflowEntry struct {
	mu    sync.Mutex
	state *workflowState
}

// WorkflowSnapshot is a read-only copy of a workflow's state.
type WorkflowSnapshot struct {
	TenantID          uuid.UUID
	TaskID            uuid.UUID
	CorrelationID     string
	TaskType          task.TaskType
	Stages            []pipeline.StageType
	StageIndex        int
	InFlightStageID   uuid.UUID
	InFlightStageType pipeline.StageType
	Completed         bool
}
