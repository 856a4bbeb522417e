package events

// Kind represents a platform event category, enabling routing on the
// consumer side. Unknown kinds are always ignored, never an error.
type Kind string

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// Platform event kinds.
const (
	// KindStageCompleted carries a terminal stage outcome (SUCCEEDED or FAILED).
	KindStageCompleted Kind = "StageCompleted"
	// KindStageFailed carries a terminal stage failure.
	KindStageFailed Kind = "StageFailed"
	// KindStageUpdated carries intermediate stage updates. Only SKIPPED is
	// treated as a completion signal.
	KindStageUpdated Kind = "StageUpdated"

	// KindTaskStatusChanged is emitted when a task reaches a terminal status.
	KindTaskStatusChanged Kind = "TaskStatusChanged"
	// KindExecutorStatusChanged is emitted when an executor's availability changes.
	KindExecutorStatusChanged Kind = "ExecutorStatusChanged"
)

// Payload keys used by stage, task and executor events.
const (
	PayloadTaskID     = "task_id"
	PayloadStageID    = "stage_id"
	PayloadType       = "type"
	PayloadStatus     = "status"
	PayloadTenantID   = "tenant_id"
	PayloadError      = "error"
	PayloadExecutorID = "executor_id"
)
