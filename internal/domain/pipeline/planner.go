package pipeline

import (
	"fmt"

	"github.com/ahrav/scanflow/internal/domain/task"
)

// Plan returns the ordered stages a task of the given type runs through.
// Supply-chain checks never need rule selection, so SCA_CHECK skips
// RULES_PREPARE. Every call returns a fresh slice.
//
// Plan panics on an unknown task type; task types are a closed set and an
// unhandled one is a programming error.
func Plan(taskType task.TaskType) []StageType {
	switch taskType {
	case task.TaskTypeSCACheck:
		return []StageType{
			StageSourcePrepare,
			StageScanExec,
			StageResultProcess,
			StageResultReview,
		}
	case task.TaskTypeSecurityScan, task.TaskTypeSecretScan, task.TaskTypeLicenseCheck:
		return []StageType{
			StageSourcePrepare,
			StageRulesPrepare,
			StageScanExec,
			StageResultProcess,
			StageResultReview,
		}
	default:
		panic(fmt.Sprintf("pipeline: no stage plan for task type %q", taskType))
	}
}
