// Package pipeline defines the stage vocabulary of a task's scan pipeline and
// the planner that turns a task type into an ordered stage plan.
package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrStageTypeUnknown is returned when a stage type string is not recognized.
	ErrStageTypeUnknown = errors.New("stage type unknown")
	// ErrStageStatusUnknown is returned when a stage status string is not recognized.
	ErrStageStatusUnknown = errors.New("stage status unknown")
)

// StageType identifies one unit of pipeline work.
type StageType string

const (
	// StageSourcePrepare checks out or unpacks the sources to scan.
	StageSourcePrepare StageType = "SOURCE_PREPARE"
	// StageRulesPrepare selects the rule set for the scan.
	StageRulesPrepare StageType = "RULES_PREPARE"
	// StageScanExec runs the scanner.
	StageScanExec StageType = "SCAN_EXEC"
	// StageResultProcess normalizes raw scanner output into findings.
	StageResultProcess StageType = "RESULT_PROCESS"
	// StageResultReview triages findings.
	StageResultReview StageType = "RESULT_REVIEW"
)

// String returns the string representation of the StageType.
func (s StageType) String() string { return string(s) }

// ParseStageType converts a string to a StageType.
func ParseStageType(s string) (StageType, error) {
	switch StageType(s) {
	case StageSourcePrepare, StageRulesPrepare, StageScanExec, StageResultProcess, StageResultReview:
		return StageType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStageTypeUnknown, s)
	}
}

// StageStatus represents the lifecycle state of a single stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSucceeded StageStatus = "SUCCEEDED"
	StageStatusFailed    StageStatus = "FAILED"
	StageStatusSkipped   StageStatus = "SKIPPED"
)

// String returns the string representation of the StageStatus.
func (s StageStatus) String() string { return string(s) }

// IsTerminal reports whether the status ends the stage.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// CompletesStage reports whether the status lets the pipeline advance to
// the next stage.
func (s StageStatus) CompletesStage() bool {
	return s == StageStatusSucceeded || s == StageStatusSkipped
}

// ParseStageStatus converts a string to a StageStatus.
func ParseStageStatus(s string) (StageStatus, error) {
	switch StageStatus(s) {
	case StageStatusPending, StageStatusRunning, StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return StageStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStageStatusUnknown, s)
	}
}
