package task

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskTypeUnknown is returned when a task type string is not recognized.
	ErrTaskTypeUnknown = errors.New("task type unknown")
	// ErrTaskStatusUnknown is returned when a task status string is not recognized.
	ErrTaskStatusUnknown = errors.New("task status unknown")
	// ErrTaskNotFound is returned by operations that require an existing task.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskType identifies what kind of scan a task performs. The set is closed;
// adding a value requires a decision in the stage planner and the stage
// executor's routing.
type TaskType string

const (
	// TaskTypeSecurityScan is a static application security test.
	TaskTypeSecurityScan TaskType = "SECURITY_SCAN"
	// TaskTypeSCACheck is a supply-chain (dependency) analysis.
	TaskTypeSCACheck TaskType = "SCA_CHECK"
	// TaskTypeSecretScan searches sources for leaked credentials.
	TaskTypeSecretScan TaskType = "SECRET_SCAN"
	// TaskTypeLicenseCheck audits dependency licenses against policy.
	TaskTypeLicenseCheck TaskType = "LICENSE_CHECK"
)

// AllTaskTypes lists every task type.
func AllTaskTypes() []TaskType {
	return []TaskType{TaskTypeSecurityScan, TaskTypeSCACheck, TaskTypeSecretScan, TaskTypeLicenseCheck}
}

// String returns the string representation of the TaskType.
func (t TaskType) String() string { return string(t) }

// ParseTaskType converts a string to a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTypeSecurityScan, TaskTypeSCACheck, TaskTypeSecretScan, TaskTypeLicenseCheck:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrTaskTypeUnknown, s)
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates a task is created but its workflow has not started.
	TaskStatusPending TaskStatus = "PENDING"
	// TaskStatusRunning indicates the task's workflow is advancing through stages.
	TaskStatusRunning TaskStatus = "RUNNING"
	// TaskStatusSucceeded indicates every planned stage completed.
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	// TaskStatusFailed indicates a stage failed and the pipeline was aborted.
	TaskStatusFailed TaskStatus = "FAILED"
	// TaskStatusCancelled indicates the task was cancelled by a user.
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are expected.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseTaskStatus converts a string to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrTaskStatusUnknown, s)
	}
}
