package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the value of a frame's "type" field.
type MessageType string

// Executor to gateway.
const (
	TypeRegister   MessageType = "register"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeLogChunk   MessageType = "log_chunk"
	TypeTaskResult MessageType = "task_result"
)

// Gateway to executor.
const (
	TypeRegisterAck   MessageType = "register_ack"
	TypeHeartbeatAck  MessageType = "heartbeat_ack"
	TypeError         MessageType = "error"
	TypeStageDispatch MessageType = "stage_dispatch"
)

// ErrMissingType is returned when a frame has no "type" field.
var ErrMissingType = errors.New("message type missing")

// Envelope is used to peek at a frame's type before decoding the full body.
type Envelope struct {
	Type MessageType `json:"type"`
}

// PeekType returns the type of a raw frame.
func PeekType(body []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Register exchanges an executor bearer token for a session.
type Register struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// Heartbeat re-validates the token and reports liveness telemetry.
type Heartbeat struct {
	Type          MessageType `json:"type"`
	Token         string      `json:"token"`
	CPUUsage      *float64    `json:"cpuUsage,omitempty"`
	MemoryUsageMB *int64      `json:"memoryUsageMb,omitempty"`
}

// Stream names for log chunks.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogChunk carries a slice of a task's output.
type LogChunk struct {
	Type      MessageType `json:"type"`
	TaskID    string      `json:"taskId"`
	Sequence  int64       `json:"sequence"`
	Stream    string      `json:"stream"`
	Content   string      `json:"content"`
	IsLast    bool        `json:"isLast"`
	StageID   string      `json:"stageId,omitempty"`
	StageType string      `json:"stageType,omitempty"`
}

// TaskResult reports the outcome of a stage run on an executor.
type TaskResult struct {
	Type      MessageType       `json:"type"`
	TaskID    string            `json:"taskId"`
	StageID   string            `json:"stageId,omitempty"`
	StageType string            `json:"stageType,omitempty"`
	Success   bool              `json:"success"`
	ExitCode  *int              `json:"exitCode,omitempty"`
	Log       string            `json:"log,omitempty"`
	Result    string            `json:"result,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	RunLog    string            `json:"runLog,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// RegisterAck confirms a successful register.
type RegisterAck struct {
	Type       MessageType `json:"type"`
	ExecutorID string      `json:"executorId"`
	Status     string      `json:"status"`
}

// HeartbeatAck confirms a heartbeat.
type HeartbeatAck struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// Error reports a rejected message.
type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// StageDispatch asks an executor to run one stage of a task.
type StageDispatch struct {
	Type          MessageType `json:"type"`
	TaskID        string      `json:"taskId"`
	TenantID      string      `json:"tenantId"`
	TaskType      string      `json:"taskType"`
	StageID       string      `json:"stageId"`
	StageType     string      `json:"stageType"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

// NewRegisterAck builds a register_ack frame.
func NewRegisterAck(executorID, status string) RegisterAck {
	return RegisterAck{Type: TypeRegisterAck, ExecutorID: executorID, Status: status}
}

// NewHeartbeatAck builds a heartbeat_ack frame.
func NewHeartbeatAck(status string) HeartbeatAck {
	return HeartbeatAck{Type: TypeHeartbeatAck, Status: status}
}

// NewError builds an error frame.
func NewError(msg string) Error { return Error{Type: TypeError, Message: msg} }
