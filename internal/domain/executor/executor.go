// Package executor models the remote worker agents that perform stage work
// and report back over the gateway protocol.
package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrExecutorNotFound is returned when an executor does not exist.
	ErrExecutorNotFound = errors.New("executor not found")
	// ErrNoReadyExecutor is returned when a tenant has no executor available
	// for dispatch.
	ErrNoReadyExecutor = errors.New("no ready executor")
	// ErrStatusUnknown is returned when an executor status string is not recognized.
	ErrStatusUnknown = errors.New("executor status unknown")
)

// Status is the availability of an executor for stage dispatch.
type Status string

const (
	StatusOffline Status = "OFFLINE"
	StatusReady   Status = "READY"
	StatusBusy    Status = "BUSY"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOffline, StatusReady, StatusBusy:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrStatusUnknown, s)
	}
}

// Executor is a remote agent owned by a tenant. It authenticates with a bearer
// token whose SHA-256 hash is the only form ever stored.
type Executor struct {
	id            uuid.UUID
	tenantID      uuid.UUID
	name          string
	tokenHash     string
	status        Status
	lastHeartbeat time.Time
	cpuUsage      *float64
	memoryMB      *int64
	createdAt     time.Time
	updatedAt     time.Time
}

// NewExecutor creates an OFFLINE executor authenticated by token.
func NewExecutor(tenantID uuid.UUID, name, token string, now time.Time) *Executor {
	return &Executor{
		id:        uuid.New(),
		tenantID:  tenantID,
		name:      name,
		tokenHash: HashToken(token),
		status:    StatusOffline,
		createdAt: now,
		updatedAt: now,
	}
}

// ReconstructExecutor rebuilds an Executor from persisted state.
func ReconstructExecutor(
	id, tenantID uuid.UUID,
	name, tokenHash string,
	status Status,
	lastHeartbeat time.Time,
	cpuUsage *float64,
	memoryMB *int64,
	createdAt, updatedAt time.Time,
) *Executor {
	return &Executor{
		id:            id,
		tenantID:      tenantID,
		name:          name,
		tokenHash:     tokenHash,
		status:        status,
		lastHeartbeat: lastHeartbeat,
		cpuUsage:      cpuUsage,
		memoryMB:      memoryMB,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

func (e *Executor) ID() uuid.UUID            { return e.id }
func (e *Executor) TenantID() uuid.UUID      { return e.tenantID }
func (e *Executor) Name() string             { return e.name }
func (e *Executor) TokenHash() string        { return e.tokenHash }
func (e *Executor) Status() Status           { return e.status }
func (e *Executor) LastHeartbeat() time.Time { return e.lastHeartbeat }
func (e *Executor) CPUUsage() *float64       { return e.cpuUsage }
func (e *Executor) MemoryMB() *int64         { return e.memoryMB }
func (e *Executor) CreatedAt() time.Time     { return e.createdAt }
func (e *Executor) UpdatedAt() time.Time     { return e.updatedAt }

// RecordHeartbeat stores liveness telemetry. Nil usage values keep the
// previous reading.
func (e *Executor) RecordHeartbeat(cpu *float64, mem *int64, now time.Time) {
	e.lastHeartbeat = now
	if cpu != nil {
		v := *cpu
		e.cpuUsage = &v
	}
	if mem != nil {
		v := *mem
		e.memoryMB = &v
	}
	e.updatedAt = now
}

// SetStatus updates the executor's availability.
func (e *Executor) SetStatus(status Status, now time.Time) {
	e.status = status
	e.updatedAt = now
}

// HashToken returns the hex-encoded SHA-256 digest of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
