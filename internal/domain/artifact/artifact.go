// Package artifact holds the output an executor streams back while running a
// stage: log chunks and the final task result.
package artifact

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stream identifies the output stream a log chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogChunk is one ordered slice of a task's output.
type LogChunk struct {
	TaskID     uuid.UUID
	TenantID   uuid.UUID
	ExecutorID uuid.UUID
	StageID    uuid.UUID // uuid.Nil when the chunk is not tied to a stage.
	StageType  string
	Sequence   int64
	Stream     Stream
	Content    string
	IsLast     bool
	ReceivedAt time.Time
}

// Result is the final report of one executor run.
type Result struct {
	TaskID     uuid.UUID
	TenantID   uuid.UUID
	ExecutorID uuid.UUID
	StageID    uuid.UUID
	StageType  string
	Success    bool
	ExitCode   *int
	Log        string
	Output     string
	Artifacts  map[string]string
	RunLog     string
	Error      string
	ReceivedAt time.Time
}

// LogRepository stores log chunks.
type LogRepository interface {
	// Append stores a chunk. Re-appending the same (task, stream, sequence)
	// is a no-op.
	Append(ctx context.Context, chunk LogChunk) error
}

// ResultRepository stores executor results.
type ResultRepository interface {
	Save(ctx context.Context, result Result) error
}
