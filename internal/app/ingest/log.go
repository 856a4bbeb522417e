// Package ingest accepts executor output forwarded by the gateway: log chunks
// are stored as-is and results are turned into stage lifecycle records and
// stage events.
package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

// LogIngestor stores streamed log chunks.
type LogIngestor struct {
	logs         artifact.LogRepository
	timeProvider timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewLogIngestor creates a LogIngestor.
func NewLogIngestor(logs artifact.LogRepository, tp timeutil.Provider, log *logger.Logger, tracer trace.Tracer) *LogIngestor {
	if tp == nil {
		tp = timeutil.Default()
	}
	return &LogIngestor{
		logs:         logs,
		timeProvider: tp,
		logger:       log.With("component", "log_ingestor"),
		tracer:       tracer,
	}
}

// AppendChunk stores chunk, stamping its receive time if unset.
func (li *LogIngestor) AppendChunk(ctx context.Context, chunk artifact.LogChunk) error {
	ctx, span := li.tracer.Start(ctx, "log_ingestor.append_chunk",
		trace.WithAttributes(
			attribute.String("task_id", chunk.TaskID.String()),
			attribute.Int64("sequence", chunk.Sequence),
			attribute.String("stream", string(chunk.Stream)),
			attribute.Bool("is_last", chunk.IsLast),
		))
	defer span.End()

	if chunk.ReceivedAt.IsZero() {
		chunk.ReceivedAt = li.timeProvider.Now()
	}
	if err := li.logs.Append(ctx, chunk); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append log chunk")
		return fmt.Errorf("append log chunk %d for task %s: %w", chunk.Sequence, chunk.TaskID, err)
	}
	if chunk.IsLast {
		li.logger.Debug(ctx, "final log chunk received",
			"task_id", chunk.TaskID.String(),
			"sequence", chunk.Sequence,
		)
	}

	return nil
}
