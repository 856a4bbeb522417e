package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

// ResultIngestor records executor results. A result tied to a stage closes
// that stage's record and publishes the matching stage event; a result
// without a stage is stored as a task artifact only.
type ResultIngestor struct {
	results   artifact.ResultRepository
	stages    pipeline.StageRepository
	tasks     task.Repository
	publisher events.Publisher

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewResultIngestor creates a ResultIngestor.
func NewResultIngestor(
	results artifact.ResultRepository,
	stages pipeline.StageRepository,
	tasks task.Repository,
	publisher events.Publisher,
	tp timeutil.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *ResultIngestor {
	if tp == nil {
		tp = timeutil.Default()
	}
	return &ResultIngestor{
		results:      results,
		stages:       stages,
		tasks:        tasks,
		publisher:    publisher,
		timeProvider: tp,
		logger:       log.With("component", "result_ingestor"),
		tracer:       tracer,
	}
}

// HandleResult stores result and, for stage results, persists the terminal
// stage record and publishes StageCompleted or StageFailed.
func (ri *ResultIngestor) HandleResult(ctx context.Context, result artifact.Result) error {
	ctx, span := ri.tracer.Start(ctx, "result_ingestor.handle_result",
		trace.WithAttributes(
			attribute.String("task_id", result.TaskID.String()),
			attribute.String("stage_id", result.StageID.String()),
			attribute.Bool("success", result.Success),
		))
	defer span.End()

	now := ri.timeProvider.Now()
	if result.ReceivedAt.IsZero() {
		result.ReceivedAt = now
	}
	if err := ri.results.Save(ctx, result); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save result")
		return fmt.Errorf("save result for task %s: %w", result.TaskID, err)
	}
	span.AddEvent("result_saved")

	if result.StageID == uuid.Nil {
		ri.logger.Debug(ctx, "result without stage stored as task artifact", "task_id", result.TaskID.String())
		return nil
	}

	t, err := ri.tasks.FindByID(ctx, result.TaskID, result.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return fmt.Errorf("load task %s: %w", result.TaskID, err)
	}
	if t == nil {
		span.SetStatus(codes.Error, "task not found")
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, result.TaskID)
	}

	record, err := ri.closeStage(ctx, result, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close stage")
		return err
	}

	if err := ri.stages.Persist(ctx, record, t.CorrelationID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist stage record")
		return fmt.Errorf("persist stage record %s: %w", record.StageID, err)
	}
	span.AddEvent("stage_record_persisted")

	if err := ri.publisher.Publish(ctx, pipeline.NewStageEvent(record, t.CorrelationID())); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish stage event")
		return fmt.Errorf("publish stage event for %s: %w", record.StageID, err)
	}
	span.AddEvent("stage_event_published")

	ri.logger.Info(ctx, "stage result recorded",
		"task_id", result.TaskID.String(),
		"stage_id", record.StageID.String(),
		"stage_type", record.Type.String(),
		"status", record.Status.String(),
	)

	return nil
}

// closeStage completes the stored RUNNING record, or builds one from the
// result when the stage was never recorded.
func (ri *ResultIngestor) closeStage(ctx context.Context, result artifact.Result, now time.Time) (pipeline.StageRecord, error) {
	status := pipeline.StageStatusSucceeded
	errMsg := result.Error
	if !result.Success {
		status = pipeline.StageStatusFailed
		if errMsg == "" && result.ExitCode != nil {
			errMsg = fmt.Sprintf("exit code %d", *result.ExitCode)
		}
	}

	existing, err := ri.stages.Get(ctx, result.StageID)
	if err != nil {
		return pipeline.StageRecord{}, fmt.Errorf("load stage record %s: %w", result.StageID, err)
	}
	if existing != nil {
		if result.StageType != "" && result.StageType != existing.Type.String() {
			ri.logger.Warn(ctx, "result stage type differs from dispatched stage",
				"stage_id", result.StageID.String(),
				"dispatched", existing.Type.String(),
				"reported", result.StageType,
			)
		}
		return existing.Complete(status, now, result.ExitCode, errMsg), nil
	}

	stageType, err := pipeline.ParseStageType(result.StageType)
	if err != nil {
		return pipeline.StageRecord{}, fmt.Errorf("result for unknown stage %s: %w", result.StageID, err)
	}
	record := pipeline.StageRecord{
		StageID:    result.StageID,
		TaskID:     result.TaskID,
		TenantID:   result.TenantID,
		Type:       stageType,
		ExecutorID: result.ExecutorID,
	}
	return record.Complete(status, now, result.ExitCode, errMsg), nil
}
