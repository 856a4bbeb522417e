package workflow

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
)

// defaultRecoveryLimit bounds the number of RUNNING tasks loaded at startup.
const defaultRecoveryLimit = 10_000

// Recover rebuilds workflows for every RUNNING task from the task's plan and
// its most recent stage record. Workflows already started in this process are
// left untouched. A follower recovers nothing. It returns the number of
// workflows installed.
func (o *Orchestrator) Recover(ctx context.Context, stages pipeline.StageRepository) (int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.recover")
	defer span.End()

	if !o.leading.Load() {
		span.AddEvent("not_leading")
		o.logger.Debug(ctx, "skipping recovery, instance is not leading")
		return 0, nil
	}

	running, err := o.tasks.ListByStatus(ctx, task.TaskStatusRunning, o.recoveryLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list running tasks")
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	if len(running) == o.recoveryLimit {
		o.logger.Warn(ctx, "recovery limit reached, some running tasks were not recovered",
			"limit", o.recoveryLimit)
	}

	recovered := 0
	for _, t := range running {
		latest, err := stages.LatestForTask(ctx, t.TaskID())
		if err != nil {
			span.RecordError(err)
			o.logger.Error(ctx, "failed to load latest stage record, skipping task",
				"task_id", t.TaskID().String(),
				"error", err,
			)
			continue
		}

		st := newWorkflowState(t)
		failed := o.restoreCursor(ctx, st, latest)
		if !o.install(st, false) {
			continue
		}
		recovered++

		if failed {
			entry := o.lookup(st.taskID)
			if entry == nil {
				continue
			}
			entry.mu.Lock()
			o.completeLocked(ctx, entry.state, task.TaskStatusFailed)
			entry.mu.Unlock()
		}
	}

	span.SetAttributes(attribute.Int("recovered", recovered))
	o.metrics.SetActiveWorkflows(ctx, o.ActiveWorkflows())
	o.logger.Info(ctx, "workflows recovered", "count", recovered, "running_tasks", len(running))

	return recovered, nil
}

// restoreCursor positions st from the latest stage record and reports whether
// that record is a failure that should fail the task.
func (o *Orchestrator) restoreCursor(ctx context.Context, st *workflowState, latest *pipeline.StageRecord) bool {
	if latest == nil {
		return false
	}

	idx := slices.Index(st.stages, latest.Type)
	if idx < 0 {
		o.logger.Warn(ctx, "latest stage not in plan, restarting workflow from the beginning",
			"task_id", st.taskID.String(),
			"stage_type", latest.Type.String(),
		)
		trace.SpanFromContext(ctx).AddEvent("stage_not_in_plan")
		return false
	}

	switch latest.Status {
	case pipeline.StageStatusSucceeded, pipeline.StageStatusSkipped:
		st.stageIndex = idx + 1
	case pipeline.StageStatusRunning, pipeline.StageStatusPending:
		st.stageIndex = idx
		st.setInFlight(latest.StageID, latest.Type)
	case pipeline.StageStatusFailed:
		st.stageIndex = idx
		return true
	}
	return false
}
