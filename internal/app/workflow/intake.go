package workflow

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ahrav/scanflow/internal/domain/task"
)

var _ CycleRunner = (*Intake)(nil)

// Intake admits PENDING tasks created by other processes before running the
// orchestrator's cycle. Tasks are admitted oldest first, at most one page per
// cycle.
type Intake struct {
	orch  *Orchestrator
	tasks task.Repository
	limit int
}

// NewIntake wraps orch so each scheduler tick starts workflows for up to limit
// pending tasks. A non-positive limit uses the orchestrator's page size.
func NewIntake(orch *Orchestrator, tasks task.Repository, limit int) *Intake {
	if limit <= 0 {
		limit = orch.pageSize
	}
	return &Intake{orch: orch, tasks: tasks, limit: limit}
}

// RunCycle starts pending workflows and then runs one orchestrator cycle.
func (i *Intake) RunCycle(ctx context.Context) {
	i.StartPending(ctx)
	i.orch.RunCycle(ctx)
}

// StartPending starts a workflow for each pending task and returns how many
// were admitted. Failures are logged; the task stays PENDING and is retried on
// the next cycle. A follower admits nothing.
func (i *Intake) StartPending(ctx context.Context) int {
	if !i.orch.IsLeading() {
		return 0
	}
	ctx, span := i.orch.tracer.Start(ctx, "orchestrator.start_pending")
	defer span.End()

	pending, err := i.tasks.ListByStatus(ctx, task.TaskStatusPending, i.limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending tasks")
		i.orch.logger.Error(ctx, "failed to list pending tasks", "error", err)
		return 0
	}

	started := 0
	for _, t := range pending {
		if err := i.orch.StartWorkflow(ctx, t.TenantID(), t.TaskID()); err != nil {
			span.RecordError(err)
			i.orch.logger.Error(ctx, "failed to start pending task",
				"task_id", t.TaskID().String(),
				"error", err,
			)
			continue
		}
		started++
	}
	span.SetAttributes(attribute.Int("started", started))
	if started > 0 {
		i.orch.logger.Debug(ctx, "pending tasks admitted", "count", started)
	}

	return started
}
