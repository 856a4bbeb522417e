// Package dispatch hands pipeline stages to remote executors connected to the
// gateway. Dispatch is fire-and-observe: Run returns as soon as the stage is
// on the wire and completion arrives later as a stage event.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/app/workflow"
	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

// Sender pushes a message to a connected executor.
type Sender interface {
	Send(ctx context.Context, executorID uuid.UUID, msg any) error
	Connected(executorID uuid.UUID) bool
}

// RemoteStage implements every stage service port by sending the stage to a
// READY executor of the task's tenant.
type RemoteStage struct {
	tasks     task.Repository
	executors executor.Registry
	stages    pipeline.StageRepository
	sender    Sender
	publisher events.Publisher

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// Option configures a RemoteStage.
type Option func(*RemoteStage)

// WithPublisher publishes ExecutorStatusChanged events on BUSY/OFFLINE
// transitions made during dispatch.
func WithPublisher(p events.Publisher) Option { return func(r *RemoteStage) { r.publisher = p } }

// WithTimeProvider overrides the clock used for stage records.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(r *RemoteStage) { r.timeProvider = tp }
}

// NewRemoteStage creates a RemoteStage.
func NewRemoteStage(
	tasks task.Repository,
	executors executor.Registry,
	stages pipeline.StageRepository,
	sender Sender,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *RemoteStage {
	r := &RemoteStage{
		tasks:        tasks,
		executors:    executors,
		stages:       stages,
		sender:       sender,
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "remote_stage"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Services routes every stage of every variant to r.
func (r *RemoteStage) Services() workflow.StageServices {
	variant := workflow.VariantServices{Scan: r, Process: r, Review: r}
	return workflow.StageServices{
		Source:  r,
		Rules:   r,
		Generic: variant,
		SCA:     variant,
	}
}

// Run dispatches req to the most recently seen READY executor that is
// connected to this gateway. READY executors without a session are skipped.
// It fails when no such executor exists or the push fails.
func (r *RemoteStage) Run(ctx context.Context, req workflow.StageRequest) error {
	ctx, span := r.tracer.Start(ctx, "remote_stage.run",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("tenant_id", req.TenantID.String()),
			attribute.String("stage_id", req.StageID.String()),
			attribute.String("stage_type", req.StageType.String()),
		))
	defer span.End()

	exec, err := r.pickExecutor(ctx, req.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find ready executor")
		return err
	}
	span.SetAttributes(attribute.String("executor_id", exec.ID().String()))

	if err := r.tasks.AssignExecutor(ctx, req.TaskID, req.TenantID, exec.ID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to assign executor")
		return fmt.Errorf("assign executor %s to task %s: %w", exec.ID(), req.TaskID, err)
	}
	if err := r.setStatus(ctx, req.TenantID, exec.ID(), executor.StatusBusy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark executor busy")
		return err
	}

	record := pipeline.NewRunningStageRecord(req.StageID, req.TaskID, req.TenantID, exec.ID(), req.StageType, r.timeProvider.Now())
	if err := r.stages.Persist(ctx, record, req.CorrelationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist stage record")
		return fmt.Errorf("persist running stage %s: %w", req.StageID, err)
	}

	msg := protocol.StageDispatch{
		Type:          protocol.TypeStageDispatch,
		TaskID:        req.TaskID.String(),
		TenantID:      req.TenantID.String(),
		TaskType:      req.TaskType.String(),
		StageID:       req.StageID.String(),
		StageType:     req.StageType.String(),
		CorrelationID: req.CorrelationID,
	}
	if err := r.sender.Send(ctx, exec.ID(), msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send stage")
		if statusErr := r.setStatus(ctx, req.TenantID, exec.ID(), executor.StatusOffline); statusErr != nil {
			r.logger.Warn(ctx, "failed to mark unreachable executor offline",
				"executor_id", exec.ID().String(),
				"error", statusErr,
			)
		}
		return fmt.Errorf("send stage %s to executor %s: %w", req.StageID, exec.ID(), err)
	}
	span.AddEvent("stage_dispatched")

	r.logger.Info(ctx, "stage dispatched to executor",
		"task_id", req.TaskID.String(),
		"stage_id", req.StageID.String(),
		"stage_type", req.StageType.String(),
		"executor_id", exec.ID().String(),
	)

	return nil
}

func (r *RemoteStage) pickExecutor(ctx context.Context, tenantID uuid.UUID) (*executor.Executor, error) {
	ready, err := r.executors.ListReady(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list ready executors: %w", err)
	}
	for _, e := range ready {
		if r.sender.Connected(e.ID()) {
			return e, nil
		}
		r.logger.Debug(ctx, "skipping ready executor without a session",
			"executor_id", e.ID().String(),
			"tenant_id", tenantID.String(),
		)
	}
	return nil, fmt.Errorf("%w for tenant %s", executor.ErrNoReadyExecutor, tenantID)
}

func (r *RemoteStage) setStatus(ctx context.Context, tenantID, executorID uuid.UUID, status executor.Status) error {
	if err := r.executors.UpdateStatus(ctx, tenantID, executorID, status); err != nil {
		return fmt.Errorf("set executor %s %s: %w", executorID, status, err)
	}
	if r.publisher == nil {
		return nil
	}
	if err := r.publisher.Publish(ctx, executor.NewStatusChangedEvent(tenantID, executorID, status)); err != nil {
		r.logger.Warn(ctx, "failed to publish executor status change",
			"executor_id", executorID.String(),
			"status", status.String(),
			"error", err,
		)
	}
	return nil
}
