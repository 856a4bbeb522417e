package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

// StageRequest identifies one stage attempt handed to a stage service.
type StageRequest struct {
	TenantID      uuid.UUID
	TaskID        uuid.UUID
	TaskType      task.TaskType
	StageType     pipeline.StageType
	StageID       uuid.UUID
	CorrelationID string
}

// Stage service ports. A call may return as soon as the work is handed off;
// completion is only ever observed through stage events.
type (
	// SourcePreparer checks out or unpacks the sources to scan.
	SourcePreparer interface {
		Run(ctx context.Context, req StageRequest) error
	}
	// RulesPreparer selects the rule set used by the scan.
	RulesPreparer interface {
		Run(ctx context.Context, req StageRequest) error
	}
	// ScanRunner executes the scanner.
	ScanRunner interface {
		Run(ctx context.Context, req StageRequest) error
	}
	// ResultProcessor turns raw scanner output into findings.
	ResultProcessor interface {
		Run(ctx context.Context, req StageRequest) error
	}
	// ResultReviewer triages findings.
	ResultReviewer interface {
		Run(ctx context.Context, req StageRequest) error
	}
)

// StageFunc adapts a function to every stage service port.
type StageFunc func(ctx context.Context, req StageRequest) error

// Run calls f(ctx, req).
func (f StageFunc) Run(ctx context.Context, req StageRequest) error { return f(ctx, req) }

// VariantServices holds the services whose implementation differs between
// supply-chain checks and every other task type.
type VariantServices struct {
	Scan    ScanRunner
	Process ResultProcessor
	Review  ResultReviewer
}

// StageServices groups every stage service the executor routes to.
type StageServices struct {
	Source  SourcePreparer
	Rules   RulesPreparer
	Generic VariantServices
	SCA     VariantServices
}

type variant uint8

const (
	variantGeneric variant = iota
	variantSCA
)

func (v variant) String() string {
	if v == variantSCA {
		return "sca"
	}
	return "generic"
}

// variantFor panics on an unknown task type for the same reason
// pipeline.Plan does.
func variantFor(tt task.TaskType) variant {
	switch tt {
	case task.TaskTypeSCACheck:
		return variantSCA
	case task.TaskTypeSecurityScan, task.TaskTypeSecretScan, task.TaskTypeLicenseCheck:
		return variantGeneric
	default:
		panic(fmt.Sprintf("workflow: no service variant for task type %q", tt))
	}
}

type routeKey struct {
	stage   pipeline.StageType
	variant variant
}

type runner interface {
	Run(ctx context.Context, req StageRequest) error
}

// StageExecutor routes a stage attempt to exactly one stage service selected
// by the pair (stage type, task type variant).
type StageExecutor struct {
	routes       map[routeKey]runner
	stages       pipeline.StageRepository
	timeProvider timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// StageExecutorOption configures a StageExecutor.
type StageExecutorOption func(*StageExecutor)

// WithStageExecutorTimeProvider overrides the clock used for failure records.
func WithStageExecutorTimeProvider(tp timeutil.Provider) StageExecutorOption {
	return func(e *StageExecutor) { e.timeProvider = tp }
}

// NewStageExecutor builds the routing table from services. A nil service
// leaves its routes empty, which makes the corresponding stage a no-op.
func NewStageExecutor(
	services StageServices,
	stages pipeline.StageRepository,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...StageExecutorOption,
) *StageExecutor {
	e := &StageExecutor{
		routes:       make(map[routeKey]runner),
		stages:       stages,
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "stage_executor"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.route(pipeline.StageSourcePrepare, variantGeneric, services.Source)
	e.route(pipeline.StageSourcePrepare, variantSCA, services.Source)
	e.route(pipeline.StageRulesPrepare, variantGeneric, services.Rules)

	for v, vs := range map[variant]VariantServices{variantGeneric: services.Generic, variantSCA: services.SCA} {
		e.route(pipeline.StageScanExec, v, vs.Scan)
		e.route(pipeline.StageResultProcess, v, vs.Process)
		e.route(pipeline.StageResultReview, v, vs.Review)
	}

	return e
}

func (e *StageExecutor) route(stage pipeline.StageType, v variant, svc runner) {
	if svc == nil {
		return
	}
	e.routes[routeKey{stage: stage, variant: v}] = svc
}

// ExecuteStage invokes the stage service for req. An unrouted stage is a
// silent no-op. A panic inside the service is returned as an error.
func (e *StageExecutor) ExecuteStage(ctx context.Context, req StageRequest) (err error) {
	v := variantFor(req.TaskType)

	ctx, span := e.tracer.Start(ctx, "stage_executor.execute_stage",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("stage_id", req.StageID.String()),
			attribute.String("stage_type", req.StageType.String()),
			attribute.String("variant", v.String()),
		))
	defer span.End()

	svc, ok := e.routes[routeKey{stage: req.StageType, variant: v}]
	if !ok {
		span.AddEvent("stage_not_routed")
		e.logger.Debug(ctx, "no stage service routed, skipping",
			"task_id", req.TaskID.String(),
			"stage_type", req.StageType.String(),
			"variant", v.String(),
		)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage service %s panicked: %v", req.StageType, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "stage service panicked")
		}
	}()

	if err := svc.Run(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage service failed")
		return fmt.Errorf("run stage %s for task %s: %w", req.StageType, req.TaskID, err)
	}
	span.AddEvent("stage_dispatched")

	return nil
}

// RecordUnhandledStageFailure persists a terminal FAILED record for a stage
// attempt whose service call failed synchronously.
func (e *StageExecutor) RecordUnhandledStageFailure(ctx context.Context, req StageRequest, cause error) error {
	ctx, span := e.tracer.Start(ctx, "stage_executor.record_unhandled_failure",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("stage_id", req.StageID.String()),
			attribute.String("stage_type", req.StageType.String()),
		))
	defer span.End()

	record := pipeline.NewFailedStageRecord(
		req.StageID,
		req.TaskID,
		req.TenantID,
		req.StageType,
		e.timeProvider.Now(),
		cause,
	)
	if err := e.stages.Persist(ctx, record, req.CorrelationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist failure record")
		return fmt.Errorf("persist failed stage record %s: %w", req.StageID, err)
	}
	span.AddEvent("failure_record_persisted")

	return nil
}
