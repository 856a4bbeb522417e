package workflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
)

// WorkflowMetrics defines the metrics recorded by the orchestrator.
type WorkflowMetrics interface {
	IncWorkflowsStarted(ctx context.Context, taskType task.TaskType)
	IncWorkflowsCompleted(ctx context.Context, status task.TaskStatus)
	IncStagesDispatched(ctx context.Context, stage pipeline.StageType)
	IncStageDispatchErrors(ctx context.Context, stage pipeline.StageType)
	IncEventsIngested(ctx context.Context, kind events.Kind)
	IncEventsIgnored(ctx context.Context, reason string)
	ObserveCycleDuration(ctx context.Context, d time.Duration)
	SetActiveWorkflows(ctx context.Context, n int)
	SetLeaderStatus(ctx context.Context, isLeader bool)
}

type workflowMetrics struct {
	workflowsStarted    metric.Int64Counter
	workflowsCompleted  metric.Int64Counter
	stagesDispatched    metric.Int64Counter
	stageDispatchErrors metric.Int64Counter
	eventsIngested      metric.Int64Counter
	eventsIgnored       metric.Int64Counter
	cycleDuration       metric.Float64Histogram
	activeWorkflows     metric.Int64Gauge
	leaderStatus        metric.Int64Gauge
}

const namespace = "workflow"

// NewWorkflowMetrics creates the orchestrator's OpenTelemetry instruments.
func NewWorkflowMetrics(mp metric.MeterProvider) (WorkflowMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workflowMetrics)
	var err error

	if m.workflowsStarted, err = meter.Int64Counter(
		"workflows_started_total",
		metric.WithDescription("Total number of workflows started"),
	); err != nil {
		return nil, err
	}

	if m.workflowsCompleted, err = meter.Int64Counter(
		"workflows_completed_total",
		metric.WithDescription("Total number of workflows that reached a terminal task status"),
	); err != nil {
		return nil, err
	}

	if m.stagesDispatched, err = meter.Int64Counter(
		"stages_dispatched_total",
		metric.WithDescription("Total number of stage attempts dispatched"),
	); err != nil {
		return nil, err
	}

	if m.stageDispatchErrors, err = meter.Int64Counter(
		"stage_dispatch_errors_total",
		metric.WithDescription("Total number of stage attempts that failed synchronously"),
	); err != nil {
		return nil, err
	}

	if m.eventsIngested, err = meter.Int64Counter(
		"events_ingested_total",
		metric.WithDescription("Total number of stage events that changed workflow state"),
	); err != nil {
		return nil, err
	}

	if m.eventsIgnored, err = meter.Int64Counter(
		"events_ignored_total",
		metric.WithDescription("Total number of events dropped without a state change"),
	); err != nil {
		return nil, err
	}

	if m.cycleDuration, err = meter.Float64Histogram(
		"cycle_duration_seconds",
		metric.WithDescription("Time taken by one poll cycle"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.activeWorkflows, err = meter.Int64Gauge(
		"active_workflows",
		metric.WithDescription("Number of workflows held in memory"),
	); err != nil {
		return nil, err
	}

	if m.leaderStatus, err = meter.Int64Gauge(
		"leader_status",
		metric.WithDescription("Indicates if this instance drives the poll cycle (1) or not (0)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workflowMetrics) IncWorkflowsStarted(ctx context.Context, taskType task.TaskType) {
	m.workflowsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", taskType.String())))
}

func (m *workflowMetrics) IncWorkflowsCompleted(ctx context.Context, status task.TaskStatus) {
	m.workflowsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *workflowMetrics) IncStagesDispatched(ctx context.Context, stage pipeline.StageType) {
	m.stagesDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("stage_type", stage.String())))
}

func (m *workflowMetrics) IncStageDispatchErrors(ctx context.Context, stage pipeline.StageType) {
	m.stageDispatchErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage_type", stage.String())))
}

func (m *workflowMetrics) IncEventsIngested(ctx context.Context, kind events.Kind) {
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}

func (m *workflowMetrics) IncEventsIgnored(ctx context.Context, reason string) {
	m.eventsIgnored.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *workflowMetrics) ObserveCycleDuration(ctx context.Context, d time.Duration) {
	m.cycleDuration.Record(ctx, d.Seconds())
}

func (m *workflowMetrics) SetActiveWorkflows(ctx context.Context, n int) {
	m.activeWorkflows.Record(ctx, int64(n))
}

func (m *workflowMetrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	var v int64
	if isLeader {
		v = 1
	}
	m.leaderStatus.Record(ctx, v)
}

type noopWorkflowMetrics struct{}

func (noopWorkflowMetrics) IncWorkflowsStarted(context.Context, task.TaskType) {}
func (noopWorkflowMetrics) IncWorkflowsCompleted(context.Context, task.TaskStatus) {}
func (noopWorkflowMetrics) IncStagesDispatched(context.Context, pipeline.StageType) {}
func (noopWorkflowMetrics) IncStageDispatchErrors(context.Context, pipeline.StageType) {}
func (noopWorkflowMetrics) IncEventsIngested(context.Context, events.Kind) {}
func (noopWorkflowMetrics) IncEventsIgnored(context.Context, string) {}
func (noopWorkflowMetrics) ObserveCycleDuration(context.Context, time.Duration) {}
func (noopWorkflowMetrics) SetActiveWorkflows(context.Context, int) {}
func (noopWorkflowMetrics) SetLeaderStatus(context.Context, bool) {}
