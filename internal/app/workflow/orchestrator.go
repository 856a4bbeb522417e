// Package workflow drives tasks through their planned pipeline stages. The
// Orchestrator holds one in-memory state per active task and advances it,
// one stage at a time, as stage events arrive from the outbox or a broker
// subscription.
package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

const defaultPageSize = 100

var (
	_ events.EventHandler = (*Orchestrator)(nil)
	_ LeadershipObserver  = (*Orchestrator)(nil)
)

// Orchestrator is the sole writer of a task's terminal status. All mutations
// of one task's workflow are serialised by that workflow's entry lock; the
// map of active workflows has its own lock and is never held while a task
// lock is acquired elsewhere.
//
// Only the leading instance holds workflows. A follower ignores events and
// recovery until OnLeadershipChange hands it ownership.
type Orchestrator struct {
	tasks     task.Repository
	outbox    events.OutboxRepository
	executor  *StageExecutor
	publisher events.Publisher // optional

	mu        sync.RWMutex
	workflows map[uuid.UUID]*workflowEntry

	watermarkMu sync.Mutex
	lastPolled  time.Time

	leading atomic.Bool
	standby bool

	pageSize      int
	recoveryLimit int
	location      *time.Location
	timeProvider  timeutil.Provider

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkflowMetrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher publishes a TaskStatusChanged event whenever a workflow
// completes.
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

// WithLocation sets the time zone of the initial watermark.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithPageSize bounds the number of events fetched per cycle.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithRecoveryLimit bounds the number of RUNNING tasks Recover loads.
func WithRecoveryLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.recoveryLimit = n
		}
	}
}

// WithStandby starts the orchestrator as a follower. It holds no workflows
// until OnLeadershipChange(true) is called.
func WithStandby() Option { return func(o *Orchestrator) { o.standby = true } }

// WithMetrics sets the metrics sink.
func WithMetrics(m WorkflowMetrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithTimeProvider overrides the clock used for cycle timing.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(o *Orchestrator) { o.timeProvider = tp }
}

// NewOrchestrator creates an Orchestrator whose first cycle fetches the whole
// outbox backlog: the watermark starts at the Unix epoch.
func NewOrchestrator(
	tasks task.Repository,
	outbox events.OutboxRepository,
	executor *StageExecutor,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		tasks:         tasks,
		outbox:        outbox,
		executor:      executor,
		workflows:     make(map[uuid.UUID]*workflowEntry),
		pageSize:      defaultPageSize,
		recoveryLimit: defaultRecoveryLimit,
		location:      time.UTC,
		timeProvider:  timeutil.Default(),
		logger:        log.With("component", "orchestrator"),
		tracer:        tracer,
		metrics:       noopWorkflowMetrics{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.lastPolled = time.Unix(0, 0).In(o.location)
	o.leading.Store(!o.standby)

	return o
}

// IsLeading reports whether this instance currently owns workflows.
func (o *Orchestrator) IsLeading() bool { return o.leading.Load() }

// OnLeadershipChange transfers workflow ownership. Gaining leadership drops
// whatever this instance held and rebuilds workflows from storage, so tasks
// started by the previous leader are adopted. Losing it releases every
// workflow without touching task status.
func (o *Orchestrator) OnLeadershipChange(ctx context.Context, isLeader bool) {
	if !isLeader {
		o.leading.Store(false)
		released := o.releaseAll()
		o.metrics.SetActiveWorkflows(ctx, 0)
		o.logger.Info(ctx, "leadership lost, workflows released", "released", released)
		return
	}

	o.releaseAll()
	o.leading.Store(true)
	if _, err := o.Recover(ctx, o.executor.stages); err != nil {
		o.logger.Error(ctx, "failed to recover workflows after gaining leadership", "error", err)
	}
}

func (o *Orchestrator) releaseAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.workflows)
	o.workflows = make(map[uuid.UUID]*workflowEntry)
	return n
}

// StartWorkflow plans the task's stages and installs a fresh workflow,
// replacing any existing one for the task. A task that cannot be found is
// logged and ignored.
func (o *Orchestrator) StartWorkflow(ctx context.Context, tenantID, taskID uuid.UUID) error {
	logr := logger.NewLoggerContext(o.logger.With(
		"operation", "start_workflow",
		"task_id", taskID.String(),
		"tenant_id", tenantID.String(),
	))
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_workflow",
		trace.WithAttributes(
			attribute.String("task_id", taskID.String()),
			attribute.String("tenant_id", tenantID.String()),
		))
	defer span.End()

	t, err := o.tasks.FindByID(ctx, taskID, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load task")
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if t == nil {
		span.AddEvent("task_not_found")
		logr.Warn(ctx, "task not found, workflow not started")
		return nil
	}

	if t.Status() != task.TaskStatusRunning {
		if err := o.tasks.UpdateStatus(ctx, taskID, tenantID, task.TaskStatusRunning); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to mark task running")
			return fmt.Errorf("mark task %s running: %w", taskID, err)
		}
	}

	state := newWorkflowState(t)
	o.install(state, true)

	o.metrics.IncWorkflowsStarted(ctx, t.Type())
	o.metrics.SetActiveWorkflows(ctx, o.ActiveWorkflows())
	span.AddEvent("workflow_installed", trace.WithAttributes(attribute.Int("stage_count", len(state.stages))))
	logr.Add("task_type", t.Type().String(), "stage_count", len(state.stages))
	logr.Info(ctx, "workflow started")

	return nil
}

// CancelWorkflow drops the task's workflow. Work already handed to a stage
// service is not recalled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, taskID uuid.UUID) {
	o.mu.Lock()
	_, ok := o.workflows[taskID]
	delete(o.workflows, taskID)
	active := len(o.workflows)
	o.mu.Unlock()

	if !ok {
		o.logger.Debug(ctx, "no active workflow to cancel", "task_id", taskID.String())
		return
	}
	o.metrics.SetActiveWorkflows(ctx, active)
	o.logger.Info(ctx, "workflow cancelled", "task_id", taskID.String())
}

// ActiveWorkflows returns the number of workflows held in memory, including
// completed ones not yet swept.
func (o *Orchestrator) ActiveWorkflows() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.workflows)
}

// Snapshot returns a copy of the task's workflow state.
func (o *Orchestrator) Snapshot(taskID uuid.UUID) (WorkflowSnapshot, bool) {
	entry := o.lookup(taskID)
	if entry == nil {
		return WorkflowSnapshot{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.state.snapshot(), true
}

// LastPolled returns the current event watermark.
func (o *Orchestrator) LastPolled() time.Time {
	o.watermarkMu.Lock()
	defer o.watermarkMu.Unlock()
	return o.lastPolled
}

// RunCycle performs one poll-and-sweep pass: ingest the next page of outbox
// events in arrival order, then dispatch the next stage of every idle
// workflow and drop completed ones. Failures are logged; nothing escapes.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	if !o.leading.Load() {
		return
	}
	start := o.timeProvider.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_cycle")
	defer span.End()

	o.pollEvents(ctx)
	o.sweep(ctx)

	o.metrics.ObserveCycleDuration(ctx, o.timeProvider.Now().Sub(start))
}

func (o *Orchestrator) pollEvents(ctx context.Context) {
	span := trace.SpanFromContext(ctx)

	since := o.LastPolled()
	evts, err := o.outbox.FetchAfter(ctx, since, o.pageSize)
	if err != nil {
		span.RecordError(err)
		o.logger.Error(ctx, "failed to fetch events from outbox", "since", since, "error", err)
		return
	}
	span.AddEvent("events_fetched", trace.WithAttributes(attribute.Int("count", len(evts))))
	if len(evts) == 0 {
		return
	}

	var newest time.Time
	for _, evt := range evts {
		o.ingestSafely(ctx, evt)
		if err := o.outbox.MarkProcessed(ctx, evt.EventID); err != nil {
			span.RecordError(err)
			o.logger.Error(ctx, "failed to mark event processed",
				"event_id", evt.EventID.String(),
				"error", err,
			)
		}
		if evt.CreatedAt.After(newest) {
			newest = evt.CreatedAt
		}
	}

	o.watermarkMu.Lock()
	if newest.After(o.lastPolled) {
		o.lastPolled = newest
	}
	o.watermarkMu.Unlock()
}

func (o *Orchestrator) sweep(ctx context.Context) {
	o.mu.RLock()
	entries := make(map[uuid.UUID]*workflowEntry, len(o.workflows))
	for id, e := range o.workflows {
		entries[id] = e
	}
	o.mu.RUnlock()

	var done []uuid.UUID
	for id, entry := range entries {
		o.sweepSafely(ctx, entry)

		entry.mu.Lock()
		if entry.state.completed {
			done = append(done, id)
		}
		entry.mu.Unlock()
	}

	o.mu.Lock()
	for _, id := range done {
		// A restart during the sweep installs a new entry that must survive.
		if o.workflows[id] == entries[id] {
			delete(o.workflows, id)
		}
	}
	active := len(o.workflows)
	o.mu.Unlock()

	o.metrics.SetActiveWorkflows(ctx, active)
}

func (o *Orchestrator) sweepSafely(ctx context.Context, entry *workflowEntry) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "panic while advancing workflow",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	o.advance(ctx, entry)
}

// advance completes a workflow whose plan is exhausted, or dispatches its
// next stage when nothing is in flight.
func (o *Orchestrator) advance(ctx context.Context, entry *workflowEntry) {
	entry.mu.Lock()
	st := entry.state
	if st.completed || st.hasInFlight() || !o.isCurrent(entry) {
		entry.mu.Unlock()
		return
	}

	next, ok := st.expectedStage()
	if !ok {
		o.completeLocked(ctx, st, task.TaskStatusSucceeded)
		entry.mu.Unlock()
		return
	}

	// In flight before the call so an event racing the call is attributable.
	stageID := uuid.New()
	st.setInFlight(stageID, next)
	req := st.request(stageID, next)
	entry.mu.Unlock()

	o.startStage(ctx, entry, req)
}

func (o *Orchestrator) startStage(ctx context.Context, entry *workflowEntry, req StageRequest) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_stage",
		trace.WithAttributes(
			attribute.String("task_id", req.TaskID.String()),
			attribute.String("stage_id", req.StageID.String()),
			attribute.String("stage_type", req.StageType.String()),
		))
	defer span.End()

	err := o.executor.ExecuteStage(ctx, req)
	if err == nil {
		o.metrics.IncStagesDispatched(ctx, req.StageType)
		o.logger.Info(ctx, "stage dispatched",
			"task_id", req.TaskID.String(),
			"stage_id", req.StageID.String(),
			"stage_type", req.StageType.String(),
		)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "stage dispatch failed")
	o.metrics.IncStageDispatchErrors(ctx, req.StageType)
	o.logger.Error(ctx, "stage dispatch failed, failing task",
		"task_id", req.TaskID.String(),
		"stage_id", req.StageID.String(),
		"stage_type", req.StageType.String(),
		"error", err,
	)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := entry.state
	if st.completed || st.inFlightStageID != req.StageID || !o.isCurrent(entry) {
		span.AddEvent("dispatch_superseded")
		return
	}

	if rerr := o.executor.RecordUnhandledStageFailure(ctx, req, err); rerr != nil {
		span.RecordError(rerr)
		o.logger.Error(ctx, "failed to record stage failure",
			"task_id", req.TaskID.String(),
			"stage_id", req.StageID.String(),
			"error", rerr,
		)
	}
	st.clearInFlight()
	o.completeLocked(ctx, st, task.TaskStatusFailed)
}

// completeLocked persists the terminal status exactly once per workflow.
// The caller holds the workflow's entry lock.
func (o *Orchestrator) completeLocked(ctx context.Context, st *workflowState, status task.TaskStatus) {
	if st.completed {
		return
	}
	st.completed = true
	st.clearInFlight()

	if err := o.tasks.UpdateStatus(ctx, st.taskID, st.tenantID, status); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		o.logger.Error(ctx, "failed to persist terminal task status",
			"task_id", st.taskID.String(),
			"status", status.String(),
			"error", err,
		)
	}
	o.metrics.IncWorkflowsCompleted(ctx, status)
	o.logger.Info(ctx, "workflow completed",
		"task_id", st.taskID.String(),
		"status", status.String(),
		"stages_completed", st.stageIndex,
	)

	if o.publisher == nil {
		return
	}
	evt := task.NewTaskStatusChangedEvent(st.taskID, st.tenantID, st.taskType, st.correlationID, status)
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.logger.Warn(ctx, "failed to publish task status change",
			"task_id", st.taskID.String(),
			"error", err,
		)
	}
}

// HandleEvent lets the orchestrator consume a broker subscription directly.
// It never returns an error; bad events are logged and dropped. A follower
// drops every event; the leader still sees them through the outbox poll.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt events.PlatformEvent) error {
	if !o.leading.Load() {
		o.metrics.IncEventsIgnored(ctx, "follower")
		return nil
	}
	o.ingestSafely(ctx, evt)
	return nil
}

func (o *Orchestrator) ingestSafely(ctx context.Context, evt events.PlatformEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "panic while ingesting event",
				"event_id", evt.EventID.String(),
				"event_kind", evt.Event.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	o.Ingest(ctx, evt)
}

// Ingest routes a platform event by kind. Stage events may advance or fail a
// workflow; every other kind is ignored.
func (o *Orchestrator) Ingest(ctx context.Context, evt events.PlatformEvent) {
	if !isStageEventKind(evt.Event) {
		o.metrics.IncEventsIgnored(ctx, "unhandled_kind")
		return
	}

	info, ok := parseStageEvent(evt)
	if !ok {
		o.metrics.IncEventsIgnored(ctx, "unparseable")
		o.logger.Debug(ctx, "ignoring unparseable stage event",
			"event_id", evt.EventID.String(),
			"event_kind", evt.Event.String(),
		)
		return
	}

	o.handleStageEvent(ctx, evt.Event, info)
}

func (o *Orchestrator) handleStageEvent(ctx context.Context, kind events.Kind, info stageEventInfo) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_stage_event",
		trace.WithAttributes(
			attribute.String("event_kind", kind.String()),
			attribute.String("task_id", info.taskID.String()),
			attribute.String("stage_id", info.stageID.String()),
			attribute.String("stage_type", info.stageType.String()),
			attribute.String("stage_status", info.status.String()),
		))
	defer span.End()

	logr := o.logger.With(
		"task_id", info.taskID.String(),
		"stage_id", info.stageID.String(),
		"stage_type", info.stageType.String(),
		"stage_status", info.status.String(),
	)
	if info.tenantID != uuid.Nil {
		logr = logr.With("tenant_id", info.tenantID.String())
	}

	entry := o.lookup(info.taskID)
	if entry == nil {
		span.AddEvent("no_active_workflow")
		o.metrics.IncEventsIgnored(ctx, "no_workflow")
		logr.Debug(ctx, "no active workflow for stage event")
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.state

	if !o.isCurrent(entry) {
		span.AddEvent("workflow_replaced")
		o.metrics.IncEventsIgnored(ctx, "stale")
		return
	}
	if st.completed {
		span.AddEvent("workflow_completed")
		o.metrics.IncEventsIgnored(ctx, "completed")
		return
	}

	expected, ok := st.expectedStage()
	if !ok {
		o.metrics.IncEventsIgnored(ctx, "plan_exhausted")
		return
	}

	if info.stageType != expected {
		span.AddEvent("unexpected_stage_type")
		o.metrics.IncEventsIgnored(ctx, "stage_mismatch")
		logr.Warn(ctx, "stage event does not match expected stage", "expected_stage", expected.String())
		return
	}

	if !st.hasInFlight() || st.inFlightStageID != info.stageID || st.inFlightStageType != expected {
		span.AddEvent("stale_stage_event")
		o.metrics.IncEventsIgnored(ctx, "stale")
		logr.Debug(ctx, "dropping stage event for a stage not in flight")
		return
	}

	switch info.status {
	case pipeline.StageStatusSucceeded, pipeline.StageStatusSkipped:
		o.metrics.IncEventsIngested(ctx, kind)
		if st.advance() {
			o.completeLocked(ctx, st, task.TaskStatusSucceeded)
			return
		}
		span.AddEvent("stage_advanced", trace.WithAttributes(attribute.Int("stage_index", st.stageIndex)))
		logr.Info(ctx, "stage completed", "next_stage", st.stages[st.stageIndex].String())

	case pipeline.StageStatusFailed:
		o.metrics.IncEventsIngested(ctx, kind)
		st.clearInFlight()
		logr.Warn(ctx, "stage failed, aborting pipeline")
		o.completeLocked(ctx, st, task.TaskStatusFailed)

	default:
		o.metrics.IncEventsIgnored(ctx, "non_terminal_status")
	}
}

func (o *Orchestrator) lookup(taskID uuid.UUID) *workflowEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.workflows[taskID]
}

// isCurrent reports whether entry is still the task's installed workflow. A
// restart, cancel or leadership change detaches the old entry, and nothing
// may be written on its behalf afterwards. Callers may hold entry's lock.
func (o *Orchestrator) isCurrent(entry *workflowEntry) bool {
	return o.lookup(entry.state.taskID) == entry
}

func (o *Orchestrator) install(state *workflowState, replace bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workflows[state.taskID]; exists && !replace {
		return false
	}
	o.workflows[state.taskID] = &workflowEntry{state: state}
	return true
}
