package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// replica builds a second orchestrator over the harness stores, as another
// instance of the service would see them.
func (h *harness) replica(calls *callRecorder, opts ...Option) *Orchestrator {
	h.t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	exec := NewStageExecutor(calls.services(), h.stages, logger.Noop(), tracer,
		WithStageExecutorTimeProvider(h.clock))
	opts = append([]Option{WithTimeProvider(h.clock)}, opts...)
	return NewOrchestrator(h.tasks, h.outbox, exec, logger.Noop(), tracer, opts...)
}

// persistInFlight stores a RUNNING record for the stage in flight, the way
// the remote dispatcher does before pushing the stage.
func (h *harness) persistInFlight(tk *task.Task) WorkflowSnapshot {
	h.t.Helper()
	snap := h.snapshot(tk)
	rec := pipeline.NewRunningStageRecord(snap.InFlightStageID, tk.TaskID(), tk.TenantID(),
		uuid.New(), snap.InFlightStageType, h.clock.Now())
	require.NoError(h.t, h.stages.Persist(context.Background(), rec, tk.CorrelationID()))
	return snap
}

func TestOrchestrator_LeadershipHandoffAdoptsRunningWorkflows(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	followerCalls := newCallRecorder()
	follower := h.replica(followerCalls, WithStandby())

	tk := h.createTask(task.TaskTypeSecurityScan)
	h.start(tk)
	h.tick()
	require.Equal(t, []string{"source"}, h.calls.names())
	inFlight := h.persistInFlight(tk)

	n, err := follower.Recover(ctx, h.stages)
	require.NoError(t, err)
	assert.Zero(t, n, "a follower recovers nothing")

	completed := h.eventFor(tk, events.KindStageCompleted, inFlight.InFlightStageID,
		inFlight.InFlightStageType, pipeline.StageStatusSucceeded)
	require.NoError(t, follower.HandleEvent(ctx, completed))
	assert.Zero(t, follower.ActiveWorkflows())

	h.orch.OnLeadershipChange(ctx, false)
	assert.False(t, h.orch.IsLeading())
	assert.Zero(t, h.orch.ActiveWorkflows())

	follower.OnLeadershipChange(ctx, true)
	require.True(t, follower.IsLeading())
	snap, ok := follower.Snapshot(tk.TaskID())
	require.True(t, ok, "new leader adopts the running task")
	assert.Equal(t, inFlight.InFlightStageID, snap.InFlightStageID)

	h.emit(completed)
	follower.RunCycle(ctx)
	follower.RunCycle(ctx)

	assert.Equal(t, []string{"rules"}, followerCalls.names())
	snap, ok = follower.Snapshot(tk.TaskID())
	require.True(t, ok)
	assert.Equal(t, 1, snap.StageIndex)
	assert.Equal(t, task.TaskStatusRunning, h.taskStatus(tk))

	h.tick()
	assert.Equal(t, []string{"source"}, h.calls.names(), "former leader stays idle")
}

func TestOrchestrator_FollowerIgnoresCyclesAndIntake(t *testing.T) {
	h := newHarness(t, WithStandby())
	tk := h.createTask(task.TaskTypeSecretScan)

	intake := NewIntake(h.orch, h.tasks, 10)
	intake.RunCycle(context.Background())

	assert.Zero(t, h.orch.ActiveWorkflows())
	assert.Empty(t, h.outbox.Fetches())
	assert.Equal(t, task.TaskStatusPending, h.taskStatus(tk))
}

// blockingDispatch fails the first dispatch once released; later dispatches
// succeed immediately.
type blockingDispatch struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newBlockingDispatch() *blockingDispatch {
	return &blockingDispatch{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingDispatch) run(context.Context, StageRequest) error {
	if b.calls.Add(1) > 1 {
		return nil
	}
	close(b.entered)
	<-b.release
	return errors.New("executor unreachable")
}

func newBlockingHarness(t *testing.T, d *blockingDispatch) *harness {
	t.Helper()
	h := newHarness(t)
	tracer := noop.NewTracerProvider().Tracer("test")
	exec := NewStageExecutor(StageServices{Source: StageFunc(d.run)}, h.stages, logger.Noop(), tracer,
		WithStageExecutorTimeProvider(h.clock))
	h.orch = NewOrchestrator(h.tasks, h.outbox, exec, logger.Noop(), tracer, WithTimeProvider(h.clock))
	return h
}

func TestOrchestrator_LateDispatchFailureAfterRestartIsDiscarded(t *testing.T) {
	d := newBlockingDispatch()
	h := newBlockingHarness(t, d)
	tk := h.createTask(task.TaskTypeSecurityScan)
	h.start(tk)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.tick()
	}()

	<-d.entered
	h.start(tk)
	close(d.release)
	wg.Wait()

	assert.Equal(t, task.TaskStatusRunning, h.taskStatus(tk))
	assert.Empty(t, h.stages.ForTask(tk.TaskID()), "no failure recorded for the replaced attempt")

	snap := h.snapshot(tk)
	assert.False(t, snap.Completed)
	assert.Zero(t, snap.StageIndex)
}

func TestOrchestrator_LateDispatchFailureAfterCancelIsDiscarded(t *testing.T) {
	d := newBlockingDispatch()
	h := newBlockingHarness(t, d)
	tk := h.createTask(task.TaskTypeSecurityScan)
	h.start(tk)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.tick()
	}()

	<-d.entered
	h.orch.CancelWorkflow(context.Background(), tk.TaskID())
	close(d.release)
	wg.Wait()

	assert.Equal(t, task.TaskStatusRunning, h.taskStatus(tk))
	assert.Zero(t, h.orch.ActiveWorkflows())
}

type observerFunc func(ctx context.Context, isLeader bool)

func (f observerFunc) OnLeadershipChange(ctx context.Context, isLeader bool) { f(ctx, isLeader) }

func TestScheduler_ObserversRunBeforeTicksResume(t *testing.T) {
	var seen []bool
	var s *Scheduler
	obs := observerFunc(func(_ context.Context, isLeader bool) {
		seen = append(seen, isLeader)
		assert.False(t, s.IsLeader(), "ticks stay gated while observers run")
	})
	s = NewScheduler(new(countingRunner), new(manualCoordinator), logger.Noop(),
		noop.NewTracerProvider().Tracer("test"), WithLeadershipObserver(obs))

	s.setLeader(context.Background(), true)
	assert.True(t, s.IsLeader())

	s.setLeader(context.Background(), false)
	assert.False(t, s.IsLeader())
	assert.Equal(t, []bool{true, false}, seen)
}
