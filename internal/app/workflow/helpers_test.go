package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/storage/memory"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

type serviceCall struct {
	service string
	req     StageRequest
}

// callRecorder collects stage service invocations across every service.
type callRecorder struct {
	mu    sync.Mutex
	calls []serviceCall
	fail  map[string]error
}

func newCallRecorder() *callRecorder { return &callRecorder{fail: make(map[string]error)} }

func (r *callRecorder) service(name string) StageFunc {
	return func(_ context.Context, req StageRequest) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, serviceCall{service: name, req: req})
		return r.fail[name]
	}
}

func (r *callRecorder) failWith(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[name] = err
}

func (r *callRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.service)
	}
	return out
}

func (r *callRecorder) services() StageServices {
	return StageServices{
		Source: r.service("source"),
		Rules:  r.service("rules"),
		Generic: VariantServices{
			Scan:    r.service("generic_scan"),
			Process: r.service("generic_process"),
			Review:  r.service("generic_review"),
		},
		SCA: VariantServices{
			Scan:    r.service("sca_scan"),
			Process: r.service("sca_process"),
			Review:  r.service("sca_review"),
		},
	}
}

type harness struct {
	t      *testing.T
	clock  *timeutil.Mock
	tasks  *memory.TaskStore
	outbox *memory.Outbox
	stages *memory.StageStore
	calls  *callRecorder
	orch   *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	clock := timeutil.NewMock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	h := &harness{
		t:      t,
		clock:  clock,
		tasks:  memory.NewTaskStore(clock),
		outbox: memory.NewOutbox(),
		stages: memory.NewStageStore(),
		calls:  newCallRecorder(),
	}

	tracer := noop.NewTracerProvider().Tracer("test")
	exec := NewStageExecutor(h.calls.services(), h.stages, logger.Noop(), tracer,
		WithStageExecutorTimeProvider(clock))

	opts = append([]Option{WithTimeProvider(clock)}, opts...)
	h.orch = NewOrchestrator(h.tasks, h.outbox, exec, logger.Noop(), tracer, opts...)
	return h
}

func (h *harness) createTask(tt task.TaskType) *task.Task {
	h.t.Helper()
	tk := task.NewTask(uuid.New(), tt, "", h.clock.Now())
	require.NoError(h.t, h.tasks.Create(context.Background(), tk))
	return tk
}

func (h *harness) start(tk *task.Task) {
	h.t.Helper()
	require.NoError(h.t, h.orch.StartWorkflow(context.Background(), tk.TenantID(), tk.TaskID()))
}

func (h *harness) tick() { h.orch.RunCycle(context.Background()) }

func (h *harness) snapshot(tk *task.Task) WorkflowSnapshot {
	h.t.Helper()
	snap, ok := h.orch.Snapshot(tk.TaskID())
	require.True(h.t, ok, "workflow for task %s not active", tk.TaskID())
	return snap
}

// stageEvent builds a stage event for the stage currently in flight.
func (h *harness) stageEvent(tk *task.Task, kind events.Kind, status pipeline.StageStatus) events.PlatformEvent {
	h.t.Helper()
	snap := h.snapshot(tk)
	require.NotEqual(h.t, uuid.Nil, snap.InFlightStageID, "no stage in flight")
	return h.eventFor(tk, kind, snap.InFlightStageID, snap.InFlightStageType, status)
}

func (h *harness) eventFor(
	tk *task.Task,
	kind events.Kind,
	stageID uuid.UUID,
	st pipeline.StageType,
	status pipeline.StageStatus,
) events.PlatformEvent {
	h.clock.Advance(time.Second)
	return events.PlatformEvent{
		EventID:       uuid.New(),
		CorrelationID: tk.CorrelationID(),
		Event:         kind,
		CreatedAt:     h.clock.Now(),
		Payload: map[string]any{
			events.PayloadTaskID:   tk.TaskID().String(),
			events.PayloadTenantID: tk.TenantID().String(),
			events.PayloadStageID:  stageID.String(),
			events.PayloadType:     st.String(),
			events.PayloadStatus:   status.String(),
		},
	}
}

func (h *harness) emit(evt events.PlatformEvent) {
	h.t.Helper()
	require.NoError(h.t, h.outbox.Insert(context.Background(), evt))
}

func (h *harness) taskStatus(tk *task.Task) task.TaskStatus {
	h.t.Helper()
	got, err := h.tasks.Find(context.Background(), tk.TaskID())
	require.NoError(h.t, err)
	require.NotNil(h.t, got)
	return got.Status()
}
