package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/app/outbox"
	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/storage/memory"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

var epoch = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *timeutil.Mock
	tasks     *memory.TaskStore
	stages    *memory.StageStore
	artifacts *memory.ArtifactStore
	outbox    *memory.Outbox
	ingestor  *ResultIngestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := timeutil.NewMock(epoch)
	f := &fixture{
		clock:     clock,
		tasks:     memory.NewTaskStore(clock),
		stages:    memory.NewStageStore(),
		artifacts: memory.NewArtifactStore(),
		outbox:    memory.NewOutbox(),
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	pub := outbox.NewPublisher(f.outbox, logger.Noop(), tracer, outbox.WithTimeProvider(clock))
	f.ingestor = NewResultIngestor(f.artifacts, f.stages, f.tasks, pub, clock, logger.Noop(), tracer)
	return f
}

func (f *fixture) task(t *testing.T) *task.Task {
	t.Helper()
	tk := task.NewTask(uuid.New(), task.TaskTypeSecurityScan, "corr-7", f.clock.Now())
	require.NoError(t, f.tasks.Create(context.Background(), tk))
	return tk
}

func intPtr(v int) *int { return &v }

func TestResultIngestor_CompletesRunningStage(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t)
	executorID := uuid.New()
	stageID := uuid.New()
	running := pipeline.NewRunningStageRecord(stageID, tk.TaskID(), tk.TenantID(), executorID, pipeline.StageScanExec, f.clock.Now())
	require.NoError(t, f.stages.Persist(context.Background(), running, tk.CorrelationID()))

	f.clock.Advance(90 * time.Second)
	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:     tk.TaskID(),
		TenantID:   tk.TenantID(),
		ExecutorID: executorID,
		StageID:    stageID,
		StageType:  "SCAN_EXEC",
		Success:    true,
		ExitCode:   intPtr(0),
		Output:     `{"findings":[]}`,
	})
	require.NoError(t, err)

	rec, err := f.stages.Get(context.Background(), stageID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pipeline.StageStatusSucceeded, rec.Status)
	assert.Equal(t, 90*time.Second, rec.Duration)
	assert.Equal(t, executorID, rec.ExecutorID)
	assert.Equal(t, "corr-7", f.stages.CorrelationID(stageID))

	results := f.artifacts.Results(tk.TaskID())
	require.Len(t, results, 1)
	assert.Equal(t, f.clock.Now(), results[0].ReceivedAt)

	evts := f.outbox.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindStageCompleted, evts[0].Event)
	assert.Equal(t, "corr-7", evts[0].CorrelationID)
	status, _ := evts[0].PayloadString(events.PayloadStatus)
	assert.Equal(t, "SUCCEEDED", status)
	sid, _ := evts[0].PayloadString(events.PayloadStageID)
	assert.Equal(t, stageID.String(), sid)
}

func TestResultIngestor_FailedResultPublishesStageFailed(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t)
	stageID := uuid.New()
	running := pipeline.NewRunningStageRecord(stageID, tk.TaskID(), tk.TenantID(), uuid.New(), pipeline.StageScanExec, f.clock.Now())
	require.NoError(t, f.stages.Persist(context.Background(), running, tk.CorrelationID()))

	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:   tk.TaskID(),
		TenantID: tk.TenantID(),
		StageID:  stageID,
		Success:  false,
		ExitCode: intPtr(2),
	})
	require.NoError(t, err)

	rec, err := f.stages.Get(context.Background(), stageID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageStatusFailed, rec.Status)
	assert.Equal(t, "exit code 2", rec.Error)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)

	evts := f.outbox.Events()
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindStageFailed, evts[0].Event)
	msg, _ := evts[0].PayloadString(events.PayloadError)
	assert.Equal(t, "exit code 2", msg)
}

func TestResultIngestor_UnrecordedStageBuildsRecordFromResult(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t)
	stageID := uuid.New()

	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:    tk.TaskID(),
		TenantID:  tk.TenantID(),
		StageID:   stageID,
		StageType: "RESULT_PROCESS",
		Success:   true,
	})
	require.NoError(t, err)

	rec, err := f.stages.Get(context.Background(), stageID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, pipeline.StageResultProcess, rec.Type)
	assert.Equal(t, f.clock.Now(), rec.StartTime)
	assert.Zero(t, rec.Duration)
}

func TestResultIngestor_UnrecordedStageWithUnknownType(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t)

	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:    tk.TaskID(),
		TenantID:  tk.TenantID(),
		StageID:   uuid.New(),
		StageType: "COMPILE",
		Success:   true,
	})
	assert.ErrorIs(t, err, pipeline.ErrStageTypeUnknown)
	assert.Empty(t, f.outbox.Events())
}

func TestResultIngestor_ResultWithoutStageIsStoredOnly(t *testing.T) {
	f := newFixture(t)
	tk := f.task(t)

	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:   tk.TaskID(),
		TenantID: tk.TenantID(),
		Success:  true,
		RunLog:   "done",
	})
	require.NoError(t, err)
	assert.Len(t, f.artifacts.Results(tk.TaskID()), 1)
	assert.Empty(t, f.outbox.Events())
	assert.Empty(t, f.stages.ForTask(tk.TaskID()))
}

func TestResultIngestor_UnknownTask(t *testing.T) {
	f := newFixture(t)

	err := f.ingestor.HandleResult(context.Background(), artifact.Result{
		TaskID:   uuid.New(),
		TenantID: uuid.New(),
		StageID:  uuid.New(),
		Success:  true,
	})
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.Empty(t, f.outbox.Events())
}

type mockLogRepository struct{ mock.Mock }

func (m *mockLogRepository) Append(ctx context.Context, chunk artifact.LogChunk) error {
	return m.Called(ctx, chunk).Error(0)
}

func TestLogIngestor_AppendChunk(t *testing.T) {
	tests := []struct {
		name    string
		repoErr error
		wantErr bool
	}{
		{name: "stored"},
		{name: "repository failure", repoErr: errors.New("disk full"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockLogRepository)
			clock := timeutil.NewMock(epoch)
			li := NewLogIngestor(repo, clock, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

			chunk := artifact.LogChunk{TaskID: uuid.New(), Sequence: 3, Stream: artifact.StreamStdout, Content: "line"}
			repo.On("Append", mock.Anything, mock.MatchedBy(func(c artifact.LogChunk) bool {
				return c.Sequence == 3 && c.ReceivedAt.Equal(epoch)
			})).Return(tt.repoErr)

			err := li.AppendChunk(context.Background(), chunk)
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.repoErr)
			} else {
				assert.NoError(t, err)
			}
			repo.AssertExpectations(t)
		})
	}
}

func TestLogIngestor_DuplicateChunkIsIdempotent(t *testing.T) {
	store := memory.NewArtifactStore()
	li := NewLogIngestor(store, timeutil.NewMock(epoch), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	taskID := uuid.New()

	chunk := artifact.LogChunk{TaskID: taskID, Sequence: 1, Stream: artifact.StreamStderr, Content: "warn", IsLast: true}
	require.NoError(t, li.AppendChunk(context.Background(), chunk))
	require.NoError(t, li.AppendChunk(context.Background(), chunk))

	assert.Len(t, store.Chunks(taskID), 1)
}
