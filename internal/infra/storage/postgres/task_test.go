package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

// setupPool connects to a test database container with migrations applied.
// Container-backed tests are skipped in -short mode.
func setupPool(t *testing.T, tables ...string) (context.Context, *pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	pool, containerCleanup := storage.SetupTestContainer(t)

	cleanup := func() {
		for _, table := range tables {
			if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
				t.Logf("Failed to clean up %s table: %v", table, err)
			}
		}
		containerCleanup()
	}
	return ctx, pool, cleanup
}

func setupTaskTest(t *testing.T) (context.Context, *pgxpool.Pool, *taskStore, func()) {
	t.Helper()
	ctx, pool, cleanup := setupPool(t, "stage_records", "tasks")
	return ctx, pool, NewTaskStore(pool, storage.NoOpTracer()), cleanup
}

func createTestTask(t *testing.T, tenantID uuid.UUID, createdAt time.Time) *task.Task {
	t.Helper()
	return task.NewTask(tenantID, task.TaskTypeSecurityScan, "", createdAt)
}

func TestTaskStore_CreateAndFind(t *testing.T) {
	ctx, _, store, cleanup := setupTaskTest(t)
	defer cleanup()

	tenantID := uuid.New()
	tsk := createTestTask(t, tenantID, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, store.Create(ctx, tsk))

	got, err := store.FindByID(ctx, tsk.TaskID(), tenantID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tsk.TaskID(), got.TaskID())
	assert.Equal(t, task.TaskTypeSecurityScan, got.Type())
	assert.Equal(t, task.TaskStatusPending, got.Status())
	assert.Equal(t, tsk.CorrelationID(), got.CorrelationID())
	assert.Equal(t, uuid.Nil, got.ExecutorID())
	assert.True(t, tsk.CreatedAt().Equal(got.CreatedAt()))

	other, err := store.FindByID(ctx, tsk.TaskID(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, other, "tasks of another tenant are invisible")

	anyTenant, err := store.Find(ctx, tsk.TaskID())
	require.NoError(t, err)
	require.NotNil(t, anyTenant)
	assert.Equal(t, tenantID, anyTenant.TenantID())

	missing, err := store.Find(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTaskStore_UpdateStatusAndAssign(t *testing.T) {
	ctx, _, store, cleanup := setupTaskTest(t)
	defer cleanup()

	tenantID := uuid.New()
	tsk := createTestTask(t, tenantID, time.Now())
	require.NoError(t, store.Create(ctx, tsk))

	execID := uuid.New()
	require.NoError(t, store.UpdateStatus(ctx, tsk.TaskID(), tenantID, task.TaskStatusRunning))
	require.NoError(t, store.AssignExecutor(ctx, tsk.TaskID(), tenantID, execID))

	got, err := store.Find(ctx, tsk.TaskID())
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusRunning, got.Status())
	assert.True(t, got.IsAssignedTo(execID))

	err = store.UpdateStatus(ctx, tsk.TaskID(), uuid.New(), task.TaskStatusFailed)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	err = store.AssignExecutor(ctx, uuid.New(), tenantID, execID)
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestTaskStore_ListByStatus(t *testing.T) {
	ctx, _, store, cleanup := setupTaskTest(t)
	defer cleanup()

	tenantID := uuid.New()
	base := time.Now().UTC()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tsk := createTestTask(t, tenantID, base.Add(time.Duration(2-i)*time.Minute))
		require.NoError(t, store.Create(ctx, tsk))
		require.NoError(t, store.UpdateStatus(ctx, tsk.TaskID(), tenantID, task.TaskStatusRunning))
		ids = append(ids, tsk.TaskID())
	}
	pending := createTestTask(t, tenantID, base)
	require.NoError(t, store.Create(ctx, pending))

	got, err := store.ListByStatus(ctx, task.TaskStatusRunning, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].TaskID(), "oldest first")
	assert.Equal(t, ids[1], got[1].TaskID())
}
