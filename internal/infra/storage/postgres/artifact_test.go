package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

func setupArtifactTest(t *testing.T) (context.Context, *pgxpool.Pool, *artifactStore, func()) {
	t.Helper()
	ctx, pool, cleanup := setupPool(t, "task_log_chunks", "task_results")
	return ctx, pool, NewArtifactStore(pool, storage.NoOpTracer()), cleanup
}

func TestArtifactStore_AppendIgnoresDuplicates(t *testing.T) {
	ctx, pool, store, cleanup := setupArtifactTest(t)
	defer cleanup()

	chunk := artifact.LogChunk{
		TaskID:     uuid.New(),
		TenantID:   uuid.New(),
		ExecutorID: uuid.New(),
		Sequence:   1,
		Stream:     artifact.StreamStdout,
		Content:    "cloning repository",
		ReceivedAt: time.Now(),
	}
	require.NoError(t, store.Append(ctx, chunk))

	dup := chunk
	dup.Content = "replayed"
	require.NoError(t, store.Append(ctx, dup))

	stderr := chunk
	stderr.Stream = artifact.StreamStderr
	require.NoError(t, store.Append(ctx, stderr))

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM task_log_chunks WHERE task_id = $1", chunk.TaskID).Scan(&count))
	assert.Equal(t, 2, count)

	var content string
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT content FROM task_log_chunks WHERE task_id = $1 AND stream = 'stdout'", chunk.TaskID).Scan(&content))
	assert.Equal(t, "cloning repository", content)
}

func TestArtifactStore_SaveResult(t *testing.T) {
	ctx, pool, store, cleanup := setupArtifactTest(t)
	defer cleanup()

	code := 3
	res := artifact.Result{
		TaskID:     uuid.New(),
		TenantID:   uuid.New(),
		ExecutorID: uuid.New(),
		StageType:  "SCAN_EXEC",
		Success:    false,
		ExitCode:   &code,
		Artifacts:  map[string]string{"sarif": "s3://bucket/report.sarif"},
		Error:      "scanner crashed",
		ReceivedAt: time.Now(),
	}
	require.NoError(t, store.Save(ctx, res))

	var (
		raw      []byte
		exitCode *int
		stageID  *uuid.UUID
	)
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT artifacts, exit_code, stage_id FROM task_results WHERE task_id = $1", res.TaskID,
	).Scan(&raw, &exitCode, &stageID))

	var artifacts map[string]string
	require.NoError(t, json.Unmarshal(raw, &artifacts))
	assert.Equal(t, res.Artifacts, artifacts)
	require.NotNil(t, exitCode)
	assert.Equal(t, 3, *exitCode)
	assert.Nil(t, stageID)
}
