package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var (
	_ artifact.LogRepository    = (*artifactStore)(nil)
	_ artifact.ResultRepository = (*artifactStore)(nil)
)

// artifactStore persists executor log chunks and results.
type artifactStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewArtifactStore creates a PostgreSQL-backed log and result repository.
func NewArtifactStore(pool *pgxpool.Pool, tracer trace.Tracer) *artifactStore {
	return &artifactStore{pool: pool, tracer: tracer}
}

func (s *artifactStore) Append(ctx context.Context, c artifact.LogChunk) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", c.TaskID.String()),
		attribute.String("stream", string(c.Stream)),
		attribute.Int64("sequence", c.Sequence),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_log_chunk", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO task_log_chunks (
				task_id, stream, sequence, tenant_id, executor_id, stage_id,
				stage_type, content, is_last, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (task_id, stream, sequence) DO NOTHING`,
			c.TaskID,
			string(c.Stream),
			c.Sequence,
			c.TenantID,
			c.ExecutorID,
			nullableUUID(c.StageID),
			c.StageType,
			c.Content,
			c.IsLast,
			c.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append log chunk: %w", err)
		}
		return nil
	})
}

func (s *artifactStore) Save(ctx context.Context, r artifact.Result) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", r.TaskID.String()),
		attribute.Bool("success", r.Success),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_task_result", dbAttrs, func(ctx context.Context) error {
		artifacts := r.Artifacts
		if artifacts == nil {
			artifacts = map[string]string{}
		}
		raw, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("failed to marshal artifacts: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO task_results (
				task_id, tenant_id, executor_id, stage_id, stage_type, success,
				exit_code, log, output, artifacts, run_log, error, received_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.TaskID,
			r.TenantID,
			r.ExecutorID,
			nullableUUID(r.StageID),
			r.StageType,
			r.Success,
			r.ExitCode,
			r.Log,
			r.Output,
			raw,
			r.RunLog,
			r.Error,
			r.ReceivedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save task result: %w", err)
		}
		return nil
	})
}
