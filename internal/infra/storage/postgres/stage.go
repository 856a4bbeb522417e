package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/pipeline"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var _ pipeline.StageRepository = (*stageStore)(nil)

// stageStore implements pipeline.StageRepository using PostgreSQL.
type stageStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewStageStore creates a PostgreSQL-backed pipeline.StageRepository.
func NewStageStore(pool *pgxpool.Pool, tracer trace.Tracer) *stageStore {
	return &stageStore{pool: pool, tracer: tracer}
}

const stageColumns = `stage_id, task_id, tenant_id, stage_type, status, executor_id,
	start_time, end_time, duration_ms, exit_code, error`

// Persist upserts the record. Only the mutable lifecycle columns change on
// conflict; identity and start time are fixed at first insert.
func (s *stageStore) Persist(ctx context.Context, r pipeline.StageRecord, correlationID string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("stage_id", r.StageID.String()),
		attribute.String("task_id", r.TaskID.String()),
		attribute.String("stage_type", r.Type.String()),
		attribute.String("status", r.Status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.persist_stage_record", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO stage_records (
				stage_id, task_id, tenant_id, stage_type, status, executor_id,
				correlation_id, start_time, end_time, duration_ms, exit_code, error
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (stage_id) DO UPDATE SET
				status      = EXCLUDED.status,
				executor_id = COALESCE(EXCLUDED.executor_id, stage_records.executor_id),
				end_time    = EXCLUDED.end_time,
				duration_ms = EXCLUDED.duration_ms,
				exit_code   = EXCLUDED.exit_code,
				error       = EXCLUDED.error`,
			r.StageID,
			r.TaskID,
			r.TenantID,
			r.Type.String(),
			r.Status.String(),
			nullableUUID(r.ExecutorID),
			correlationID,
			r.StartTime,
			nullableTime(r.EndTime),
			r.Duration.Milliseconds(),
			r.ExitCode,
			r.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to persist stage record: %w", err)
		}
		return nil
	})
}

func (s *stageStore) Get(ctx context.Context, stageID uuid.UUID) (*pipeline.StageRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("stage_id", stageID.String()))

	var rec *pipeline.StageRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_stage_record", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+stageColumns+` FROM stage_records WHERE stage_id = $1`, stageID)
		var err error
		rec, err = scanStageRecord(row)
		return err
	})
	return rec, err
}

func (s *stageStore) LatestForTask(ctx context.Context, taskID uuid.UUID) (*pipeline.StageRecord, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var rec *pipeline.StageRecord
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.latest_stage_record", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+stageColumns+` FROM stage_records
			WHERE task_id = $1
			ORDER BY start_time DESC
			LIMIT 1`,
			taskID,
		)
		var err error
		rec, err = scanStageRecord(row)
		return err
	})
	return rec, err
}

func scanStageRecord(row pgx.Row) (*pipeline.StageRecord, error) {
	var (
		r                 pipeline.StageRecord
		stageType, status string
		executorID        *uuid.UUID
		endTime           *time.Time
		durationMS        int64
	)
	err := row.Scan(
		&r.StageID, &r.TaskID, &r.TenantID, &stageType, &status, &executorID,
		&r.StartTime, &endTime, &durationMS, &r.ExitCode, &r.Error,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan stage record: %w", err)
	}

	if r.Type, err = pipeline.ParseStageType(stageType); err != nil {
		return nil, err
	}
	if r.Status, err = pipeline.ParseStageStatus(status); err != nil {
		return nil, err
	}
	r.ExecutorID = derefUUID(executorID)
	if endTime != nil {
		r.EndTime = *endTime
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond

	return &r, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
