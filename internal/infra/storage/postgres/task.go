// Package postgres provides PostgreSQL-backed implementations of the storage
// ports using pgx. Every operation runs inside an OpenTelemetry client span.
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

	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

// defaultDBAttributes defines standard OpenTelemetry attributes for PostgreSQL operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

var _ task.Repository = (*taskStore)(nil)

// taskStore implements task.Repository using PostgreSQL.
type taskStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewTaskStore creates a PostgreSQL-backed task.Repository.
func NewTaskStore(pool *pgxpool.Pool, tracer trace.Tracer) *taskStore {
	return &taskStore{pool: pool, tracer: tracer}
}

const taskColumns = `task_id, tenant_id, task_type, status, executor_id, correlation_id, created_at, updated_at`

func (s *taskStore) Create(ctx context.Context, t *task.Task) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", t.TaskID().String()),
		attribute.String("tenant_id", t.TenantID().String()),
		attribute.String("task_type", t.Type().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			t.TaskID(),
			t.TenantID(),
			t.Type().String(),
			t.Status().String(),
			nullableUUID(t.ExecutorID()),
			t.CorrelationID(),
			t.CreatedAt(),
			t.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		return nil
	})
}

func (s *taskStore) FindByID(ctx context.Context, taskID, tenantID uuid.UUID) (*task.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("tenant_id", tenantID.String()),
	)

	var t *task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_task_by_id", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 AND tenant_id = $2`,
			taskID, tenantID,
		)
		var err error
		t, err = scanTask(row)
		return err
	})
	return t, err
}

func (s *taskStore) Find(ctx context.Context, taskID uuid.UUID) (*task.Task, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("task_id", taskID.String()))

	var t *task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_task", dbAttrs, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
		var err error
		t, err = scanTask(row)
		return err
	})
	return t, err
}

func (s *taskStore) UpdateStatus(ctx context.Context, taskID, tenantID uuid.UUID, status task.TaskStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_task_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE tasks SET status = $3, updated_at = NOW()
			WHERE task_id = $1 AND tenant_id = $2`,
			taskID, tenantID, status.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}

func (s *taskStore) AssignExecutor(ctx context.Context, taskID, tenantID, executorID uuid.UUID) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("task_id", taskID.String()),
		attribute.String("executor_id", executorID.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.assign_task_executor", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE tasks SET executor_id = $3, updated_at = NOW()
			WHERE task_id = $1 AND tenant_id = $2`,
			taskID, tenantID, executorID,
		)
		if err != nil {
			return fmt.Errorf("failed to assign executor: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return task.ErrTaskNotFound
		}
		return nil
	})
}

func (s *taskStore) ListByStatus(ctx context.Context, status task.TaskStatus, limit int) ([]*task.Task, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("status", status.String()),
		attribute.Int("limit", limit),
	)

	var tasks []*task.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_tasks_by_status", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC
			LIMIT $2`,
			status.String(), limit,
		)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		taskID, tenantID     uuid.UUID
		taskType, status     string
		executorID           *uuid.UUID
		correlationID        string
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&taskID, &tenantID, &taskType, &status, &executorID, &correlationID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	tt, err := task.ParseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	ts, err := task.ParseTaskStatus(status)
	if err != nil {
		return nil, err
	}

	return task.ReconstructTask(taskID, tenantID, tt, ts, derefUUID(executorID), correlationID, createdAt, updatedAt), nil
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func derefUUID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
