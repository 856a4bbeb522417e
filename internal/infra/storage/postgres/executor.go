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

	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var _ executor.Registry = (*executorStore)(nil)

// executorStore implements executor.Registry using PostgreSQL. Tokens are
// only ever compared by their SHA-256 hash.
type executorStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewExecutorStore creates a PostgreSQL-backed executor.Registry.
func NewExecutorStore(pool *pgxpool.Pool, tracer trace.Tracer) *executorStore {
	return &executorStore{pool: pool, tracer: tracer}
}

const executorColumns = `executor_id, tenant_id, name, token_hash, status, last_heartbeat,
	cpu_usage, memory_mb, created_at, updated_at`

func (s *executorStore) Create(ctx context.Context, e *executor.Executor) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("executor_id", e.ID().String()),
		attribute.String("tenant_id", e.TenantID().String()),
		attribute.String("name", e.Name()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_executor", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO executors (`+executorColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			e.ID(),
			e.TenantID(),
			e.Name(),
			e.TokenHash(),
			e.Status().String(),
			nullableTime(e.LastHeartbeat()),
			e.CPUUsage(),
			e.MemoryMB(),
			e.CreatedAt(),
			e.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("failed to create executor: %w", err)
		}
		return nil
	})
}

// UpdateHeartbeat resolves the token by hash and records the heartbeat in a
// single statement. Nil usage values keep the stored reading.
func (s *executorStore) UpdateHeartbeat(ctx context.Context, token string, cpu *float64, mem *int64) (*executor.Executor, error) {
	var e *executor.Executor
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_executor_heartbeat", defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			UPDATE executors SET
				last_heartbeat = NOW(),
				cpu_usage      = COALESCE($2, cpu_usage),
				memory_mb      = COALESCE($3, memory_mb),
				updated_at     = NOW()
			WHERE token_hash = $1
			RETURNING `+executorColumns,
			executor.HashToken(token), cpu, mem,
		)
		var err error
		e, err = scanExecutor(row)
		return err
	})
	return e, err
}

func (s *executorStore) UpdateStatus(ctx context.Context, tenantID, executorID uuid.UUID, status executor.Status) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("executor_id", executorID.String()),
		attribute.String("status", status.String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_executor_status", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE executors SET status = $3, updated_at = NOW()
			WHERE executor_id = $2 AND tenant_id = $1`,
			tenantID, executorID, status.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update executor status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return executor.ErrExecutorNotFound
		}
		return nil
	})
}

func (s *executorStore) ListReady(ctx context.Context, tenantID uuid.UUID) ([]*executor.Executor, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("tenant_id", tenantID.String()))

	var ready []*executor.Executor
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_ready_executors", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+executorColumns+` FROM executors
			WHERE tenant_id = $1 AND status = 'READY'
			ORDER BY last_heartbeat DESC NULLS LAST`,
			tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to list ready executors: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanExecutor(rows)
			if err != nil {
				return err
			}
			if e != nil {
				ready = append(ready, e)
			}
		}
		return rows.Err()
	})
	return ready, err
}

func scanExecutor(row pgx.Row) (*executor.Executor, error) {
	var (
		id, tenantID         uuid.UUID
		name, tokenHash      string
		status               string
		lastHeartbeat        *time.Time
		cpu                  *float64
		mem                  *int64
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&id, &tenantID, &name, &tokenHash, &status, &lastHeartbeat, &cpu, &mem, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan executor: %w", err)
	}

	st, err := executor.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	var hb time.Time
	if lastHeartbeat != nil {
		hb = *lastHeartbeat
	}

	return executor.ReconstructExecutor(id, tenantID, name, tokenHash, st, hb, cpu, mem, createdAt, updatedAt), nil
}
