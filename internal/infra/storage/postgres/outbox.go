package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

var _ events.OutboxRepository = (*outboxStore)(nil)

// outboxStore implements events.OutboxRepository using PostgreSQL.
type outboxStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewOutboxStore creates a PostgreSQL-backed events.OutboxRepository.
func NewOutboxStore(pool *pgxpool.Pool, tracer trace.Tracer) *outboxStore {
	return &outboxStore{pool: pool, tracer: tracer}
}

func (s *outboxStore) Insert(ctx context.Context, evt events.PlatformEvent) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("event_id", evt.EventID.String()),
		attribute.String("event", evt.Event.String()),
		attribute.String("correlation_id", evt.CorrelationID),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.insert_outbox_event", dbAttrs, func(ctx context.Context) error {
		payload, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		status := evt.Status
		if status == "" {
			status = events.EventStatusPending
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO outbox_events (event_id, tenant_id, correlation_id, event, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING`,
			evt.EventID,
			evt.TenantID,
			evt.CorrelationID,
			evt.Event.String(),
			payload,
			string(status),
			evt.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
		return nil
	})
}

func (s *outboxStore) FetchAfter(ctx context.Context, ts time.Time, limit int) ([]events.PlatformEvent, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("after", ts.Format(time.RFC3339Nano)),
		attribute.Int("limit", limit),
	)

	var out []events.PlatformEvent
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.fetch_outbox_events", dbAttrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT event_id, tenant_id, correlation_id, event, payload, status, created_at
			FROM outbox_events
			WHERE created_at >= $1 AND status = 'PENDING'
			ORDER BY created_at ASC
			LIMIT $2`,
			ts, limit,
		)
		if err != nil {
			return fmt.Errorf("failed to fetch outbox events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				evt     events.PlatformEvent
				kind    string
				status  string
				payload []byte
			)
			if err := rows.Scan(
				&evt.EventID, &evt.TenantID, &evt.CorrelationID, &kind, &payload, &status, &evt.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to scan outbox event: %w", err)
			}
			evt.Event = events.Kind(kind)
			evt.Status = events.EventStatus(status)
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, &evt.Payload); err != nil {
					return fmt.Errorf("failed to unmarshal payload of event %s: %w", evt.EventID, err)
				}
			}
			out = append(out, evt)
		}
		return rows.Err()
	})
	return out, err
}

func (s *outboxStore) MarkProcessed(ctx context.Context, eventID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("event_id", eventID.String()))

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_outbox_event_processed", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE outbox_events SET status = 'PROCESSED', processed_at = NOW()
			WHERE event_id = $1 AND status = 'PENDING'`,
			eventID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark outbox event processed: %w", err)
		}
		return nil
	})
}
