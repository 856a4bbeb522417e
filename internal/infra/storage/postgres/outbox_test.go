package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/infra/storage"
)

func setupOutboxTest(t *testing.T) (context.Context, *pgxpool.Pool, *outboxStore, func()) {
	t.Helper()
	ctx, pool, cleanup := setupPool(t, "outbox_events")
	return ctx, pool, NewOutboxStore(pool, storage.NoOpTracer()), cleanup
}

func testEvent(createdAt time.Time) events.PlatformEvent {
	tenantID := uuid.New()
	return events.PlatformEvent{
		EventID:       uuid.New(),
		TenantID:      &tenantID,
		CorrelationID: "corr",
		Event:         events.KindStageCompleted,
		Payload: map[string]any{
			events.PayloadTaskID: uuid.NewString(),
			events.PayloadStatus: "SUCCEEDED",
		},
		CreatedAt: createdAt,
	}
}

func TestOutboxStore_InsertIsIdempotent(t *testing.T) {
	ctx, pool, store, cleanup := setupOutboxTest(t)
	defer cleanup()

	evt := testEvent(time.Now().UTC())
	require.NoError(t, store.Insert(ctx, evt))
	require.NoError(t, store.Insert(ctx, evt))

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM outbox_events").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestOutboxStore_FetchAfterAndMarkProcessed(t *testing.T) {
	ctx, _, store, cleanup := setupOutboxTest(t)
	defer cleanup()

	base := time.Now().UTC().Truncate(time.Microsecond)
	old := testEvent(base.Add(-time.Hour))
	late := testEvent(base.Add(2 * time.Second))
	early := testEvent(base.Add(time.Second))
	for _, evt := range []events.PlatformEvent{old, late, early} {
		require.NoError(t, store.Insert(ctx, evt))
	}

	got, err := store.FetchAfter(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.EventID, got[0].EventID, "ascending by creation time")
	assert.Equal(t, late.EventID, got[1].EventID)
	assert.Equal(t, events.EventStatusPending, got[0].Status)
	assert.Equal(t, "SUCCEEDED", got[0].Payload[events.PayloadStatus])
	require.NotNil(t, got[0].TenantID)
	assert.Equal(t, *early.TenantID, *got[0].TenantID)

	limited, err := store.FetchAfter(ctx, base, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, store.MarkProcessed(ctx, early.EventID))
	got, err = store.FetchAfter(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, late.EventID, got[0].EventID)
}
