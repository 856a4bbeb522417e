package executor

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashTokenIsStable(t *testing.T) {
	t.Parallel()

	h := HashToken("s3cret")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("s3cret"))
	assert.NotEqual(t, h, HashToken("s3cret2"))
}

func TestNewExecutorStoresOnlyTokenHash(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := NewExecutor(uuid.New(), "runner-1", "tok", now)

	assert.Equal(t, StatusOffline, e.Status())
	assert.Equal(t, HashToken("tok"), e.TokenHash())
	assert.NotEqual(t, "tok", e.TokenHash())
	assert.Equal(t, now, e.CreatedAt())
}

func TestRecordHeartbeatKeepsPreviousUsage(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := NewExecutor(uuid.New(), "runner-1", "tok", now)

	cpu := 42.5
	mem := int64(512)
	e.RecordHeartbeat(&cpu, &mem, now.Add(time.Second))
	e.RecordHeartbeat(nil, nil, now.Add(2*time.Second))

	require.NotNil(t, e.CPUUsage())
	require.NotNil(t, e.MemoryMB())
	assert.Equal(t, 42.5, *e.CPUUsage())
	assert.Equal(t, int64(512), *e.MemoryMB())
	assert.Equal(t, now.Add(2*time.Second), e.LastHeartbeat())
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus("BUSY")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, s)

	_, err = ParseStatus("ONLINE")
	assert.ErrorIs(t, err, ErrStatusUnknown)
}
