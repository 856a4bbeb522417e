package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_BurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	require.NoError(t, rl.Wait(context.Background()))
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestRateLimiter_NonPositiveRateIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for range 100 {
		require.NoError(t, rl.Wait(context.Background()))
	}
}
