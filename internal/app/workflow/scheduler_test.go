package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/app/cluster"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

type countingRunner struct{ n atomic.Int32 }

func (r *countingRunner) RunCycle(context.Context) { r.n.Add(1) }

// manualCoordinator reports leadership only when told to.
type manualCoordinator struct {
	mu  sync.Mutex
	cbs []func(bool)
}

func (c *manualCoordinator) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *manualCoordinator) Stop() error { return nil }

func (c *manualCoordinator) OnLeadershipChange(cb func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cbs = append(c.cbs, cb)
}

func (c *manualCoordinator) set(isLeader bool) {
	c.mu.Lock()
	cbs := append([]func(bool){}, c.cbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(isLeader)
	}
}

func TestScheduler_RunsCyclesWhileLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("scheduler ticks at one second granularity")
	}

	runner := new(countingRunner)
	s := NewScheduler(runner, cluster.NewStandalone(), logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.n.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.True(t, s.IsLeader())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_SkipsCyclesWithoutLeadership(t *testing.T) {
	if testing.Short() {
		t.Skip("scheduler ticks at one second granularity")
	}

	runner := new(countingRunner)
	coord := new(manualCoordinator)
	s := NewScheduler(runner, coord, logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		WithInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	time.Sleep(2500 * time.Millisecond)
	assert.Zero(t, runner.n.Load())
	assert.False(t, s.IsLeader())

	coord.set(true)
	require.Eventually(t, func() bool { return runner.n.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	coord.set(false)
	settled := runner.n.Load()
	time.Sleep(2500 * time.Millisecond)
	assert.LessOrEqual(t, runner.n.Load(), settled+1)
}

func TestScheduler_TickRespectsLeadership(t *testing.T) {
	runner := new(countingRunner)
	s := NewScheduler(runner, new(manualCoordinator), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	s.tick(context.Background())
	assert.Zero(t, runner.n.Load())

	s.isLeader.Store(true)
	s.tick(context.Background())
	assert.Equal(t, int32(1), runner.n.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.tick(ctx)
	assert.Equal(t, int32(1), runner.n.Load())
}
