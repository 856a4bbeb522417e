package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/app/cluster"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// DefaultPollInterval is how often the scheduler runs a cycle.
const DefaultPollInterval = 5 * time.Second

// CycleRunner is the unit of work the scheduler triggers.
type CycleRunner interface {
	RunCycle(ctx context.Context)
}

// LeadershipObserver is told when this instance gains or loses leadership.
type LeadershipObserver interface {
	OnLeadershipChange(ctx context.Context, isLeader bool)
}

// Scheduler triggers RunCycle on a fixed interval while this instance holds
// leadership. Overlapping ticks are skipped rather than queued.
type Scheduler struct {
	runner      CycleRunner
	coordinator cluster.Coordinator
	interval    time.Duration
	location    *time.Location

	cron      *cron.Cron
	isLeader  atomic.Bool
	observers []LeadershipObserver

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkflowMetrics
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLocation sets the time zone of the cron clock.
func WithSchedulerLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSchedulerMetrics sets the metrics sink used for leadership status.
func WithSchedulerMetrics(m WorkflowMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLeadershipObserver notifies obs of every leadership change. On gaining
// leadership, ticks start only after every observer has returned.
func WithLeadershipObserver(obs LeadershipObserver) SchedulerOption {
	return func(s *Scheduler) { s.observers = append(s.observers, obs) }
}

// NewScheduler creates a Scheduler gated by coordinator.
func NewScheduler(
	runner CycleRunner,
	coordinator cluster.Coordinator,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		runner:      runner,
		coordinator: coordinator,
		interval:    DefaultPollInterval,
		location:    time.UTC,
		logger:      log.With("component", "workflow_scheduler"),
		tracer:      tracer,
		metrics:     noopWorkflowMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLog := cron.PrintfLogger(logger.NewStdLogger(s.logger, logger.LevelInfo))
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		),
	)

	return s
}

// Run registers the tick, starts the coordinator and blocks until ctx is
// cancelled or the coordinator fails.
func (s *Scheduler) Run(ctx context.Context) error {
	s.coordinator.OnLeadershipChange(func(isLeader bool) { s.setLeader(ctx, isLeader) })

	expr := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(expr, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule poll cycle %q: %w", expr, err)
	}

	s.cron.Start()
	s.logger.Info(ctx, "scheduler started", "interval", s.interval.String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.coordinator.Start(ctx) }()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("coordinator stopped: %w", err)
		}
	}

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	if stopErr := s.coordinator.Stop(); stopErr != nil {
		s.logger.Warn(ctx, "failed to stop coordinator", "error", stopErr)
	}
	s.logger.Info(ctx, "scheduler stopped")

	return err
}

func (s *Scheduler) setLeader(ctx context.Context, isLeader bool) {
	if !isLeader {
		s.isLeader.Store(false)
	}
	for _, obs := range s.observers {
		obs.OnLeadershipChange(ctx, isLeader)
	}
	if isLeader {
		s.isLeader.Store(true)
	}
	s.metrics.SetLeaderStatus(ctx, isLeader)
	s.logger.Info(ctx, "leadership changed", "is_leader", isLeader)
}

// IsLeader reports whether ticks currently run cycles.
func (s *Scheduler) IsLeader() bool { return s.isLeader.Load() }

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil || !s.isLeader.Load() {
		return
	}
	ctx, span := s.tracer.Start(ctx, "workflow_scheduler.tick")
	defer span.End()

	s.runner.RunCycle(ctx)
}
