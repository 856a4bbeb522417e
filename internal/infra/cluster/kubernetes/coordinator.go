// Package kubernetes provides a leader election coordinator backed by a
// Kubernetes Lease, so only one replica drives the workflow tick.
package kubernetes

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/scanflow/internal/app/cluster"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

var errConfigRequired = errors.New("kubernetes coordinator config is required")

// Coordinator elects a single leader among replicas using a Lease lock.
type Coordinator struct {
	identity      string
	leaderElector *leaderelection.LeaderElector

	mu        sync.Mutex
	callbacks []func(isLeader bool)
	cancel    context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator that competes for cfg.LeaseName.
func NewCoordinator(cfg *Config, client kubernetes.Interface, log *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new")
	defer span.End()

	if cfg == nil {
		span.RecordError(errConfigRequired)
		span.SetStatus(codes.Error, "config is required")
		return nil, errConfigRequired
	}
	c := cfg.withDefaults()
	span.SetAttributes(
		attribute.String("namespace", c.Namespace),
		attribute.String("lease", c.LeaseName),
		attribute.String("identity", c.Identity),
	)

	coordinator := &Coordinator{
		identity: c.Identity,
		logger: log.With(
			"component", "kubernetes_coordinator",
			"namespace", c.Namespace,
			"lease", c.LeaseName,
			"identity", c.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      c.LeaseName,
			Namespace: c.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   c.LeaseDuration,
		RenewDeadline:   c.RenewDeadline,
		RetryPeriod:     c.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            c.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, err
	}
	coordinator.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return coordinator, nil
}

// Start runs leader election until ctx is cancelled or Stop is called.
// Leadership is released on exit.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Info(ctx, "Starting leader elector")
	c.leaderElector.Run(ctx)
	return nil
}

// Stop ends the election loop started by Start.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers a callback invoked when this instance gains
// or loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cbs := append([]func(bool){}, c.callbacks...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(attribute.String("identity", c.identity)),
	)
	defer span.End()

	c.logger.Info(ctx, "Became leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(attribute.String("identity", c.identity)),
	)
	defer span.End()

	c.logger.Info(ctx, "Lost leadership")
	c.notify(false)
}
