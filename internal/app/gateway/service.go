// Package gateway implements the executor side of the platform: a persistent,
// framed, authenticated session per executor connection.
//
// Connection lifecycle:
//  1. The executor connects over TLS and sends register{token}.
//  2. The token resolves to an executor; its id and tenant are bound to the
//     connection for the rest of its life and the session is published in
//     the SessionRegistry so the dispatch path can push stages to it.
//  3. Heartbeats keep the executor alive; log chunks and task results are
//     accepted only for tasks the bound executor owns.
//
// Any attempt to switch identity on a bound connection closes it.
package gateway

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/artifact"
	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/domain/executor"
	"github.com/ahrav/scanflow/internal/domain/task"
	"github.com/ahrav/scanflow/internal/infra/messaging/protocol"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

var (
	// ErrIdentityMismatch is returned when a bound connection presents a
	// token resolving to a different executor or tenant.
	ErrIdentityMismatch = errors.New("executor identity mismatch")
	// ErrInvalidToken is returned when a register token resolves to no executor.
	ErrInvalidToken = errors.New("invalid executor token")
)

// LogIngester receives authorized log chunks.
type LogIngester interface {
	AppendChunk(ctx context.Context, chunk artifact.LogChunk) error
}

// ResultHandler receives authorized task results.
type ResultHandler interface {
	HandleResult(ctx context.Context, result artifact.Result) error
}

const (
	defaultRateLimit    = 200
	defaultRateBurst    = 400
	defaultWriteTimeout = 10 * time.Second
)

// Service holds the collaborators shared by every executor connection.
type Service struct {
	tasks     task.Repository
	executors executor.Registry
	registry  *SessionRegistry
	logs      LogIngester
	results   ResultHandler
	publisher events.Publisher

	maxFrameSize int
	rateLimit    float64
	rateBurst    int
	writeTimeout time.Duration

	timeProvider timeutil.Provider
	logger       *logger.Logger
	metrics      GatewayMetrics
	tracer       trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes ExecutorStatusChanged events when a connection
// flips its executor to READY.
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithMetrics sets the gateway metrics.
func WithMetrics(m GatewayMetrics) Option { return func(s *Service) { s.metrics = m } }

// WithMaxFrameSize bounds inbound and outbound frames.
func WithMaxFrameSize(n int) Option { return func(s *Service) { s.maxFrameSize = n } }

// WithRateLimit sets the per-connection message rate. A non-positive rps
// disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Service) {
		s.rateLimit = rps
		s.rateBurst = burst
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(d time.Duration) Option { return func(s *Service) { s.writeTimeout = d } }

// WithTimeProvider overrides the clock used to stamp received artifacts.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(s *Service) { s.timeProvider = tp }
}

// NewService creates the gateway service.
func NewService(
	tasks task.Repository,
	executors executor.Registry,
	registry *SessionRegistry,
	logs LogIngester,
	results ResultHandler,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Service {
	s := &Service{
		tasks:        tasks,
		executors:    executors,
		registry:     registry,
		logs:         logs,
		results:      results,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		rateLimit:    defaultRateLimit,
		rateBurst:    defaultRateBurst,
		writeTimeout: defaultWriteTimeout,
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "gateway"),
		metrics:      noopGatewayMetrics{},
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the session registry shared with the dispatch path.
func (s *Service) Registry() *SessionRegistry { return s.registry }

// ServeConn runs the protocol on conn until the peer disconnects, a
// protocol violation closes it, or ctx is done. conn is always closed on
// return. A nil error means the connection ended without a violation.
func (s *Service) ServeConn(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := newHandler(s, conn)
	stop := context.AfterFunc(ctx, func() { _ = h.session.Close() })
	defer stop()

	return h.Serve(ctx)
}
