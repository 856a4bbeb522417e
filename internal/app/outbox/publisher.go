// Package outbox provides the platform event publisher. Every event is first
// appended to the durable outbox; pushing it to the external broker afterwards
// is advisory and never fails the publish.
package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/pkg/common/logger"
	"github.com/ahrav/scanflow/pkg/common/timeutil"
)

var _ events.Publisher = (*Publisher)(nil)

// PublisherMetrics records the outcome of publishes.
type PublisherMetrics interface {
	IncEventsPublished(ctx context.Context, kind events.Kind)
	IncBrokerSendErrors(ctx context.Context, kind events.Kind)
}

// Publisher implements events.Publisher on top of an outbox repository with
// an optional broker fan-out.
type Publisher struct {
	outbox events.OutboxRepository
	broker events.Broker // nil disables fan-out

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
	metrics      PublisherMetrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBroker enables best-effort fan-out to b.
func WithBroker(b events.Broker) Option { return func(p *Publisher) { p.broker = b } }

// WithTimeProvider overrides the clock used to stamp events.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(p *Publisher) { p.timeProvider = tp }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m PublisherMetrics) Option { return func(p *Publisher) { p.metrics = m } }

// NewPublisher creates a Publisher writing to outbox.
func NewPublisher(outbox events.OutboxRepository, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Publisher {
	p := &Publisher{
		outbox:       outbox,
		timeProvider: timeutil.Default(),
		logger:       log.With("component", "outbox_publisher"),
		tracer:       tracer,
		metrics:      noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stores evt in the outbox and then forwards it to the broker. Only
// an outbox failure is returned; a broker failure is logged and counted.
func (p *Publisher) Publish(ctx context.Context, evt events.PlatformEvent) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = p.timeProvider.Now()
	}
	evt.Status = events.EventStatusPending

	ctx, span := p.tracer.Start(ctx, "outbox_publisher.publish",
		trace.WithAttributes(
			attribute.String("event_id", evt.EventID.String()),
			attribute.String("event_kind", evt.Event.String()),
			attribute.String("correlation_id", evt.CorrelationID),
		))
	defer span.End()

	if err := p.outbox.Insert(ctx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert event into outbox")
		return fmt.Errorf("insert event %s into outbox: %w", evt.EventID, err)
	}
	span.AddEvent("event_stored")
	p.metrics.IncEventsPublished(ctx, evt.Event)

	if p.broker == nil {
		return nil
	}

	if err := p.broker.Send(ctx, evt); err != nil {
		span.RecordError(err)
		span.AddEvent("broker_send_failed")
		p.metrics.IncBrokerSendErrors(ctx, evt.Event)
		p.logger.Warn(ctx, "failed to send event to broker, outbox copy remains authoritative",
			"event_id", evt.EventID.String(),
			"event_kind", evt.Event.String(),
			"error", err,
		)
		return nil
	}
	span.AddEvent("event_sent_to_broker")

	return nil
}

type noopMetrics struct{}

func (noopMetrics) IncEventsPublished(context.Context, events.Kind)  {}
func (noopMetrics) IncBrokerSendErrors(context.Context, events.Kind) {}
