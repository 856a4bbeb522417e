package outbox

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scanflow/internal/domain/events"
)

type publisherMetrics struct {
	published        metric.Int64Counter
	brokerSendErrors metric.Int64Counter
}

// NewPublisherMetrics creates the outbox publisher's OpenTelemetry instruments.
func NewPublisherMetrics(mp metric.MeterProvider) (PublisherMetrics, error) {
	meter := mp.Meter("outbox", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(publisherMetrics)
	var err error

	if m.published, err = meter.Int64Counter(
		"events_published_total",
		metric.WithDescription("Total number of platform events written to the outbox"),
	); err != nil {
		return nil, err
	}

	if m.brokerSendErrors, err = meter.Int64Counter(
		"broker_send_errors_total",
		metric.WithDescription("Total number of failed best-effort broker sends"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *publisherMetrics) IncEventsPublished(ctx context.Context, kind events.Kind) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_kind", kind.String())))
}

func (m *publisherMetrics) IncBrokerSendErrors(ctx context.Context, kind events.Kind) {
	m.brokerSendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("event_kind", kind.String())))
}
