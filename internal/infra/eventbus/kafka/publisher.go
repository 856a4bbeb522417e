package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

var _ events.Broker = (*Publisher)(nil)

// Publisher sends platform events to a single Kafka topic.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

// NewPublisher wraps producer. A nil metrics disables instrumentation.
func NewPublisher(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) *Publisher {
	if metrics == nil {
		metrics = noopBrokerMetrics{}
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "kafka_publisher", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Send serializes evt as JSON and publishes it keyed by task id with the
// caller's trace context in the message headers.
func (p *Publisher) Send(ctx context.Context, evt events.PlatformEvent) error {
	key := messageKey(evt)
	ctx, span := tracing.StartPublishSpan(ctx, p.tracer, p.topic, key)
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", evt.EventID.String()),
		attribute.String("event.kind", evt.Event.String()),
	)

	body, err := encodeEvent(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to serialize event")
		p.metrics.IncPublishError(ctx, p.topic)
		return fmt.Errorf("failed to serialize event %s: %w", evt.EventID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(body),
	}
	tracing.Inject(ctx, msg)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		p.metrics.IncPublishError(ctx, p.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", p.topic, err)
	}
	p.metrics.IncMessagePublished(ctx, p.topic)

	p.logger.Debug(ctx, "Published platform event to Kafka",
		"event_id", evt.EventID.String(),
		"event", evt.Event.String(),
		"partition", partition,
		"offset", offset,
		"key", key,
	)
	return nil
}

// Close shuts down the producer.
func (p *Publisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
