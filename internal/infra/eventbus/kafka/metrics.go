package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BrokerMetrics records Kafka publish and consume outcomes per topic.
type BrokerMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// brokerMetrics counts messages and failures, split by direction.
type brokerMetrics struct {
	messages metric.Int64Counter
	failures metric.Int64Counter
}

var (
	directionPublish = attribute.String("direction", "publish")
	directionConsume = attribute.String("direction", "consume")
)

// NewBrokerMetrics creates the Kafka OpenTelemetry instruments.
func NewBrokerMetrics(mp metric.MeterProvider) (BrokerMetrics, error) {
	meter := mp.Meter("scanflow.kafka", metric.WithInstrumentationVersion("v0.1.0"))

	messages, err := meter.Int64Counter(
		"kafka_messages_total",
		metric.WithDescription("Platform events successfully published to or consumed from Kafka"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"kafka_message_errors_total",
		metric.WithDescription("Platform events that failed to publish or could not be processed"),
	)
	if err != nil {
		return nil, err
	}

	return &brokerMetrics{messages: messages, failures: failures}, nil
}

func topicAttrs(topic string, direction attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic), direction)
}

func (m *brokerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messages.Add(ctx, 1, topicAttrs(topic, directionPublish))
}

func (m *brokerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messages.Add(ctx, 1, topicAttrs(topic, directionConsume))
}

func (m *brokerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.failures.Add(ctx, 1, topicAttrs(topic, directionPublish))
}

func (m *brokerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.failures.Add(ctx, 1, topicAttrs(topic, directionConsume))
}

type noopBrokerMetrics struct{}

func (noopBrokerMetrics) IncMessagePublished(context.Context, string) {}
func (noopBrokerMetrics) IncMessageConsumed(context.Context, string)  {}
func (noopBrokerMetrics) IncPublishError(context.Context, string)     {}
func (noopBrokerMetrics) IncConsumeError(context.Context, string)     {}
