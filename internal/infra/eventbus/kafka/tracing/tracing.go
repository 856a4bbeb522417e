// Package tracing carries OpenTelemetry context across Kafka messages and
// starts the producer and consumer spans around them.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// headerCarrier adapts a slice of record headers to propagation.TextMapCarrier.
// Set overwrites an existing key so re-injection never duplicates traceparent.
type headerCarrier []sarama.RecordHeader

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i := range *c {
		if string((*c)[i].Key) == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, string(h.Key))
	}
	return keys
}

// StartPublishSpan starts a producer span for a message sent to topic with
// the given partition key.
func StartPublishSpan(ctx context.Context, tracer trace.Tracer, topic, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingOperationPublish,
			semconv.MessagingKafkaMessageKey(key),
		),
	)
}

// Inject writes the trace context of ctx into msg's headers.
func Inject(ctx context.Context, msg *sarama.ProducerMessage) {
	carrier := headerCarrier(msg.Headers)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = carrier
}

// StartReceiveSpan continues the trace carried in msg's headers and starts a
// consumer span for it.
func StartReceiveSpan(ctx context.Context, tracer trace.Tracer, msg *sarama.ConsumerMessage) (context.Context, trace.Span) {
	carrier := make(headerCarrier, 0, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			carrier = append(carrier, *h)
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier)

	return tracer.Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationReceive,
			semconv.MessagingKafkaDestinationPartition(int(msg.Partition)),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
		),
	)
}
