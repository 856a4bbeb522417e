package tracing

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectThenReceiveContinuesTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tracer := sdktrace.NewTracerProvider().Tracer("test")

	ctx, span := StartPublishSpan(context.Background(), tracer, "platform-events", "task-1")
	defer span.End()

	msg := &sarama.ProducerMessage{Topic: "platform-events"}
	Inject(ctx, msg)
	Inject(ctx, msg)
	require.Len(t, msg.Headers, 1, "re-injection must overwrite the traceparent header")

	headers := make([]*sarama.RecordHeader, 0, len(msg.Headers))
	for i := range msg.Headers {
		headers = append(headers, &msg.Headers[i])
	}
	headers = append(headers, nil)

	rctx, rspan := StartReceiveSpan(context.Background(), tracer, &sarama.ConsumerMessage{
		Topic:   "platform-events",
		Headers: headers,
	})
	defer rspan.End()

	assert.Equal(t,
		span.SpanContext().TraceID(),
		trace.SpanContextFromContext(rctx).TraceID(),
	)
	assert.NotEqual(t, span.SpanContext().SpanID(), rspan.SpanContext().SpanID())
}

func TestHeaderCarrierKeys(t *testing.T) {
	c := headerCarrier{}
	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("a", "3")

	assert.Equal(t, []string{"a", "b"}, c.Keys())
	assert.Equal(t, "3", c.Get("a"))
	assert.Empty(t, c.Get("missing"))
}
