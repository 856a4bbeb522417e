package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestGetTraceID(t *testing.T) {
	assert.Equal(t, zeroTraceID, GetTraceID(context.Background()))

	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", GetTraceID(ctx))
}

func TestEndpointExcluder(t *testing.T) {
	s := newEndpointExcluder(map[string]struct{}{"/health": {}}, 1)

	dropped := s.ShouldSample(sdktrace.SamplingParameters{Name: "/health"})
	assert.Equal(t, sdktrace.Drop, dropped.Decision)

	kept := s.ShouldSample(sdktrace.SamplingParameters{Name: "orchestrator.run_cycle"})
	assert.Equal(t, sdktrace.RecordAndSample, kept.Decision)

	never := newEndpointExcluder(nil, 0)
	assert.Equal(t, sdktrace.Drop, never.ShouldSample(sdktrace.SamplingParameters{Name: "x"}).Decision)
}
