package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

type countingMetrics struct {
	noopBrokerMetrics
	published, publishErrors, consumed, consumeErrors int
}

func (m *countingMetrics) IncMessagePublished(context.Context, string) { m.published++ }
func (m *countingMetrics) IncPublishError(context.Context, string)     { m.publishErrors++ }
func (m *countingMetrics) IncMessageConsumed(context.Context, string)  { m.consumed++ }
func (m *countingMetrics) IncConsumeError(context.Context, string)     { m.consumeErrors++ }

func stageEvent(taskID uuid.UUID) events.PlatformEvent {
	tenantID := uuid.New()
	return events.PlatformEvent{
		EventID:       uuid.New(),
		TenantID:      &tenantID,
		CorrelationID: "corr-42",
		Event:         events.KindStageCompleted,
		Payload: map[string]any{
			events.PayloadTaskID:  taskID.String(),
			events.PayloadStageID: uuid.NewString(),
			events.PayloadType:    "SCAN_EXEC",
			events.PayloadStatus:  "SUCCEEDED",
		},
		CreatedAt: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Status:    events.EventStatusPending,
	}
}

func TestPublisher_SendKeysByTaskAndInjectsTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	taskID := uuid.New()
	evt := stageEvent(taskID)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != taskID.String() {
			return errors.New("message not keyed by task id")
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "traceparent" {
				return nil
			}
		}
		return errors.New("trace context not injected")
	})

	metrics := new(countingMetrics)
	pub := NewPublisher(producer, "platform-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	require.NoError(t, pub.Send(ctx, evt))
	assert.Equal(t, 1, metrics.published)
	require.NoError(t, pub.Close())
}

func TestPublisher_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	metrics := new(countingMetrics)
	pub := NewPublisher(producer, "platform-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))

	err := pub.Send(context.Background(), stageEvent(uuid.New()))
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	assert.Equal(t, 1, metrics.publishErrors)
	assert.Zero(t, metrics.published)
	require.NoError(t, pub.Close())
}

func TestCodec_RoundTrip(t *testing.T) {
	evt := stageEvent(uuid.New())

	body, err := encodeEvent(evt)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "StageCompleted", raw["event"])

	got, err := decodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, evt, got)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "missing kind", body: `{"event_id":"` + uuid.NewString() + `","payload":{}}`, want: ErrMissingEventKind},
		{name: "not json", body: `{"event":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeEvent([]byte(tt.body))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestMessageKey_FallsBackToCorrelationID(t *testing.T) {
	evt := events.PlatformEvent{CorrelationID: "exec-7", Payload: map[string]any{"status": "READY"}}
	assert.Equal(t, "exec-7", messageKey(evt))
}

func TestSaramaConfigIsValid(t *testing.T) {
	sc := saramaConfig(&Config{ClientID: "scanflow-test"})

	require.NoError(t, sc.Validate())
	assert.Equal(t, "scanflow-test", sc.ClientID)
	assert.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
	assert.False(t, sc.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
}
