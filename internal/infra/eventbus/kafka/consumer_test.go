package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

// fakeSession records marked offsets.
type fakeSession struct {
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return context.Background() }

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "platform-events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(len(c.msgs)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func newClaim(t *testing.T, bodies ...[]byte) *fakeClaim {
	t.Helper()
	c := &fakeClaim{msgs: make(chan *sarama.ConsumerMessage, len(bodies))}
	for i, b := range bodies {
		c.msgs <- &sarama.ConsumerMessage{Topic: "platform-events", Offset: int64(i), Value: b}
	}
	close(c.msgs)
	return c
}

func TestClaimHandler_DeliversEventsAndMarksEveryMessage(t *testing.T) {
	first, second := stageEvent(uuid.New()), stageEvent(uuid.New())
	firstBody, err := encodeEvent(first)
	require.NoError(t, err)
	secondBody, err := encodeEvent(second)
	require.NoError(t, err)

	var received []events.PlatformEvent
	handler := events.HandlerFunc(func(_ context.Context, evt events.PlatformEvent) error {
		received = append(received, evt)
		if evt.EventID == second.EventID {
			return errors.New("handler failed")
		}
		return nil
	})

	metrics := new(countingMetrics)
	c := NewConsumer(nil, "platform-events", logger.Noop(), metrics, noop.NewTracerProvider().Tracer("test"))
	h := &claimHandler{consumer: c, handler: handler}

	sess := new(fakeSession)
	claim := newClaim(t, firstBody, []byte("garbage"), secondBody)
	require.NoError(t, h.ConsumeClaim(sess, claim))

	require.Len(t, received, 2)
	assert.Equal(t, first.EventID, received[0].EventID)
	assert.Equal(t, "SUCCEEDED", received[0].Payload[events.PayloadStatus])

	assert.Equal(t, []int64{0, 1, 2}, sess.marked)
	assert.GreaterOrEqual(t, sess.commits, 1)
	assert.Equal(t, 1, metrics.consumed)
	assert.Equal(t, 2, metrics.consumeErrors)
}
