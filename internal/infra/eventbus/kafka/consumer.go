package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/internal/domain/events"
	"github.com/ahrav/scanflow/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/scanflow/pkg/common/logger"
)

const commitInterval = time.Second

// Consumer delivers platform events from a Kafka topic to an
// events.EventHandler through a consumer group.
type Consumer struct {
	group sarama.ConsumerGroup
	topic string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

// NewConsumer wraps group. A nil metrics disables instrumentation.
func NewConsumer(
	group sarama.ConsumerGroup,
	topic string,
	log *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) *Consumer {
	if metrics == nil {
		metrics = noopBrokerMetrics{}
	}
	return &Consumer{
		group:   group,
		topic:   topic,
		logger:  log.With("component", "kafka_consumer", "topic", topic),
		tracer:  tracer,
		metrics: metrics,
	}
}

// Run consumes until ctx is done, rejoining the group after every
// rebalance. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context, handler events.EventHandler) error {
	h := &claimHandler{consumer: c, handler: handler}
	c.logger.Info(ctx, "Starting Kafka consumer")

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	return nil
}

// claimHandler implements sarama.ConsumerGroupHandler.
type claimHandler struct {
	consumer *Consumer
	handler  events.EventHandler
}

func (h *claimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *claimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.consumer.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim hands each message to the event handler. Every message is
// marked once seen, including ones that fail to decode or handle, since the
// outbox re-delivers anything the orchestrator has not ingested.
func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	log := h.consumer.logger.With("partition", claim.Partition())
	lastCommit := time.Now()

	for msg := range claim.Messages() {
		h.consume(sess.Context(), log, msg)
		sess.MarkMessage(msg, "")

		if time.Since(lastCommit) > commitInterval {
			sess.Commit()
			lastCommit = time.Now()
		}
	}

	sess.Commit()
	return nil
}

func (h *claimHandler) consume(ctx context.Context, log *logger.Logger, msg *sarama.ConsumerMessage) {
	c := h.consumer
	msgCtx, span := tracing.StartReceiveSpan(ctx, c.tracer, msg)
	defer span.End()

	evt, err := decodeEvent(msg.Value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode message")
		c.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Warn(msgCtx, "Dropping undecodable Kafka message", "offset", msg.Offset, "error", err)
		return
	}
	span.SetAttributes(
		attribute.String("event.id", evt.EventID.String()),
		attribute.String("event.kind", evt.Event.String()),
	)

	if err := h.handler.HandleEvent(msgCtx, evt); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to handle event")
		c.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Failed to handle platform event",
			"event_id", evt.EventID.String(),
			"event", evt.Event.String(),
			"error", err,
		)
		return
	}
	c.metrics.IncMessageConsumed(msgCtx, msg.Topic)
}
