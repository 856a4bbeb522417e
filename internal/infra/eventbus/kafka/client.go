package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanflow/pkg/common/logger"
)

// NewClient connects a sarama client shared by the publisher and consumer.
func NewClient(cfg *Config) (sarama.Client, error) {
	client, err := sarama.NewClient(cfg.Brokers, saramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to kafka brokers %v: %w", cfg.Brokers, err)
	}
	return client, nil
}

// saramaConfig favours durability: producers wait for every in-sync replica
// and consumers commit offsets explicitly after marking.
func saramaConfig(cfg *Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Version = sarama.V3_6_0_0

	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Offsets.AutoCommit.Enable = false
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Group.Session.Timeout = 20 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 6 * time.Second

	return sc
}

func connectBackoff() *backoff.ExponentialBackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second
	return expBackoff
}

// ConnectPublisher creates a Publisher on top of client, retrying producer
// creation with exponential backoff for up to five minutes. This rides out
// brokers that are still starting when the service boots.
func ConnectPublisher(
	cfg *Config,
	client sarama.Client,
	log *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*Publisher, error) {
	var pub *Publisher

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		pub = NewPublisher(producer, cfg.Topic, log, metrics, tracer)
		return nil
	}

	if err := backoff.Retry(operation, connectBackoff()); err != nil {
		return nil, fmt.Errorf("failed to connect kafka publisher after retries: %w", err)
	}
	return pub, nil
}

// ConnectConsumer joins cfg.GroupID on top of client with the same retry
// policy as ConnectPublisher.
func ConnectConsumer(
	cfg *Config,
	client sarama.Client,
	log *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*Consumer, error) {
	var c *Consumer

	operation := func() error {
		group, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			return fmt.Errorf("creating consumer group: %w", err)
		}
		c = NewConsumer(group, cfg.Topic, log, metrics, tracer)
		return nil
	}

	if err := backoff.Retry(operation, connectBackoff()); err != nil {
		return nil, fmt.Errorf("failed to connect kafka consumer after retries: %w", err)
	}
	return c, nil
}
