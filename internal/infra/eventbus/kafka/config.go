// Package kafka fans platform events out to Kafka and consumes them back
// into the orchestrator. The outbox stays the source of truth; delivery
// through Kafka is best effort and consumers must tolerate duplicates.
package kafka

// Config contains settings for connecting to and interacting with Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// Topic receives every platform event, keyed by task id.
	Topic string

	// GroupID identifies the consumer group for this instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}
