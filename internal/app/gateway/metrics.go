package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GatewayMetrics defines the metrics recorded by the executor gateway.
type GatewayMetrics interface {
	// Connection metrics.
	IncConnectedExecutors(ctx context.Context)
	DecConnectedExecutors(ctx context.Context)
	SetConnectedExecutors(ctx context.Context, count int)

	// Message metrics.
	IncMessagesReceived(ctx context.Context, messageType string)
	IncMessagesSent(ctx context.Context, messageType string)
	IncAuthErrors(ctx context.Context)
	IncAuthorizationDenied(ctx context.Context, messageType string)
	IncProtocolViolations(ctx context.Context, reason string)
}

type gatewayMetrics struct {
	connectedExecutors  metric.Int64UpDownCounter
	connectedGauge      metric.Int64Gauge
	messagesReceived    metric.Int64Counter
	messagesSent        metric.Int64Counter
	authErrors          metric.Int64Counter
	authorizationDenied metric.Int64Counter
	protocolViolations  metric.Int64Counter
}

const namespace = "gateway"

// NewGatewayMetrics creates the gateway's OpenTelemetry instruments.
func NewGatewayMetrics(mp metric.MeterProvider) (GatewayMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(gatewayMetrics)
	var err error

	if m.connectedExecutors, err = meter.Int64UpDownCounter(
		"executor_connections",
		metric.WithDescription("Change in connected executors"),
	); err != nil {
		return nil, err
	}

	if m.connectedGauge, err = meter.Int64Gauge(
		"connected_executors",
		metric.WithDescription("Number of executors currently registered with this gateway"),
	); err != nil {
		return nil, err
	}

	if m.messagesReceived, err = meter.Int64Counter(
		"messages_received_total",
		metric.WithDescription("Total number of frames received from executors"),
	); err != nil {
		return nil, err
	}

	if m.messagesSent, err = meter.Int64Counter(
		"messages_sent_total",
		metric.WithDescription("Total number of frames sent to executors"),
	); err != nil {
		return nil, err
	}

	if m.authErrors, err = meter.Int64Counter(
		"auth_errors_total",
		metric.WithDescription("Total number of rejected executor tokens"),
	); err != nil {
		return nil, err
	}

	if m.authorizationDenied, err = meter.Int64Counter(
		"authorization_denied_total",
		metric.WithDescription("Total number of task-scoped messages dropped for failed ownership checks"),
	); err != nil {
		return nil, err
	}

	if m.protocolViolations, err = meter.Int64Counter(
		"protocol_violations_total",
		metric.WithDescription("Total number of protocol violations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *gatewayMetrics) IncConnectedExecutors(ctx context.Context) {
	m.connectedExecutors.Add(ctx, 1)
}

func (m *gatewayMetrics) DecConnectedExecutors(ctx context.Context) {
	m.connectedExecutors.Add(ctx, -1)
}

func (m *gatewayMetrics) SetConnectedExecutors(ctx context.Context, count int) {
	m.connectedGauge.Record(ctx, int64(count))
}

func (m *gatewayMetrics) IncMessagesReceived(ctx context.Context, messageType string) {
	m.messagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

func (m *gatewayMetrics) IncMessagesSent(ctx context.Context, messageType string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

func (m *gatewayMetrics) IncAuthErrors(ctx context.Context) { m.authErrors.Add(ctx, 1) }

func (m *gatewayMetrics) IncAuthorizationDenied(ctx context.Context, messageType string) {
	m.authorizationDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("message_type", messageType)))
}

func (m *gatewayMetrics) IncProtocolViolations(ctx context.Context, reason string) {
	m.protocolViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

type noopGatewayMetrics struct{}

func (noopGatewayMetrics) IncConnectedExecutors(context.Context)          {}
func (noopGatewayMetrics) DecConnectedExecutors(context.Context)          {}
func (noopGatewayMetrics) SetConnectedExecutors(context.Context, int)     {}
func (noopGatewayMetrics) IncMessagesReceived(context.Context, string)    {}
func (noopGatewayMetrics) IncMessagesSent(context.Context, string)        {}
func (noopGatewayMetrics) IncAuthErrors(context.Context)                  {}
func (noopGatewayMetrics) IncAuthorizationDenied(context.Context, string) {}
func (noopGatewayMetrics) IncProtocolViolations(context.Context, string)  {}
