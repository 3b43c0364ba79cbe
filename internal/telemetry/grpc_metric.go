package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TransportMetrics holds the instruments of the member-to-member gRPC
// server.
type TransportMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewTransportMetrics creates and registers the transport instruments.
func NewTransportMetrics(meter metric.Meter) (*TransportMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojogrid.transport.server.started_total",
		metric.WithDescription("Total number of member RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojogrid.transport.server.handled_total",
		metric.WithDescription("Total number of member RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojogrid.transport.server.duration",
		metric.WithDescription("The latency of member RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojogrid.transport.server.active_rpcs",
		metric.WithDescription("Number of member RPCs in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &TransportMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}
