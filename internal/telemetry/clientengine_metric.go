package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// ClientEngineMetrics holds the instruments of the client engine.
type ClientEngineMetrics struct {
	BoundEndpoints         metric.Int64UpDownCounter
	DisconnectionsSent     metric.Int64Counter
	ScheduledRemovals      metric.Int64Counter
	StatsFanoutFailures    metric.Int64Counter
	StatsFanoutLatency     metric.Float64Histogram
	RejectedClientRequests metric.Int64Counter
}

func NewClientEngineMetrics(meter metric.Meter) (*ClientEngineMetrics, error) {
	bound, err := meter.Int64UpDownCounter(
		"gojogrid.clientengine.endpoints",
		metric.WithDescription("Client endpoints currently bound on this member."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	disconnections, err := meter.Int64Counter(
		"gojogrid.clientengine.disconnections_total",
		metric.WithDescription("Client disconnection broadcasts issued by this member."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	removals, err := meter.Int64Counter(
		"gojogrid.clientengine.scheduled_removals_total",
		metric.WithDescription("Endpoint removal tasks scheduled after a member left."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"gojogrid.clientengine.stats_failures_total",
		metric.WithDescription("Members that failed to answer a connected client stats request."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"gojogrid.clientengine.stats_duration",
		metric.WithDescription("Duration of the connected client stats fan-out."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter(
		"gojogrid.clientengine.rejected_requests_total",
		metric.WithDescription("Client requests rejected by admission control or a full queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ClientEngineMetrics{
		BoundEndpoints:         bound,
		DisconnectionsSent:     disconnections,
		ScheduledRemovals:      removals,
		StatsFanoutFailures:    failures,
		StatsFanoutLatency:     latency,
		RejectedClientRequests: rejected,
	}, nil
}

// TransactionMetrics holds the instruments of the transaction driver.
type TransactionMetrics struct {
	Prepares  metric.Int64Counter
	Commits   metric.Int64Counter
	Rollbacks metric.Int64Counter
	Conflicts metric.Int64Counter
}

func NewTransactionMetrics(meter metric.Meter) (*TransactionMetrics, error) {
	prepares, err := meter.Int64Counter("gojogrid.transaction.prepares_total",
		metric.WithDescription("Transactions that reached the prepared state."))
	if err != nil {
		return nil, err
	}
	commits, err := meter.Int64Counter("gojogrid.transaction.commits_total",
		metric.WithDescription("Transactions committed."))
	if err != nil {
		return nil, err
	}
	rollbacks, err := meter.Int64Counter("gojogrid.transaction.rollbacks_total",
		metric.WithDescription("Transactions rolled back."))
	if err != nil {
		return nil, err
	}
	conflicts, err := meter.Int64Counter("gojogrid.transaction.conflicts_total",
		metric.WithDescription("Log records rejected because their key was already in the transaction."))
	if err != nil {
		return nil, err
	}
	return &TransactionMetrics{
		Prepares:  prepares,
		Commits:   commits,
		Rollbacks: rollbacks,
		Conflicts: conflicts,
	}, nil
}
