package clientengine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func reasonAttr(reason string) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", reason))
}

// ConnectedClientStats counts the clients connected to the whole cluster
// per client type. Every member is asked for its bound clients. A client
// bound on several members is counted once, with the type reported by the
// last member in member order. Members that fail to answer are
// logged and left out. Every type is present in the result, possibly with
// zero.
func (e *Engine) ConnectedClientStats(ctx context.Context) map[ClientType]int {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "clientengine.ConnectedClientStats")
	defer span.End()

	members := e.cluster.Members()
	replies := make([]map[string]ClientType, len(members))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range members {
		g.Go(func() error {
			callCtx := gctx
			if e.config.InvocationTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(gctx, e.config.InvocationTimeout)
				defer cancel()
			}
			result, err := e.invoker.InvokeOnTarget(callCtx, ServiceName, NewGetConnectedClientsOperation(), m.Address).Get(callCtx)
			if err != nil {
				e.statsFailure(m.Address, err)
				return nil
			}
			clients, ok := result.(*ConnectedClients)
			if !ok {
				e.statsFailure(m.Address, fmt.Errorf("unexpected reply %T", result))
				return nil
			}
			replies[i] = clients.Clients
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]ClientType)
	for _, reply := range replies {
		for client, clientType := range reply {
			seen[client] = clientType
		}
	}
	counts := map[ClientType]int{
		ClientTypeCPP:    0,
		ClientTypeCSharp: 0,
		ClientTypeJava:   0,
		ClientTypeOther:  0,
	}
	for _, clientType := range seen {
		counts[clientType.bucket()]++
	}

	if e.metrics != nil {
		e.metrics.StatsFanoutLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return counts
}

func (e *Engine) statsFailure(target string, err error) {
	e.logger.Warn("Member did not answer connected clients request",
		zap.String("target", target), zap.Error(err))
	if e.metrics != nil {
		e.metrics.StatsFanoutFailures.Add(e.ctx, 1)
	}
}
