package clientengine

import (
	"time"

	"go.uber.org/zap"
)

// monitorHeartbeats closes client connections that have been silent for
// longer than HeartbeatTimeout.
func (e *Engine) monitorHeartbeats() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			e.checkHeartbeats(now)
		}
	}
}

func (e *Engine) checkHeartbeats(now time.Time) {
	for _, endpoint := range e.registry.Endpoints() {
		idle := now.Sub(endpoint.LastSeen())
		if idle <= e.config.HeartbeatTimeout {
			continue
		}
		e.logger.Warn("Closing idle client connection",
			zap.String("client_uuid", endpoint.UUID),
			zap.String("connection_id", endpoint.Connection.ID()),
			zap.Duration("idle", idle))
		e.closeConnection(endpoint.Connection)
		e.ConnectionRemoved(endpoint.Connection)
	}
}
