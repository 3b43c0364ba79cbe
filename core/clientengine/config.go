package clientengine

import (
	"time"

	"github.com/sushant-115/gojogrid/core/executor"
)

// Config configures the client engine.
type Config struct {
	// EndpointRemoveDelay is the grace period between a member leaving and
	// the teardown of the sessions it owned.
	EndpointRemoveDelay time.Duration `yaml:"endpoint_remove_delay"`
	// InvocationTimeout bounds each member call of the stats fan-out. Zero
	// leaves it to the caller's context.
	InvocationTimeout time.Duration `yaml:"invocation_timeout"`
	// HeartbeatTimeout closes client connections idle for longer. Zero
	// disables the heartbeat monitor.
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	// MaxRequestsPerSecond enables admission control of client messages
	// when positive.
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second"`
	RequestBurst         int     `yaml:"request_burst"`
	// Pool sizes the worker pool for messages without partition affinity.
	Pool executor.PoolConfig `yaml:"pool"`
}

const (
	DefaultEndpointRemoveDelay    = 10 * time.Second
	DefaultHeartbeatCheckInterval = 10 * time.Second
)

func (c *Config) setDefaults() {
	if c.EndpointRemoveDelay <= 0 {
		c.EndpointRemoveDelay = DefaultEndpointRemoveDelay
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if c.MaxRequestsPerSecond > 0 && c.RequestBurst <= 0 {
		c.RequestBurst = int(c.MaxRequestsPerSecond)
		if c.RequestBurst < 1 {
			c.RequestBurst = 1
		}
	}
}
