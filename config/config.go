// Package config loads the YAML configuration of a gojogrid member process.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojogrid/core/clientengine"
	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/cluster/raftmembership"
	"github.com/sushant-115/gojogrid/core/node"
	"github.com/sushant-115/gojogrid/core/partition"
	"github.com/sushant-115/gojogrid/pkg/logger"
	"github.com/sushant-115/gojogrid/pkg/telemetry"
)

// Config is the full configuration of one member process. The component
// sections of node.Config (client_engine, partition, ...) sit at the top
// level of the document.
type Config struct {
	Logger    logger.Config         `yaml:"logger"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
	Node      NodeConfig            `yaml:"node"`
	Transport TransportConfig       `yaml:"transport"`
	Raft      raftmembership.Config `yaml:"raft"`
	TLS       TLSConfig             `yaml:"tls"`

	node.Config `yaml:",inline"`
}

// NodeConfig identifies the member and, without raft, lists the rest of the
// cluster.
type NodeConfig struct {
	// UUID is generated on load when empty.
	UUID string `yaml:"uuid"`
	// Address is the transport address other members dial.
	Address    string            `yaml:"address"`
	Attributes map[string]string `yaml:"attributes"`
	// Seeds is the static member list used when raft is disabled.
	Seeds []cluster.Member `yaml:"seeds"`
}

// TransportConfig configures the member-to-member gRPC transport.
type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// TLSConfig enables mutual TLS on the member transport using the
// certificates in CertDir (see config/certs).
type TLSConfig struct {
	Enabled bool   `yaml:"enabled"`
	CertDir string `yaml:"cert_dir"`
}

// Default returns a configuration for a single local member.
func Default() Config {
	c := Config{
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: "gojogrid",
			MetricsAddr: ":9100",
		},
		Node: NodeConfig{
			Address: "127.0.0.1:5701",
		},
		Transport: TransportConfig{
			ListenAddr: ":5701",
		},
		Raft: raftmembership.Config{
			BindAddr:     "127.0.0.1:6701",
			DataDir:      "/tmp/gojogrid_raft_data",
			ApplyTimeout: 5 * time.Second,
		},
	}
	c.ClientEngine.EndpointRemoveDelay = clientengine.DefaultEndpointRemoveDelay
	c.ClientEngine.HeartbeatCheckInterval = clientengine.DefaultHeartbeatCheckInterval
	c.ClientEngine.Pool.ThreadsPerCore = 20
	c.ClientEngine.Pool.QueueCapacityPerCore = 100000
	c.Partition.Count = partition.DefaultPartitionCount
	c.Invocation.SendTimeout = 30 * time.Second
	return c
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if c.Node.UUID == "" {
		c.Node.UUID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LocalMember is the cluster member described by the node section.
func (c Config) LocalMember() cluster.Member {
	return cluster.Member{UUID: c.Node.UUID, Address: c.Node.Address, Attributes: c.Node.Attributes}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	if c.Node.UUID == "" {
		errs = multierr.Append(errs, errors.New("node.uuid is required"))
	}
	if c.Node.Address == "" {
		errs = multierr.Append(errs, errors.New("node.address is required"))
	}
	if c.Transport.ListenAddr == "" {
		errs = multierr.Append(errs, errors.New("transport.listen_addr is required"))
	}
	if c.TLS.Enabled && c.TLS.CertDir == "" {
		errs = multierr.Append(errs, errors.New("tls.cert_dir is required when tls is enabled"))
	}

	seen := map[string]bool{c.Node.UUID: true}
	for i, m := range c.Node.Seeds {
		switch {
		case m.UUID == "" || m.Address == "":
			errs = multierr.Append(errs, fmt.Errorf("node.seeds[%d]: uuid and address are required", i))
		case seen[m.UUID]:
			errs = multierr.Append(errs, fmt.Errorf("node.seeds[%d]: duplicate member %s", i, m.UUID))
		}
		seen[m.UUID] = true
	}

	if c.Raft.Enabled {
		if c.Raft.BindAddr == "" {
			errs = multierr.Append(errs, errors.New("raft.bind_addr is required when raft is enabled"))
		}
		if !c.Raft.InMemory && c.Raft.DataDir == "" {
			errs = multierr.Append(errs, errors.New("raft.data_dir is required for persistent raft"))
		}
		if len(c.Node.Seeds) > 0 {
			errs = multierr.Append(errs, errors.New("node.seeds cannot be combined with raft membership"))
		}
	}

	if c.ClientEngine.EndpointRemoveDelay < 0 {
		errs = multierr.Append(errs, errors.New("client_engine.endpoint_remove_delay must not be negative"))
	}
	if c.ClientEngine.InvocationTimeout < 0 {
		errs = multierr.Append(errs, errors.New("client_engine.invocation_timeout must not be negative"))
	}
	if c.ClientEngine.MaxRequestsPerSecond < 0 {
		errs = multierr.Append(errs, errors.New("client_engine.max_requests_per_second must not be negative"))
	}
	if c.Partition.Count < 0 {
		errs = multierr.Append(errs, errors.New("partition.count must not be negative"))
	}
	if c.Telemetry.TraceSampleRatio < 0 || c.Telemetry.TraceSampleRatio > 1 {
		errs = multierr.Append(errs, errors.New("telemetry.trace_sample_ratio must be within [0, 1]"))
	}
	return errs
}
