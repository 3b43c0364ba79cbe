// Package raftmembership replicates the cluster member list through raft.
// Every member runs the FSM; the leader accepts joins and leaves and the
// committed changes drive the local cluster.View on each member.
package raftmembership

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

var ErrNotLeader = errors.New("raftmembership: not the raft leader")

const (
	snapshotRetain   = 2
	transportMaxPool = 3
	transportTimeout = 10 * time.Second
)

// Config configures the raft node.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// BindAddr is the raft transport address, distinct from the member's
	// operation address.
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`
	// Bootstrap forms a new single-voter cluster. Only the first member
	// sets it.
	Bootstrap bool `yaml:"bootstrap"`
	// InMemory keeps the log and snapshots in memory and uses an in-process
	// transport.
	InMemory     bool          `yaml:"in_memory"`
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
}

func (c *Config) setDefaults() {
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
}

// Service is a cluster.Service whose member list is kept by raft.
type Service struct {
	*cluster.View

	config Config
	raft   *raft.Raft
	fsm    *FSM
	logger *zap.Logger

	transportAddr raft.ServerAddress
	inmem         *raft.InmemTransport
	closers       []func() error
}

var _ cluster.Service = (*Service)(nil)

// New starts a raft node for local. The member list starts with the local
// member only; it is filled in as the log replays.
func New(config Config, local cluster.Member, logger *zap.Logger) (*Service, error) {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("raftmembership").With(zap.String("node_id", local.UUID))

	s := &Service{
		View:   cluster.NewView(local, logger),
		config: config,
		logger: logger,
	}
	s.fsm = NewFSM(s.View, logger)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(local.UUID)
	raftConfig.Logger = newHclogAdapter(logger.Named("raft"))

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
		transport   raft.Transport
	)
	if config.InMemory {
		store := raft.NewInmemStore()
		logStore, stableStore = store, store
		snapshots = raft.NewInmemSnapshotStore()
		addr, inmem := raft.NewInmemTransport(raft.ServerAddress(config.BindAddr))
		s.transportAddr = addr
		s.inmem = inmem
		transport = inmem
		s.closers = append(s.closers, inmem.Close)
	} else {
		dir := filepath.Join(config.DataDir, local.UUID)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create raft data directory %s: %w", dir, err)
		}
		boltPath := filepath.Join(dir, "raft.db")
		bolt, err := raftboltdb.NewBoltStore(boltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create bolt store at %s: %w", boltPath, err)
		}
		s.closers = append(s.closers, bolt.Close)
		logStore, stableStore = bolt, bolt

		fileSnapshots, err := raft.NewFileSnapshotStoreWithLogger(dir, snapshotRetain, raftConfig.Logger)
		if err != nil {
			_ = s.closeStores()
			return nil, fmt.Errorf("failed to create snapshot store at %s: %w", dir, err)
		}
		snapshots = fileSnapshots

		addr, err := net.ResolveTCPAddr("tcp", config.BindAddr)
		if err != nil {
			_ = s.closeStores()
			return nil, fmt.Errorf("failed to resolve raft address %s: %w", config.BindAddr, err)
		}
		tcp, err := raft.NewTCPTransportWithLogger(config.BindAddr, addr, transportMaxPool, transportTimeout, raftConfig.Logger)
		if err != nil {
			_ = s.closeStores()
			return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
		}
		s.transportAddr = tcp.LocalAddr()
		transport = tcp
		s.closers = append(s.closers, tcp.Close)
	}

	r, err := raft.NewRaft(raftConfig, s.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		_ = s.closeStores()
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}
	s.raft = r

	if config.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: raftConfig.LocalID, Address: s.transportAddr}},
		}
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = s.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
		logger.Info("Bootstrapped raft membership cluster")
	}
	return s, nil
}

// TransportAddr is the address other raft nodes reach this one at.
func (s *Service) TransportAddr() raft.ServerAddress { return s.transportAddr }

// ConnectInMemory links the in-memory transports of s and peer in both
// directions. It does nothing for TCP transports.
func (s *Service) ConnectInMemory(peer *Service) {
	if s.inmem == nil || peer.inmem == nil {
		return
	}
	s.inmem.Connect(peer.transportAddr, peer.inmem)
	peer.inmem.Connect(s.transportAddr, s.inmem)
}

func (s *Service) IsLeader() bool { return s.raft.State() == raft.Leader }

// WaitForLeader blocks until a leader is known or timeout elapses.
func (s *Service) WaitForLeader(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("raftmembership: no leader after %s", timeout)
}

// AddVoter adds a raft peer. It must run on the leader.
func (s *Service) AddVoter(id string, addr raft.ServerAddress) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if err := s.raft.AddVoter(raft.ServerID(id), addr, 0, s.config.ApplyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s: %w", id, err)
	}
	return nil
}

// RemoveVoter drops a raft peer. It must run on the leader.
func (s *Service) RemoveVoter(id string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	if err := s.raft.RemoveServer(raft.ServerID(id), 0, s.config.ApplyTimeout).Error(); err != nil {
		return fmt.Errorf("failed to remove voter %s: %w", id, err)
	}
	return nil
}

// AddMember replicates a join.
func (s *Service) AddMember(m cluster.Member) error {
	return s.apply(Command{Op: OpAddMember, Member: m})
}

// RemoveMember replicates a leave.
func (s *Service) RemoveMember(uuid string) error {
	return s.apply(Command{Op: OpRemoveMember, Member: cluster.Member{UUID: uuid}})
}

// UpdateAttribute replicates an attribute change.
func (s *Service) UpdateAttribute(uuid, key, value string) error {
	return s.apply(Command{Op: OpSetAttribute, Member: cluster.Member{UUID: uuid}, Key: key, Value: value})
}

func (s *Service) apply(cmd Command) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	future := s.raft.Apply(data, s.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply %s to raft: %w", cmd.Op, err)
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return fmt.Errorf("membership %s rejected: %w", cmd.Op, applyErr)
	}
	return nil
}

// Shutdown stops raft and closes its stores.
func (s *Service) Shutdown() error {
	var err error
	if s.raft != nil {
		err = s.raft.Shutdown().Error()
	}
	return multierr.Append(err, s.closeStores())
}

func (s *Service) closeStores() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}
