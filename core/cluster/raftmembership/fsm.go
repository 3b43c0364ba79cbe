package raftmembership

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

// Command is one membership change replicated through the raft log.
type Command struct {
	Op     string         `json:"op"`
	Member cluster.Member `json:"member"`
	Key    string         `json:"key,omitempty"`
	Value  string         `json:"value,omitempty"`
}

const (
	OpAddMember    = "add_member"
	OpRemoveMember = "remove_member"
	OpSetAttribute = "set_attribute"
)

var errUnknownCommand = errors.New("raftmembership: unknown command")

// FSM applies committed membership commands to a cluster.View, which fires
// the membership events every listener on this member sees.
type FSM struct {
	view   *cluster.View
	logger *zap.Logger

	mu               sync.Mutex
	lastAppliedIndex uint64
}

func NewFSM(view *cluster.View, logger *zap.Logger) *FSM {
	return &FSM{view: view, logger: logger.Named("fsm")}
}

// Apply is called by raft on every member once an entry commits. The
// returned value is an error when the command could not be applied.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to decode membership command", zap.Uint64("index", entry.Index), zap.Error(err))
		return fmt.Errorf("decoding membership command: %w", err)
	}

	f.mu.Lock()
	f.lastAppliedIndex = entry.Index
	f.mu.Unlock()

	switch cmd.Op {
	case OpAddMember:
		f.view.Join(cmd.Member)
		return nil
	case OpRemoveMember:
		if err := f.view.Remove(cmd.Member.UUID); err != nil && !errors.Is(err, cluster.ErrMemberNotFound) {
			return err
		}
		return nil
	case OpSetAttribute:
		return f.view.SetAttribute(cmd.Member.UUID, cmd.Key, cmd.Value)
	default:
		f.logger.Warn("Unknown membership command", zap.String("op", cmd.Op), zap.Uint64("index", entry.Index))
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd.Op)
	}
}

func (f *FSM) LastAppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAppliedIndex
}

// Snapshot captures the member list.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &membershipSnapshot{Members: f.view.Members()}, nil
}

// Restore replaces the member list with the snapshot's. Members missing
// from the snapshot are removed and new ones joined, so listeners see the
// same events a replay of the log would produce. The local member is never
// removed.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap membershipSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode membership snapshot: %w", err)
	}

	wanted := make(map[string]cluster.Member, len(snap.Members))
	for _, m := range snap.Members {
		wanted[m.UUID] = m
	}
	local := f.view.LocalMember().UUID
	for _, m := range f.view.Members() {
		if _, ok := wanted[m.UUID]; !ok && m.UUID != local {
			if err := f.view.Remove(m.UUID); err != nil && !errors.Is(err, cluster.ErrMemberNotFound) {
				return err
			}
		}
	}
	for _, m := range snap.Members {
		f.view.Join(m)
		current, _ := f.view.Member(m.UUID)
		for k, v := range m.Attributes {
			if current.Attributes[k] == v {
				continue
			}
			if err := f.view.SetAttribute(m.UUID, k, v); err != nil {
				return err
			}
		}
	}
	f.logger.Info("Membership restored from snapshot", zap.Int("members", len(snap.Members)))
	return nil
}

type membershipSnapshot struct {
	Members []cluster.Member `json:"members"`
}

func (s *membershipSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("failed to marshal membership snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("failed to write membership snapshot: %w", err)
	}
	return sink.Close()
}

func (s *membershipSnapshot) Release() {}
