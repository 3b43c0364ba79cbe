// Package cluster models the membership view of a member: who is in the
// cluster right now, and listeners that react when that changes.
package cluster

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrMemberNotFound = errors.New("cluster: member not found")

// Member is a cluster participant.
type Member struct {
	UUID       string            `json:"uuid" yaml:"uuid"`
	Address    string            `json:"address" yaml:"address"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// MembershipEvent describes a join or leave. Members is the view after the
// change.
type MembershipEvent struct {
	Member  Member
	Members []Member
}

// MemberAttributeEvent describes a changed member attribute.
type MemberAttributeEvent struct {
	Member Member
	Key    string
	Value  string
}

// MembershipListener receives membership changes. Callbacks run on the
// goroutine that applied the change and must not block for long.
type MembershipListener interface {
	MemberAdded(event MembershipEvent)
	MemberRemoved(event MembershipEvent)
	MemberAttributeChanged(event MemberAttributeEvent)
}

// Service is the read side of the membership view.
type Service interface {
	LocalMember() Member
	Members() []Member
	Member(uuid string) (Member, bool)
	AddListener(listener MembershipListener)
}

// View is a thread-safe membership table with listener fan-out. Static and
// raft-backed membership both apply their changes through it.
type View struct {
	logger *zap.Logger
	local  Member

	mu        sync.RWMutex
	members   map[string]Member
	listeners []MembershipListener
}

func NewView(local Member, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &View{
		logger:  logger.Named("cluster").With(zap.String("local_member", local.UUID)),
		local:   local,
		members: map[string]Member{local.UUID: local},
	}
	return v
}

// NewStatic returns a view seeded with a fixed member list. Seeds are added
// before any listener is registered, so no events fire for them.
func NewStatic(local Member, seeds []Member, logger *zap.Logger) *View {
	v := NewView(local, logger)
	for _, m := range seeds {
		v.members[m.UUID] = m
	}
	return v
}

func (v *View) LocalMember() Member { return v.local }

// Members returns the current members sorted by uuid.
func (v *View) Members() []Member {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sortedLocked()
}

func (v *View) sortedLocked() []Member {
	out := make([]Member, 0, len(v.members))
	for _, m := range v.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (v *View) Member(uuid string) (Member, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.members[uuid]
	return m, ok
}

func (v *View) AddListener(listener MembershipListener) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, listener)
}

func (v *View) snapshotListeners() []MembershipListener {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]MembershipListener(nil), v.listeners...)
}

// Join adds m and notifies listeners. Re-adding a known member is a no-op.
func (v *View) Join(m Member) {
	v.mu.Lock()
	if _, ok := v.members[m.UUID]; ok {
		v.mu.Unlock()
		return
	}
	v.members[m.UUID] = m
	event := MembershipEvent{Member: m, Members: v.sortedLocked()}
	v.mu.Unlock()

	v.logger.Info("Member added", zap.String("member_uuid", m.UUID), zap.String("address", m.Address))
	for _, l := range v.snapshotListeners() {
		l.MemberAdded(event)
	}
}

// Remove drops the member and notifies listeners.
func (v *View) Remove(uuid string) error {
	v.mu.Lock()
	m, ok := v.members[uuid]
	if !ok {
		v.mu.Unlock()
		return ErrMemberNotFound
	}
	delete(v.members, uuid)
	event := MembershipEvent{Member: m, Members: v.sortedLocked()}
	v.mu.Unlock()

	v.logger.Info("Member removed", zap.String("member_uuid", m.UUID), zap.String("address", m.Address))
	for _, l := range v.snapshotListeners() {
		l.MemberRemoved(event)
	}
	return nil
}

// SetAttribute updates one attribute and notifies listeners.
func (v *View) SetAttribute(uuid, key, value string) error {
	v.mu.Lock()
	m, ok := v.members[uuid]
	if !ok {
		v.mu.Unlock()
		return ErrMemberNotFound
	}
	attrs := make(map[string]string, len(m.Attributes)+1)
	for k, val := range m.Attributes {
		attrs[k] = val
	}
	attrs[key] = value
	m.Attributes = attrs
	v.members[uuid] = m
	v.mu.Unlock()

	for _, l := range v.snapshotListeners() {
		l.MemberAttributeChanged(MemberAttributeEvent{Member: m, Key: key, Value: value})
	}
	return nil
}
