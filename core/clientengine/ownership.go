package clientengine

import (
	"sync"

	"go.uber.org/zap"

	commonutils "github.com/sushant-115/gojogrid/internal/common_utils"
)

// OwnershipMap maps client uuids to the uuid of the member owning the
// client's session. Every method is a single atomic map operation.
type OwnershipMap struct {
	m commonutils.ConcurrentMap[string, string]
}

// AddIfAbsent maps client to owner unless it is already mapped. It returns
// the owner now in effect and whether this call added it.
func (o *OwnershipMap) AddIfAbsent(client, owner string) (string, bool) {
	existing, loaded := o.m.LoadOrStore(client, owner)
	return existing, !loaded
}

func (o *OwnershipMap) Owner(client string) (string, bool) {
	return o.m.Load(client)
}

// Replace moves client from old to owner only while it is still mapped to
// old.
func (o *OwnershipMap) Replace(client, old, owner string) bool {
	return o.m.CompareAndSwap(client, old, owner)
}

// Remove drops client's mapping. Removing an absent mapping is a no-op.
func (o *OwnershipMap) Remove(client string) (string, bool) {
	return o.m.LoadAndDelete(client)
}

// RemoveIf drops client's mapping only while it still points at owner.
func (o *OwnershipMap) RemoveIf(client, owner string) bool {
	return o.m.CompareAndDelete(client, owner)
}

// OwnedBy returns the clients currently owned by member.
func (o *OwnershipMap) OwnedBy(member string) []string {
	var clients []string
	o.m.Range(func(client, owner string) bool {
		if owner == member {
			clients = append(clients, client)
		}
		return true
	})
	return clients
}

func (o *OwnershipMap) Snapshot() map[string]string { return o.m.Snapshot() }

func (o *OwnershipMap) Len() int { return o.m.Len() }

func (o *OwnershipMap) Clear() { o.m.Clear() }

// mergeOwner applies one mapping learned from another member. A new client
// is inserted. When two members claim the same client, an owner that is no
// longer a cluster member loses; otherwise the greater member uuid wins.
// It reports whether the incoming owner is now in effect.
func (o *OwnershipMap) mergeOwner(client, owner string, isMember func(string) bool, logger *zap.Logger) bool {
	for {
		existing, added := o.AddIfAbsent(client, owner)
		if added || existing == owner {
			return true
		}

		incomingWins := preferOwner(owner, existing, isMember)
		logger.Warn("Conflicting client ownership",
			zap.String("client_uuid", client),
			zap.String("current_owner", existing),
			zap.String("incoming_owner", owner),
			zap.Bool("incoming_wins", incomingWins))
		if !incomingWins {
			return false
		}
		if o.Replace(client, existing, owner) {
			return true
		}
		// The mapping changed underneath us; decide again against the new
		// value.
	}
}

// claimOwner maps client to owner for a newly bound first connection. An
// existing mapping is taken over only when its owner is no longer a cluster
// member. It returns the owner in effect.
func (o *OwnershipMap) claimOwner(client, owner string, isMember func(string) bool) string {
	for {
		existing, added := o.AddIfAbsent(client, owner)
		switch {
		case added:
			return owner
		case existing == owner || isMember(existing):
			return existing
		case o.Replace(client, existing, owner):
			return owner
		}
	}
}

// preferOwner reports whether candidate should replace current.
func preferOwner(candidate, current string, isMember func(string) bool) bool {
	candidateLive, currentLive := isMember(candidate), isMember(current)
	if candidateLive != currentLive {
		return candidateLive
	}
	return candidate > current
}

// memberEpochs counts membership changes per member uuid. A removal task
// captures the epoch it was scheduled under and does nothing if the member
// has been seen again since.
type memberEpochs struct {
	mu     sync.Mutex
	epochs map[string]uint64
}

func newMemberEpochs() *memberEpochs {
	return &memberEpochs{epochs: make(map[string]uint64)}
}

func (m *memberEpochs) advance(member string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[member]++
	return m.epochs[member]
}

func (m *memberEpochs) current(member string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[member]
}
