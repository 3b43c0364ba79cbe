// Package partition maps keys to partitions and partitions to owning
// members. Ownership is a pure function of the current member list, so every
// member with the same view computes the same table.
package partition

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/cluster"
)

const DefaultPartitionCount = 271

var ErrNoOwner = errors.New("partition: no owner")

// Config configures the partition table.
type Config struct {
	Count int32 `yaml:"count"`
}

func (c *Config) setDefaults() {
	if c.Count <= 0 {
		c.Count = DefaultPartitionCount
	}
}

// Service resolves partition ids and owners. It listens to membership
// changes and rebuilds the owner table on every join or leave.
type Service struct {
	logger *zap.Logger
	count  int32

	mu     sync.RWMutex
	owners []cluster.Member
}

func NewService(config Config, clusterService cluster.Service, logger *zap.Logger) *Service {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger: logger.Named("partition"),
		count:  config.Count,
	}
	s.rebalance(clusterService.Members())
	clusterService.AddListener(s)
	return s
}

func (s *Service) PartitionCount() int32 { return s.count }

// PartitionID hashes key onto [0, PartitionCount).
func (s *Service) PartitionID(key string) int32 {
	return int32(xxhash.Sum64String(key) % uint64(s.count))
}

// Owner returns the member owning partitionID.
func (s *Service) Owner(partitionID int32) (cluster.Member, error) {
	if partitionID < 0 || partitionID >= s.count {
		return cluster.Member{}, errors.New("partition: id out of range")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.owners) == 0 {
		return cluster.Member{}, ErrNoOwner
	}
	return s.owners[partitionID], nil
}

// rebalance assigns partition p to member p mod n over members sorted by
// uuid.
func (s *Service) rebalance(members []cluster.Member) {
	owners := make([]cluster.Member, 0, s.count)
	if len(members) > 0 {
		for p := int32(0); p < s.count; p++ {
			owners = append(owners, members[int(p)%len(members)])
		}
	}
	s.mu.Lock()
	s.owners = owners
	s.mu.Unlock()
	s.logger.Debug("Partition table rebuilt", zap.Int("members", len(members)), zap.Int32("partitions", s.count))
}

func (s *Service) MemberAdded(event cluster.MembershipEvent)   { s.rebalance(event.Members) }
func (s *Service) MemberRemoved(event cluster.MembershipEvent) { s.rebalance(event.Members) }
func (s *Service) MemberAttributeChanged(cluster.MemberAttributeEvent) {}
