// Package operation defines the unit of work exchanged between members.
package operation

import (
	"context"

	"github.com/sushant-115/gojogrid/core/serialization"
)

// NoPartition marks an operation with no partition affinity. It runs on the
// generic worker pool instead of a partition executor.
const NoPartition int32 = -1

// Operation is a serializable request executed by a named service on the
// target member.
type Operation interface {
	serialization.DataSerializable

	// ServiceName selects the service instance passed to Run.
	ServiceName() string
	PartitionID() int32
	SetPartitionID(partitionID int32)
	// Run executes the operation against service and returns the response.
	Run(ctx context.Context, service any) (any, error)
}

// Base carries the partition id shared by every operation. Embed it and
// implement the rest of Operation.
type Base struct {
	Partition int32
}

// NewBase returns a Base without partition affinity.
func NewBase() Base {
	return Base{Partition: NoPartition}
}

func (b *Base) PartitionID() int32 { return b.Partition }

func (b *Base) SetPartitionID(partitionID int32) { b.Partition = partitionID }
