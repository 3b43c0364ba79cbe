package queue

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/transaction"
)

// PartitionIDer hashes a queue name to its partition.
type PartitionIDer interface {
	PartitionID(key string) int32
}

// TransactionalQueue is the view of one queue inside one transaction.
// Offers and polls reserve on the partition owner immediately but only
// become visible when the transaction commits.
type TransactionalQueue struct {
	name        string
	partitionID int32
	txn         *transaction.Context
	invoker     transaction.Invoker
}

func NewTransactionalQueue(name string, partitions PartitionIDer, txn *transaction.Context, invoker transaction.Invoker) *TransactionalQueue {
	return &TransactionalQueue{
		name:        name,
		partitionID: partitions.PartitionID(name),
		txn:         txn,
		invoker:     invoker,
	}
}

func (q *TransactionalQueue) Name() string       { return q.name }
func (q *TransactionalQueue) PartitionID() int32 { return q.partitionID }

func (q *TransactionalQueue) invoke(ctx context.Context, op operation.Operation) (any, error) {
	op.SetPartitionID(q.partitionID)
	return q.invoker.InvokeOnPartition(ctx, op).Get(ctx)
}

// Offer reserves a slot and records the offer for commit.
func (q *TransactionalQueue) Offer(ctx context.Context, value []byte) error {
	result, err := q.invoke(ctx, &TxnReserveOfferOperation{
		keyed:         keyed{Base: operation.NewBase(), Name: q.name},
		TransactionID: q.txn.ID(),
	})
	if err != nil {
		return fmt.Errorf("reserving offer on %s: %w", q.name, err)
	}
	item, ok := result.(*Item)
	if !ok {
		return fmt.Errorf("reserving offer on %s: unexpected result %T", q.name, result)
	}
	record := NewLogRecord(q.txn.ID(), item.ID, q.name, q.partitionID, NewTxnOfferOperation(q.name, item.ID, value))
	if err := q.txn.Add(record); err != nil {
		q.releaseAfterAddFailure(ctx, record)
		return err
	}
	return nil
}

// Poll reserves the oldest available item and records the poll for commit.
// It returns nil when the queue is empty.
func (q *TransactionalQueue) Poll(ctx context.Context) ([]byte, error) {
	result, err := q.invoke(ctx, &TxnReservePollOperation{
		keyed:         keyed{Base: operation.NewBase(), Name: q.name},
		TransactionID: q.txn.ID(),
	})
	if err != nil {
		return nil, fmt.Errorf("reserving poll on %s: %w", q.name, err)
	}
	if result == nil {
		return nil, nil
	}
	item, ok := result.(*Item)
	if !ok {
		return nil, fmt.Errorf("reserving poll on %s: unexpected result %T", q.name, result)
	}
	record := NewLogRecord(q.txn.ID(), item.ID, q.name, q.partitionID, NewTxnPollOperation(q.name, item.ID))
	if err := q.txn.Add(record); err != nil {
		q.releaseAfterAddFailure(ctx, record)
		return nil, err
	}
	return item.Value, nil
}

func (q *TransactionalQueue) releaseAfterAddFailure(ctx context.Context, record *LogRecord) {
	_, _ = q.invoker.InvokeOnPartition(ctx, record.NewRollbackOperation()).Get(ctx)
}
