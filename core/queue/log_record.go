package queue

import (
	"fmt"

	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/serialization"
	"github.com/sushant-115/gojogrid/core/transaction"
)

const logRecordVersion uint8 = 1

// LogRecord defers one offer or poll until commit. It is written as
// transaction id, item id, name, partition id and the captured operation,
// in that order, after a format version byte.
type LogRecord struct {
	TransactionID string
	ItemID        int64
	Name          string
	PartitionID   int32
	Kind          OperationKind
	Op            TxnOperation
}

var _ transaction.LogRecord = (*LogRecord)(nil)

// NewLogRecord captures op for the transaction. The record's kind is taken
// from op once, here.
func NewLogRecord(transactionID string, itemID int64, name string, partitionID int32, op TxnOperation) *LogRecord {
	return &LogRecord{
		TransactionID: transactionID,
		ItemID:        itemID,
		Name:          name,
		PartitionID:   partitionID,
		Kind:          op.Kind(),
		Op:            op,
	}
}

func (r *LogRecord) Key() transaction.LogRecordKey {
	return transaction.LogRecordKey{ItemID: r.ItemID, Name: r.Name}
}

func (r *LogRecord) isPoll() bool { return r.Kind == KindPoll }

func (r *LogRecord) NewPrepareOperation() operation.Operation {
	return NewTxnPrepareOperation(r.PartitionID, r.Name, r.ItemID, r.isPoll(), r.TransactionID)
}

func (r *LogRecord) NewCommitOperation() operation.Operation {
	r.Op.SetPartitionID(r.PartitionID)
	return r.Op
}

func (r *LogRecord) NewRollbackOperation() operation.Operation {
	return NewTxnRollbackOperation(r.PartitionID, r.Name, r.ItemID, r.isPoll())
}

func (r *LogRecord) TypeID() serialization.TypeID { return LogRecordTypeID }

func (r *LogRecord) WriteData(out *serialization.DataOutput) error {
	if r.Op == nil {
		return fmt.Errorf("%w: log record %s/%d has no operation", serialization.ErrSerialization, r.Name, r.ItemID)
	}
	out.WriteUint8(logRecordVersion)
	out.WriteString(r.TransactionID)
	out.WriteInt64(r.ItemID)
	out.WriteString(r.Name)
	out.WriteInt32(r.PartitionID)
	return out.WriteObject(r.Op)
}

func (r *LogRecord) ReadData(in *serialization.DataInput) error {
	version, err := in.ReadUint8()
	if err != nil {
		return err
	}
	if version != logRecordVersion {
		return fmt.Errorf("%w: unsupported log record version %d", serialization.ErrSerialization, version)
	}
	if r.TransactionID, err = in.ReadString(); err != nil {
		return err
	}
	if r.ItemID, err = in.ReadInt64(); err != nil {
		return err
	}
	if r.Name, err = in.ReadString(); err != nil {
		return err
	}
	if r.PartitionID, err = in.ReadInt32(); err != nil {
		return err
	}
	obj, err := in.ReadObject()
	if err != nil {
		return err
	}
	op, ok := obj.(TxnOperation)
	if !ok {
		return fmt.Errorf("%w: log record operation is %T", serialization.ErrSerialization, obj)
	}
	r.Op = op
	r.Kind = op.Kind()
	return nil
}
