// Package transaction drives prepare, commit and rollback of the log records
// collected by one transaction. Each record knows how to build the
// operation for each phase; the Context only decides which phase runs and
// on which partition.
package transaction

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gojogrid/core/operation"
)

// TransactionState is the lifecycle state of a transaction context.
type TransactionState int

const (
	TxnStateNoTxn TransactionState = iota
	TxnStateActive
	TxnStatePreparing
	TxnStatePrepared
	TxnStateCommitting
	TxnStateCommitted
	TxnStateCommitFailed
	TxnStateRollingBack
	TxnStateRolledBack
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateNoTxn:
		return "NO_TXN"
	case TxnStateActive:
		return "ACTIVE"
	case TxnStatePreparing:
		return "PREPARING"
	case TxnStatePrepared:
		return "PREPARED"
	case TxnStateCommitting:
		return "COMMITTING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateCommitFailed:
		return "COMMIT_FAILED"
	case TxnStateRollingBack:
		return "ROLLING_BACK"
	case TxnStateRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

var (
	// ErrConflict is returned when a record's key is already part of the
	// transaction.
	ErrConflict = errors.New("transaction: conflicting log record")
	// ErrNotPrepared is returned by Commit of a two-phase transaction that
	// was never prepared.
	ErrNotPrepared = errors.New("transaction: not prepared")
	// ErrNotActive is returned when an operation is not valid in the
	// current state.
	ErrNotActive = errors.New("transaction: not active")
)

// LogRecordKey identifies the item a record mutates. Two records with the
// same key may not coexist in one transaction.
type LogRecordKey struct {
	ItemID int64
	Name   string
}

func (k LogRecordKey) String() string {
	return fmt.Sprintf("%s/%d", k.Name, k.ItemID)
}

// LogRecord describes one pending mutation and builds the operation for
// each phase. The factories may be called repeatedly; prepare and rollback
// operations are built fresh every time.
type LogRecord interface {
	Key() LogRecordKey
	NewPrepareOperation() operation.Operation
	// NewCommitOperation returns the captured original operation retargeted
	// at the record's partition. It mutates that operation.
	NewCommitOperation() operation.Operation
	NewRollbackOperation() operation.Operation
}

// Type selects the commit protocol.
type Type int

const (
	TwoPhase Type = iota
	OnePhase
)
