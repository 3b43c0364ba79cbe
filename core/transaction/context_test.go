package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/operation"
	"github.com/sushant-115/gojogrid/core/serialization"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
)

type phaseOp struct {
	operation.Base
	phase string
	key   LogRecordKey
}

func (o *phaseOp) TypeID() serialization.TypeID              { return 999 }
func (o *phaseOp) ServiceName() string                       { return "test" }
func (o *phaseOp) WriteData(*serialization.DataOutput) error { return nil }
func (o *phaseOp) ReadData(*serialization.DataInput) error   { return nil }
func (o *phaseOp) Run(context.Context, any) (any, error)     { return nil, nil }

type fakeRecord struct {
	key LogRecordKey
}

func (r *fakeRecord) Key() LogRecordKey { return r.key }
func (r *fakeRecord) NewPrepareOperation() operation.Operation {
	return &phaseOp{Base: operation.NewBase(), phase: "prepare", key: r.key}
}
func (r *fakeRecord) NewCommitOperation() operation.Operation {
	return &phaseOp{Base: operation.NewBase(), phase: "commit", key: r.key}
}
func (r *fakeRecord) NewRollbackOperation() operation.Operation {
	return &phaseOp{Base: operation.NewBase(), phase: "rollback", key: r.key}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeInvoker) InvokeOnPartition(_ context.Context, op operation.Operation) *invocation.Future {
	p := op.(*phaseOp)
	call := p.phase + ":" + p.key.String()
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.fail[call]
	f.mu.Unlock()
	return invocation.CompletedFuture(nil, err)
}

func (f *fakeInvoker) phases(phase string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > len(phase) && c[:len(phase)+1] == phase+":" {
			n++
		}
	}
	return n
}

func newMetrics(t *testing.T) *internaltelemetry.TransactionMetrics {
	m, err := internaltelemetry.NewTransactionMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return m
}

func TestAddRejectsConflictingKey(t *testing.T) {
	txn := NewContext(&fakeInvoker{}, Options{Metrics: newMetrics(t)}, zaptest.NewLogger(t))

	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 42, Name: "Q"}}))
	err := txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 42, Name: "Q"}})
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 42, Name: "R"}}))
	require.Equal(t, 2, txn.Len())

	_, ok := txn.Get(LogRecordKey{ItemID: 42, Name: "Q"})
	require.True(t, ok)
}

func TestTwoPhaseCommit(t *testing.T) {
	inv := &fakeInvoker{}
	txn := NewContext(inv, Options{}, zaptest.NewLogger(t))
	require.NotEmpty(t, txn.ID())
	require.Equal(t, TxnStateActive, txn.State())

	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 1, Name: "Q"}}))
	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 2, Name: "Q"}}))

	ctx := context.Background()
	require.ErrorIs(t, txn.Commit(ctx), ErrNotPrepared)

	require.NoError(t, txn.Prepare(ctx))
	require.Equal(t, TxnStatePrepared, txn.State())
	require.ErrorIs(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 3, Name: "Q"}}), ErrNotActive)

	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, TxnStateCommitted, txn.State())
	require.Equal(t, 2, inv.phases("prepare"))
	require.Equal(t, 2, inv.phases("commit"))
	require.Zero(t, inv.phases("rollback"))
}

func TestPrepareFailureRollsBackEverything(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]error{"prepare:Q/2": errors.New("item gone")}}
	txn := NewContext(inv, Options{}, zaptest.NewLogger(t))
	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 1, Name: "Q"}}))
	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 2, Name: "Q"}}))

	err := txn.Prepare(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "item gone")
	require.Equal(t, TxnStateRolledBack, txn.State())
	require.Equal(t, 2, inv.phases("rollback"))
}

func TestRollbackAttemptsEveryRecord(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]error{
		"rollback:Q/1": errors.New("first"),
		"rollback:Q/2": errors.New("second"),
	}}
	txn := NewContext(inv, Options{}, zaptest.NewLogger(t))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: i, Name: "Q"}}))
	}

	err := txn.Rollback(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
	require.Contains(t, err.Error(), "second")
	require.Equal(t, 3, inv.phases("rollback"))
	require.Equal(t, TxnStateRolledBack, txn.State())

	require.ErrorIs(t, txn.Rollback(context.Background()), ErrNotActive)
}

func TestOnePhaseCommitSkipsPrepare(t *testing.T) {
	inv := &fakeInvoker{}
	txn := NewContext(inv, Options{Type: OnePhase}, zaptest.NewLogger(t))
	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 1, Name: "Q"}}))

	require.ErrorIs(t, txn.Prepare(context.Background()), ErrNotActive)
	require.NoError(t, txn.Commit(context.Background()))
	require.Zero(t, inv.phases("prepare"))
	require.Equal(t, 1, inv.phases("commit"))
}

func TestCommitFailureAllowsRollback(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]error{"commit:Q/1": errors.New("owner left")}}
	txn := NewContext(inv, Options{}, zaptest.NewLogger(t))
	require.NoError(t, txn.Add(&fakeRecord{key: LogRecordKey{ItemID: 1, Name: "Q"}}))
	require.NoError(t, txn.Prepare(context.Background()))

	require.Error(t, txn.Commit(context.Background()))
	require.Equal(t, TxnStateCommitFailed, txn.State())
	require.NoError(t, txn.Rollback(context.Background()))
	require.Equal(t, TxnStateRolledBack, txn.State())
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "PREPARED", TxnStatePrepared.String())
	require.Equal(t, "TransactionState(42)", TransactionState(42).String())
}
