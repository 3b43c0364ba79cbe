package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/operation"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
)

// Invoker runs an operation on the owner of its partition.
type Invoker interface {
	InvokeOnPartition(ctx context.Context, op operation.Operation) *invocation.Future
}

// Options configure a transaction.
type Options struct {
	Type Type
	// Timeout bounds each phase. Zero leaves it to the caller's context.
	Timeout time.Duration
	Metrics *internaltelemetry.TransactionMetrics
	Tracer  trace.Tracer
}

// Context holds the log records of one transaction and runs the commit
// protocol over them. It is safe for concurrent use, though phases are
// expected to be driven by one caller.
type Context struct {
	id      string
	invoker Invoker
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	state   TransactionState
	keys    map[LogRecordKey]int
	records []LogRecord
}

// NewContext starts an active transaction with a fresh id.
func NewContext(invoker Invoker, opts Options, logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	id := uuid.NewString()
	return &Context{
		id:      id,
		invoker: invoker,
		opts:    opts,
		logger:  logger.Named("transaction").With(zap.String("txn_id", id)),
		state:   TxnStateActive,
		keys:    make(map[LogRecordKey]int),
	}
}

func (c *Context) ID() string { return c.id }

func (c *Context) State() TransactionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Add appends record. It fails with ErrConflict when a record with the same
// key is already present.
func (c *Context) Add(record LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != TxnStateActive {
		return fmt.Errorf("%w: cannot add record in state %s", ErrNotActive, c.state)
	}
	key := record.Key()
	if _, exists := c.keys[key]; exists {
		if c.opts.Metrics != nil {
			c.opts.Metrics.Conflicts.Add(context.Background(), 1)
		}
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	c.keys[key] = len(c.records)
	c.records = append(c.records, record)
	return nil
}

// Get returns the record stored under key.
func (c *Context) Get(key LogRecordKey) (LogRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.keys[key]
	if !ok {
		return nil, false
	}
	return c.records[idx], true
}

// Len is the number of records.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Context) transition(from []TransactionState, to TransactionState) ([]LogRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = to
			return append([]LogRecord(nil), c.records...), nil
		}
	}
	if to == TxnStateCommitting && c.opts.Type == TwoPhase && c.state == TxnStateActive {
		return nil, ErrNotPrepared
	}
	return nil, fmt.Errorf("%w: cannot move from %s to %s", ErrNotActive, c.state, to)
}

func (c *Context) setState(s TransactionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Context) phaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.Timeout > 0 {
		return context.WithTimeout(ctx, c.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// invokeAll runs build(record) for every record concurrently and waits for
// all of them. It returns the combined errors.
func (c *Context) invokeAll(ctx context.Context, records []LogRecord, phase string, build func(LogRecord) operation.Operation) error {
	futures := make([]*invocation.Future, len(records))
	for i, r := range records {
		futures[i] = c.invoker.InvokeOnPartition(ctx, build(r))
	}
	var err error
	for i, f := range futures {
		if _, ferr := f.Get(ctx); ferr != nil {
			c.logger.Warn("Transaction phase failed for record",
				zap.String("phase", phase),
				zap.Stringer("key", records[i].Key()),
				zap.Error(ferr))
			err = multierr.Append(err, fmt.Errorf("%s %s: %w", phase, records[i].Key(), ferr))
		}
	}
	return err
}

func (c *Context) startSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return c.opts.Tracer.Start(ctx, "transaction."+phase, trace.WithAttributes(
		attribute.String("txn.id", c.id),
		attribute.Int("txn.records", c.Len()),
	))
}

// Prepare runs every record's prepare operation. On failure the transaction
// is rolled back and the prepare error returned.
func (c *Context) Prepare(ctx context.Context) error {
	if c.opts.Type == OnePhase {
		return fmt.Errorf("%w: one-phase transactions are not prepared", ErrNotActive)
	}
	records, err := c.transition([]TransactionState{TxnStateActive}, TxnStatePreparing)
	if err != nil {
		return err
	}

	ctx, span := c.startSpan(ctx, "prepare")
	defer span.End()
	pctx, cancel := c.phaseContext(ctx)
	defer cancel()

	if err := c.invokeAll(pctx, records, "prepare", LogRecord.NewPrepareOperation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		c.setState(TxnStateActive)
		if rerr := c.Rollback(ctx); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		return err
	}

	c.setState(TxnStatePrepared)
	if c.opts.Metrics != nil {
		c.opts.Metrics.Prepares.Add(ctx, 1)
	}
	c.logger.Debug("Transaction prepared", zap.Int("records", len(records)))
	return nil
}

// Commit replays every record's original operation. Two-phase transactions
// must be prepared first.
func (c *Context) Commit(ctx context.Context) error {
	from := []TransactionState{TxnStatePrepared}
	if c.opts.Type == OnePhase {
		from = []TransactionState{TxnStateActive}
	}
	records, err := c.transition(from, TxnStateCommitting)
	if err != nil {
		return err
	}

	ctx, span := c.startSpan(ctx, "commit")
	defer span.End()
	cctx, cancel := c.phaseContext(ctx)
	defer cancel()

	if err := c.invokeAll(cctx, records, "commit", LogRecord.NewCommitOperation); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		c.setState(TxnStateCommitFailed)
		c.logger.Error("Transaction commit failed", zap.Error(err))
		return err
	}

	c.setState(TxnStateCommitted)
	if c.opts.Metrics != nil {
		c.opts.Metrics.Commits.Add(ctx, 1, metric.WithAttributes(attribute.Int("txn.records", len(records))))
	}
	return nil
}

// Rollback releases every reservation. Every record is attempted even when
// some fail; the failures are returned together.
func (c *Context) Rollback(ctx context.Context) error {
	records, err := c.transition([]TransactionState{TxnStateActive, TxnStatePrepared, TxnStateCommitFailed}, TxnStateRollingBack)
	if err != nil {
		return err
	}

	ctx, span := c.startSpan(ctx, "rollback")
	defer span.End()
	rctx, cancel := c.phaseContext(ctx)
	defer cancel()

	err = c.invokeAll(rctx, records, "rollback", LogRecord.NewRollbackOperation)
	if err != nil {
		span.RecordError(err)
	}
	c.setState(TxnStateRolledBack)
	if c.opts.Metrics != nil {
		c.opts.Metrics.Rollbacks.Add(ctx, 1)
	}
	return err
}
