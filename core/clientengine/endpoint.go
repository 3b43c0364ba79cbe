package clientengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/sushant-115/gojogrid/core/transaction"
)

// Principal is the authenticated identity of a client session.
type Principal struct {
	UUID string
	// OwnerUUID is the member that owns the session.
	OwnerUUID string
}

// ClientEndpoint is one authenticated client connection on this member.
type ClientEndpoint struct {
	UUID          string
	Connection    Connection
	RemoteAddress string
	ClientType    ClientType
	Principal     Principal
	// FirstConnection marks the connection the client authenticated as its
	// owner connection, as opposed to a secondary path to another member.
	FirstConnection bool

	authenticated atomic.Bool
	connectedAt   time.Time
	lastSeen      atomic.Int64

	mu  sync.Mutex
	txn *transaction.Context
}

// NewClientEndpoint creates an unbound endpoint for conn.
func NewClientEndpoint(uuid string, conn Connection, clientType ClientType, firstConnection bool) *ClientEndpoint {
	return &ClientEndpoint{
		UUID:            uuid,
		Connection:      conn,
		RemoteAddress:   conn.RemoteAddr(),
		ClientType:      clientType,
		Principal:       Principal{UUID: uuid},
		FirstConnection: firstConnection,
	}
}

func (e *ClientEndpoint) Authenticated() bool { return e.authenticated.Load() }

func (e *ClientEndpoint) ConnectedAt() time.Time { return e.connectedAt }

// LastSeen is the time of the last message from the client.
func (e *ClientEndpoint) LastSeen() time.Time {
	return time.Unix(0, e.lastSeen.Load())
}

func (e *ClientEndpoint) touch(now time.Time) {
	e.lastSeen.Store(now.UnixNano())
}

func (e *ClientEndpoint) markBound(now time.Time) {
	e.authenticated.Store(true)
	e.connectedAt = now
	e.touch(now)
}

// SetTransactionContext attaches the client's open transaction. Destroy
// rolls it back.
func (e *ClientEndpoint) SetTransactionContext(txn *transaction.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txn = txn
}

func (e *ClientEndpoint) TransactionContext() *transaction.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txn
}

// Destroy ends the endpoint's session: its open transaction is rolled back
// and logout is called. Logout failures match ErrAuthenticationTeardown.
func (e *ClientEndpoint) Destroy(ctx context.Context, logout LogoutHandler) error {
	var err error

	e.mu.Lock()
	txn := e.txn
	e.txn = nil
	e.mu.Unlock()
	if txn != nil {
		switch txn.State() {
		case transaction.TxnStateActive, transaction.TxnStatePrepared, transaction.TxnStateCommitFailed:
			if rerr := txn.Rollback(ctx); rerr != nil {
				err = multierr.Append(err, fmt.Errorf("rolling back transaction %s: %w", txn.ID(), rerr))
			}
		}
	}

	if e.authenticated.Swap(false) && logout != nil {
		if lerr := logout.Logout(e); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: client %s: %v", ErrAuthenticationTeardown, e.UUID, lerr))
		}
	}
	return err
}
