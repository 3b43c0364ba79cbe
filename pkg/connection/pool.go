// Package connection keeps one gRPC client connection per remote member
// address and shares it between all callers targeting that member.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrClosed = errors.New("connection manager is closed")

// Manager caches client connections by address. A gRPC ClientConn
// reconnects on its own, so entries live until Remove or Close.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
	logger   *zap.Logger
}

// NewManager creates a manager. tlsConfig may be nil for plaintext.
func NewManager(tlsConfig *tls.Config, logger *zap.Logger, opts ...grpc.DialOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	creds := insecure.NewCredentials()
	if tlsConfig != nil {
		creds = credentials.NewTLS(tlsConfig)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	return &Manager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: dialOpts,
		logger:   logger.Named("connection"),
	}
}

// Get returns the connection for address, creating it on first use.
func (m *Manager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	// Double-check after acquiring write lock
	if conn, ok = m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	m.logger.Debug("Created member connection", zap.String("address", address))
	return conn, nil
}

// Remove closes and forgets the connection for address.
func (m *Manager) Remove(address string) {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if ok {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Closing member connection failed", zap.String("address", address), zap.Error(err))
		}
	}
}

// Close shuts down every cached connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	for address, conn := range m.conns {
		if cerr := conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", address, cerr))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	return err
}
