package invocation

import (
	"context"
	"fmt"
	"sync"
)

// LocalNetwork connects Services living in one process. It is used by
// tests and by single-process clusters.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	faults   map[string]error
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]Handler),
		faults:   make(map[string]error),
	}
}

func (n *LocalNetwork) Register(address string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[address] = h
}

func (n *LocalNetwork) Unregister(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, address)
}

// SetFault makes every request to address fail with err. A nil err clears
// the fault.
func (n *LocalNetwork) SetFault(address string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.faults, address)
		return
	}
	n.faults[address] = err
}

// Transport returns a Transport sending through this network.
func (n *LocalNetwork) Transport() Transport {
	return localTransport{network: n}
}

type localTransport struct {
	network *LocalNetwork
}

func (t localTransport) Invoke(ctx context.Context, target string, request []byte) ([]byte, error) {
	t.network.mu.RLock()
	fault := t.network.faults[target]
	h, ok := t.network.handlers[target]
	t.network.mu.RUnlock()

	if fault != nil {
		return nil, fault
	}
	if !ok {
		return nil, fmt.Errorf("no member listening at %s", target)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.HandleRequest(ctx, append([]byte(nil), request...))
}

func (localTransport) Close() error { return nil }
