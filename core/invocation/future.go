package invocation

import "context"

// Future is the pending result of an invocation.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result or for ctx to end.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompletedFuture returns a Future already holding result and err.
func CompletedFuture(result any, err error) *Future {
	f := newFuture()
	f.complete(result, err)
	return f
}
