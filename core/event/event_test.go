package event

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPublishPreservesPerKeyOrder(t *testing.T) {
	s := NewService(Config{Stripes: 4}, zaptest.NewLogger(t))

	var mu sync.Mutex
	seen := make(map[string][]int)
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("client-%d", i%5)
		i := i
		require.NoError(t, s.Publish(key, func() {
			mu.Lock()
			seen[key] = append(seen[key], i)
			mu.Unlock()
		}))
	}
	s.Shutdown()

	require.Len(t, seen, 5)
	for key, order := range seen {
		require.Len(t, order, 40, key)
		for j := 1; j < len(order); j++ {
			require.Less(t, order[j-1], order[j], key)
		}
	}
}

func TestPublishAfterShutdown(t *testing.T) {
	s := NewService(Config{}, zaptest.NewLogger(t))
	s.Shutdown()
	s.Shutdown()
	require.ErrorIs(t, s.Publish("k", func() {}), ErrShutdown)
}

func TestPanickingListenerIsContained(t *testing.T) {
	s := NewService(Config{Stripes: 1}, zaptest.NewLogger(t))
	done := make(chan struct{})
	require.NoError(t, s.Publish("k", func() { panic("listener") }))
	require.NoError(t, s.Publish("k", func() { close(done) }))
	<-done
	s.Shutdown()
}

func TestShutdownReleasesPublisherOnFullStripe(t *testing.T) {
	s := NewService(Config{Stripes: 1, StripeBacklog: 1}, zaptest.NewLogger(t))

	started := make(chan struct{})
	nested := make(chan error, 1)
	require.NoError(t, s.Publish("k", func() {
		close(started)
		_ = s.Publish("k", func() {})
		// The stripe goroutine is busy here, so this send cannot complete.
		nested <- s.Publish("k", func() {})
	}))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked by a publisher waiting on a full stripe")
	}
	require.ErrorIs(t, <-nested, ErrShutdown)
}
