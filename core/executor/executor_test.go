package executor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool("test", PoolConfig{Workers: 4, QueueCapacity: 64}, zaptest.NewLogger(t))

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func() { ran.Add(1) }))
	}
	p.Shutdown()
	require.EqualValues(t, 50, ran.Load())
	require.ErrorIs(t, p.Submit(func() {}), ErrShutdown)
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	p := NewWorkerPool("test", PoolConfig{Workers: 1, QueueCapacity: 1}, zaptest.NewLogger(t))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, p.Submit(func() {}))
	require.ErrorIs(t, p.Submit(func() {}), ErrQueueFull)

	close(release)
	p.Shutdown()
}

func TestPoolDefaultsScaleWithCores(t *testing.T) {
	c := PoolConfig{}
	c.setDefaults()
	require.Equal(t, 20, c.ThreadsPerCore)
	require.Equal(t, 100000, c.QueueCapacityPerCore)
	require.Equal(t, c.Workers*5000, c.QueueCapacity)
}

func TestPartitionExecutorPreservesOrder(t *testing.T) {
	e := NewPartitionExecutor(PartitionConfig{Threads: 3, QueueCapacity: 1024}, zaptest.NewLogger(t))

	var mu sync.Mutex
	seen := make(map[int32][]int)
	for i := 0; i < 300; i++ {
		partition := int32(i % 7)
		i := i
		require.NoError(t, e.Execute(partition, func() {
			mu.Lock()
			seen[partition] = append(seen[partition], i)
			mu.Unlock()
		}))
	}
	e.Shutdown()

	for partition, order := range seen {
		for j := 1; j < len(order); j++ {
			require.Less(t, order[j-1], order[j], "partition %d", partition)
		}
	}
}
