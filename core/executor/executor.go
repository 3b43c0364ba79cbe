// Package executor provides the two execution contexts used for client
// requests: a bounded worker pool for work without partition affinity and
// a partition executor that serializes work per partition.
package executor

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("executor: queue is full")
	ErrShutdown  = errors.New("executor: shut down")
)

// Task is a unit of work.
type Task func()

// PoolConfig sizes a WorkerPool. Zero values are derived from the number of
// usable cores.
type PoolConfig struct {
	ThreadsPerCore       int `yaml:"threads_per_core"`
	QueueCapacityPerCore int `yaml:"queue_capacity_per_core"`
	// Workers and QueueCapacity override the per-core values when positive.
	Workers       int `yaml:"workers"`
	QueueCapacity int `yaml:"queue_capacity"`
}

func (c *PoolConfig) setDefaults() {
	cores := runtime.GOMAXPROCS(0)
	if c.ThreadsPerCore <= 0 {
		c.ThreadsPerCore = 20
	}
	if c.QueueCapacityPerCore <= 0 {
		c.QueueCapacityPerCore = 100000
	}
	if c.Workers <= 0 {
		c.Workers = cores * c.ThreadsPerCore
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = cores * c.QueueCapacityPerCore
	}
}

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded
// queue.
type WorkerPool struct {
	name   string
	logger *zap.Logger
	queue  chan Task

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWorkerPool(name string, config PoolConfig, logger *zap.Logger) *WorkerPool {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WorkerPool{
		name:   name,
		logger: logger.Named("executor").With(zap.String("pool", name)),
		queue:  make(chan Task, config.QueueCapacity),
	}
	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("Worker pool started",
		zap.Int("workers", config.Workers),
		zap.Int("queue_capacity", config.QueueCapacity))
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		runTask(p.logger, task)
	}
}

func runTask(logger *zap.Logger, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Submit queues task without blocking. It returns ErrQueueFull when the
// queue is at capacity.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrShutdown
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// PartitionExecutor maps every partition to one of a fixed set of
// single-goroutine workers, so tasks for the same partition run in
// submission order.
type PartitionExecutor struct {
	workers []*WorkerPool
}

// PartitionConfig sizes a PartitionExecutor.
type PartitionConfig struct {
	Threads       int `yaml:"threads"`
	QueueCapacity int `yaml:"queue_capacity"`
}

func (c *PartitionConfig) setDefaults() {
	if c.Threads <= 0 {
		c.Threads = runtime.GOMAXPROCS(0)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100000
	}
}

func NewPartitionExecutor(config PartitionConfig, logger *zap.Logger) *PartitionExecutor {
	config.setDefaults()
	e := &PartitionExecutor{workers: make([]*WorkerPool, config.Threads)}
	for i := range e.workers {
		e.workers[i] = NewWorkerPool("partition", PoolConfig{Workers: 1, QueueCapacity: config.QueueCapacity}, logger)
	}
	return e
}

// Execute queues task on the worker owning partitionID.
func (e *PartitionExecutor) Execute(partitionID int32, task Task) error {
	idx := 0
	if partitionID > 0 {
		idx = int(partitionID) % len(e.workers)
	}
	return e.workers[idx].Submit(task)
}

func (e *PartitionExecutor) Shutdown() {
	for _, w := range e.workers {
		w.Shutdown()
	}
}
