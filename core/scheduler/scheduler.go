// Package scheduler runs one-shot delayed tasks.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRejected is returned by Schedule once the scheduler has shut down.
var ErrRejected = errors.New("scheduler: task rejected")

// DelayedTask is a unit of work run once after a delay.
type DelayedTask interface {
	Run()
}

// Scheduler schedules DelayedTasks.
type Scheduler interface {
	Schedule(delay time.Duration, task DelayedTask) error
	Shutdown()
}

// TimerScheduler runs each task on its own goroutine when its timer fires.
type TimerScheduler struct {
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	nextID   uint64
	pending  map[uint64]*time.Timer
	inflight sync.WaitGroup
}

func NewTimerScheduler(logger *zap.Logger) *TimerScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerScheduler{
		logger:  logger.Named("scheduler"),
		pending: make(map[uint64]*time.Timer),
	}
}

// Schedule runs task after delay. It returns ErrRejected after Shutdown.
func (s *TimerScheduler) Schedule(delay time.Duration, task DelayedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrRejected
	}

	id := s.nextID
	s.nextID++
	s.pending[id] = time.AfterFunc(delay, func() { s.fire(id, task) })
	return nil
}

func (s *TimerScheduler) fire(id uint64, task DelayedTask) {
	s.mu.Lock()
	if _, ok := s.pending[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked", zap.Any("panic", r))
		}
	}()
	task.Run()
}

// Pending reports the number of tasks that have not fired yet.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown stops pending timers and waits for running tasks to return.
func (s *TimerScheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.inflight.Wait()
}
