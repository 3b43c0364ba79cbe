// Package event delivers local event callbacks on a fixed set of striped
// goroutines. Events published under the same order key are delivered in
// publish order; different keys may be delivered concurrently.
package event

import (
	"errors"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var ErrShutdown = errors.New("event service is shut down")

// Config sizes the delivery stripes.
type Config struct {
	Stripes       int `yaml:"stripes"`
	StripeBacklog int `yaml:"stripe_backlog"`
}

func (c *Config) setDefaults() {
	if c.Stripes <= 0 {
		c.Stripes = runtime.GOMAXPROCS(0)
	}
	if c.StripeBacklog <= 0 {
		c.StripeBacklog = 1024
	}
}

// Service is the striped event dispatcher.
type Service struct {
	logger  *zap.Logger
	stripes []chan func()

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewService(config Config, logger *zap.Logger) *Service {
	config.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:  logger.Named("event"),
		stripes: make([]chan func(), config.Stripes),
		done:    make(chan struct{}),
	}
	for i := range s.stripes {
		ch := make(chan func(), config.StripeBacklog)
		s.stripes[i] = ch
		s.wg.Add(1)
		go s.loop(ch)
	}
	return s
}

func (s *Service) loop(ch chan func()) {
	defer s.wg.Done()
	for {
		select {
		case deliver := <-ch:
			s.safeDeliver(deliver)
		case <-s.done:
			s.drain(ch)
			return
		}
	}
}

func (s *Service) drain(ch chan func()) {
	for {
		select {
		case deliver := <-ch:
			s.safeDeliver(deliver)
		default:
			return
		}
	}
}

func (s *Service) safeDeliver(deliver func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event listener panicked", zap.Any("panic", r))
		}
	}()
	deliver()
}

// Publish queues deliver on the stripe selected by orderKey. It blocks while
// that stripe's backlog is full, until Shutdown releases it with ErrShutdown.
// A listener may publish from its own callback.
func (s *Service) Publish(orderKey string, deliver func()) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrShutdown
	}
	ch := s.stripes[xxhash.Sum64String(orderKey)%uint64(len(s.stripes))]
	select {
	case ch <- deliver:
		return nil
	case <-s.done:
		return ErrShutdown
	}
}

// Shutdown stops accepting events and drains queued deliveries.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}
