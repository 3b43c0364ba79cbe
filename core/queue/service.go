// Package queue is the transactional queue: the partitioned item container,
// the operations that mutate it, and the log record that lets a transaction
// defer an offer or poll until commit.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrItemNotFound = errors.New("queue: item not found")
	ErrItemReserved = errors.New("queue: item reserved by another transaction")
	ErrQueueFull    = errors.New("queue: capacity exceeded")
)

// Config configures the queue container.
type Config struct {
	// MaxSize bounds committed plus reserved items per queue. Zero means
	// unbounded.
	MaxSize int `yaml:"max_size"`
}

type containerKey struct {
	partition int32
	name      string
}

// container is one queue on one partition. Reservations map item ids to
// the transaction holding them.
type container struct {
	items          []Item
	reservedPolls  map[int64]string
	reservedOffers map[int64]string
	nextItemID     int64
}

func newContainer() *container {
	return &container{
		reservedPolls:  make(map[int64]string),
		reservedOffers: make(map[int64]string),
		nextItemID:     1,
	}
}

func (c *container) indexOf(itemID int64) int {
	for i := range c.items {
		if c.items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// Service holds the queue containers of the partitions this member owns.
type Service struct {
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	containers map[containerKey]*container
}

func NewService(config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:     config,
		logger:     logger.Named("queue"),
		containers: make(map[containerKey]*container),
	}
}

func (s *Service) containerLocked(partitionID int32, name string) *container {
	key := containerKey{partition: partitionID, name: name}
	c, ok := s.containers[key]
	if !ok {
		c = newContainer()
		s.containers[key] = c
	}
	return c
}

// Offer appends value outside any transaction and returns its item id.
func (s *Service) Offer(partitionID int32, name string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	if s.config.MaxSize > 0 && len(c.items)+len(c.reservedOffers) >= s.config.MaxSize {
		return 0, ErrQueueFull
	}
	id := c.nextItemID
	c.nextItemID++
	c.items = append(c.items, Item{ID: id, Value: value})
	return id, nil
}

// Restore replaces the committed items of a queue, e.g. after a partition
// migrates to this member. Reservations are dropped.
func (s *Service) Restore(partitionID int32, name string, items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newContainer()
	c.items = append(c.items, items...)
	for _, it := range items {
		if it.ID >= c.nextItemID {
			c.nextItemID = it.ID + 1
		}
	}
	s.containers[containerKey{partition: partitionID, name: name}] = c
}

// Items returns a copy of the committed items in queue order.
func (s *Service) Items(partitionID int32, name string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerKey{partition: partitionID, name: name}]
	if !ok {
		return nil
	}
	return append([]Item(nil), c.items...)
}

// Reserved reports whether itemID holds a poll or offer reservation.
func (s *Service) Reserved(partitionID int32, name string, itemID int64) (poll, offer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerKey{partition: partitionID, name: name}]
	if !ok {
		return false, false
	}
	_, poll = c.reservedPolls[itemID]
	_, offer = c.reservedOffers[itemID]
	return poll, offer
}

func (s *Service) allocateOffer(partitionID int32, name, txnID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	if s.config.MaxSize > 0 && len(c.items)+len(c.reservedOffers) >= s.config.MaxSize {
		return 0, ErrQueueFull
	}
	id := c.nextItemID
	c.nextItemID++
	c.reservedOffers[id] = txnID
	return id, nil
}

func (s *Service) reserveOfferSlot(partitionID int32, name string, itemID int64, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	if holder, ok := c.reservedOffers[itemID]; ok {
		if holder != txnID {
			return fmt.Errorf("%w: item %d", ErrItemReserved, itemID)
		}
		return nil
	}
	if s.config.MaxSize > 0 && len(c.items)+len(c.reservedOffers) >= s.config.MaxSize {
		return ErrQueueFull
	}
	c.reservedOffers[itemID] = txnID
	if itemID >= c.nextItemID {
		c.nextItemID = itemID + 1
	}
	return nil
}

func (s *Service) reserveHead(partitionID int32, name, txnID string) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	for i := range c.items {
		if _, reserved := c.reservedPolls[c.items[i].ID]; !reserved {
			c.reservedPolls[c.items[i].ID] = txnID
			item := c.items[i]
			return &item
		}
	}
	return nil
}

func (s *Service) reservePollItem(partitionID int32, name string, itemID int64, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	if holder, ok := c.reservedPolls[itemID]; ok {
		if holder != txnID {
			return fmt.Errorf("%w: item %d", ErrItemReserved, itemID)
		}
		return nil
	}
	if c.indexOf(itemID) < 0 {
		return fmt.Errorf("%w: item %d in %s", ErrItemNotFound, itemID, name)
	}
	c.reservedPolls[itemID] = txnID
	return nil
}

func (s *Service) commitOffer(partitionID int32, name string, itemID int64, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	delete(c.reservedOffers, itemID)
	if c.indexOf(itemID) >= 0 {
		return
	}
	c.items = append(c.items, Item{ID: itemID, Value: value})
	if itemID >= c.nextItemID {
		c.nextItemID = itemID + 1
	}
}

func (s *Service) commitPoll(partitionID int32, name string, itemID int64) *Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.containerLocked(partitionID, name)
	delete(c.reservedPolls, itemID)
	idx := c.indexOf(itemID)
	if idx < 0 {
		return nil
	}
	item := c.items[idx]
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	return &item
}

func (s *Service) release(partitionID int32, name string, itemID int64, poll bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[containerKey{partition: partitionID, name: name}]
	if !ok {
		return
	}
	if poll {
		delete(c.reservedPolls, itemID)
	} else {
		delete(c.reservedOffers, itemID)
	}
}
