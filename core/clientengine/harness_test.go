package clientengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/event"
	"github.com/sushant-115/gojogrid/core/executor"
	"github.com/sushant-115/gojogrid/core/invocation"
	"github.com/sushant-115/gojogrid/core/scheduler"
	"github.com/sushant-115/gojogrid/core/serialization"
)

type testConn struct {
	id       string
	addr     string
	client   bool
	closed   atomic.Bool
	endpoint atomic.Value
}

func newTestConn(id string) *testConn {
	return &testConn{id: id, addr: "10.0.0.1:" + id, client: true}
}

func (c *testConn) ID() string         { return c.id }
func (c *testConn) RemoteAddr() string { return c.addr }
func (c *testConn) IsAlive() bool      { return !c.closed.Load() }
func (c *testConn) IsClient() bool     { return c.client }

func (c *testConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *testConn) SetEndpoint(address string) { c.endpoint.Store(address) }

func (c *testConn) resolvedEndpoint() string {
	v, _ := c.endpoint.Load().(string)
	return v
}

// manualScheduler holds tasks until the test runs them.
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []scheduler.DelayedTask
	delays []time.Duration
	closed bool
}

func (s *manualScheduler) Schedule(delay time.Duration, task scheduler.DelayedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return scheduler.ErrRejected
	}
	s.tasks = append(s.tasks, task)
	s.delays = append(s.delays, delay)
	return nil
}

func (s *manualScheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *manualScheduler) runAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, t := range tasks {
		t.Run()
	}
}

type recordingListener struct {
	mu     sync.Mutex
	events []ClientEvent
}

func (l *recordingListener) ClientEventReceived(e ClientEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) count(t ClientEventType, client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t && e.ClientUUID == client {
			n++
		}
	}
	return n
}

type testMember struct {
	member     cluster.Member
	view       *cluster.View
	invocation *invocation.Service
	engine     *Engine
	scheduler  *manualScheduler
	events     *event.Service
	listener   *recordingListener
}

type testCluster struct {
	network *invocation.LocalNetwork
	members []*testMember
}

func newTestCluster(t *testing.T, uuids []string, config Config, logger *zap.Logger) *testCluster {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	if config.Pool.Workers == 0 {
		config.Pool = executor.PoolConfig{Workers: 4, QueueCapacity: 64}
	}
	registry := serialization.NewRegistry()
	require.NoError(t, RegisterTypes(registry))

	all := make([]cluster.Member, len(uuids))
	for i, uuid := range uuids {
		all[i] = cluster.Member{UUID: uuid, Address: uuid + ":5701"}
	}

	tc := &testCluster{network: invocation.NewLocalNetwork()}
	for _, local := range all {
		var seeds []cluster.Member
		for _, m := range all {
			if m.UUID != local.UUID {
				seeds = append(seeds, m)
			}
		}
		view := cluster.NewStatic(local, seeds, logger)
		inv := invocation.NewService(invocation.Config{SendTimeout: 5 * time.Second}, invocation.Params{
			LocalAddress: local.Address,
			Registry:     registry,
			Transport:    tc.network.Transport(),
			Logger:       logger,
		})
		sched := &manualScheduler{}
		events := event.NewService(event.Config{Stripes: 2}, logger)
		engine := NewEngine(config, Params{
			Cluster:   view,
			Invoker:   inv,
			Scheduler: sched,
			Events:    events,
			Logger:    logger,
		})
		listener := &recordingListener{}
		engine.AddClientListener(listener)
		inv.RegisterService(ServiceName, engine)
		view.AddListener(engine)
		tc.network.Register(local.Address, inv)
		engine.Init()

		tm := &testMember{
			member:     local,
			view:       view,
			invocation: inv,
			engine:     engine,
			scheduler:  sched,
			events:     events,
			listener:   listener,
		}
		tc.members = append(tc.members, tm)
		t.Cleanup(func() {
			engine.Shutdown()
			_ = inv.Shutdown()
			events.Shutdown()
		})
	}
	return tc
}

func (tc *testCluster) member(uuid string) *testMember {
	for _, m := range tc.members {
		if m.member.UUID == uuid {
			return m
		}
	}
	return nil
}

func (tc *testCluster) bindFirst(t *testing.T, on, client string, clientType ClientType) *testConn {
	t.Helper()
	conn := newTestConn(on + "/" + client)
	tc.member(on).engine.Bind(NewClientEndpoint(client, conn, clientType, true))
	return conn
}

// removeEverywhere drops member uuid from every surviving view.
func (tc *testCluster) removeEverywhere(t *testing.T, uuid string) {
	t.Helper()
	for _, m := range tc.members {
		if m.member.UUID == uuid {
			continue
		}
		require.NoError(t, m.view.Remove(uuid))
	}
}

func ownerOn(m *testMember, client string) string {
	owner, _ := m.engine.Ownership().Owner(client)
	return owner
}

func waitForOwner(t *testing.T, tc *testCluster, client, owner string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range tc.members {
			if ownerOn(m, client) != owner {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func waitForUnowned(t *testing.T, members []*testMember, client string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, m := range members {
			if _, ok := m.engine.Ownership().Owner(client); ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

type routedMessage struct {
	partition int32
	ran       chan struct{}
}

func (m *routedMessage) PartitionID() int32 { return m.partition }

func (m *routedMessage) Run(context.Context, Connection) { close(m.ran) }

func newPartitionExecutor(t *testing.T) *executor.PartitionExecutor {
	t.Helper()
	pe := executor.NewPartitionExecutor(executor.PartitionConfig{Threads: 2, QueueCapacity: 8}, zaptest.NewLogger(t))
	t.Cleanup(pe.Shutdown)
	return pe
}
