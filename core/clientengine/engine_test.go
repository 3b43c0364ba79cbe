package clientengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/gojogrid/core/cluster"
	"github.com/sushant-115/gojogrid/core/transaction"
	internaltelemetry "github.com/sushant-115/gojogrid/internal/telemetry"
)

func TestBindOwnsClientEverywhere(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"}, Config{}, nil)
	a := tc.member("a")

	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)

	require.Equal(t, conn.RemoteAddr(), conn.resolvedEndpoint())
	require.Equal(t, 1, a.engine.ClientEndpointCount())
	endpoint := a.engine.Clients()[0]
	require.True(t, endpoint.Authenticated())
	require.Equal(t, "a", endpoint.Principal.OwnerUUID)

	waitForOwner(t, tc, "client-x", "a")
	for _, m := range tc.members {
		require.Equal(t, 1, m.engine.Ownership().Len())
	}
	require.Eventually(t, func() bool {
		return a.listener.count(ClientConnected, "client-x") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSecondaryBindKeepsOwner(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeCPP)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	endpoint := NewClientEndpoint("client-x", newTestConn("b/secondary"), ClientTypeCPP, false)
	endpoint.Principal.OwnerUUID = "a"
	b.engine.Bind(endpoint)

	require.Equal(t, "a", ownerOn(b, "client-x"))
	require.Equal(t, 1, b.engine.ClientEndpointCount())
}

func TestFirstBindKeepsLiveOwner(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	tc.bindFirst(t, "b", "client-x", ClientTypeJava)

	require.Equal(t, "a", ownerOn(b, "client-x"))
	require.Equal(t, "a", b.engine.Clients()[0].Principal.OwnerUUID)
	time.Sleep(20 * time.Millisecond)
	for _, m := range tc.members {
		require.Equal(t, "a", ownerOn(m, "client-x"))
	}
}

func TestFirstBindTakesOverDepartedOwner(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	require.NoError(t, b.view.Remove("a"))
	tc.bindFirst(t, "b", "client-x", ClientTypeJava)

	require.Equal(t, "b", ownerOn(b, "client-x"))
	require.Equal(t, "b", b.engine.Clients()[0].Principal.OwnerUUID)

	// The grace task for a no longer finds anything a owns.
	b.scheduler.runAll()
	require.Equal(t, "b", ownerOn(b, "client-x"))
	require.Equal(t, 1, b.engine.ClientEndpointCount())
}

func TestLosingFirstBindIsRemovedOnClose(t *testing.T) {
	tc := newTestCluster(t, []string{"b", "a"}, Config{}, nil)
	tc.bindFirst(t, "b", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "b")

	a := tc.member("a")
	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	require.Equal(t, "b", a.engine.Clients()[0].Principal.OwnerUUID)

	require.NoError(t, conn.Close())
	a.engine.ConnectionRemoved(conn)

	require.Zero(t, a.engine.ClientEndpointCount())
	require.Equal(t, 1, tc.member("b").engine.ClientEndpointCount())
	require.Equal(t, "b", ownerOn(a, "client-x"))
}

func TestDuplicateBindIsIgnored(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)

	a.engine.Bind(NewClientEndpoint("client-y", conn, ClientTypeJava, true))

	require.Equal(t, 1, a.engine.ClientEndpointCount())
	require.Equal(t, map[string]string{"client-x": "a"}, a.engine.Ownership().Snapshot())
	require.Eventually(t, func() bool {
		return a.listener.count(ClientConnected, "client-x") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, a.listener.count(ClientConnected, "client-y"))
}

func TestOwnerConnectionCloseDisconnectsEverywhere(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"}, Config{}, nil)
	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	secondary := NewClientEndpoint("client-x", newTestConn("b/secondary"), ClientTypeJava, false)
	secondary.Principal.OwnerUUID = "a"
	b.engine.Bind(secondary)

	require.NoError(t, conn.Close())
	tc.member("a").engine.ConnectionRemoved(conn)

	waitForUnowned(t, tc.members, "client-x")
	require.Zero(t, tc.member("a").engine.ClientEndpointCount())
	require.Eventually(t, func() bool {
		return b.engine.ClientEndpointCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, secondary.Connection.IsAlive())

	require.Eventually(t, func() bool {
		return tc.member("a").listener.count(ClientDisconnected, "client-x") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for _, m := range []*testMember{b, tc.member("c")} {
		require.Zero(t, m.listener.count(ClientDisconnected, "client-x"))
	}
}

func TestNonOwnerConnectionCloseIsLocal(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	conn := newTestConn("b/secondary")
	endpoint := NewClientEndpoint("client-x", conn, ClientTypeJava, false)
	endpoint.Principal.OwnerUUID = "a"
	b.engine.Bind(endpoint)

	b.engine.ConnectionRemoved(conn)

	require.Zero(t, b.engine.ClientEndpointCount())
	require.Equal(t, "a", ownerOn(b, "client-x"))
	require.Equal(t, "a", ownerOn(tc.member("a"), "client-x"))
}

func TestConnectionRemovedIgnoresUnknownAndNonClient(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")

	a.engine.ConnectionRemoved(newTestConn("never-bound"))

	member := newTestConn("member-link")
	member.client = false
	a.engine.ConnectionRemoved(member)
	require.Zero(t, a.engine.ClientEndpointCount())
}

func TestDisconnectionIsIdempotent(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	tc.bindFirst(t, "a", "client-y", ClientTypeJava)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := a.invocation.RunOnCallingThread(ctx, NewClientDisconnectionOperation("client-x", "a"))
		require.NoError(t, err)
	}

	require.Equal(t, map[string]string{"client-y": "a"}, a.engine.Ownership().Snapshot())
	require.Eventually(t, func() bool {
		return a.listener.count(ClientDisconnected, "client-x") == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, a.listener.count(ClientDisconnected, "client-x"))
}

func TestDisconnectionSkipsMovedOwner(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	b := tc.member("b")
	tc.bindFirst(t, "b", "client-x", ClientTypeJava)

	_, err := b.invocation.RunOnCallingThread(context.Background(), NewClientDisconnectionOperation("client-x", "a"))
	require.NoError(t, err)

	require.Equal(t, "b", ownerOn(b, "client-x"))
	require.Equal(t, 1, b.engine.ClientEndpointCount())
}

func TestMemberRemovalIgnoresLocalMember(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	a := tc.member("a")

	a.engine.MemberRemoved(cluster.MembershipEvent{Member: a.member})
	require.Zero(t, a.scheduler.pending())
}

func TestGracePeriodRemovesDeadOwnersClients(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b", "c"}, Config{EndpointRemoveDelay: 3 * time.Second}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	tc.bindFirst(t, "b", "client-y", ClientTypeCSharp)
	waitForOwner(t, tc, "client-x", "a")
	waitForOwner(t, tc, "client-y", "b")

	c := tc.member("c")
	gateway := NewClientEndpoint("client-x", newTestConn("c/secondary"), ClientTypeJava, false)
	gateway.Principal.OwnerUUID = "a"
	c.engine.Bind(gateway)

	tc.removeEverywhere(t, "a")
	survivors := []*testMember{tc.member("b"), c}
	for _, m := range survivors {
		require.Equal(t, 1, m.scheduler.pending())
		require.Equal(t, 3*time.Second, m.scheduler.delays[0])
		require.Equal(t, "a", ownerOn(m, "client-x"), "nothing happens before the delay")
	}

	for _, m := range survivors {
		m.scheduler.runAll()
	}

	waitForUnowned(t, survivors, "client-x")
	for _, m := range survivors {
		require.Equal(t, "b", ownerOn(m, "client-y"))
	}
	require.Zero(t, c.engine.ClientEndpointCount())
	require.False(t, gateway.Connection.IsAlive())

	disconnected := func() int {
		return tc.member("b").listener.count(ClientDisconnected, "client-x") +
			c.listener.count(ClientDisconnected, "client-x")
	}
	require.Eventually(t, func() bool { return disconnected() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, disconnected())
	require.Equal(t, 1, tc.member("b").listener.count(ClientDisconnected, "client-x"))
}

func TestGraceTaskSkippedAfterRejoin(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	b := tc.member("b")
	require.NoError(t, b.view.Remove("a"))
	b.view.Join(tc.member("a").member)
	b.scheduler.runAll()

	require.Equal(t, "a", ownerOn(b, "client-x"))
	require.Zero(t, b.listener.count(ClientDisconnected, "client-x"))
}

func TestSchedulingRejectedIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, zap.New(core))
	b := tc.member("b")
	b.scheduler.Shutdown()

	require.NoError(t, b.view.Remove("a"))

	require.Equal(t, 1, logs.FilterMessageSnippet("Endpoint removal not scheduled").Len())
}

func TestPostJoinOperation(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	a := tc.member("a")
	require.Nil(t, a.engine.PostJoinOperation())

	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	op := a.engine.PostJoinOperation()
	require.NotNil(t, op)
	require.Equal(t, map[string]string{"client-x": "a"}, op.Mappings)
}

func TestPostJoinMergeIsDeterministic(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tc := newTestCluster(t, []string{"a", "b", "c"}, Config{}, zap.New(core))
	c := tc.member("c")
	ctx := context.Background()

	_, err := c.invocation.RunOnCallingThread(ctx, &PostJoinOperation{engineOp: newEngineOp(), Mappings: map[string]string{
		"client-x": "a",
		"client-y": "b",
	}})
	require.NoError(t, err)

	// b > a, so b takes client-x; a < b, so a loses client-y.
	_, err = c.invocation.RunOnCallingThread(ctx, &PostJoinOperation{engineOp: newEngineOp(), Mappings: map[string]string{
		"client-x": "b",
		"client-y": "a",
	}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"client-x": "b", "client-y": "b"}, c.engine.Ownership().Snapshot())
	require.Equal(t, 2, logs.FilterMessage("Conflicting client ownership").Len())

	// An owner that left the cluster always loses.
	_, err = c.invocation.RunOnCallingThread(ctx, &PostJoinOperation{engineOp: newEngineOp(), Mappings: map[string]string{
		"client-z": "zz-gone",
	}})
	require.NoError(t, err)
	_, err = c.invocation.RunOnCallingThread(ctx, &PostJoinOperation{engineOp: newEngineOp(), Mappings: map[string]string{
		"client-z": "a",
	}})
	require.NoError(t, err)
	require.Equal(t, "a", ownerOn(c, "client-z"))
}

func TestResetClearsOwnershipOnly(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)

	a.engine.Reset()

	require.Zero(t, a.engine.Ownership().Len())
	require.Equal(t, 1, a.engine.ClientEndpointCount())
}

type failingLogout struct{ calls int }

func (l *failingLogout) Logout(*ClientEndpoint) error {
	l.calls++
	return errors.New("session store unavailable")
}

func TestShutdownIsTotal(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	logout := &failingLogout{}
	a.engine.logout = logout

	c1 := tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	c2 := tc.bindFirst(t, "a", "client-y", ClientTypeCPP)

	a.engine.Shutdown()

	require.Equal(t, 2, logout.calls)
	require.False(t, c1.IsAlive())
	require.False(t, c2.IsAlive())
	require.Zero(t, a.engine.ClientEndpointCount())
	require.Zero(t, a.engine.Ownership().Len())
}

func boundEndpoints(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojogrid.clientengine.endpoints" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestShutdownReleasesBoundEndpointCount(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	reader := sdkmetric.NewManualReader()
	metrics, err := internaltelemetry.NewClientEngineMetrics(
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	require.NoError(t, err)
	a.engine.metrics = metrics

	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	tc.bindFirst(t, "a", "client-y", ClientTypeJava)
	a.engine.Bind(NewClientEndpoint("client-x", conn, ClientTypeJava, true))
	require.EqualValues(t, 2, boundEndpoints(t, reader))

	a.engine.Shutdown()
	require.Zero(t, boundEndpoints(t, reader))
}

func TestEndpointDestroyRollsBackTransaction(t *testing.T) {
	txn := transaction.NewContext(nil, transaction.Options{}, nil)
	endpoint := NewClientEndpoint("client-x", newTestConn("conn"), ClientTypeJava, true)
	endpoint.markBound(time.Now())
	endpoint.SetTransactionContext(txn)

	logout := &failingLogout{}
	err := endpoint.Destroy(context.Background(), logout)

	require.ErrorIs(t, err, ErrAuthenticationTeardown)
	require.Equal(t, transaction.TxnStateRolledBack, txn.State())
	require.Nil(t, endpoint.TransactionContext())
	require.False(t, endpoint.Authenticated())

	require.NoError(t, endpoint.Destroy(context.Background(), logout))
	require.Equal(t, 1, logout.calls)
}

func TestHandleClientMessageRouting(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	a.engine.partitions = newPartitionExecutor(t)

	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	endpoint, ok := a.engine.Endpoints().Endpoint(conn)
	require.True(t, ok)
	before := endpoint.LastSeen()

	for _, partition := range []int32{-1, 7} {
		msg := &routedMessage{partition: partition, ran: make(chan struct{})}
		require.NoError(t, a.engine.HandleClientMessage(msg, conn))
		select {
		case <-msg.ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("message for partition %d never ran", partition)
		}
	}
	require.False(t, endpoint.LastSeen().Before(before))
}

func TestHandleClientMessageRejectsWhenStopped(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{}, nil)
	a := tc.member("a")
	a.engine.Shutdown()

	err := a.engine.HandleClientMessage(&routedMessage{partition: -1, ran: make(chan struct{})}, newTestConn("x"))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestHandleClientMessageRateLimit(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{MaxRequestsPerSecond: 0.001, RequestBurst: 1}, nil)
	a := tc.member("a")
	conn := newTestConn("x")

	require.NoError(t, a.engine.HandleClientMessage(&routedMessage{partition: -1, ran: make(chan struct{})}, conn))
	err := a.engine.HandleClientMessage(&routedMessage{partition: -1, ran: make(chan struct{})}, conn)
	require.ErrorIs(t, err, ErrRequestRateExceeded)
}

func TestHeartbeatClosesIdleConnections(t *testing.T) {
	tc := newTestCluster(t, []string{"a"}, Config{HeartbeatTimeout: time.Minute}, nil)
	a := tc.member("a")
	conn := tc.bindFirst(t, "a", "client-x", ClientTypeJava)

	a.engine.checkHeartbeats(time.Now())
	require.True(t, conn.IsAlive())

	a.engine.checkHeartbeats(time.Now().Add(2 * time.Minute))
	require.False(t, conn.IsAlive())
	require.Zero(t, a.engine.ClientEndpointCount())
	require.Zero(t, a.engine.Ownership().Len())
}
