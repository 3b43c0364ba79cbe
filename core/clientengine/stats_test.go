package clientengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sushant-115/gojogrid/core/serialization"
)

func TestConnectedClientStatsSkipsFailedMember(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	tc := newTestCluster(t, []string{"a", "b", "c"}, Config{InvocationTimeout: time.Second}, zap.New(core))

	tc.bindFirst(t, "a", "client-1", ClientTypeJava)
	tc.bindFirst(t, "a", "client-2", ClientType("GO"))
	tc.bindFirst(t, "b", "client-3", ClientTypeCPP)
	tc.bindFirst(t, "c", "client-4", ClientTypeCSharp)
	tc.bindFirst(t, "c", "client-5", ClientTypeJava)

	tc.network.SetFault("b:5701", errors.New("connection refused"))

	stats := tc.member("a").engine.ConnectedClientStats(context.Background())

	require.Equal(t, map[ClientType]int{
		ClientTypeCPP:    0,
		ClientTypeCSharp: 1,
		ClientTypeJava:   2,
		ClientTypeOther:  1,
	}, stats)

	failures := logs.FilterMessage("Member did not answer connected clients request").All()
	require.Len(t, failures, 1)
	require.Equal(t, "b:5701", failures[0].ContextMap()["target"])
}

func TestConnectedClientStatsCountsDuplicateOnce(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeJava)
	waitForOwner(t, tc, "client-x", "a")

	secondary := NewClientEndpoint("client-x", newTestConn("b/secondary"), ClientTypeJava, false)
	secondary.Principal.OwnerUUID = "a"
	tc.member("b").engine.Bind(secondary)

	stats := tc.member("b").engine.ConnectedClientStats(context.Background())
	require.Equal(t, 1, stats[ClientTypeJava])
	require.Len(t, stats, 4)
}

func TestClientStatsOperationRemote(t *testing.T) {
	tc := newTestCluster(t, []string{"a", "b"}, Config{}, nil)
	tc.bindFirst(t, "a", "client-x", ClientTypeCPP)

	b := tc.member("b")
	result, err := b.invocation.InvokeOnTarget(context.Background(), ServiceName, NewClientStatsOperation(), "a:5701").Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.(*ClientStats).Counts[ClientTypeCPP])
}

func TestOperationsRoundTrip(t *testing.T) {
	registry := serialization.NewRegistry()
	require.NoError(t, RegisterTypes(registry))

	cases := []serialization.DataSerializable{
		NewClientDisconnectionOperation("client-x", "member-a"),
		NewClientOwnershipOperation("client-x", "member-a"),
		&PostJoinOperation{engineOp: newEngineOp(), Mappings: map[string]string{"client-x": "member-a", "client-y": "member-b"}},
		&ConnectedClients{Clients: map[string]ClientType{"client-x": ClientTypeJava}},
		&ClientStats{Counts: map[ClientType]int{ClientTypeJava: 3, ClientTypeOther: 0}},
	}
	for _, obj := range cases {
		data, err := serialization.Marshal(obj)
		require.NoError(t, err)
		decoded, err := serialization.Unmarshal(registry, data)
		require.NoError(t, err)
		require.Equal(t, obj, decoded)
	}
}

func TestClientStatsRejectsCorruptLength(t *testing.T) {
	out := serialization.NewDataOutput()
	out.WriteInt32(1 << 20)
	in := serialization.NewDataInput(serialization.NewRegistry(), out.Bytes())

	err := (&ClientStats{}).ReadData(in)
	require.ErrorIs(t, err, serialization.ErrSerialization)
}
