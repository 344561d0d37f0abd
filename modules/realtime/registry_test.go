package realtime

import (
	"sort"
	"testing"
	"time"

	"github.com/example/campus-messaging/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	conn, _ := newTestConn("alice")

	assert.False(t, registry.IsReachable("alice"))

	old := registry.Register(conn)
	assert.Nil(t, old)
	assert.True(t, registry.IsReachable("alice"))
	assert.Equal(t, 1, registry.Count())

	got, ok := registry.Get("alice")
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestRegistry_ReplaceClosesOldConnection(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	first, firstTransport := newTestConn("alice")
	second, secondTransport := newTestConn("alice")

	registry.Register(first)
	old := registry.Register(second)

	assert.Same(t, first, old)
	assert.True(t, firstTransport.isClosed(), "replaced connection should be closed")
	assert.False(t, secondTransport.isClosed())

	got, _ := registry.Get("alice")
	assert.Same(t, second, got)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_DeregisterConnIgnoresStaleConnection(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	first, _ := newTestConn("alice")
	second, _ := newTestConn("alice")

	registry.Register(first)
	registry.Register(second)

	assert.False(t, registry.DeregisterConn(first), "stale connection must not evict its replacement")
	assert.True(t, registry.IsReachable("alice"))

	assert.True(t, registry.DeregisterConn(second))
	assert.False(t, registry.IsReachable("alice"))
}

func TestRegistry_Deregister(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	conn, _ := newTestConn("alice")
	registry.Register(conn)

	registry.Deregister("alice")
	assert.False(t, registry.IsReachable("alice"))

	// Deregistering an unknown user is a no-op.
	registry.Deregister("nobody")
	assert.Equal(t, 0, registry.Count())
}

func TestRegistry_BroadcastSystemSkipsFailures(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	alice, aliceTransport := newTestConn("alice")
	bob, bobTransport := newTestConn("bob")
	carol, carolTransport := newTestConn("carol")
	bobTransport.failSend = true

	registry.Register(alice)
	registry.Register(bob)
	registry.Register(carol)

	sent := registry.BroadcastSystem("maintenance at noon", time.Now())
	assert.Equal(t, 2, sent)

	for _, ft := range []*fakeTransport{aliceTransport, carolTransport} {
		envs := ft.ofType(t, protocol.TypeSystemMessage)
		require.Len(t, envs, 1)
		var payload protocol.SystemMessage
		require.NoError(t, envs[0].Bind(&payload))
		assert.Equal(t, "maintenance at noon", payload.Body)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	alice, aliceTransport := newTestConn("alice")
	bob, bobTransport := newTestConn("bob")
	registry.Register(alice)
	registry.Register(bob)

	registry.CloseAll(1001, ReasonShutdown)

	assert.Equal(t, 0, registry.Count())
	assert.True(t, aliceTransport.isClosed())
	assert.True(t, bobTransport.isClosed())
}

func TestRegistry_Snapshot(t *testing.T) {
	registry := NewRegistry(newMockLogger())
	for _, id := range []string{"carol", "alice", "bob"} {
		conn, _ := newTestConn(id)
		registry.Register(conn)
	}

	var ids []string
	for _, conn := range registry.Snapshot() {
		ids = append(ids, conn.UserID)
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestConnection_WriteAfterClose(t *testing.T) {
	conn, ft := newTestConn("alice")
	conn.Close(1000, "bye")
	conn.Close(1000, "bye again")

	assert.True(t, conn.Closed())
	assert.True(t, ft.isClosed())
	assert.ErrorIs(t, conn.SendEvent(protocol.TypePong, protocol.Pong{}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Ping(time.Now()), ErrConnectionClosed)
}
