package realtime

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(store MessageStore) (*Relay, *Registry, *Rooms) {
	registry := NewRegistry(newMockLogger())
	rooms := NewRooms(registry, newMockLogger())
	return NewRelay(store, registry, rooms, newMockLogger()), registry, rooms
}

func TestRelay_DeliversToRoomAndOfflineSafe(t *testing.T) {
	store := &memoryStore{}
	relay, registry, rooms := newTestRelay(store)

	a, aTransport := newTestConn("a")
	b, bTransport := newTestConn("b")
	registry.Register(a)
	registry.Register(b)
	rooms.Join("a_b", "a")
	rooms.Join("a_b", "b")

	result, err := relay.Relay(context.Background(), "a", protocol.SendMessage{ReceiverID: "b", Body: "hello", ClientID: "c1"})
	require.NoError(t, err)

	assert.Equal(t, "a_b", result.Message.ConversationID)
	assert.Equal(t, message.KindText, result.Message.Kind)
	delivered := append([]string(nil), result.DeliveredTo...)
	sort.Strings(delivered)
	assert.Equal(t, []string{"a", "b"}, delivered)

	for _, ft := range []*fakeTransport{aTransport, bTransport} {
		envs := ft.ofType(t, protocol.TypeNewMessage)
		require.Len(t, envs, 1, "each participant receives exactly one copy")
		var payload protocol.NewMessage
		require.NoError(t, envs[0].Bind(&payload))
		assert.Equal(t, "hello", payload.Message.Body)
		assert.Equal(t, "c1", payload.ClientID)
	}
}

func TestRelay_PushesToReceiverOutsideRoom(t *testing.T) {
	relay, registry, rooms := newTestRelay(&memoryStore{})

	a, aTransport := newTestConn("a")
	b, bTransport := newTestConn("b")
	registry.Register(a)
	registry.Register(b)
	rooms.Join("a_b", "a")

	result, err := relay.Relay(context.Background(), "a", protocol.SendMessage{ReceiverID: "b", Body: "ping me"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, result.DeliveredTo)
	assert.Len(t, bTransport.ofType(t, protocol.TypeNewMessage), 1)
	assert.Len(t, aTransport.ofType(t, protocol.TypeNewMessage), 1)
}

func TestRelay_OfflineReceiverStillPersists(t *testing.T) {
	store := &memoryStore{}
	relay, _, _ := newTestRelay(store)

	result, err := relay.Relay(context.Background(), "a", protocol.SendMessage{ReceiverID: "b", Body: "later"})
	require.NoError(t, err)

	assert.Empty(t, result.DeliveredTo)
	assert.Equal(t, 1, store.count())
}

func TestRelay_PersistenceFailureSkipsFanOut(t *testing.T) {
	store := &memoryStore{err: errors.New("disk full")}
	relay, registry, rooms := newTestRelay(store)

	a, aTransport := newTestConn("a")
	b, bTransport := newTestConn("b")
	registry.Register(a)
	registry.Register(b)
	rooms.Join("a_b", "a")
	rooms.Join("a_b", "b")

	_, err := relay.Relay(context.Background(), "a", protocol.SendMessage{ReceiverID: "b", Body: "lost"})

	var persistErr *PersistenceError
	require.ErrorAs(t, err, &persistErr)
	assert.Equal(t, 0, aTransport.frameCount())
	assert.Equal(t, 0, bTransport.frameCount())
}

func TestRelay_NilStore(t *testing.T) {
	relay, _, _ := newTestRelay(nil)
	_, err := relay.Relay(context.Background(), "a", protocol.SendMessage{ReceiverID: "b", Body: "x"})

	var persistErr *PersistenceError
	assert.ErrorAs(t, err, &persistErr)
}

func TestRelay_Validation(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		req    protocol.SendMessage
		field  string
	}{
		{name: "missing sender", sender: "", req: protocol.SendMessage{ReceiverID: "b", Body: "x"}, field: "sender_id"},
		{name: "missing receiver", sender: "a", req: protocol.SendMessage{Body: "x"}, field: "receiver_id"},
		{name: "self message", sender: "a", req: protocol.SendMessage{ReceiverID: "a", Body: "x"}, field: "receiver_id"},
		{name: "blank body", sender: "a", req: protocol.SendMessage{ReceiverID: "b", Body: "   "}, field: "body"},
		{name: "oversized body", sender: "a", req: protocol.SendMessage{ReceiverID: "b", Body: strings.Repeat("x", message.MaxBodyLength+1)}, field: "body"},
		{name: "unknown kind", sender: "a", req: protocol.SendMessage{ReceiverID: "b", Body: "x", Kind: "sticker"}, field: "kind"},
		{name: "separator in sender", sender: "a_b", req: protocol.SendMessage{ReceiverID: "c", Body: "x"}, field: "sender_id"},
		{name: "separator in receiver", sender: "a", req: protocol.SendMessage{ReceiverID: "b_c", Body: "x"}, field: "receiver_id"},
		{name: "wrong conversation", sender: "a", req: protocol.SendMessage{ReceiverID: "b", Body: "x", ConversationID: "a_c"}, field: "conversation_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &memoryStore{}
			relay, _, _ := newTestRelay(store)

			_, err := relay.Relay(context.Background(), tt.sender, tt.req)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Equal(t, 0, store.count(), "invalid messages must not be stored")
		})
	}
}
