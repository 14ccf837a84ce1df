package ws

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func fakeClient(t *testing.T, h *Hub, userID string, buffer int) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, buffer), userID: userID, rooms: make(map[string]struct{})}
	require.NoError(t, h.Register(c))
	return c
}

func recv(t *testing.T, c *Client) (frame map[string]any, ok bool) {
	t.Helper()
	select {
	case b, open := <-c.send:
		if !open {
			return nil, false
		}
		require.NoError(t, json.Unmarshal(b, &frame))
		return frame, true
	case <-time.After(200 * time.Millisecond):
		return nil, false
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame for %s: %s", c.userID, b)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"room event with room", Envelope{Name: EventRoomMessage, Room: "c1"}, false},
		{"room event without room", Envelope{Name: EventRoomMessage}, true},
		{"global event", Envelope{Name: EventNewConversation}, false},
		{"global event with room", Envelope{Name: EventFriendRequest, Room: "c1"}, true},
		{"unknown event", Envelope{Name: "typing"}, true},
		{"inbound event is not outbound", Envelope{Name: EventJoinRoom}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			assert.Equal(t, tt.wantErr, err != nil, "Validate() = %v", err)
		})
	}
}

func TestEnvelope_Encode(t *testing.T) {
	msg := models.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Type: "text", Content: []string{"hi"}}
	env := RoomMessage(msg)
	assert.Equal(t, "c1", env.Room)

	b, err := env.Encode()
	require.NoError(t, err)
	var frame struct {
		Event string         `json:"event"`
		Data  models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(b, &frame))
	assert.Equal(t, "roomMessage", frame.Event)
	assert.Equal(t, "m1", frame.Data.ID)
	assert.Equal(t, []string{"hi"}, []string(frame.Data.Content))
}

func TestRoomID(t *testing.T) {
	id, err := roomID([]byte(`"c1"`))
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	id, err = roomID([]byte(`{"conversation_id":"c2"}`))
	require.NoError(t, err)
	assert.Equal(t, "c2", id)

	for _, bad := range []string{`""`, `{}`, `42`, ``} {
		_, err := roomID([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestHub_RoomScopedDelivery(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)
	b := fakeClient(t, h, "bob", 8)
	outsider := fakeClient(t, h, "mallory", 8)

	require.NoError(t, h.Join(a, "c1"))
	require.NoError(t, h.Join(b, "c1"))
	require.NoError(t, h.Join(outsider, "c2"))

	for i := 0; i < 3; i++ {
		require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, map[string]int{"n": i}))
	}

	for _, c := range []*Client{a, b} {
		for i := 0; i < 3; i++ {
			frame, ok := recv(t, c)
			require.True(t, ok)
			assert.Equal(t, "roomMessage", frame["event"])
			assert.EqualValues(t, i, frame["data"].(map[string]any)["n"], "FIFO order")
		}
	}
	assertSilent(t, outsider)
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)

	require.NoError(t, h.Join(a, "c1"))
	require.NoError(t, h.Join(a, "c1"))
	assert.Equal(t, 1, h.Online("c1"))

	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, "x"))
	_, ok := recv(t, a)
	require.True(t, ok)
	assertSilent(t, a)
}

func TestHub_LeaveAndMultipleRooms(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)

	require.NoError(t, h.Join(a, "c1"))
	require.NoError(t, h.Join(a, "c2"))
	rooms := h.Rooms(a)
	sort.Strings(rooms)
	assert.Equal(t, []string{"c1", "c2"}, rooms)

	require.NoError(t, h.Leave(a, "c1"))
	require.NoError(t, h.Leave(a, "c1"))
	assert.Equal(t, 0, h.Online("c1"))

	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, "x"))
	require.NoError(t, h.EmitToRoom("c2", EventRoomMessage, "y"))
	frame, ok := recv(t, a)
	require.True(t, ok)
	assert.Equal(t, "y", frame["data"])
}

func TestHub_GlobalAndDirect(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)
	b := fakeClient(t, h, "bob", 8)

	require.NoError(t, h.EmitGlobal(EventFriendRequest, map[string]string{"id": "r1"}))
	for _, c := range []*Client{a, b} {
		frame, ok := recv(t, c)
		require.True(t, ok)
		assert.Equal(t, "friend-request", frame["event"])
	}

	require.NoError(t, h.Reply(a, Envelope{Name: EventError, Payload: ErrorPayload{Message: "nope"}}))
	frame, ok := recv(t, a)
	require.True(t, ok)
	assert.Equal(t, "error", frame["event"])
	assertSilent(t, b)

	assert.Error(t, h.Dispatch(Envelope{Name: EventError}), "direct events need a target")
	assert.Error(t, h.Dispatch(Envelope{Name: "bogus"}))
}

func TestHub_UnregisterCleansUpRooms(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)
	require.NoError(t, h.Join(a, "c1"))
	require.NoError(t, h.Join(a, "c2"))

	require.NoError(t, h.Unregister(a))
	require.NoError(t, h.Unregister(a))

	assert.Equal(t, 0, h.Online("c1"))
	assert.Equal(t, 0, h.Online("c2"))
	assert.Equal(t, 0, h.Connections())
	_, open := <-a.send
	assert.False(t, open, "send queue is closed")

	require.NoError(t, h.Join(a, "c1"))
	assert.Equal(t, 0, h.Online("c1"), "unregistered clients cannot join")
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	h := startHub(t)
	slow := fakeClient(t, h, "slow", 1)
	fast := fakeClient(t, h, "fast", 8)
	require.NoError(t, h.Join(slow, "c1"))
	require.NoError(t, h.Join(fast, "c1"))

	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, 1))
	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, 2))

	require.Eventually(t, func() bool {
		return h.Online("c1") == 1 && h.Connections() == 1
	}, time.Second, 5*time.Millisecond)
	for i := 0; i < 2; i++ {
		_, ok := recv(t, fast)
		assert.True(t, ok)
	}
}

func TestHub_StoppedHubRejectsCalls(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	c := &Client{hub: h, send: make(chan []byte, 1), userID: "u", rooms: make(map[string]struct{})}
	require.NoError(t, h.Register(c))
	cancel()
	<-done

	assert.ErrorIs(t, h.Register(&Client{send: make(chan []byte), rooms: map[string]struct{}{}}), ErrHubStopped)
	assert.ErrorIs(t, h.EmitGlobal(EventNewConversation, nil), ErrHubStopped)
	assert.Equal(t, 0, h.Connections())
	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_EvictRemovesEveryConnectionOfThatUser(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)
	phone := fakeClient(t, h, "bob", 8)
	laptop := fakeClient(t, h, "bob", 8)
	for _, c := range []*Client{a, phone, laptop} {
		require.NoError(t, h.Join(c, "c1"))
	}
	require.NoError(t, h.Join(phone, "c2"))

	require.NoError(t, h.Evict("bob", "c1"))
	for _, c := range []*Client{phone, laptop} {
		frame, ok := recv(t, c)
		require.True(t, ok)
		assert.Equal(t, "roomLeft", frame["event"])
		assert.Equal(t, "c1", frame["data"].(map[string]any)["conversation_id"])
	}
	assertSilent(t, a)
	assert.Equal(t, []string{"c2"}, h.Rooms(phone), "other rooms are kept")
	assert.Empty(t, h.Rooms(laptop))

	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, "after"))
	frame, ok := recv(t, a)
	require.True(t, ok)
	assert.Equal(t, "roomMessage", frame["event"])
	assertSilent(t, phone)
	assertSilent(t, laptop)
	assert.Equal(t, 1, h.Online("c1"))

	// evicting a user that is not in the room is a no-op
	require.NoError(t, h.Evict("carol", "c1"))
	assertSilent(t, a)
	assert.Equal(t, 3, h.Connections(), "eviction keeps the connection open")
}

func TestHub_CloseRoom(t *testing.T) {
	h := startHub(t)
	a := fakeClient(t, h, "alice", 8)
	b := fakeClient(t, h, "bob", 8)
	require.NoError(t, h.Join(a, "c1"))
	require.NoError(t, h.Join(b, "c1"))

	require.NoError(t, h.CloseRoom("c1"))
	for _, c := range []*Client{a, b} {
		frame, ok := recv(t, c)
		require.True(t, ok)
		assert.Equal(t, "roomLeft", frame["event"])
	}
	assert.Equal(t, 0, h.Online("c1"))

	require.NoError(t, h.EmitToRoom("c1", EventRoomMessage, "gone"))
	assertSilent(t, a)
	assertSilent(t, b)
}
