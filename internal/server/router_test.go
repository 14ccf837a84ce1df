package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MiquelDW/chat-webapp/internal/auth"
	"github.com/MiquelDW/chat-webapp/internal/bridge"
	"github.com/MiquelDW/chat-webapp/internal/changefeed"
	"github.com/MiquelDW/chat-webapp/internal/config"
	"github.com/MiquelDW/chat-webapp/internal/service"
	"github.com/MiquelDW/chat-webapp/internal/storage/memory"
	"github.com/MiquelDW/chat-webapp/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	cfg    config.Config
	broker *changefeed.Broker
	svc    *service.Services
	hub    *ws.Hub
	srv    *httptest.Server
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Env: "dev", JWTSecret: "secret", WebhookSecret: "whsec"}
	broker := changefeed.NewBroker(64)
	svc := service.New(memory.New(broker))
	hub := ws.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = bridge.New(broker, hub, time.Second).Run(ctx)
	}()

	h := &harness{t: t, cfg: cfg, broker: broker, svc: svc, hub: hub}
	h.srv = httptest.NewServer(SetupRouter(cfg, svc, hub, nil))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		h.srv.Close()
	})

	for _, id := range users {
		_, err := svc.Users.Upsert(ctx, service.UserCommand{ID: id, Email: id + "@example.com", Username: id})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for _, r := range bridge.Routes() {
			if broker.Subscribers(r.Topic) == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond, "bridge subscribed")
	return h
}

func (h *harness) token(user string) string {
	tok, err := auth.GenerateAccessToken(user, h.cfg.JWTSecret, time.Minute)
	require.NoError(h.t, err)
	return tok
}

// do sends a JSON request and decodes the response body.
func (h *harness) do(method, path, user string, body any) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

// befriend runs the request/accept flow and returns the private conversation id.
func (h *harness) befriend(from, to string) string {
	h.t.Helper()
	code, body := h.do(http.MethodPost, "/api/v1/requests", from, map[string]string{"email": to + "@example.com"})
	require.Equal(h.t, http.StatusCreated, code, body)
	reqID := body["request"].(map[string]any)["id"].(string)

	code, body = h.do(http.MethodPost, "/api/v1/requests/"+reqID+"/accept", to, nil)
	require.Equal(h.t, http.StatusOK, code, body)
	return body["conversation"].(map[string]any)["id"].(string)
}

func (h *harness) send(from, convID, text string) string {
	h.t.Helper()
	code, body := h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/messages", from, map[string]any{"content": []string{text}})
	require.Equal(h.t, http.StatusCreated, code, body)
	return body["message"].(map[string]any)["id"].(string)
}

func (h *harness) dial(user string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + h.token(user)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// readEvent skips other events until name arrives.
func readEvent(t *testing.T, conn *websocket.Conn, name string) map[string]any {
	t.Helper()
	data, _ := readSkipping(t, conn, name)
	return data
}

// readSkipping is readEvent that also returns the names of the skipped events.
func readSkipping(t *testing.T, conn *websocket.Conn, name string) (map[string]any, []string) {
	t.Helper()
	var skipped []string
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", name)
		if f.Event == name {
			return f.Data, skipped
		}
		skipped = append(skipped, f.Event)
	}
}

// readEvents reads until every name has arrived, in any order.
func readEvents(t *testing.T, conn *websocket.Conn, names ...string) map[string]map[string]any {
	t.Helper()
	got := make(map[string]map[string]any, len(names))
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < len(names) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %v", names)
		for _, name := range names {
			if f.Event == name {
				got[name] = f.Data
			}
		}
	}
	return got
}

// drain collects the event names received within d. The read deadline
// breaks the connection, so drain must be the last read on conn.
func drain(conn *websocket.Conn, d time.Duration) []string {
	var names []string
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return names
		}
		names = append(names, f.Event)
	}
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	code, body := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newHarness(t, "alice")
	code, _ := h.do(http.MethodGet, "/api/v1/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(http.MethodGet, "/api/v1/conversations", "ghost", nil)
	assert.Equal(t, http.StatusUnauthorized, code, "tokens for unsynced users are rejected")

	code, body := h.do(http.MethodGet, "/api/v1/conversations", "alice", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conversations"])
}

func TestAPI_ReadTracking(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	convID := h.befriend("alice", "bob")

	first := h.send("alice", convID, "hi")
	second := h.send("alice", convID, "there")

	code, body := h.do(http.MethodGet, "/api/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	summary := convs[0].(map[string]any)
	assert.EqualValues(t, 2, summary["unseen_messages_count"])
	assert.Equal(t, "there", summary["last_message_sent"].(map[string]any)["content"])

	code, body = h.do(http.MethodGet, "/api/v1/conversations/"+convID+"/messages?limit=1", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, second, msgs[0].(map[string]any)["message"].(map[string]any)["id"])

	code, _ = h.do(http.MethodGet, "/api/v1/conversations/"+convID+"/messages", "carol", nil)
	assert.Equal(t, http.StatusForbidden, code, "non-members cannot read history")

	code, body = h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/read", "bob", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["fields"], "message_id")

	code, _ = h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/read", "bob", map[string]string{"message_id": first})
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(http.MethodGet, "/api/v1/conversations/"+convID+"/messages/"+first+"/seen-by", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"bob"}, body["seen_by"])

	code, _ = h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/read", "bob", map[string]string{"message_id": second})
	require.Equal(t, http.StatusOK, code)
	// moving backwards is a no-op
	code, _ = h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/read", "bob", map[string]string{"message_id": first})
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(http.MethodGet, "/api/v1/conversations/"+convID+"/messages/"+second+"/seen-by", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"bob"}, body["seen_by"])

	_, body = h.do(http.MethodGet, "/api/v1/conversations", "bob", nil)
	assert.EqualValues(t, 0, body["conversations"].([]any)[0].(map[string]any)["unseen_messages_count"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	convID := h.befriend("alice", "bob")

	code, _ := h.do(http.MethodGet, "/api/v1/conversations/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodGet, "/api/v1/conversations/"+convID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := h.do(http.MethodGet, "/api/v1/conversations/"+convID, "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "bob", body["conversation"].(map[string]any)["other_member"].(map[string]any)["username"])

	code, _ = h.do(http.MethodPost, "/api/v1/requests", "alice", map[string]string{"email": "bob@example.com"})
	assert.Equal(t, http.StatusConflict, code, "already friends")

	code, body = h.do(http.MethodPost, "/api/v1/requests", "alice", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["fields"], "email")

	code, _ = h.do(http.MethodPost, "/api/v1/groups/"+convID+"/leave", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code, "private conversations cannot be left")

	code, _ = h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/messages", "alice", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_GroupsAndFriends(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	abID := h.befriend("alice", "bob")
	h.befriend("carol", "alice")

	code, body := h.do(http.MethodPost, "/api/v1/groups", "alice", map[string]any{"name": "trio", "members": []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, code, body)
	groupID := body["conversation"].(map[string]any)["id"].(string)

	code, body = h.do(http.MethodGet, "/api/v1/conversations/"+groupID, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conversation"].(map[string]any)["other_members"], 2)

	code, _ = h.do(http.MethodPost, "/api/v1/groups/"+groupID+"/leave", "bob", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodGet, "/api/v1/conversations/"+groupID, "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodDelete, "/api/v1/groups/"+groupID, "carol", nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(http.MethodGet, "/api/v1/conversations/"+groupID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(http.MethodGet, "/api/v1/friends", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["friends"], 2)

	code, _ = h.do(http.MethodDelete, "/api/v1/friends/"+abID, "carol", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(http.MethodDelete, "/api/v1/friends/"+abID, "bob", nil)
	assert.Equal(t, http.StatusNoContent, code)

	_, body = h.do(http.MethodGet, "/api/v1/friends", "alice", nil)
	assert.Len(t, body["friends"], 1)
}

func TestAPI_RequestLifecycle(t *testing.T) {
	h := newHarness(t, "alice", "bob")

	code, body := h.do(http.MethodPost, "/api/v1/requests", "alice", map[string]string{"email": "bob@example.com"})
	require.Equal(t, http.StatusCreated, code)
	reqID := body["request"].(map[string]any)["id"].(string)

	code, _ = h.do(http.MethodPost, "/api/v1/requests", "bob", map[string]string{"email": "alice@example.com"})
	assert.Equal(t, http.StatusConflict, code, "pending in the other direction")

	code, body = h.do(http.MethodGet, "/api/v1/requests", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	reqs := body["requests"].([]any)
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0].(map[string]any)["sender"].(map[string]any)["username"])

	code, _ = h.do(http.MethodPost, "/api/v1/requests/"+reqID+"/deny", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code, "only the receiver can answer")

	code, _ = h.do(http.MethodPost, "/api/v1/requests/"+reqID+"/deny", "bob", nil)
	assert.Equal(t, http.StatusNoContent, code)

	_, body = h.do(http.MethodGet, "/api/v1/requests", "bob", nil)
	assert.Empty(t, body["requests"])
}

func TestIdentityWebhook(t *testing.T) {
	h := newHarness(t)
	post := func(payload, sig string) int {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/api/webhooks/identity", strings.NewReader(payload))
		require.NoError(t, err)
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	signed := func(payload string) int { return post(payload, auth.Sign(h.cfg.WebhookSecret, []byte(payload))) }

	created := `{"type":"user.created","data":{"id":"u1","email":"u1@example.com","username":"u1"}}`
	assert.Equal(t, http.StatusUnauthorized, post(created, ""))
	assert.Equal(t, http.StatusUnauthorized, post(created, auth.Sign("wrong", []byte(created))))

	assert.Equal(t, http.StatusOK, signed(created))
	u, err := h.svc.Users.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.Username)

	assert.Equal(t, http.StatusOK, signed(`{"type":"user.updated","data":{"id":"u1","email":"u1@example.com","username":"renamed"}}`))
	u, err = h.svc.Users.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", u.Username)

	assert.Equal(t, http.StatusBadRequest, signed(`{"type":"user.created","data":{"id":"u2","email":"nope","username":"u2"}}`))
	assert.Equal(t, http.StatusBadRequest, signed(`{"type":"session.created","data":{}}`))

	deleted := `{"type":"user.deleted","data":{"id":"u1"}}`
	assert.Equal(t, http.StatusOK, signed(deleted))
	assert.Equal(t, http.StatusOK, signed(deleted), "deleting twice is accepted")
	_, err = h.svc.Users.GetUser(context.Background(), "u1")
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestWebsocket_RejectsMissingToken(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRealtimePipeline(t *testing.T) {
	h := newHarness(t, "alice", "bob", "mallory")
	convID := h.befriend("alice", "bob")

	bob := h.dial("bob")
	writeFrame(t, bob, "joinRoom", convID)
	assert.Equal(t, convID, readEvent(t, bob, "roomJoined")["conversation_id"])

	mallory := h.dial("mallory")
	writeFrame(t, mallory, "joinRoom", map[string]string{"conversation_id": convID})
	errData := readEvent(t, mallory, "error")
	assert.Equal(t, "joinRoom", errData["event"])

	// REST send reaches the room through the change feed
	msgID := h.send("alice", convID, "hello")
	got := readEvent(t, bob, "roomMessage")
	assert.Equal(t, msgID, got["id"])
	assert.Equal(t, []any{"hello"}, got["content"])

	// websocket send is persisted and broadcast the same way
	alice := h.dial("alice")
	writeFrame(t, alice, "joinRoom", convID)
	readEvent(t, alice, "roomJoined")
	writeFrame(t, alice, "chat-message", map[string]any{"conversation_id": convID, "content": []string{"via ws"}})
	got = readEvent(t, bob, "roomMessage")
	assert.Equal(t, []any{"via ws"}, got["content"])
	assert.Equal(t, "alice", got["sender_id"])
	acked := readEvents(t, alice, "messageSent", "roomMessage")
	assert.Equal(t, []any{"via ws"}, acked["roomMessage"]["content"])
	assert.Equal(t, got["id"], acked["messageSent"]["id"], "sender gets the persisted id back")
	assert.Equal(t, convID, acked["messageSent"]["conversation_id"])

	assert.NotContains(t, drain(mallory, 200*time.Millisecond), "roomMessage")

	// read receipts are re-broadcast as member updates
	viaWS := got["id"].(string)
	code, _ := h.do(http.MethodPost, "/api/v1/conversations/"+convID+"/read", "bob", map[string]string{"message_id": viaWS})
	require.Equal(t, http.StatusOK, code)
	member := readEvent(t, alice, "updated-conversation-member")
	assert.Equal(t, "bob", member["member_id"])
	assert.Equal(t, viaWS, member["last_seen_message_id"])

	writeFrame(t, bob, "chat-message", map[string]any{"conversation_id": convID, "content": []string{}})
	errData, skipped := readSkipping(t, bob, "error")
	assert.Equal(t, "chat-message", errData["event"])
	assert.NotContains(t, skipped, "messageSent", "rejected sends are not acknowledged")

	writeFrame(t, bob, "typing", convID)
	assert.Equal(t, "typing", readEvent(t, bob, "error")["event"])

	writeFrame(t, bob, "leaveRoom", convID)
	readEvent(t, bob, "roomLeft")
	h.send("alice", convID, "after leave")
	assert.NotContains(t, drain(bob, 200*time.Millisecond), "roomMessage")

	code, body := h.do(http.MethodGet, "/api/v1/conversations/"+convID, "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["online"])
}

func TestRealtime_RevokedMembersLeaveTheRoom(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	abID := h.befriend("alice", "bob")
	h.befriend("alice", "carol")
	code, body := h.do(http.MethodPost, "/api/v1/groups", "alice", map[string]any{"name": "trio", "members": []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, code, body)
	groupID := body["conversation"].(map[string]any)["id"].(string)

	bob := h.dial("bob")
	carol := h.dial("carol")
	for _, conn := range []*websocket.Conn{bob, carol} {
		writeFrame(t, conn, "joinRoom", groupID)
		readEvent(t, conn, "roomJoined")
	}
	writeFrame(t, bob, "joinRoom", abID)
	readEvent(t, bob, "roomJoined")

	code, _ = h.do(http.MethodPost, "/api/v1/groups/"+groupID+"/leave", "bob", nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, groupID, readEvent(t, bob, "roomLeft")["conversation_id"])
	code, _ = h.do(http.MethodGet, "/api/v1/conversations/"+groupID+"/messages", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)

	h.send("alice", groupID, "bob is gone")
	assert.Equal(t, []any{"bob is gone"}, readEvent(t, carol, "roomMessage")["content"])

	// the private room closes when the friendship is removed; anything queued
	// for bob before that roomLeft would have been the group message
	code, _ = h.do(http.MethodDelete, "/api/v1/friends/"+abID, "alice", nil)
	require.Equal(t, http.StatusNoContent, code)
	left, skipped := readSkipping(t, bob, "roomLeft")
	assert.Equal(t, abID, left["conversation_id"])
	assert.NotContains(t, skipped, "roomMessage", "former members get no room messages")

	code, body = h.do(http.MethodGet, "/api/v1/conversations/"+groupID, "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["online"], "only carol is left in the group room")

	code, _ = h.do(http.MethodDelete, "/api/v1/groups/"+groupID, "carol", nil)
	require.Equal(t, http.StatusNoContent, code)
	assert.Equal(t, groupID, readEvent(t, carol, "roomLeft")["conversation_id"])
}

func TestAPI_RequestCount(t *testing.T) {
	h := newHarness(t, "alice", "bob", "carol")
	count := func(user string) any {
		code, body := h.do(http.MethodGet, "/api/v1/requests/count", user, nil)
		require.Equal(t, http.StatusOK, code)
		return body["count"]
	}
	assert.EqualValues(t, 0, count("carol"))

	for _, from := range []string{"alice", "bob"} {
		code, body := h.do(http.MethodPost, "/api/v1/requests", from, map[string]string{"email": "carol@example.com"})
		require.Equal(t, http.StatusCreated, code, body)
	}
	assert.EqualValues(t, 2, count("carol"))
	assert.EqualValues(t, 0, count("alice"))

	code, _ := h.do(http.MethodGet, "/api/v1/requests/count", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}
