package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/chat"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/service/typing"
	"chatcall-backend/internal/service/video"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *httptest.Server
	hub    *EventsHub
	ch     signaling.Channel
	chats  *chat.Service
	calls  *video.Service
	convID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	store := signaling.NewMemoryStore(clk)
	ch := store.Connect()

	typingTracker := typing.NewTracker(ch, typing.Options{Clock: clk})
	chats := chat.NewService(ch, chat.Options{Clock: clk, Typing: typingTracker})
	calls := video.NewService(ch, video.Options{Conversations: chats, Clock: clk})
	conv, err := chats.CreateConversation(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)

	hub := NewEventsHub(EventsOptions{
		Dial: func(context.Context) (signaling.Channel, error) {
			return store.Connect(), nil
		},
		Chats:   chats,
		Typing:  typingTracker,
		Calls:   calls,
		Metrics: metrics.NewMetrics("test"),
	})

	router := gin.New()
	router.GET("/ws/events", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.Query("user"))
	}, hub.ServeWS)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		typingTracker.Close()
		calls.Close()
		ch.Close()
	})
	return &testEnv{server: server, hub: hub, ch: ch, chats: chats, calls: calls, convID: conv.ConversationID}
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/events?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type rawFrame struct {
	Type string          `json:"type"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil skips frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(rawFrame) bool) rawFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f rawFrame
		require.NoError(t, conn.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(rawFrame) bool {
	return func(f rawFrame) bool { return f.Type == typ }
}

func presenceOf(t *testing.T, ch signaling.Channel, userID string) domain.PresenceState {
	rec, err := presence.Get(context.Background(), ch, userID)
	require.NoError(t, err)
	return rec.State
}

func TestEventsHub_PresenceFollowsSocket(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "bob")

	assert.Eventually(t, func() bool { return presenceOf(t, env.ch, "bob") == domain.PresenceOnline },
		2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, conn, ClientMessage{Action: ActionAppState, State: "background"})
	readUntil(t, conn, ofType(FrameAck))
	assert.Equal(t, domain.PresenceOffline, presenceOf(t, env.ch, "bob"))

	send(t, conn, ClientMessage{Action: ActionAppState, State: "foreground"})
	readUntil(t, conn, ofType(FrameAck))
	assert.Equal(t, domain.PresenceOnline, presenceOf(t, env.ch, "bob"))

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return presenceOf(t, env.ch, "bob") == domain.PresenceOffline },
		2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventsHub_WatchPresence(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")

	send(t, bob, ClientMessage{Action: ActionWatchPresence, Target: "alice"})
	f := readUntil(t, bob, ofType(FramePresence))
	assert.Equal(t, "watch_presence:alice", f.Key)
	var rec domain.PresenceRecord
	require.NoError(t, json.Unmarshal(f.Data, &rec))
	assert.Equal(t, domain.PresenceOffline, rec.State)

	env.dial(t, "alice")
	f = readUntil(t, bob, func(f rawFrame) bool {
		if f.Type != FramePresence {
			return false
		}
		var r domain.PresenceRecord
		return json.Unmarshal(f.Data, &r) == nil && r.State == domain.PresenceOnline
	})
	assert.Equal(t, "watch_presence:alice", f.Key)
}

func TestEventsHub_IncomingCall(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")

	send(t, bob, ClientMessage{Action: ActionWatchIncoming})
	ack := readUntil(t, bob, ofType(FrameAck))
	assert.Equal(t, ActionWatchIncoming, ack.Key)

	callID, err := env.calls.StartCall(context.Background(), "alice", env.convID, domain.MediaVideo)
	require.NoError(t, err)

	f := readUntil(t, bob, ofType(FrameIncomingCall))
	var rec domain.CallRecord
	require.NoError(t, json.Unmarshal(f.Data, &rec))
	assert.Equal(t, callID, rec.CallID)
	assert.Equal(t, "alice", rec.CallerID)

	send(t, bob, ClientMessage{Action: ActionWatchCall, Target: callID})
	f = readUntil(t, bob, ofType(FrameCall))
	require.NoError(t, json.Unmarshal(f.Data, &rec))
	assert.Equal(t, domain.CallRinging, rec.Status)

	require.NoError(t, env.calls.EndCall(context.Background(), callID, "alice"))
	readUntil(t, bob, func(f rawFrame) bool {
		var r domain.CallRecord
		return f.Type == FrameCall && json.Unmarshal(f.Data, &r) == nil && r.Status == domain.CallEnded
	})
}

func TestEventsHub_MessagesAndTyping(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")
	alice := env.dial(t, "alice")

	send(t, bob, ClientMessage{Action: ActionWatchTyping, Target: env.convID})
	readUntil(t, bob, ofType(FrameAck))
	send(t, alice, ClientMessage{Action: ActionTyping, Target: env.convID, Active: true})
	readUntil(t, alice, ofType(FrameAck))
	readUntil(t, bob, func(f rawFrame) bool { return f.Type == FrameTyping && string(f.Data) == "true" })

	send(t, bob, ClientMessage{Action: ActionWatchMessages, Target: env.convID})
	_, err := env.chats.SendMessage(context.Background(), &chat.SendMessageInput{
		ConversationID: env.convID, SenderID: "alice", Text: "hello",
	})
	require.NoError(t, err)
	f := readUntil(t, bob, func(f rawFrame) bool { return f.Type == FrameMessages && strings.Contains(string(f.Data), "hello") })
	var views []domain.MessageView
	require.NoError(t, json.Unmarshal(f.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "alice", views[0].SenderID)

	send(t, bob, ClientMessage{Action: ActionUnwatch, Key: "watch_messages:" + env.convID})
	ack := readUntil(t, bob, ofType(FrameAck))
	assert.Equal(t, "watch_messages:"+env.convID, ack.Key)
}

func TestEventsHub_Errors(t *testing.T) {
	env := newTestEnv(t)
	mallory := env.dial(t, "mallory")

	code := func(f rawFrame) string {
		var body struct {
			Code string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(f.Data, &body))
		return body.Code
	}

	send(t, mallory, ClientMessage{Action: ActionWatchMessages, Target: env.convID})
	assert.Equal(t, "PERMISSION_DENIED", code(readUntil(t, mallory, ofType(FrameError))))

	send(t, mallory, ClientMessage{Action: ActionWatchTyping, Target: "missing"})
	assert.Equal(t, "NOT_FOUND", code(readUntil(t, mallory, ofType(FrameError))))

	send(t, mallory, ClientMessage{Action: "dance"})
	assert.Equal(t, "INVALID_INPUT", code(readUntil(t, mallory, ofType(FrameError))))

	require.NoError(t, mallory.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "INVALID_INPUT", code(readUntil(t, mallory, ofType(FrameError))))

	send(t, mallory, ClientMessage{Action: ActionAppState, State: "asleep"})
	assert.Equal(t, "VALIDATION_ERROR", code(readUntil(t, mallory, ofType(FrameError))))
}
