package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/chat"
	"chatcall-backend/internal/signaling"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type typingCall struct {
	conversationID string
	userID         string
	active         bool
}

type recordingTyping struct {
	mu    sync.Mutex
	calls []typingCall
}

func (r *recordingTyping) SetTyping(_ context.Context, conversationID, userID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typingCall{conversationID, userID, active})
	return nil
}

type testAPI struct {
	router *gin.Engine
	typing *recordingTyping
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ch := signaling.NewMemoryStore(clk).Connect()
	t.Cleanup(func() { ch.Close() })

	typing := &recordingTyping{}
	router := gin.New()
	api := router.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-User"))
	})
	NewHandler(chat.NewService(ch, chat.Options{Clock: clk}), typing).RegisterRoutes(api)
	return &testAPI{router: router, typing: typing}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func (a *testAPI) createConversation(t *testing.T) string {
	t.Helper()
	code, env := a.do(t, http.MethodPost, "/v1/conversations", "alice", CreateConversationRequest{ParticipantID: "bob"})
	require.Equal(t, http.StatusCreated, code)
	var conv domain.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	require.NotEmpty(t, conv.ConversationID)
	return conv.ConversationID
}

func TestHandler_MessageFlow(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t)
	base := "/v1/conversations/" + convID

	code, env := api.do(t, http.MethodPost, base+"/messages", "alice", SendMessageRequest{Text: "hi bob"})
	require.Equal(t, http.StatusCreated, code)
	var sent domain.MessageView
	require.NoError(t, json.Unmarshal(env.Data, &sent))
	assert.Equal(t, domain.MessageDelivered, sent.Status)

	code, env = api.do(t, http.MethodGet, base, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var conv struct {
		Unread int64 `json:"unread"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	assert.Equal(t, int64(1), conv.Unread)

	code, env = api.do(t, http.MethodPost, base+"/read", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var read struct {
		Marked int `json:"marked"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &read))
	assert.Equal(t, 1, read.Marked)

	code, env = api.do(t, http.MethodGet, base+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Messages []domain.MessageView `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "hi bob", list.Messages[0].Text)
	assert.Equal(t, domain.MessageRead, list.Messages[0].Status)
}

func TestHandler_Validation(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t)
	base := "/v1/conversations/" + convID

	code, env := api.do(t, http.MethodPost, "/v1/conversations", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = api.do(t, http.MethodPost, base+"/messages", "alice", SendMessageRequest{Text: "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = api.do(t, http.MethodPost, base+"/messages", "mallory", SendMessageRequest{Text: "hey"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", env.Error.Code)

	code, env = api.do(t, http.MethodGet, "/v1/conversations/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestHandler_SetTyping(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t)
	path := "/v1/conversations/" + convID + "/typing"

	code, _ := api.do(t, http.MethodPost, path, "alice", map[string]bool{"active": true})
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = api.do(t, http.MethodPost, path, "alice", map[string]bool{"active": false})
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = api.do(t, http.MethodPost, path, "mallory", map[string]bool{"active": true})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(t, http.MethodPost, path, "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, []typingCall{
		{convID, "alice", true},
		{convID, "alice", false},
	}, api.typing.calls)
}

func TestHandler_ListConversations(t *testing.T) {
	api := newTestAPI(t)
	convID := api.createConversation(t)
	assert.Equal(t, convID, api.createConversation(t), "creating again returns the same conversation")

	code, _ := api.do(t, http.MethodPost, "/v1/conversations/"+convID+"/messages", "alice", SendMessageRequest{Text: "hi"})
	require.Equal(t, http.StatusCreated, code)

	code, env := api.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var body struct {
		Conversations []domain.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Conversations, 1)
	row := body.Conversations[0]
	assert.Equal(t, convID, row.ConversationID)
	assert.Equal(t, int64(1), row.Unread)
	assert.Equal(t, "alice", row.OtherUserID)
	assert.Equal(t, domain.PresenceOffline, row.OtherPresence.State)

	code, env = api.do(t, http.MethodGet, "/v1/conversations", "carol", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Empty(t, body.Conversations)
}
