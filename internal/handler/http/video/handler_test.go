package video

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/chat"
	videosvc "chatcall-backend/internal/service/video"
	"chatcall-backend/internal/signaling"
	apperrors "chatcall-backend/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockArchive is a mock implementation of ArchiveReader
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) GetByID(ctx context.Context, callID string) (*domain.CallRecord, error) {
	args := m.Called(ctx, callID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallRecord), args.Error(1)
}

type testAPI struct {
	router *gin.Engine
	clock  *clock.Mock
	convID string
}

func newTestAPI(t *testing.T, archive ArchiveReader) *testAPI {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	ch := signaling.NewMemoryStore(clk).Connect()

	chats := chat.NewService(ch, chat.Options{Clock: clk})
	conv, err := chats.CreateConversation(context.Background(), []string{"alice", "bob"})
	require.NoError(t, err)

	calls := videosvc.NewService(ch, videosvc.Options{Conversations: chats, Clock: clk})
	t.Cleanup(func() {
		calls.Close()
		ch.Close()
	})

	router := gin.New()
	api := router.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-User"))
	})
	NewHandler(calls, videosvc.NewHistory(ch, nil), archive).RegisterRoutes(api)
	return &testAPI{router: router, clock: clk, convID: conv.ConversationID}
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
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func (a *testAPI) startCall(t *testing.T) string {
	t.Helper()
	code, env := a.do(t, http.MethodPost, "/v1/calls", "alice", StartCallRequest{ConversationID: a.convID, CallType: "video"})
	require.Equal(t, http.StatusCreated, code)
	var out struct {
		CallID string `json:"call_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	require.NotEmpty(t, out.CallID)
	return out.CallID
}

func TestHandler_CallLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)
	callID := api.startCall(t)

	code, env := api.do(t, http.MethodGet, "/v1/calls/"+callID, "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var rec domain.CallRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, domain.CallRinging, rec.Status)
	assert.Equal(t, "bob", rec.CalleeID)

	code, env = api.do(t, http.MethodPost, "/v1/calls/"+callID+"/accept", "alice", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", env.Error.Code)

	code, _ = api.do(t, http.MethodPost, "/v1/calls/"+callID+"/accept", "bob", nil)
	assert.Equal(t, http.StatusOK, code)

	api.clock.Add(90 * time.Second)
	code, _ = api.do(t, http.MethodPost, "/v1/calls/"+callID+"/end", "alice", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env = api.do(t, http.MethodPost, "/v1/calls/"+callID+"/accept", "bob", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CALL_ENDED", env.Error.Code)

	code, env = api.do(t, http.MethodGet, "/v1/calls/history?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var history struct {
		Calls []domain.CallHistoryEntry `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &history))
	require.Len(t, history.Calls, 1)
	assert.Equal(t, domain.HistoryIncoming, history.Calls[0].Status)
	assert.Equal(t, "01:30", history.Calls[0].Duration)
}

func TestHandler_StartCall_Validation(t *testing.T) {
	api := newTestAPI(t, nil)

	code, env := api.do(t, http.MethodPost, "/v1/calls", "alice", map[string]string{"conversation_id": api.convID, "call_type": "fax"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = api.do(t, http.MethodPost, "/v1/calls", "mallory", StartCallRequest{ConversationID: api.convID, CallType: "audio"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", env.Error.Code)

	code, env = api.do(t, http.MethodPost, "/v1/calls", "alice", StartCallRequest{ConversationID: "nope", CallType: "audio"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = api.do(t, http.MethodGet, "/v1/calls/history?limit=-1", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_GetCall_ArchiveFallback(t *testing.T) {
	archive := new(MockArchive)
	archive.On("GetByID", mock.Anything, "old").Return(&domain.CallRecord{
		CallID: "old", CallerID: "alice", CalleeID: "bob", Status: domain.CallEnded,
	}, nil)
	archive.On("GetByID", mock.Anything, "gone").Return(nil, apperrors.NotFoundError("Call"))
	api := newTestAPI(t, archive)

	code, env := api.do(t, http.MethodGet, "/v1/calls/old", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var rec domain.CallRecord
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, domain.CallEnded, rec.Status)

	code, _ = api.do(t, http.MethodGet, "/v1/calls/old", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = api.do(t, http.MethodGet, "/v1/calls/gone", "bob", nil)
	assert.Equal(t, http.StatusNotFound, code)
}
