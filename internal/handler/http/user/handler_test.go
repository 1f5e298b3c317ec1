package user

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/service/user"
	"chatcall-backend/internal/signaling"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

type testAPI struct {
	router *gin.Engine
	store  *signaling.MemoryStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := signaling.NewMemoryStore(nil)
	ch := store.Connect()
	t.Cleanup(func() { ch.Close() })

	router := gin.New()
	api := router.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-User"))
		c.Set(middleware.ContextDisplayName, "Token Name")
	})
	NewHandler(user.NewService(ch, nil), ch).RegisterRoutes(api)
	return &testAPI{router: router, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, userID string, body any, out any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", userID)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if out != nil && env.Success {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return w.Code, env
}

func TestHandler_Profile(t *testing.T) {
	api := newTestAPI(t)

	var me domain.UserProfile
	code, _ := api.do(t, http.MethodGet, "/v1/users/me", "alice", nil, &me)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Token Name", me.DisplayName, "missing profile falls back to claims")

	name := "Alice"
	code, _ = api.do(t, http.MethodPut, "/v1/users/me", "alice", UpdateProfileRequest{DisplayName: &name}, &me)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Alice", me.DisplayName)

	var other domain.UserProfile
	code, _ = api.do(t, http.MethodGet, "/v1/users/alice", "bob", nil, &other)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.UserProfile{UserID: "alice", DisplayName: "Alice"}, other)

	code, env := api.do(t, http.MethodGet, "/v1/users/nobody", "bob", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestHandler_UpdateProfile_Validation(t *testing.T) {
	api := newTestAPI(t)

	code, env := api.do(t, http.MethodPut, "/v1/users/me", "alice", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, _ = api.do(t, http.MethodPut, "/v1/users/me", "alice", map[string]string{"avatar_url": "not a url"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = api.do(t, http.MethodPut, "/v1/users/me", "alice", map[string]string{"display_name": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_GetPresence(t *testing.T) {
	api := newTestAPI(t)

	var rec domain.PresenceRecord
	code, _ := api.do(t, http.MethodGet, "/v1/users/bob/presence", "alice", nil, &rec)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.PresenceOffline, rec.State)

	client := api.store.Connect()
	t.Cleanup(func() { client.Close() })
	tracker := presence.NewTracker(client, nil)
	require.NoError(t, tracker.Start(context.Background(), "bob"))

	code, _ = api.do(t, http.MethodGet, "/v1/users/bob/presence", "alice", nil, &rec)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, domain.PresenceOnline, rec.State)
	assert.Equal(t, "bob", rec.UserID)
}
