package push

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/middleware"
	redisrepo "chatcall-backend/internal/repository/redis"
	"chatcall-backend/pkg/push"
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

func newTestRouter(t *testing.T) (*gin.Engine, *push.MockProvider) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := &push.MockProvider{}
	svc := push.NewService(provider, redisrepo.NewPushTokenRepository(client), nil)

	router := gin.New()
	api := router.Group("/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-User"))
	})
	NewHandler(svc).RegisterRoutes(api)
	return router, provider
}

func do(t *testing.T, router *gin.Engine, method, path, user string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestHandler_TokenLifecycle(t *testing.T) {
	router, provider := newTestRouter(t)

	code, _ := do(t, router, http.MethodPost, "/v1/push/tokens", "bob",
		RegisterTokenRequest{Token: "device-1", Type: push.TokenTypeFCM, Platform: "android"})
	require.Equal(t, http.StatusOK, code)

	code, env := do(t, router, http.MethodGet, "/v1/push/tokens", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	var list struct {
		Tokens []push.Token `json:"tokens"`
		Count  int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "device-1", list.Tokens[0].Token)
	assert.True(t, list.Tokens[0].Active)

	code, _ = do(t, router, http.MethodPost, "/v1/push/test", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, provider.Sent(), 1)
	assert.Equal(t, "Test Notification", provider.Sent()[0].Title)

	code, env = do(t, router, http.MethodDelete, "/v1/push/tokens", "alice", UnregisterTokenRequest{Token: "device-1"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = do(t, router, http.MethodDelete, "/v1/push/tokens", "bob", UnregisterTokenRequest{Token: "device-1"})
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, router, http.MethodGet, "/v1/push/tokens", "bob", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Zero(t, list.Count)
}

func TestHandler_RegisterToken_Validation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name string
		body map[string]string
	}{
		{"missing token", map[string]string{"type": "fcm"}},
		{"unknown type", map[string]string{"token": "x", "type": "web"}},
		{"unknown platform", map[string]string{"token": "x", "type": "apns", "platform": "symbian"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := do(t, router, http.MethodPost, "/v1/push/tokens", "bob", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
		})
	}
}
