package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/internal/middleware"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/push"
	"chatcall-backend/pkg/response"
)

// PushService is the device registry and sender the handler drives
type PushService interface {
	RegisterToken(ctx context.Context, input *push.RegisterTokenInput) (*push.Token, error)
	UnregisterToken(ctx context.Context, userID, token string) error
	ListTokens(ctx context.Context, userID string) ([]*push.Token, error)
	NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

// Handler handles push notification HTTP requests
type Handler struct {
	pushService PushService
}

// NewHandler creates a new push notification handler
func NewHandler(pushService PushService) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterRoutes mounts the device endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	p := rg.Group("/push")
	p.POST("/tokens", h.RegisterToken)
	p.DELETE("/tokens", h.UnregisterToken)
	p.GET("/tokens", h.GetTokens)
	p.POST("/test", h.TestNotification)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// UnregisterTokenRequest represents request to remove a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken registers a push notification token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	token, err := h.pushService.RegisterToken(c.Request.Context(), &push.RegisterTokenInput{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	})
	if err != nil {
		response.FromError(c, err, "Failed to register token")
		return
	}

	logger.FromContext(c.Request.Context()).Info("Push token registered",
		zap.String("user_id", userID),
		zap.String("token_id", token.ID),
		zap.String("type", string(token.Type)))

	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

// UnregisterToken removes a push notification token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), middleware.UserID(c), req.Token); err != nil {
		response.FromError(c, err, "Failed to unregister token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered successfully"})
}

// GetTokens lists the caller's registered devices
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	tokens, err := h.pushService.ListTokens(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err, "Failed to get tokens")
		return
	}
	if tokens == nil {
		tokens = []*push.Token{}
	}

	response.Success(c, http.StatusOK, gin.H{"tokens": tokens, "count": len(tokens)})
}

// TestNotification sends a test notification to the caller's devices
// POST /v1/push/test
func (h *Handler) TestNotification(c *gin.Context) {
	err := h.pushService.NotifyUser(c.Request.Context(), middleware.UserID(c),
		"Test Notification",
		"This is a test push notification",
		map[string]string{"type": "test"})
	if err != nil {
		response.FromError(c, err, "Failed to send test notification")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Test notification sent"})
}
