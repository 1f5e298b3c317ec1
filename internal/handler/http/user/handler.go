package user

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/signaling"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/response"
)

// ProfileService reads and updates public profiles
type ProfileService interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)
	UpdateProfile(ctx context.Context, userID string, displayName, avatarURL *string) (*domain.UserProfile, error)
}

// Handler handles user profile and presence HTTP requests
type Handler struct {
	userService ProfileService
	ch          signaling.Channel
}

// NewHandler creates a new user handler. Presence is read from ch.
func NewHandler(userService ProfileService, ch signaling.Channel) *Handler {
	return &Handler{
		userService: userService,
		ch:          ch,
	}
}

// RegisterRoutes mounts the user endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	users := rg.Group("/users")
	users.GET("/me", h.GetProfile)
	users.PUT("/me", h.UpdateProfile)
	users.GET("/:id", h.GetUser)
	users.GET("/:id/presence", h.GetPresence)
}

// UpdateProfileRequest represents profile update request
type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name" binding:"omitempty,min=1,max=100"`
	AvatarURL   *string `json:"avatar_url" binding:"omitempty,url"`
}

// GetProfile returns current user profile. A user without a stored profile
// gets one built from the token claims.
// GET /v1/users/me
func (h *Handler) GetProfile(c *gin.Context) {
	userID := middleware.UserID(c)
	profile, err := h.userService.GetProfile(c.Request.Context(), userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		profile, err = &domain.UserProfile{
			UserID:      userID,
			DisplayName: c.GetString(middleware.ContextDisplayName),
		}, nil
	}
	if err != nil {
		response.FromError(c, err, "Failed to get profile")
		return
	}

	response.Success(c, http.StatusOK, profile)
}

// UpdateProfile updates current user profile
// PUT /v1/users/me
func (h *Handler) UpdateProfile(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.DisplayName == nil && req.AvatarURL == nil {
		response.ValidationError(c, "Nothing to update")
		return
	}

	profile, err := h.userService.UpdateProfile(c.Request.Context(), middleware.UserID(c), req.DisplayName, req.AvatarURL)
	if err != nil {
		response.FromError(c, err, "Failed to update profile")
		return
	}

	response.Success(c, http.StatusOK, profile)
}

// GetUser returns another user's public profile
// GET /v1/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	profile, err := h.userService.GetProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err, "Failed to get user")
		return
	}

	response.Success(c, http.StatusOK, profile)
}

// GetPresence returns a user's current presence. Users never seen read as offline.
// GET /v1/users/:id/presence
func (h *Handler) GetPresence(c *gin.Context) {
	rec, err := presence.Get(c.Request.Context(), h.ch, c.Param("id"))
	if err != nil {
		response.FromError(c, err, "Failed to get presence")
		return
	}

	response.Success(c, http.StatusOK, rec)
}
