package video

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/response"
)

// CallService is the call orchestration the handler drives
type CallService interface {
	StartCall(ctx context.Context, callerID, conversationID string, kind domain.MediaKind) (string, error)
	AcceptCall(ctx context.Context, callID, userID string) error
	RejectCall(ctx context.Context, callID, userID string) error
	EndCall(ctx context.Context, callID, userID string) error
	GetCall(ctx context.Context, callID, userID string) (*domain.CallRecord, error)
}

// HistoryLister lists a user's call log
type HistoryLister interface {
	List(ctx context.Context, viewerID string, limit int) ([]domain.CallHistoryEntry, error)
}

// ArchiveReader reads calls whose live record is gone
type ArchiveReader interface {
	GetByID(ctx context.Context, callID string) (*domain.CallRecord, error)
}

// Handler handles video call HTTP requests
type Handler struct {
	calls   CallService
	history HistoryLister
	archive ArchiveReader
}

// NewHandler creates a new video handler. archive may be nil.
func NewHandler(calls CallService, history HistoryLister, archive ArchiveReader) *Handler {
	return &Handler{
		calls:   calls,
		history: history,
		archive: archive,
	}
}

// RegisterRoutes mounts the call endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.StartCall)
	calls.GET("/history", h.History)
	calls.GET("/:id", h.GetCall)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/reject", h.RejectCall)
	calls.POST("/:id/end", h.EndCall)
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	CallType       string `json:"call_type" binding:"required,oneof=audio video"`
}

// StartCall rings the other participant of a conversation
// POST /v1/calls
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callID, err := h.calls.StartCall(c.Request.Context(), middleware.UserID(c), req.ConversationID, domain.MediaKind(req.CallType))
	if err != nil {
		response.FromError(c, err, "Failed to start call")
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"call_id": callID})
}

// AcceptCall answers a ringing call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	h.transition(c, h.calls.AcceptCall, "Failed to accept call")
}

// RejectCall declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.transition(c, h.calls.RejectCall, "Failed to reject call")
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	h.transition(c, h.calls.EndCall, "Failed to end call")
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, callID, userID string) error, failure string) {
	callID := c.Param("id")
	if err := fn(c.Request.Context(), callID, middleware.UserID(c)); err != nil {
		response.FromError(c, err, failure)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"call_id": callID})
}

// GetCall returns the call record. Calls whose live record has been removed
// are served from the archive when one is configured.
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	ctx := c.Request.Context()
	callID := c.Param("id")
	userID := middleware.UserID(c)

	rec, err := h.calls.GetCall(ctx, callID, userID)
	if errors.Is(err, apperrors.ErrNotFound) && h.archive != nil {
		rec, err = h.archive.GetByID(ctx, callID)
		if err == nil && !rec.IsParticipant(userID) {
			err = apperrors.PermissionDeniedError("not a participant of this call")
		}
	}
	if err != nil {
		response.FromError(c, err, "Failed to get call")
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// History lists the caller's call log, newest first
// GET /v1/calls/history?limit=
func (h *Handler) History(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.ValidationError(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.history.List(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		response.FromError(c, err, "Failed to list call history")
		return
	}
	if entries == nil {
		entries = []domain.CallHistoryEntry{}
	}

	response.Success(c, http.StatusOK, gin.H{"calls": entries})
}
