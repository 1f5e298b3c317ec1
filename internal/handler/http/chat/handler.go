package chat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/chat"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/response"
)

// ChatService is the messaging behaviour the handler drives
type ChatService interface {
	CreateConversation(ctx context.Context, participants []string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
	SendMessage(ctx context.Context, input *chat.SendMessageInput) (*domain.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
	GetMessages(ctx context.Context, conversationID, userID string) ([]domain.MessageView, error)
}

// TypingSetter records keystrokes
type TypingSetter interface {
	SetTyping(ctx context.Context, conversationID, userID string, active bool) error
}

// Handler handles chat HTTP requests
type Handler struct {
	chatService ChatService
	typing      TypingSetter
}

// NewHandler creates a new chat handler
func NewHandler(chatService ChatService, typing TypingSetter) *Handler {
	return &Handler{
		chatService: chatService,
		typing:      typing,
	}
}

// RegisterRoutes mounts the conversation endpoints on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	conv := rg.Group("/conversations")
	conv.GET("", h.ListConversations)
	conv.POST("", h.CreateConversation)
	conv.GET("/:id", h.GetConversation)
	conv.GET("/:id/messages", h.GetMessages)
	conv.POST("/:id/messages", h.SendMessage)
	conv.POST("/:id/read", h.MarkRead)
	conv.POST("/:id/typing", h.SetTyping)
}

// CreateConversationRequest represents a one-to-one conversation request
type CreateConversationRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

// SendMessageRequest represents send message request
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// TypingRequest represents typing indicator request
type TypingRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// CreateConversation opens a conversation with another user
// POST /v1/conversations
func (h *Handler) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	conv, err := h.chatService.CreateConversation(c.Request.Context(), []string{middleware.UserID(c), req.ParticipantID})
	if err != nil {
		response.FromError(c, err, "Failed to create conversation")
		return
	}

	response.Success(c, http.StatusCreated, conv)
}

// ListConversations returns the caller's conversations, most recent first
// GET /v1/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	list, err := h.chatService.ListConversations(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err, "Failed to list conversations")
		return
	}
	if list == nil {
		list = []domain.ConversationSummary{}
	}

	response.Success(c, http.StatusOK, gin.H{"conversations": list})
}

// ConversationResponse is a conversation with the caller's unread count
type ConversationResponse struct {
	*domain.Conversation
	Unread int64 `json:"unread"`
}

// GetConversation returns the conversation and the caller's unread count
// GET /v1/conversations/:id
func (h *Handler) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	conv, ok := h.conversation(c)
	if !ok {
		return
	}
	unread, err := h.chatService.UnreadCount(ctx, conv.ConversationID, middleware.UserID(c))
	if err != nil {
		response.FromError(c, err, "Failed to get conversation")
		return
	}

	response.Success(c, http.StatusOK, ConversationResponse{Conversation: conv, Unread: unread})
}

// SendMessage handles sending a new message
// POST /v1/conversations/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	msg, err := h.chatService.SendMessage(c.Request.Context(), &chat.SendMessageInput{
		ConversationID: c.Param("id"),
		SenderID:       middleware.UserID(c),
		Text:           req.Text,
	})
	if err != nil {
		response.FromError(c, err, "Failed to send message")
		return
	}

	response.Success(c, http.StatusCreated, msg.View())
}

// GetMessages lists the conversation's messages in send order
// GET /v1/conversations/:id/messages
func (h *Handler) GetMessages(c *gin.Context) {
	messages, err := h.chatService.GetMessages(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err, "Failed to get messages")
		return
	}
	if messages == nil {
		messages = []domain.MessageView{}
	}

	response.Success(c, http.StatusOK, gin.H{"messages": messages})
}

// MarkRead marks the other participant's messages as read
// POST /v1/conversations/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	marked, err := h.chatService.MarkRead(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err, "Failed to mark messages as read")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"marked": marked})
}

// SetTyping records a keystroke, or clears the flag when active is false
// POST /v1/conversations/:id/typing
func (h *Handler) SetTyping(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	conv, ok := h.conversation(c)
	if !ok {
		return
	}

	if err := h.typing.SetTyping(c.Request.Context(), conv.ConversationID, middleware.UserID(c), *req.Active); err != nil {
		response.FromError(c, err, "Failed to update typing status")
		return
	}

	c.Status(http.StatusNoContent)
}

// conversation loads :id and checks the caller participates. It writes the
// error response itself.
func (h *Handler) conversation(c *gin.Context) (*domain.Conversation, bool) {
	conv, err := h.chatService.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err, "Failed to get conversation")
		return nil, false
	}
	if !conv.HasParticipant(middleware.UserID(c)) {
		response.FromError(c, apperrors.PermissionDeniedError("Not a participant of this conversation"), "")
		return nil, false
	}
	return conv, true
}
