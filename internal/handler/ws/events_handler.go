package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Client actions
const (
	ActionWatchPresence = "watch_presence"
	ActionWatchTyping   = "watch_typing"
	ActionWatchMessages = "watch_messages"
	ActionWatchCall     = "watch_call"
	ActionWatchIncoming = "watch_incoming"
	ActionUnwatch       = "unwatch"
	ActionTyping        = "typing"
	ActionAppState      = "app_state"
)

// Server frame types
const (
	FramePresence     = "presence"
	FrameTyping       = "typing"
	FrameMessages     = "messages"
	FrameCall         = "call"
	FrameIncomingCall = "incoming_call"
	FrameAck          = "ack"
	FrameError        = "error"
)

// ClientMessage is a frame sent by the client. Target is the user,
// conversation or call the action applies to. Key names the watch so it can
// be replaced or cancelled; it defaults to action:target.
type ClientMessage struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
	Target string `json:"target,omitempty"`
	Active bool   `json:"active,omitempty"`
	State  string `json:"state,omitempty"`
}

// Frame is a frame pushed to the client
type Frame struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	Data any    `json:"data,omitempty"`
}

// ConversationWatcher reads conversations and streams their messages
type ConversationWatcher interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	WatchMessages(ctx context.Context, conversationID string) (*signaling.Subscription[[]domain.MessageView], error)
}

// TypingService sets and streams typing flags
type TypingService interface {
	SetTyping(ctx context.Context, conversationID, userID string, active bool) error
	WatchOthersTyping(ctx context.Context, conversationID, selfID string) (*signaling.Subscription[bool], error)
}

// CallWatcher streams call records
type CallWatcher interface {
	GetCall(ctx context.Context, callID, userID string) (*domain.CallRecord, error)
	WatchCall(ctx context.Context, callID string) (*signaling.Subscription[domain.CallRecord], error)
	WatchIncoming(ctx context.Context, userID string) (*signaling.Subscription[domain.CallRecord], error)
}

// Dialer opens the signaling connection owned by one socket. Its disconnect
// writes take effect when the socket goes away.
type Dialer func(ctx context.Context) (signaling.Channel, error)

// EventsOptions wires the hub's collaborators
type EventsOptions struct {
	Dial           Dialer
	Chats          ConversationWatcher
	Typing         TypingService
	Calls          CallWatcher
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	MaxConnections int
}

// EventsHub serves the realtime event socket
type EventsHub struct {
	opts     EventsOptions
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*EventsClient]struct{}

	// Semaphore for limiting concurrent connections
	semaphore chan struct{}
}

// EventsClient is one connected socket
type EventsClient struct {
	hub     *EventsHub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	ch      signaling.Channel
	tracker *presence.Tracker
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

// NewEventsHub creates a new events hub
func NewEventsHub(opts EventsOptions) *EventsHub {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = constants.MaxWebSocketConnections
	}
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}
	return &EventsHub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no origin.
				return origin == "" || allowed[origin]
			},
		},
		clients:   make(map[*EventsClient]struct{}),
		semaphore: make(chan struct{}, opts.MaxConnections),
	}
}

// Connections returns the number of open sockets
func (h *EventsHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades an authenticated request to the event socket
// GET /v1/ws/events
func (h *EventsHub) ServeWS(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.opts.MaxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &EventsClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		userID:  userID,
		log:     logger.Named("events").With(zap.String("user_id", userID)),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
	}

	if err := client.open(); err != nil {
		client.log.Error("Failed to open event session", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"),
			time.Now().Add(constants.WebSocketWriteWait))
		client.shutdown()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *EventsHub) register(c *EventsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetWebSocketConnections(n)
	}
}

func (h *EventsHub) unregister(c *EventsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	<-h.semaphore
	if h.opts.Metrics != nil {
		h.opts.Metrics.SetWebSocketConnections(n)
	}
}

// open dials the socket's signaling connection and publishes presence.
func (c *EventsClient) open() error {
	c.hub.register(c)
	ctx, cancel := context.WithTimeout(c.ctx, constants.DefaultTimeout)
	defer cancel()

	ch, err := c.hub.opts.Dial(ctx)
	if err != nil {
		return err
	}
	c.ch = ch
	c.tracker = presence.NewTracker(ch, c.hub.opts.Metrics)
	return c.tracker.Start(ctx, c.userID)
}

// shutdown stops every watch, publishes offline and releases the slot.
func (c *EventsClient) shutdown() {
	c.cancel()
	if c.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
		if err := c.tracker.Stop(ctx); err != nil {
			c.log.Warn("Failed to publish offline", zap.Error(err))
		}
		cancel()
	}
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.log.Debug("Signaling close failed", zap.Error(err))
		}
	}
	c.conn.Close()
	c.hub.unregister(c)
}

// readPump reads client frames until the socket fails
func (c *EventsClient) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(constants.MaxWebSocketMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket connection closed", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn("Invalid message format from WebSocket", zap.Error(err))
			c.emit(Frame{Type: FrameError, Data: errorBody(apperrors.InvalidInputError("malformed frame"))})
			continue
		}
		if c.hub.opts.Metrics != nil {
			c.hub.opts.Metrics.RecordWebSocketMessage(msg.Action, "in")
		}
		if msg.Key == "" && msg.Target != "" {
			msg.Key = msg.Action + ":" + msg.Target
		}

		if err := c.handle(&msg); err != nil {
			c.emit(Frame{Type: FrameError, Key: msg.Key, Data: errorBody(err)})
			continue
		}
		c.emit(Frame{Type: FrameAck, Key: msg.Key})
	}
}

// writePump writes queued frames and keeps the socket alive with pings
func (c *EventsClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// emit queues a frame. A client too slow to drain its queue is dropped.
func (c *EventsClient) emit(f Frame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.log.Error("Failed to encode frame", zap.String("type", f.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
		if c.hub.opts.Metrics != nil {
			c.hub.opts.Metrics.RecordWebSocketMessage(f.Type, "out")
		}
	case <-c.ctx.Done():
	default:
		c.log.Warn("Dropping slow WebSocket client")
		c.cancel()
	}
}

func (c *EventsClient) handle(msg *ClientMessage) error {
	ctx, cancel := context.WithTimeout(c.ctx, constants.DefaultTimeout)
	defer cancel()

	switch msg.Action {
	case ActionWatchPresence:
		if msg.Target == "" {
			return apperrors.ValidationError("target user is required")
		}
		return startWatch(c, msg.Key, FramePresence, func(ctx context.Context) (*signaling.Subscription[domain.PresenceRecord], error) {
			return c.tracker.Watch(ctx, msg.Target)
		})

	case ActionWatchTyping:
		if err := c.checkConversation(ctx, msg.Target); err != nil {
			return err
		}
		return startWatch(c, msg.Key, FrameTyping, func(ctx context.Context) (*signaling.Subscription[bool], error) {
			return c.hub.opts.Typing.WatchOthersTyping(ctx, msg.Target, c.userID)
		})

	case ActionWatchMessages:
		if err := c.checkConversation(ctx, msg.Target); err != nil {
			return err
		}
		return startWatch(c, msg.Key, FrameMessages, func(ctx context.Context) (*signaling.Subscription[[]domain.MessageView], error) {
			return c.hub.opts.Chats.WatchMessages(ctx, msg.Target)
		})

	case ActionWatchCall:
		if _, err := c.hub.opts.Calls.GetCall(ctx, msg.Target, c.userID); err != nil {
			return err
		}
		return startWatch(c, msg.Key, FrameCall, func(ctx context.Context) (*signaling.Subscription[domain.CallRecord], error) {
			return c.hub.opts.Calls.WatchCall(ctx, msg.Target)
		})

	case ActionWatchIncoming:
		if msg.Key == "" {
			msg.Key = ActionWatchIncoming
		}
		return startWatch(c, msg.Key, FrameIncomingCall, func(ctx context.Context) (*signaling.Subscription[domain.CallRecord], error) {
			return c.hub.opts.Calls.WatchIncoming(ctx, c.userID)
		})

	case ActionUnwatch:
		if msg.Key == "" {
			return apperrors.ValidationError("key is required")
		}
		c.stopWatch(msg.Key)
		return nil

	case ActionTyping:
		if err := c.checkConversation(ctx, msg.Target); err != nil {
			return err
		}
		return c.hub.opts.Typing.SetTyping(ctx, msg.Target, c.userID, msg.Active)

	case ActionAppState:
		switch msg.State {
		case "foreground":
			return c.tracker.Foreground(ctx)
		case "background":
			return c.tracker.Background(ctx)
		default:
			return apperrors.ValidationError("state must be foreground or background")
		}

	default:
		return apperrors.InvalidInputError("unknown action " + msg.Action)
	}
}

func (c *EventsClient) checkConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return apperrors.ValidationError("target conversation is required")
	}
	conv, err := c.hub.opts.Chats.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(c.userID) {
		return apperrors.PermissionDeniedError("Not a participant of this conversation")
	}
	return nil
}

// startWatch opens a subscription under key, replacing any watch already
// registered there, and forwards its updates as frames of type typ.
func startWatch[T any](c *EventsClient, key, typ string, open func(ctx context.Context) (*signaling.Subscription[T], error)) error {
	ctx, cancel := context.WithCancel(c.ctx)
	sub, err := open(ctx)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if prev, ok := c.watches[key]; ok {
		prev()
	}
	c.watches[key] = cancel
	c.mu.Unlock()

	go func() {
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				return
			case v, ok := <-sub.Updates():
				if !ok {
					return
				}
				c.emit(Frame{Type: typ, Key: key, Data: v})
			}
		}
	}()
	return nil
}

func (c *EventsClient) stopWatch(key string) {
	c.mu.Lock()
	cancel, ok := c.watches[key]
	delete(c.watches, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

type errorPayload struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func errorBody(err error) errorPayload {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return errorPayload{Code: appErr.Code, Message: appErr.Message}
	}
	return errorPayload{Code: apperrors.ErrCodeInternal, Message: "internal error"}
}
