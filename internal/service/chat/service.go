package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/sanitize"
)

// ConversationPath is the conversation document.
func ConversationPath(conversationID string) string {
	return signaling.Join("chats", conversationID)
}

// MessagesPath is the collection holding a conversation's messages.
func MessagesPath(conversationID string) string {
	return signaling.Join("chats", conversationID, "messages")
}

func MessagePath(conversationID, messageID string) string {
	return signaling.Join(MessagesPath(conversationID), messageID)
}

// UserChatsPath is the list indexing the conversations a user belongs to.
func UserChatsPath(userID string) string {
	return signaling.Join("users", userID, "chats")
}

type chatRef struct {
	ConversationID string `json:"conversation_id"`
}

// Notifier delivers out-of-band wake-ups. Failures never fail a send.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

// TypingClearer force-clears a user's typing flag.
type TypingClearer interface {
	Clear(ctx context.Context, conversationID, userID string) error
}

// NameResolver looks up a display name for notifications.
type NameResolver interface {
	DisplayName(ctx context.Context, userID, fallback string) string
}

// Options carries the optional collaborators of the chat service.
type Options struct {
	Clock    clock.Clock
	Typing   TypingClearer
	Notifier Notifier
	Names    NameResolver
	Metrics  *metrics.Metrics
	// ReadRetries bounds how often MarkRead rebuilds its batch after a
	// concurrent change invalidated it.
	ReadRetries int
}

// Service handles chat business logic on top of the signaling store
type Service struct {
	ch          signaling.Channel
	clock       clock.Clock
	typing      TypingClearer
	notifier    Notifier
	names       NameResolver
	metrics     *metrics.Metrics
	readRetries int
	log         *zap.Logger

	mu       sync.Mutex
	pending  map[string]map[string]domain.Message
	watchers map[string]map[int]chan struct{}
	nextID   int
}

// NewService creates a new chat service
func NewService(ch signaling.Channel, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = 3
	}
	return &Service{
		ch:          ch,
		clock:       opts.Clock,
		typing:      opts.Typing,
		notifier:    opts.Notifier,
		names:       opts.Names,
		metrics:     opts.Metrics,
		readRetries: opts.ReadRetries,
		log:         logger.Named("chat"),
		pending:     map[string]map[string]domain.Message{},
		watchers:    map[string]map[int]chan struct{}{},
	}
}

// CreateConversation opens the one-to-one conversation between two users,
// or returns it when it already exists. The id is derived from the pair, so
// repeated or concurrent calls land on the same document.
func (s *Service) CreateConversation(ctx context.Context, participants []string) (*domain.Conversation, error) {
	if len(participants) != 2 || participants[0] == "" || participants[1] == "" || participants[0] == participants[1] {
		return nil, apperrors.ValidationError("a conversation needs exactly two distinct participants")
	}
	conversationID := domain.ConversationID(participants[0], participants[1])
	existing, err := s.GetConversation(ctx, conversationID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	members := []string{participants[0], participants[1]}
	sort.Strings(members)
	conv := &domain.Conversation{
		ConversationID: conversationID,
		Participants:   members,
		CreatedAt:      s.clock.Now().UTC(),
	}
	// Unread counters are left absent and read as zero, so a racing create
	// cannot reset a counter a send already bumped.
	doc := map[string]any{
		"conversation_id": conv.ConversationID,
		"participants":    conv.Participants,
		"created_at":      conv.CreatedAt,
	}
	if err := s.ch.Merge(ctx, ConversationPath(conversationID), doc); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	for _, p := range members {
		if err := s.ch.Append(ctx, UserChatsPath(p), chatRef{ConversationID: conversationID}); err != nil {
			return nil, fmt.Errorf("failed to index conversation: %w", err)
		}
	}
	s.log.Info("Conversation created", zap.String("conversation_id", conversationID))
	return conv, nil
}

// ListConversations returns userID's conversations, most recently active
// first, each with the user's unread count and the other party's presence.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	if userID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	items, err := s.ch.Items(ctx, UserChatsPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	seen := make(map[string]bool, len(items))
	out := make([]domain.ConversationSummary, 0, len(items))
	for _, item := range items {
		var ref chatRef
		if err := item.Decode(&ref); err != nil || ref.ConversationID == "" || seen[ref.ConversationID] {
			continue
		}
		seen[ref.ConversationID] = true

		snap, err := s.ch.Once(ctx, ConversationPath(ref.ConversationID))
		if errors.Is(err, signaling.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}
		var row domain.ConversationSummary
		if err := snap.Decode(&row.Conversation); err != nil {
			s.log.Warn("Skipping undecodable conversation", zap.String("path", snap.Path), zap.Error(err))
			continue
		}
		row.ConversationID = ref.ConversationID
		if !row.HasParticipant(userID) {
			continue
		}
		if _, err := snap.Field(domain.UnreadField(userID), &row.Unread); err != nil {
			s.log.Warn("Unreadable unread counter", zap.String("path", snap.Path), zap.Error(err))
		}
		if other, ok := row.OtherParticipant(userID); ok {
			row.OtherUserID = other
			rec, err := presence.Get(ctx, s.ch, other)
			if err != nil {
				return nil, err
			}
			row.OtherPresence = rec
		}
		out = append(out, row)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SortKey().After(out[j].SortKey())
	})
	return out, nil
}

// GetConversation reads the conversation document.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return nil, apperrors.ValidationError("conversation id is required")
	}
	snap, err := s.ch.Once(ctx, ConversationPath(conversationID))
	if errors.Is(err, signaling.ErrNotFound) {
		return nil, apperrors.NotFoundError("Conversation")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv domain.Conversation
	if err := snap.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	conv.ConversationID = conversationID
	return &conv, nil
}

func (s *Service) participantConversation(ctx context.Context, conversationID, userID string) (*domain.Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.PermissionDeniedError("Not a participant of this conversation")
	}
	return conv, nil
}

// UnreadCount returns userID's unread counter for the conversation.
func (s *Service) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	snap, err := s.ch.Once(ctx, ConversationPath(conversationID))
	if errors.Is(err, signaling.ErrNotFound) {
		return 0, apperrors.NotFoundError("Conversation")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}
	var n int64
	if _, err := snap.Field(domain.UnreadField(userID), &n); err != nil {
		return 0, fmt.Errorf("failed to decode unread count: %w", err)
	}
	return n, nil
}

// SendMessageInput contains message data
type SendMessageInput struct {
	ConversationID string
	SenderID       string
	Text           string
}

// SendMessage writes the message with created and delivered set, updates the
// conversation summary, bumps the recipient's unread counter, clears the
// sender's typing flag and wakes the recipient. Only the message write can
// fail the call; the follow-ups are logged.
func (s *Service) SendMessage(ctx context.Context, input *SendMessageInput) (*domain.Message, error) {
	text := sanitize.MessageText(input.Text)
	if text == "" {
		return nil, apperrors.ValidationError("message text is required")
	}
	if utf8.RuneCountInString(text) > constants.MaxMessageLength {
		return nil, apperrors.ValidationError(fmt.Sprintf("message exceeds %d characters", constants.MaxMessageLength))
	}
	conv, err := s.participantConversation(ctx, input.ConversationID, input.SenderID)
	if err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	s.addPending(domain.Message{
		MessageID:      msgID,
		ConversationID: conv.ConversationID,
		SenderID:       input.SenderID,
		Text:           text,
	})
	defer s.removePending(conv.ConversationID, msgID)

	now := s.clock.Now().UTC()
	msg := &domain.Message{
		MessageID:      msgID,
		ConversationID: conv.ConversationID,
		SenderID:       input.SenderID,
		Text:           text,
		CreatedAt:      &now,
		DeliveredAt:    &now,
	}
	if err := s.ch.Set(ctx, MessagePath(conv.ConversationID, msgID), msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent()
	}

	log := s.log.With(zap.String("conversation_id", conv.ConversationID), zap.String("message_id", msgID))
	summary := map[string]any{
		"last_message": domain.MessageSummary{Text: text, SenderID: input.SenderID, CreatedAt: now},
		"last_updated": now,
	}
	if err := s.ch.Merge(ctx, ConversationPath(conv.ConversationID), summary); err != nil {
		log.Warn("Failed to update conversation summary", zap.Error(err))
	}

	recipient, hasRecipient := conv.OtherParticipant(input.SenderID)
	if hasRecipient {
		if _, err := s.ch.Increment(ctx, ConversationPath(conv.ConversationID), domain.UnreadField(recipient), 1); err != nil {
			log.Warn("Failed to increment unread counter", zap.String("user_id", recipient), zap.Error(err))
		}
	}
	if s.typing != nil {
		if err := s.typing.Clear(ctx, conv.ConversationID, input.SenderID); err != nil {
			log.Warn("Failed to clear typing flag", zap.Error(err))
		}
	}
	if hasRecipient && s.notifier != nil {
		s.notifyMessage(ctx, msg, recipient)
	}

	log.Debug("Message sent")
	return msg, nil
}

func (s *Service) notifyMessage(ctx context.Context, msg *domain.Message, recipient string) {
	title := "New Message"
	if s.names != nil {
		title = s.names.DisplayName(ctx, msg.SenderID, title)
	}
	data := map[string]string{
		"type":      "message",
		"chat_id":   msg.ConversationID,
		"sender_id": msg.SenderID,
	}
	if err := s.notifier.NotifyUser(ctx, recipient, title, preview(msg.Text), data); err != nil {
		s.log.Warn("Failed to notify recipient",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("user_id", recipient),
			zap.Error(err))
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= constants.MessagePreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:constants.MessagePreviewLength]) + "..."
}

// MarkRead sets the read time on every message authored by someone other
// than readerID that has none, and resets readerID's unread counter. The
// whole group is committed atomically; a batch invalidated by a concurrent
// change is rebuilt. Returns the number of messages marked.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	if _, err := s.participantConversation(ctx, conversationID, readerID); err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < s.readRetries; attempt++ {
		n, err := s.markReadOnce(ctx, conversationID, readerID)
		if err == nil {
			if s.metrics != nil && n > 0 {
				s.metrics.RecordMessagesRead(n)
			}
			return n, nil
		}
		if !errors.Is(err, signaling.ErrConditionFailed) && !errors.Is(err, signaling.ErrNotFound) {
			return 0, fmt.Errorf("failed to mark messages as read: %w", err)
		}
		lastErr = err
		s.log.Debug("Read batch invalidated, retrying",
			zap.String("conversation_id", conversationID),
			zap.Int("attempt", attempt+1))
	}
	return 0, fmt.Errorf("failed to mark messages as read: %w", lastErr)
}

func (s *Service) markReadOnce(ctx context.Context, conversationID, readerID string) (int, error) {
	snaps, err := s.ch.Query(ctx, MessagesPath(conversationID))
	if err != nil {
		return 0, err
	}
	now := s.clock.Now().UTC()
	batch := signaling.NewBatch()
	marked := 0
	for _, snap := range snaps {
		msg, err := decodeMessage(conversationID, snap)
		if err != nil {
			s.log.Warn("Skipping undecodable message", zap.String("path", snap.Path), zap.Error(err))
			continue
		}
		if msg.SenderID == readerID || msg.ReadAt != nil {
			continue
		}
		batch.Update(snap.Path, map[string]any{"read_at": now}, signaling.FieldAbsent("read_at"))
		marked++
	}
	batch.Update(ConversationPath(conversationID), map[string]any{domain.UnreadField(readerID): 0})
	if err := s.ch.Commit(ctx, batch); err != nil {
		return 0, err
	}
	return marked, nil
}

// GetMessages lists the conversation's messages in send order, including
// sends from this process the store has not acknowledged yet.
func (s *Service) GetMessages(ctx context.Context, conversationID, userID string) ([]domain.MessageView, error) {
	if _, err := s.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	snaps, err := s.ch.Query(ctx, MessagesPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return s.merge(conversationID, snaps), nil
}

// WatchMessages streams the full message list on every change.
func (s *Service) WatchMessages(ctx context.Context, conversationID string) (*signaling.Subscription[[]domain.MessageView], error) {
	if conversationID == "" {
		return nil, apperrors.ValidationError("conversation id is required")
	}
	src, err := s.ch.SubscribeCollection(ctx, MessagesPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch messages: %w", err)
	}
	nudge, unwatch := s.watchPending(conversationID)
	feed := signaling.NewFeed[[]domain.MessageView](func() {
		src.Cancel()
		unwatch()
	})

	go func() {
		defer feed.Close()
		var latest []signaling.Snapshot
		ready := false
		for {
			select {
			case snaps, ok := <-src.Updates():
				if !ok {
					return
				}
				latest, ready = snaps, true
			case <-nudge:
			case <-feed.Done():
				return
			}
			if !ready {
				continue
			}
			if !feed.Send(s.merge(conversationID, latest)) {
				return
			}
		}
	}()
	return feed.Subscription(), nil
}

func (s *Service) merge(conversationID string, snaps []signaling.Snapshot) []domain.MessageView {
	views := make([]domain.MessageView, 0, len(snaps))
	seen := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		msg, err := decodeMessage(conversationID, snap)
		if err != nil {
			continue
		}
		seen[msg.MessageID] = true
		views = append(views, msg.View())
	}

	s.mu.Lock()
	var local []domain.Message
	for id, msg := range s.pending[conversationID] {
		if !seen[id] {
			local = append(local, msg)
		}
	}
	s.mu.Unlock()
	sort.Slice(local, func(i, j int) bool { return local[i].MessageID < local[j].MessageID })
	for i := range local {
		views = append(views, local[i].View())
	}
	return views
}

func decodeMessage(conversationID string, snap signaling.Snapshot) (*domain.Message, error) {
	var msg domain.Message
	if err := snap.Decode(&msg); err != nil {
		return nil, err
	}
	if msg.MessageID == "" {
		msg.MessageID = snap.ID()
	}
	msg.ConversationID = conversationID
	return &msg, nil
}

func (s *Service) addPending(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[msg.ConversationID] == nil {
		s.pending[msg.ConversationID] = map[string]domain.Message{}
	}
	s.pending[msg.ConversationID][msg.MessageID] = msg
	s.nudgeLocked(msg.ConversationID)
}

func (s *Service) removePending(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending[conversationID], messageID)
	if len(s.pending[conversationID]) == 0 {
		delete(s.pending, conversationID)
	}
	s.nudgeLocked(conversationID)
}

func (s *Service) nudgeLocked(conversationID string) {
	for _, w := range s.watchers[conversationID] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

func (s *Service) watchPending(conversationID string) (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	ch := make(chan struct{}, 1)
	if s.watchers[conversationID] == nil {
		s.watchers[conversationID] = map[int]chan struct{}{}
	}
	s.watchers[conversationID][id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[conversationID], id)
		if len(s.watchers[conversationID]) == 0 {
			delete(s.watchers, conversationID)
		}
	}
}
