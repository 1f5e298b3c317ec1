// Package video runs one-to-one audio and video calls: the orchestrator
// that creates and transitions call records, the per-endpoint session that
// negotiates the peer connection, and the derived call history.
package video

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// ConversationReader resolves the participants of a conversation.
type ConversationReader interface {
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
}

// Notifier delivers out-of-band wake-ups. Failures never fail a call operation.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error
}

// Archive keeps ended calls outside the signaling store.
type Archive interface {
	ArchiveCall(ctx context.Context, rec *domain.CallRecord) error
}

// Options configures the call Service.
type Options struct {
	Conversations ConversationReader
	Profiles      ProfileReader
	Notifier      Notifier
	Archive       Archive
	Clock         clock.Clock
	// RingTimeout ends unanswered calls as missed. Zero disables it.
	RingTimeout time.Duration
	Metrics     *metrics.Metrics

	// Used by OpenSession.
	Peers PeerFactory
	Media MediaSource
	Tick  time.Duration
}

// Service is the call orchestrator.
type Service struct {
	ch            signaling.Channel
	conversations ConversationReader
	profiles      ProfileReader
	notifier      Notifier
	archive       Archive
	clock         clock.Clock
	ringTimeout   time.Duration
	metrics       *metrics.Metrics
	peers         PeerFactory
	media         MediaSource
	tick          time.Duration
	log           *zap.Logger

	mu     sync.Mutex
	timers map[string]*clock.Timer
}

// NewService creates a new call orchestrator
func NewService(ch signaling.Channel, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Service{
		ch:            ch,
		conversations: opts.Conversations,
		profiles:      opts.Profiles,
		notifier:      opts.Notifier,
		archive:       opts.Archive,
		clock:         opts.Clock,
		ringTimeout:   opts.RingTimeout,
		metrics:       opts.Metrics,
		peers:         opts.Peers,
		media:         opts.Media,
		tick:          opts.Tick,
		log:           logger.Named("video"),
		timers:        map[string]*clock.Timer{},
	}
}

// StartCall creates a ringing call from callerID to the other participant
// of the conversation and returns its id.
func (s *Service) StartCall(ctx context.Context, callerID, conversationID string, kind domain.MediaKind) (string, error) {
	if callerID == "" || conversationID == "" {
		return "", apperrors.ValidationError("caller id and conversation id are required")
	}
	if !kind.Valid() {
		return "", apperrors.ValidationError(fmt.Sprintf("invalid call type %q", kind))
	}
	if s.conversations == nil {
		return "", apperrors.PeerNotFoundError(conversationID)
	}

	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !conv.HasParticipant(callerID) {
		return "", apperrors.PermissionDeniedError("not a participant of this conversation")
	}
	calleeID, ok := conv.OtherParticipant(callerID)
	if !ok {
		return "", apperrors.PeerNotFoundError(conversationID)
	}

	rec, err := domain.NewCallRecord(uuid.NewString(), conversationID, callerID, calleeID, kind, s.clock.Now())
	if err != nil {
		return "", apperrors.ValidationError(err.Error())
	}
	if err := s.ch.Set(ctx, CallPath(rec.CallID), rec); err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}

	log := s.log.With(zap.String("call_id", rec.CallID))
	for _, uid := range rec.Participants {
		if err := s.ch.Append(ctx, IndexPath(uid), rec.CallID); err != nil {
			log.Warn("Failed to index call", zap.String("user_id", uid), zap.Error(err))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCall(string(kind), string(domain.CallRinging))
	}
	s.armRingTimeout(rec.CallID)

	callerName := s.displayName(ctx, callerID)
	s.notify(ctx, calleeID, fmt.Sprintf("Incoming %s call", kind), callerName+" is calling", map[string]string{
		"type":        "call",
		"call_id":     rec.CallID,
		"caller_name": callerName,
		"call_type":   string(kind),
	})

	log.Info("Call started",
		zap.String("caller_id", callerID),
		zap.String("callee_id", calleeID),
		zap.String("call_type", string(kind)))
	return rec.CallID, nil
}

// AcceptCall moves a ringing call to connecting and stamps the answer time.
// Accepting twice is a no-op; a vanished call is NotFound and an ended call
// is CallEnded.
func (s *Service) AcceptCall(ctx context.Context, callID, userID string) error {
	rec, err := getCall(ctx, s.ch, callID)
	if err != nil {
		return err
	}
	if rec.CalleeID != userID {
		return apperrors.PermissionDeniedError("only the callee can accept a call")
	}

	err = s.ch.Update(ctx, CallPath(callID), map[string]any{
		"status":      domain.CallConnecting,
		"answered_at": s.clock.Now(),
	}, signaling.FieldEquals("status", domain.CallRinging))
	switch {
	case errors.Is(err, signaling.ErrNotFound):
		return apperrors.NotFoundError("Call")
	case errors.Is(err, signaling.ErrConditionFailed):
		// Lost a race: re-read to tell an end from a duplicate accept.
		cur, err := getCall(ctx, s.ch, callID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return apperrors.CallEndedError()
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to accept call: %w", err)
	}

	s.disarmRingTimeout(callID)
	if s.metrics != nil {
		s.metrics.RecordCall(string(rec.Type), string(domain.CallConnecting))
	}
	s.log.Info("Call accepted", zap.String("call_id", callID), zap.String("user_id", userID))
	return nil
}

// RejectCall ends a call from the callee's side. Idempotent.
func (s *Service) RejectCall(ctx context.Context, callID, userID string) error {
	return s.end(ctx, callID, userID, domain.EndReasonRejected)
}

// EndCall ends a call from either side. Idempotent.
func (s *Service) EndCall(ctx context.Context, callID, userID string) error {
	return s.end(ctx, callID, userID, domain.EndReasonHangup)
}

func (s *Service) end(ctx context.Context, callID, userID, reason string) error {
	rec, err := getCall(ctx, s.ch, callID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.IsParticipant(userID) {
		return apperrors.PermissionDeniedError("not a participant of this call")
	}
	if rec.Status.Terminal() {
		return nil
	}

	ended, err := endCall(ctx, s.ch, callID, callEnd{At: s.clock.Now(), Reason: reason})
	if err != nil {
		return err
	}
	s.disarmRingTimeout(callID)
	if ended {
		s.log.Info("Call ended",
			zap.String("call_id", callID),
			zap.String("user_id", userID),
			zap.String("end_reason", reason))
		s.onEnded(ctx, callID)
	}
	return nil
}

// GetCall returns a call record visible to userID.
func (s *Service) GetCall(ctx context.Context, callID, userID string) (*domain.CallRecord, error) {
	rec, err := getCall(ctx, s.ch, callID)
	if err != nil {
		return nil, err
	}
	if !rec.IsParticipant(userID) {
		return nil, apperrors.PermissionDeniedError("not a participant of this call")
	}
	return rec, nil
}

// WatchCall streams a call record. A removed record is delivered as ended.
func (s *Service) WatchCall(ctx context.Context, callID string) (*signaling.Subscription[domain.CallRecord], error) {
	src, err := s.ch.Subscribe(ctx, CallPath(callID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch call: %w", err)
	}
	return signaling.Transform(src, func(snap signaling.Snapshot) (domain.CallRecord, bool) {
		if !snap.Exists {
			return domain.CallRecord{CallID: callID, Status: domain.CallEnded}, true
		}
		rec, err := decodeCall(snap)
		if err != nil {
			s.log.Warn("Ignoring undecodable call record", zap.String("call_id", callID), zap.Error(err))
			return domain.CallRecord{}, false
		}
		return *rec, true
	}), nil
}

// WatchIncoming streams calls ringing for userID, including any that were
// already ringing when the watch started.
func (s *Service) WatchIncoming(ctx context.Context, userID string) (*signaling.Subscription[domain.CallRecord], error) {
	src, err := s.ch.SubscribeList(ctx, IndexPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch incoming calls: %w", err)
	}
	return signaling.Transform(src, func(item signaling.Item) (domain.CallRecord, bool) {
		var callID string
		if err := item.Decode(&callID); err != nil {
			return domain.CallRecord{}, false
		}
		readCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
		defer cancel()
		rec, err := getCall(readCtx, s.ch, callID)
		if err != nil {
			return domain.CallRecord{}, false
		}
		if rec.CalleeID != userID || rec.Status != domain.CallRinging {
			return domain.CallRecord{}, false
		}
		return *rec, true
	}), nil
}

// OpenSession starts the endpoint of callID for userID.
func (s *Service) OpenSession(ctx context.Context, callID, userID string) (*Session, error) {
	return OpenSession(ctx, s.ch, callID, userID, SessionOptions{
		Peers:    s.peers,
		Media:    s.media,
		Profiles: s.profiles,
		Clock:    s.clock,
		Tick:     s.tick,
		Metrics:  s.metrics,
	})
}

// Close stops pending ring timers.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) armRingTimeout(callID string) {
	if s.ringTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[callID] = s.clock.AfterFunc(s.ringTimeout, func() {
		s.expireRing(callID)
	})
}

func (s *Service) disarmRingTimeout(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[callID]; ok {
		t.Stop()
		delete(s.timers, callID)
	}
}

// expireRing ends a call still ringing after the ring timeout as missed.
func (s *Service) expireRing(callID string) {
	s.mu.Lock()
	delete(s.timers, callID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	ended, err := endCall(ctx, s.ch, callID, callEnd{
		At:          s.clock.Now(),
		Reason:      domain.EndReasonMissed,
		OnlyRinging: true,
	})
	if err != nil {
		s.log.Error("Failed to expire ringing call", zap.String("call_id", callID), zap.Error(err))
		return
	}
	if !ended {
		return
	}
	s.log.Info("Call not answered", zap.String("call_id", callID))

	rec := s.onEnded(ctx, callID)
	if rec == nil {
		return
	}
	callerName := s.displayName(ctx, rec.CallerID)
	s.notify(ctx, rec.CalleeID, "Missed call", "Missed call from "+callerName, map[string]string{
		"type":        "missed_call",
		"call_id":     callID,
		"caller_name": callerName,
		"call_type":   string(rec.Type),
	})
}

// onEnded records metrics and archives the final record.
func (s *Service) onEnded(ctx context.Context, callID string) *domain.CallRecord {
	rec, err := getCall(ctx, s.ch, callID)
	if err != nil {
		s.log.Warn("Failed to read ended call", zap.String("call_id", callID), zap.Error(err))
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordCall(string(rec.Type), rec.EndReason)
	}
	if s.archive != nil {
		if err := s.archive.ArchiveCall(ctx, rec); err != nil {
			s.log.Warn("Failed to archive call", zap.String("call_id", callID), zap.Error(err))
		}
	}
	return rec
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.profiles != nil {
		if p, err := s.profiles.GetProfile(ctx, userID); err == nil && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return "Someone"
}

func (s *Service) notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyUser(ctx, userID, title, body, data); err != nil {
		s.log.Warn("Failed to send call notification",
			zap.String("user_id", userID),
			zap.String("type", data["type"]),
			zap.Error(err))
	}
}
