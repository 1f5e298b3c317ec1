// Package presence keeps a user's online/offline record current for the
// lifetime of one authenticated session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Path returns the presence document path for a user.
func Path(userID string) string {
	return signaling.Join("status", userID)
}

type statusDoc struct {
	State domain.PresenceState `json:"state"`
}

// Tracker owns one user's presence record. It is constructed per session
// and must be started before use.
//
// When the channel reports that the store gave up on the connection and
// later took it back, the tracker registers its offline write again and
// republishes the last state it was asked for.
type Tracker struct {
	ch      signaling.Channel
	metrics *metrics.Metrics
	log     *zap.Logger

	mu     sync.Mutex
	userID string
	state  domain.PresenceState
	done   chan struct{}
}

// NewTracker creates a tracker writing through ch. m may be nil.
func NewTracker(ch signaling.Channel, m *metrics.Metrics) *Tracker {
	return &Tracker{
		ch:      ch,
		metrics: m,
		log:     logger.Named("presence"),
	}
}

// Start begins the session for userID. The transport-side offline write is
// registered before online is published, so a connection lost at any point
// afterwards still ends in offline.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.ValidationError("user id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == userID {
		return nil
	}
	if t.userID != "" {
		return apperrors.ConflictError(fmt.Sprintf("presence tracker already started for %s", t.userID))
	}

	if err := t.ch.OnDisconnect(ctx, Path(userID), statusDoc{State: domain.PresenceOffline}); err != nil {
		return fmt.Errorf("failed to register disconnect write: %w", err)
	}
	if err := t.write(ctx, userID, domain.PresenceOnline); err != nil {
		return err
	}
	t.userID = userID
	t.state = domain.PresenceOnline
	t.done = make(chan struct{})
	if rc, ok := t.ch.(signaling.Reconnector); ok {
		notices, cancel := rc.Reconnected()
		go t.watchReconnects(notices, cancel, t.done)
	}
	t.log.Info("Presence session started", zap.String("user_id", userID))
	return nil
}

// Stop writes offline and withdraws the disconnect write. A stopped
// tracker may be started again.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return nil
	}
	userID := t.userID
	if err := t.write(ctx, userID, domain.PresenceOffline); err != nil {
		return err
	}
	if err := t.ch.CancelOnDisconnect(ctx, Path(userID)); err != nil {
		t.log.Warn("Failed to cancel disconnect write", zap.String("user_id", userID), zap.Error(err))
	}
	t.userID = ""
	close(t.done)
	t.done = nil
	t.log.Info("Presence session stopped", zap.String("user_id", userID))
	return nil
}

// GoOnline publishes online for the started user.
func (t *Tracker) GoOnline(ctx context.Context) error {
	return t.set(ctx, domain.PresenceOnline)
}

// GoOffline publishes offline for the started user. The disconnect write
// stays registered, so a later crash still reads as offline.
func (t *Tracker) GoOffline(ctx context.Context) error {
	return t.set(ctx, domain.PresenceOffline)
}

// Foreground is the app-became-active transition.
func (t *Tracker) Foreground(ctx context.Context) error {
	return t.GoOnline(ctx)
}

// Background is the app-went-inactive transition.
func (t *Tracker) Background(ctx context.Context) error {
	return t.GoOffline(ctx)
}

// UserID returns the started user, or "" when stopped.
func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

func (t *Tracker) set(ctx context.Context, state domain.PresenceState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userID == "" {
		return apperrors.ValidationError("presence tracker not started")
	}
	if err := t.write(ctx, t.userID, state); err != nil {
		return err
	}
	t.state = state
	return nil
}

func (t *Tracker) watchReconnects(notices <-chan struct{}, cancel func(), done chan struct{}) {
	defer cancel()
	for {
		select {
		case <-done:
			return
		case _, ok := <-notices:
			if !ok {
				return
			}
			t.resume(done)
		}
	}
}

// resume re-arms the offline write before republishing, same order as Start.
func (t *Tracker) resume(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != done {
		return
	}
	userID := t.userID
	if err := t.ch.OnDisconnect(ctx, Path(userID), statusDoc{State: domain.PresenceOffline}); err != nil {
		t.log.Warn("Failed to re-register disconnect write", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := t.write(ctx, userID, t.state); err != nil {
		t.log.Warn("Failed to republish presence", zap.String("user_id", userID), zap.Error(err))
		return
	}
	t.log.Info("Presence session resumed", zap.String("user_id", userID), zap.String("state", string(t.state)))
}

func (t *Tracker) write(ctx context.Context, userID string, state domain.PresenceState) error {
	if err := t.ch.Set(ctx, Path(userID), statusDoc{State: state}); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordPresence(string(state))
	}
	t.log.Debug("Presence published", zap.String("user_id", userID), zap.String("state", string(state)))
	return nil
}

// Watch streams userID's presence. A missing record reads as offline.
// Repeated deliveries of the same state are collapsed.
func Watch(ctx context.Context, ch signaling.Channel, userID string) (*signaling.Subscription[domain.PresenceRecord], error) {
	if userID == "" {
		return nil, apperrors.ValidationError("user id is required")
	}
	src, err := ch.Subscribe(ctx, Path(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch presence: %w", err)
	}
	var last *domain.PresenceRecord
	return signaling.Transform(src, func(s signaling.Snapshot) (domain.PresenceRecord, bool) {
		rec := Decode(userID, s)
		if last != nil && last.State == rec.State && last.Since.Equal(rec.Since) {
			return rec, false
		}
		last = &rec
		return rec, true
	}), nil
}

// Watch streams userID's presence through the tracker's channel.
func (t *Tracker) Watch(ctx context.Context, userID string) (*signaling.Subscription[domain.PresenceRecord], error) {
	return Watch(ctx, t.ch, userID)
}

// Get reads userID's current presence once.
func Get(ctx context.Context, ch signaling.Channel, userID string) (domain.PresenceRecord, error) {
	snap, err := ch.Once(ctx, Path(userID))
	if err != nil && !errors.Is(err, signaling.ErrNotFound) {
		return domain.PresenceRecord{}, fmt.Errorf("failed to read presence: %w", err)
	}
	if err != nil {
		snap = signaling.Snapshot{Path: Path(userID)}
	}
	return Decode(userID, snap), nil
}

// Decode turns a presence snapshot into a record.
func Decode(userID string, s signaling.Snapshot) domain.PresenceRecord {
	rec := domain.PresenceRecord{UserID: userID, State: domain.PresenceOffline}
	if !s.Exists {
		return rec
	}
	var doc statusDoc
	if err := s.Decode(&doc); err == nil && doc.State == domain.PresenceOnline {
		rec.State = domain.PresenceOnline
	}
	rec.Since = s.UpdatedAt
	return rec
}
