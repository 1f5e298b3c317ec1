// Package typing publishes per-conversation typing flags that clear
// themselves after a quiet window.
package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Path returns the typing document of a conversation. It holds one boolean
// field per user.
func Path(conversationID string) string {
	return signaling.Join("typing", conversationID)
}

// Options configures a Tracker.
type Options struct {
	Clock       clock.Clock
	QuietWindow time.Duration
	Metrics     *metrics.Metrics
}

type key struct {
	conversationID string
	userID         string
}

// Tracker writes typing flags and schedules their deferred clear.
type Tracker struct {
	ch      signaling.Channel
	clock   clock.Clock
	quiet   time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	seq     uint64
	pending map[key]uint64
	timers  map[key]*clock.Timer
	closed  bool
}

func NewTracker(ch signaling.Channel, opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = constants.TypingQuietWindow
	}
	return &Tracker{
		ch:      ch,
		clock:   opts.Clock,
		quiet:   opts.QuietWindow,
		metrics: opts.Metrics,
		log:     logger.Named("typing"),
		pending: map[key]uint64{},
		timers:  map[key]*clock.Timer{},
	}
}

// SetTyping publishes the flag. Every true schedules a clear after the quiet
// window; a newer call supersedes any clear scheduled before it, so only the
// latest one takes effect.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, userID string, active bool) error {
	if conversationID == "" || userID == "" {
		return apperrors.ValidationError("conversation id and user id are required")
	}
	k := key{conversationID, userID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return signaling.ErrClosed
	}
	t.seq++
	gen := t.seq
	if active {
		t.pending[k] = gen
		t.timers[k] = t.clock.AfterFunc(t.quiet, func() { t.expire(k, gen) })
	} else {
		delete(t.pending, k)
		delete(t.timers, k)
	}
	t.mu.Unlock()

	return t.write(ctx, k, active)
}

// Clear force-clears userID's flag, superseding any scheduled clear.
func (t *Tracker) Clear(ctx context.Context, conversationID, userID string) error {
	return t.SetTyping(ctx, conversationID, userID, false)
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	if t.closed || t.pending[k] != gen {
		t.mu.Unlock()
		return
	}
	delete(t.pending, k)
	delete(t.timers, k)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultTimeout)
	defer cancel()
	if err := t.write(ctx, k, false); err != nil {
		t.log.Warn("Failed to clear typing flag",
			zap.String("conversation_id", k.conversationID),
			zap.String("user_id", k.userID),
			zap.Error(err))
	}
}

func (t *Tracker) write(ctx context.Context, k key, active bool) error {
	err := t.ch.Merge(ctx, Path(k.conversationID), map[string]any{k.userID: active})
	if err != nil {
		return fmt.Errorf("failed to publish typing: %w", err)
	}
	if t.metrics != nil {
		t.metrics.RecordTyping(active)
	}
	return nil
}

// Close stops every scheduled clear. Flags already published stay as they are.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
	t.pending = map[key]uint64{}
}

// WatchOthersTyping streams whether anyone other than selfID is typing in
// the conversation. Only changes are delivered.
func WatchOthersTyping(ctx context.Context, ch signaling.Channel, conversationID, selfID string) (*signaling.Subscription[bool], error) {
	if conversationID == "" {
		return nil, apperrors.ValidationError("conversation id is required")
	}
	src, err := ch.Subscribe(ctx, Path(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to watch typing: %w", err)
	}
	first := true
	var last bool
	return signaling.Transform(src, func(s signaling.Snapshot) (bool, bool) {
		typing := len(OthersTyping(s, selfID)) > 0
		if !first && typing == last {
			return typing, false
		}
		first = false
		last = typing
		return typing, true
	}), nil
}

// WatchOthersTyping is the package-level watch on the tracker's channel.
func (t *Tracker) WatchOthersTyping(ctx context.Context, conversationID, selfID string) (*signaling.Subscription[bool], error) {
	return WatchOthersTyping(ctx, t.ch, conversationID, selfID)
}

// OthersTyping lists the users other than selfID whose flag is set, sorted.
func OthersTyping(s signaling.Snapshot, selfID string) []string {
	var users []string
	for field := range s.Fields {
		if field == selfID {
			continue
		}
		var active bool
		if ok, err := s.Field(field, &active); ok && err == nil && active {
			users = append(users, field)
		}
	}
	sort.Strings(users)
	return users
}
