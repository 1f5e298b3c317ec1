package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
)

// Subscription is a handle on a live stream of updates. The owner must call
// Cancel when it is done; Updates is closed once the stream has stopped.
type Subscription[T any] struct {
	c       chan T
	done    chan struct{}
	once    sync.Once
	release func()
}

func newSubscription[T any](release func()) *Subscription[T] {
	return &Subscription[T]{
		c:       make(chan T, constants.SubscriptionBuffer),
		done:    make(chan struct{}),
		release: release,
	}
}

// Updates returns the receive side of the stream.
func (s *Subscription[T]) Updates() <-chan T {
	return s.c
}

// Done is closed when the subscription has been cancelled.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the stream and releases the transport registration. Safe to call repeatedly.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Subscription[T]) send(v T) bool {
	select {
	case s.c <- v:
		return true
	case <-s.done:
		return false
	}
}

// pump drives a subscription: it reads once immediately and again on every
// nudge or resync tick, until the subscription or ctx is cancelled. Read
// failures are logged and retried on the next wake-up.
func pump[T any](ctx context.Context, sub *Subscription[T], nudges <-chan struct{}, clk clock.Clock,
	resync time.Duration, log *zap.Logger, read func(context.Context) ([]T, error)) {
	defer close(sub.c)

	var tick <-chan time.Time
	if resync > 0 {
		t := clk.Ticker(resync)
		defer t.Stop()
		tick = t.C
	}

	for {
		vals, err := read(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Subscription read failed, will retry", zap.Error(err))
		}
		for _, v := range vals {
			if !sub.send(v) {
				return
			}
		}

		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			sub.Cancel()
			return
		case _, ok := <-nudges:
			if !ok {
				sub.Cancel()
				return
			}
		case <-tick:
		}
	}
}

// docReader returns a read func that emits a snapshot only when the document changed.
func docReader(path string, once func(context.Context, string) (Snapshot, error)) func(context.Context) ([]Snapshot, error) {
	var last Snapshot
	first := true
	return func(ctx context.Context) ([]Snapshot, error) {
		snap, err := once(ctx, path)
		if errors.Is(err, ErrNotFound) {
			snap, err = Snapshot{Path: path}, nil
		}
		if err != nil {
			return nil, err
		}
		if !first && snap.sameAs(last) {
			return nil, nil
		}
		first = false
		last = snap
		return []Snapshot{snap}, nil
	}
}

// collectionReader emits the full child list when membership or any child version changed.
func collectionReader(collection string, query func(context.Context, string) ([]Snapshot, error)) func(context.Context) ([][]Snapshot, error) {
	var last []Snapshot
	first := true
	return func(ctx context.Context) ([][]Snapshot, error) {
		snaps, err := query(ctx, collection)
		if err != nil {
			return nil, err
		}
		if !first && sameCollection(last, snaps) {
			return nil, nil
		}
		first = false
		last = snaps
		return [][]Snapshot{snaps}, nil
	}
}

func sameCollection(a, b []Snapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Path != b[i].Path || !a[i].sameAs(b[i]) {
			return false
		}
	}
	return true
}

// listReader emits items past a per-subscription cursor.
func listReader(path string, from func(context.Context, string, int64) ([]Item, error)) func(context.Context) ([]Item, error) {
	var cursor int64
	return func(ctx context.Context) ([]Item, error) {
		items, err := from(ctx, path, cursor)
		if err != nil {
			return nil, err
		}
		if n := len(items); n > 0 {
			cursor = items[n-1].Index + 1
		}
		return items, nil
	}
}

// Feed is the producing side of a Subscription generated outside the
// transport. Send and Close must be called from a single goroutine.
type Feed[T any] struct {
	sub       *Subscription[T]
	closeOnce sync.Once
}

// NewFeed creates a feed whose subscription runs release on Cancel.
func NewFeed[T any](release func()) *Feed[T] {
	return &Feed[T]{sub: newSubscription[T](release)}
}

func (f *Feed[T]) Subscription() *Subscription[T] {
	return f.sub
}

// Done is closed once the consumer cancelled.
func (f *Feed[T]) Done() <-chan struct{} {
	return f.sub.done
}

// Send delivers v, blocking while the buffer is full. It returns false once
// the subscription has been cancelled.
func (f *Feed[T]) Send(v T) bool {
	return f.sub.send(v)
}

// Close ends the stream and cancels the subscription.
func (f *Feed[T]) Close() {
	f.closeOnce.Do(func() {
		f.sub.Cancel()
		close(f.sub.c)
	})
}

// Transform derives a subscription from src. fn drops an update by returning
// false. Cancelling the result cancels src.
func Transform[T, U any](src *Subscription[T], fn func(T) (U, bool)) *Subscription[U] {
	feed := NewFeed[U](src.Cancel)
	go func() {
		defer feed.Close()
		for {
			select {
			case v, ok := <-src.Updates():
				if !ok {
					return
				}
				if u, keep := fn(v); keep && !feed.Send(u) {
					return
				}
			case <-feed.Done():
				return
			}
		}
	}()
	return feed.Subscription()
}

// reconnectHub fans reconnect notices out to watchers. A notice is dropped
// for a watcher that still has one pending.
type reconnectHub struct {
	mu     sync.Mutex
	closed bool
	next   int
	chans  map[int]chan struct{}
}

func (h *reconnectHub) watch() (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make(chan struct{}, 1)
	if h.closed {
		close(c)
		return c, func() {}
	}
	if h.chans == nil {
		h.chans = map[int]chan struct{}{}
	}
	h.next++
	id := h.next
	h.chans[id] = c
	return c, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.chans[id]; ok {
			delete(h.chans, id)
			close(c)
		}
	}
}

func (h *reconnectHub) fire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.chans {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func (h *reconnectHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.chans {
		delete(h.chans, id)
		close(c)
	}
}
