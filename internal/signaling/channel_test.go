package signaling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Status string `json:"status"`
	Count  int    `json:"count,omitempty"`
}

// connector opens a fresh client connection on a shared store.
type connector func(t *testing.T) Channel

// next waits for the next update on a subscription.
func next[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	var zero T
	return zero
}

// waitFor drains updates until one matches.
func waitFor[T any](t *testing.T, sub *Subscription[T], match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v, ok := <-sub.Updates():
			require.True(t, ok, "subscription closed")
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching update")
		}
	}
}

func runChannelSuite(t *testing.T, connect connector) {
	ctx := context.Background()

	t.Run("set and once", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "calls/a", testDoc{Status: "ringing", Count: 1}))

		snap, err := c.Once(ctx, "calls/a")
		require.NoError(t, err)
		assert.True(t, snap.Exists)
		assert.Equal(t, "a", snap.ID())
		assert.EqualValues(t, 1, snap.Version)

		var d testDoc
		require.NoError(t, snap.Decode(&d))
		assert.Equal(t, testDoc{Status: "ringing", Count: 1}, d)
	})

	t.Run("once on missing document", func(t *testing.T) {
		c := connect(t)
		_, err := c.Once(ctx, "calls/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set replaces and merge upserts", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "docs/r", map[string]any{"a": 1, "b": 2}))
		require.NoError(t, c.Set(ctx, "docs/r", map[string]any{"a": 3}))
		snap, err := c.Once(ctx, "docs/r")
		require.NoError(t, err)
		_, hasB := snap.Fields["b"]
		assert.False(t, hasB)

		require.NoError(t, c.Merge(ctx, "docs/r", map[string]any{"b": 4}))
		snap, err = c.Once(ctx, "docs/r")
		require.NoError(t, err)
		var a, b int
		_, _ = snap.Field("a", &a)
		_, _ = snap.Field("b", &b)
		assert.Equal(t, 3, a)
		assert.Equal(t, 4, b)
	})

	t.Run("reserved fields are rejected", func(t *testing.T) {
		c := connect(t)
		err := c.Merge(ctx, "docs/reserved", map[string]any{"_v": 9})
		assert.Error(t, err)
	})

	t.Run("update requires existing document", func(t *testing.T) {
		c := connect(t)
		err := c.Update(ctx, "calls/gone", map[string]any{"status": "ended"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional update", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "calls/c", testDoc{Status: "ringing"}))

		err := c.Update(ctx, "calls/c", map[string]any{"status": "connecting"}, FieldEquals("status", "ringing"))
		require.NoError(t, err)

		err = c.Update(ctx, "calls/c", map[string]any{"status": "connecting"}, FieldEquals("status", "ringing"))
		assert.ErrorIs(t, err, ErrConditionFailed)

		require.NoError(t, c.Update(ctx, "calls/c", map[string]any{"status": "ended"}, FieldNotEquals("status", "ended")))
		err = c.Update(ctx, "calls/c", map[string]any{"status": "connected"}, FieldNotEquals("status", "ended"))
		assert.ErrorIs(t, err, ErrConditionFailed)

		snap, err := c.Once(ctx, "calls/c")
		require.NoError(t, err)
		var d testDoc
		require.NoError(t, snap.Decode(&d))
		assert.Equal(t, "ended", d.Status)
	})

	t.Run("absent condition treats null as absent", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "msgs/m1", map[string]any{"readAt": nil}))
		require.NoError(t, c.Update(ctx, "msgs/m1", map[string]any{"readAt": 10}, FieldAbsent("readAt")))
		err := c.Update(ctx, "msgs/m1", map[string]any{"readAt": 20}, FieldAbsent("readAt"))
		assert.ErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("commit is all or nothing", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "batch/x", map[string]any{"n": 0}))

		err := c.Commit(ctx, NewBatch().
			Update("batch/x", map[string]any{"n": 1}).
			Update("batch/missing", map[string]any{"n": 1}))
		assert.ErrorIs(t, err, ErrNotFound)

		snap, err := c.Once(ctx, "batch/x")
		require.NoError(t, err)
		var n int
		_, _ = snap.Field("n", &n)
		assert.Equal(t, 0, n)

		require.NoError(t, c.Set(ctx, "batch/y", map[string]any{"n": 0}))
		require.NoError(t, c.Commit(ctx, NewBatch().
			Update("batch/x", map[string]any{"n": 2}).
			Update("batch/y", map[string]any{"n": 2})))
		for _, p := range []string{"batch/x", "batch/y"} {
			snap, err := c.Once(ctx, p)
			require.NoError(t, err)
			_, _ = snap.Field("n", &n)
			assert.Equal(t, 2, n, p)
		}
	})

	t.Run("increment", func(t *testing.T) {
		c := connect(t)
		_, err := c.Increment(ctx, "chats/none", "unread", 1)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, c.Set(ctx, "chats/inc", map[string]any{"title": "x"}))
		n, err := c.Increment(ctx, "chats/inc", "unread", 1)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		n, err = c.Increment(ctx, "chats/inc", "unread", 2)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)
	})

	t.Run("query returns children in creation order", func(t *testing.T) {
		c := connect(t)
		for _, id := range []string{"m3", "m1", "m2"} {
			require.NoError(t, c.Set(ctx, Join("q", "c1", "messages", id), map[string]any{"id": id}))
		}
		require.NoError(t, c.Set(ctx, "q/c1/messages/m3/nested", map[string]any{"x": 1}))

		snaps, err := c.Query(ctx, "q/c1/messages")
		require.NoError(t, err)
		require.Len(t, snaps, 3)
		assert.Equal(t, "m3", snaps[0].ID())
		assert.Equal(t, "m1", snaps[1].ID())
		assert.Equal(t, "m2", snaps[2].ID())
	})

	t.Run("delete", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Set(ctx, "del/d1", map[string]any{"a": 1}))
		require.NoError(t, c.Append(ctx, "del/d1", "item"))
		require.NoError(t, c.Delete(ctx, "del/d1"))

		_, err := c.Once(ctx, "del/d1")
		assert.ErrorIs(t, err, ErrNotFound)
		items, err := c.Items(ctx, "del/d1")
		require.NoError(t, err)
		assert.Empty(t, items)
		snaps, err := c.Query(ctx, "del")
		require.NoError(t, err)
		assert.Empty(t, snaps)
	})

	t.Run("lists keep append order", func(t *testing.T) {
		c := connect(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, c.Append(ctx, "calls/l/offerCandidates", map[string]int{"i": i}))
		}
		items, err := c.Items(ctx, "calls/l/offerCandidates")
		require.NoError(t, err)
		require.Len(t, items, 5)
		for i, it := range items {
			var v map[string]int
			require.NoError(t, it.Decode(&v))
			assert.Equal(t, i, v["i"])
			assert.EqualValues(t, i, it.Index)
		}
	})

	t.Run("subscribe streams current value then changes", func(t *testing.T) {
		c := connect(t)
		other := connect(t)
		require.NoError(t, c.Set(ctx, "calls/s", testDoc{Status: "ringing"}))

		sub, err := c.Subscribe(ctx, "calls/s")
		require.NoError(t, err)
		defer sub.Cancel()

		first := next(t, sub)
		var d testDoc
		require.NoError(t, first.Decode(&d))
		assert.Equal(t, "ringing", d.Status)

		require.NoError(t, other.Update(ctx, "calls/s", map[string]any{"status": "connecting"}))
		waitFor(t, sub, func(s Snapshot) bool {
			var d testDoc
			return s.Decode(&d) == nil && d.Status == "connecting"
		})

		require.NoError(t, other.Delete(ctx, "calls/s"))
		waitFor(t, sub, func(s Snapshot) bool { return !s.Exists })
	})

	t.Run("replacing writes within one clock instant reach subscribers", func(t *testing.T) {
		c := connect(t)
		other := connect(t)
		require.NoError(t, c.Set(ctx, "status/tick", map[string]any{"state": "online"}))

		sub, err := other.Subscribe(ctx, "status/tick")
		require.NoError(t, err)
		defer sub.Cancel()
		first := next(t, sub)
		assert.EqualValues(t, 1, first.Version)

		require.NoError(t, c.Set(ctx, "status/tick", map[string]any{"state": "offline"}))
		got := waitFor(t, sub, func(s Snapshot) bool {
			var st string
			ok, _ := s.Field("state", &st)
			return ok && st == "offline"
		})
		assert.EqualValues(t, 2, got.Version)
		assert.Equal(t, first.UpdatedAt, got.UpdatedAt, "clock did not move")
	})

	t.Run("subscribe on missing document", func(t *testing.T) {
		c := connect(t)
		sub, err := c.Subscribe(ctx, "calls/never")
		require.NoError(t, err)
		defer sub.Cancel()
		assert.False(t, next(t, sub).Exists)
	})

	t.Run("cancel closes updates and is idempotent", func(t *testing.T) {
		c := connect(t)
		sub, err := c.Subscribe(ctx, "calls/cancel")
		require.NoError(t, err)
		next(t, sub)

		sub.Cancel()
		sub.Cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-sub.Updates():
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("context cancellation ends subscription", func(t *testing.T) {
		c := connect(t)
		subCtx, cancel := context.WithCancel(ctx)
		sub, err := c.Subscribe(subCtx, "calls/ctx")
		require.NoError(t, err)
		next(t, sub)
		cancel()
		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not cancelled with its context")
		}
	})

	t.Run("subscribe list delivers each item once in order", func(t *testing.T) {
		c := connect(t)
		other := connect(t)
		require.NoError(t, other.Append(ctx, "calls/sl/answerCandidates", "c0"))

		sub, err := c.SubscribeList(ctx, "calls/sl/answerCandidates")
		require.NoError(t, err)
		defer sub.Cancel()

		for i := 1; i < 4; i++ {
			require.NoError(t, other.Append(ctx, "calls/sl/answerCandidates", "c"+string(rune('0'+i))))
		}
		var got []string
		for len(got) < 4 {
			var s string
			require.NoError(t, next(t, sub).Decode(&s))
			got = append(got, s)
		}
		assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, got)
	})

	t.Run("subscribe collection", func(t *testing.T) {
		c := connect(t)
		other := connect(t)
		sub, err := c.SubscribeCollection(ctx, "sc/c1/messages")
		require.NoError(t, err)
		defer sub.Cancel()
		assert.Empty(t, next(t, sub))

		require.NoError(t, other.Set(ctx, "sc/c1/messages/m1", map[string]any{"text": "hi"}))
		got := waitFor(t, sub, func(s []Snapshot) bool { return len(s) == 1 })
		assert.Equal(t, "m1", got[0].ID())

		require.NoError(t, other.Merge(ctx, "sc/c1/messages/m1", map[string]any{"readAt": 5}))
		waitFor(t, sub, func(s []Snapshot) bool {
			var at int
			ok, _ := s[0].Field("readAt", &at)
			return len(s) == 1 && ok && at == 5
		})
	})

	t.Run("closed channel rejects operations", func(t *testing.T) {
		c := connect(t)
		require.NoError(t, c.Close())
		err := c.Set(ctx, "calls/closed", testDoc{})
		assert.True(t, errors.Is(err, ErrTransportUnavailable))
	})

	t.Run("invalid path", func(t *testing.T) {
		c := connect(t)
		assert.Error(t, c.Set(ctx, "/calls/x", testDoc{}))
		assert.Error(t, c.Set(ctx, "", testDoc{}))
	})
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "calls/1/offerCandidates", Join("calls", "1", "offerCandidates"))
	assert.Equal(t, "calls/1", Parent("calls/1/offerCandidates"))
	assert.Equal(t, "offerCandidates", Base("calls/1/offerCandidates"))
	assert.Equal(t, "", Parent("calls"))
	assert.Equal(t, "calls", Base("calls"))
}
