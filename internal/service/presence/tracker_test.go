package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/database"
	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/signaling"
	st "chatcall-backend/internal/signaling/signalingtest"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/metrics"
)

func isState(want domain.PresenceState) func(domain.PresenceRecord) bool {
	return func(r domain.PresenceRecord) bool { return r.State == want }
}

// client is a tracked connection whose transport can be taken away.
type client struct {
	signaling.Channel
	// drop loses the connection for good; its disconnect writes fire.
	drop func()
	// blip loses the connection long enough for the store to fire its
	// disconnect writes, then the connection comes back.
	blip func()
}

type backend struct {
	observe func(t *testing.T) signaling.Channel
	client  func(t *testing.T) client
}

func memoryBackend() backend {
	store := signaling.NewMemoryStore(nil)
	return backend{
		observe: func(t *testing.T) signaling.Channel {
			c := store.Connect()
			t.Cleanup(c.Disconnect)
			return c
		},
		client: func(t *testing.T) client {
			c := store.Connect()
			t.Cleanup(c.Disconnect)
			return client{Channel: c, drop: c.Disconnect, blip: c.Reconnect}
		},
	}
}

func redisBackend(t *testing.T) backend {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	db := database.WrapRedisClient(rc)
	ctx := context.Background()

	// Clients run on a frozen clock, so their leases are always lapsed to
	// a reaper on the real clock while observers stay live.
	reaper := signaling.NewReaper(db, nil, time.Second, nil)
	sweep := func() {
		_, err := reaper.Sweep(ctx)
		require.NoError(t, err)
	}
	return backend{
		observe: func(t *testing.T) signaling.Channel {
			c, err := signaling.NewRedisChannel(ctx, db, signaling.RedisOptions{})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
		client: func(t *testing.T) client {
			clk := clock.NewMock()
			c, err := signaling.NewRedisChannel(ctx, db, signaling.RedisOptions{
				Clock:     clk,
				LeaseTTL:  15 * time.Second,
				Heartbeat: 5 * time.Second,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return client{
				Channel: c,
				drop:    sweep,
				blip: func() {
					sweep()
					clk.Add(5 * time.Second)
				},
			}
		},
	}
}

func TestTracker(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		runTrackerSuite(t, memoryBackend())
	})
	t.Run("redis", func(t *testing.T) {
		runTrackerSuite(t, redisBackend(t))
	})
}

func runTrackerSuite(t *testing.T, b backend) {
	// a clean session is observed online then offline
	t.Run("start and stop", func(t *testing.T) {
		ctx := context.Background()
		observer := b.observe(t)
		tracker := NewTracker(b.client(t), metrics.NewMetrics("test"))

		sub, err := Watch(ctx, observer, "start-stop")
		require.NoError(t, err)
		defer sub.Cancel()

		first := st.Next(t, sub)
		assert.Equal(t, domain.PresenceOffline, first.State, "missing record reads as offline")
		assert.True(t, first.Since.IsZero())

		require.NoError(t, tracker.Start(ctx, "start-stop"))
		online := st.WaitFor(t, sub, isState(domain.PresenceOnline))
		assert.Equal(t, "start-stop", online.UserID)
		assert.False(t, online.Since.IsZero())
		assert.Equal(t, "start-stop", tracker.UserID())

		require.NoError(t, tracker.Stop(ctx))
		st.WaitFor(t, sub, isState(domain.PresenceOffline))
		assert.Empty(t, tracker.UserID())

		// Stop is a no-op once stopped.
		require.NoError(t, tracker.Stop(ctx))
	})

	t.Run("go offline keeps the session", func(t *testing.T) {
		ctx := context.Background()
		observer := b.observe(t)
		tracker := NewTracker(b.client(t), nil)
		require.NoError(t, tracker.Start(ctx, "go-offline"))

		sub, err := tracker.Watch(ctx, "go-offline")
		require.NoError(t, err)
		defer sub.Cancel()
		st.WaitFor(t, sub, isState(domain.PresenceOnline))

		require.NoError(t, tracker.GoOffline(ctx))
		st.WaitFor(t, sub, isState(domain.PresenceOffline))
		assert.Equal(t, "go-offline", tracker.UserID())

		require.NoError(t, tracker.GoOnline(ctx))
		st.WaitFor(t, sub, isState(domain.PresenceOnline))

		rec, err := Get(ctx, observer, "go-offline")
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceOnline, rec.State)
	})

	// the transport writes offline for a vanished client
	t.Run("abrupt disconnect", func(t *testing.T) {
		ctx := context.Background()
		observer := b.observe(t)
		c := b.client(t)

		tracker := NewTracker(c, nil)
		require.NoError(t, tracker.Start(ctx, "abrupt"))

		sub, err := Watch(ctx, observer, "abrupt")
		require.NoError(t, err)
		defer sub.Cancel()
		st.WaitFor(t, sub, isState(domain.PresenceOnline))

		c.drop()
		st.WaitFor(t, sub, isState(domain.PresenceOffline))
	})

	// a stopped session leaves no disconnect write behind
	t.Run("stop cancels disconnect write", func(t *testing.T) {
		ctx := context.Background()
		c := b.client(t)
		other := b.observe(t)

		tracker := NewTracker(c, nil)
		require.NoError(t, tracker.Start(ctx, "takeover"))
		require.NoError(t, tracker.Stop(ctx))

		// Another session takes over the record; the old connection dropping must not clobber it.
		next := NewTracker(other, nil)
		require.NoError(t, next.Start(ctx, "takeover"))
		c.drop()

		rec, err := Get(ctx, other, "takeover")
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceOnline, rec.State)
	})

	t.Run("resumes after the store reclaims the connection", func(t *testing.T) {
		ctx := context.Background()
		observer := b.observe(t)
		c := b.client(t)

		tracker := NewTracker(c, nil)
		require.NoError(t, tracker.Start(ctx, "blip"))

		c.blip()
		st.Eventually(t, func() bool {
			rec, err := Get(ctx, observer, "blip")
			return err == nil && rec.State == domain.PresenceOnline
		}, "online republished after reconnect")

		// The offline write is armed again.
		sub, err := Watch(ctx, observer, "blip")
		require.NoError(t, err)
		defer sub.Cancel()
		st.WaitFor(t, sub, isState(domain.PresenceOnline))
		c.drop()
		st.WaitFor(t, sub, isState(domain.PresenceOffline))
	})

	t.Run("resume keeps a backgrounded session offline", func(t *testing.T) {
		ctx := context.Background()
		observer := b.observe(t)
		c := b.client(t)

		tracker := NewTracker(c, nil)
		require.NoError(t, tracker.Start(ctx, "bg-blip"))
		require.NoError(t, tracker.Background(ctx))

		sub, err := Watch(ctx, observer, "bg-blip")
		require.NoError(t, err)
		defer sub.Cancel()
		st.WaitFor(t, sub, isState(domain.PresenceOffline))

		c.blip()
		assert.Never(t, func() bool {
			rec, err := Get(ctx, observer, "bg-blip")
			return err != nil || rec.State == domain.PresenceOnline
		}, 200*time.Millisecond, 10*time.Millisecond)

		require.NoError(t, tracker.Foreground(ctx))
		st.WaitFor(t, sub, isState(domain.PresenceOnline))
	})
}

// TestTracker_ForegroundBackground tests app state transitions write directly
func TestTracker_ForegroundBackground(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore(nil)
	client := store.Connect()
	defer client.Close()

	tracker := NewTracker(client, nil)
	require.NoError(t, tracker.Start(ctx, "x"))

	require.NoError(t, tracker.Background(ctx))
	rec, err := Get(ctx, client, "x")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.State)

	require.NoError(t, tracker.Foreground(ctx))
	rec, err = Get(ctx, client, "x")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, rec.State)
}

func TestTracker_Errors(t *testing.T) {
	ctx := context.Background()
	store := signaling.NewMemoryStore(nil)
	client := store.Connect()
	defer client.Close()
	tracker := NewTracker(client, nil)

	err := tracker.GoOnline(ctx)
	assert.True(t, apperrors.IsAppError(err))

	assert.Error(t, tracker.Start(ctx, ""))
	require.NoError(t, tracker.Start(ctx, "x"))
	require.NoError(t, tracker.Start(ctx, "x"), "restart for the same user is a no-op")
	assert.Error(t, tracker.Start(ctx, "y"))

	_, err = Watch(ctx, client, "")
	assert.Error(t, err)
}

func TestGet_Missing(t *testing.T) {
	store := signaling.NewMemoryStore(nil)
	client := store.Connect()
	defer client.Close()

	rec, err := Get(context.Background(), client, "nobody")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOffline, rec.State)
}
