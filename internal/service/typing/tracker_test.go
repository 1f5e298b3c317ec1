package typing

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/signaling"
	st "chatcall-backend/internal/signaling/signalingtest"
)

func setup(t *testing.T) (*Tracker, *clock.Mock, signaling.Channel) {
	t.Helper()
	store := signaling.NewMemoryStore(nil)
	writer := store.Connect()
	reader := store.Connect()
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})
	mock := clock.NewMock()
	tracker := NewTracker(writer, Options{Clock: mock, QuietWindow: time.Second})
	t.Cleanup(tracker.Close)
	return tracker, mock, reader
}

func flag(t *testing.T, ch signaling.Channel, conversationID, userID string) bool {
	t.Helper()
	snap, err := ch.Once(context.Background(), Path(conversationID))
	require.NoError(t, err)
	var v bool
	_, err = snap.Field(userID, &v)
	require.NoError(t, err)
	return v
}

// TestTracker_QuietWindowClears tests the flag clears a quiet window after the keystroke
func TestTracker_QuietWindowClears(t *testing.T) {
	ctx := context.Background()
	tracker, mock, reader := setup(t)

	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	assert.True(t, flag(t, reader, "c", "x"))

	mock.Add(999 * time.Millisecond)
	assert.True(t, flag(t, reader, "c", "x"))

	mock.Add(time.Millisecond)
	st.Eventually(t, func() bool { return !flag(t, reader, "c", "x") }, "flag should clear")
}

// TestTracker_DebouncedBursts tests scenario D: typing at 0ms and 800ms
// stays true until 1000ms after the second burst
func TestTracker_DebouncedBursts(t *testing.T) {
	ctx := context.Background()
	tracker, mock, reader := setup(t)

	sub, err := WatchOthersTyping(ctx, reader, "c", "y")
	require.NoError(t, err)
	defer sub.Cancel()
	assert.False(t, st.Next(t, sub))

	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	assert.True(t, st.Next(t, sub))

	mock.Add(800 * time.Millisecond)
	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))

	// The first burst's clear comes due at 1000ms but has been superseded.
	mock.Add(200 * time.Millisecond)
	st.NoUpdate(t, sub, 50*time.Millisecond)
	assert.True(t, flag(t, reader, "c", "x"))

	mock.Add(799 * time.Millisecond)
	st.NoUpdate(t, sub, 50*time.Millisecond)

	mock.Add(time.Millisecond)
	assert.False(t, st.Next(t, sub))
}

// TestTracker_ClearOnSend tests the force clear supersedes the scheduled one
func TestTracker_ClearOnSend(t *testing.T) {
	ctx := context.Background()
	tracker, mock, reader := setup(t)

	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	require.NoError(t, tracker.Clear(ctx, "c", "x"))
	assert.False(t, flag(t, reader, "c", "x"))

	// A later keystroke is not clobbered by the superseded clear of the first one.
	mock.Add(500 * time.Millisecond)
	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	mock.Add(600 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.True(t, flag(t, reader, "c", "x"))

	// Clearing twice is harmless.
	require.NoError(t, tracker.Clear(ctx, "c", "x"))
	require.NoError(t, tracker.Clear(ctx, "c", "x"))
	assert.False(t, flag(t, reader, "c", "x"))
}

// TestWatchOthersTyping_IgnoresSelf tests that the viewer's own flag is not reported
func TestWatchOthersTyping_IgnoresSelf(t *testing.T) {
	ctx := context.Background()
	tracker, _, reader := setup(t)

	sub, err := tracker.WatchOthersTyping(ctx, "c", "x")
	require.NoError(t, err)
	defer sub.Cancel()
	assert.False(t, st.Next(t, sub))

	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	st.NoUpdate(t, sub, 50*time.Millisecond)

	require.NoError(t, tracker.SetTyping(ctx, "c", "y", true))
	assert.True(t, st.Next(t, sub))

	snap, err := reader.Once(ctx, Path("c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, OthersTyping(snap, "x"))
	assert.Equal(t, []string{"x", "y"}, OthersTyping(snap, "z"))
}

// TestTracker_IndependentUsers tests flags of different users do not interfere
func TestTracker_IndependentUsers(t *testing.T) {
	ctx := context.Background()
	tracker, mock, reader := setup(t)

	require.NoError(t, tracker.SetTyping(ctx, "c", "x", true))
	mock.Add(500 * time.Millisecond)
	require.NoError(t, tracker.SetTyping(ctx, "c", "y", true))
	mock.Add(500 * time.Millisecond)

	st.Eventually(t, func() bool { return !flag(t, reader, "c", "x") }, "x should clear")
	assert.True(t, flag(t, reader, "c", "y"))
}

func TestTracker_Validation(t *testing.T) {
	tracker, _, _ := setup(t)
	assert.Error(t, tracker.SetTyping(context.Background(), "", "x", true))
	assert.Error(t, tracker.SetTyping(context.Background(), "c", "", true))

	tracker.Close()
	assert.ErrorIs(t, tracker.SetTyping(context.Background(), "c", "x", true), signaling.ErrClosed)
}
