// Package signalingtest has helpers for tests that consume subscriptions.
package signalingtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatcall-backend/internal/signaling"
)

// Timeout bounds every wait in this package.
var Timeout = 3 * time.Second

// Next waits for the next update on sub.
func Next[T any](t testing.TB, sub *signaling.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for update")
	}
	var zero T
	return zero
}

// WaitFor drains sub until an update matches.
func WaitFor[T any](t testing.TB, sub *signaling.Subscription[T], match func(T) bool) T {
	t.Helper()
	deadline := time.After(Timeout)
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

// NoUpdate asserts nothing arrives on sub within d.
func NoUpdate[T any](t testing.TB, sub *signaling.Subscription[T], d time.Duration) {
	t.Helper()
	select {
	case v, ok := <-sub.Updates():
		if ok {
			t.Fatalf("unexpected update: %+v", v)
		}
	case <-time.After(d):
	}
}

// Eventually polls cond until it holds.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, Timeout, 5*time.Millisecond, msg)
}
