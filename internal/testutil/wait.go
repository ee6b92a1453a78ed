// Package testutil holds helpers shared by package tests.
package testutil

import (
	"testing"
	"time"
)

// PollInterval is how often WaitFor re-evaluates its condition.
const PollInterval = 2 * time.Millisecond

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(PollInterval)
	}
	return cond()
}

// RequireWithin fails the test when cond does not hold within timeout.
func RequireWithin(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	if !WaitFor(t, timeout, cond) {
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}

// Receive waits for one value from ch.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting")
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for value", timeout)
	}
	var zero T
	return zero
}

// WaitClosed waits for ch to be closed.
func WaitClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for close", timeout)
	}
}
