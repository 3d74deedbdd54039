package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition until it returns true or the timeout expires,
// failing the test on timeout. Use it for asynchronous state in tests
// instead of bare sleeps.
//
//	testutil.WaitFor(t, 5*time.Second, "registry to see server b", func() bool {
//	    return reg.IsHealthy("server-b")
//	})
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	interval := 50 * time.Millisecond
	if timeout < interval {
		timeout = interval
	}

	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			t.Logf("Condition met after %v: %s", time.Since(start).Round(time.Millisecond), message)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timeout waiting for %s (waited %v)", message, timeout)
		}
	}
}
