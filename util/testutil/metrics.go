package testutil

import (
	"sync"
	"testing"
)

var metricsTestMutex sync.Mutex

// LockMetrics serializes tests that touch the global Prometheus registry.
// Collectors are package-level shared state; a Reset() in one parallel test
// would clobber the counts another test is asserting on. The lock is
// released via t.Cleanup when the test completes.
func LockMetrics(t *testing.T) {
	t.Helper()

	metricsTestMutex.Lock()
	t.Cleanup(func() {
		metricsTestMutex.Unlock()
	})
}
