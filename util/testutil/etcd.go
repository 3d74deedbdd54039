package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdTestMutex ensures only one etcd integration test runs at a time across
// all packages, so tests sharing the same etcd instance do not interfere.
//
// Usage in test files:
//
//	func TestSomethingWithEtcd(t *testing.T) {
//	    testutil.EtcdTestMutex.Lock()
//	    defer testutil.EtcdTestMutex.Unlock()
//	    // ... test code that uses etcd
//	}
var EtcdTestMutex sync.Mutex

// PrepareEtcdPrefix returns a unique etcd key prefix for the test and
// registers a cleanup that removes every key under it when the test ends.
// The prefix is derived from the test name so concurrent packages stay
// isolated even against leftovers from crashed runs.
func PrepareEtcdPrefix(t testing.TB, endpoint string) string {
	t.Helper()

	// Subtest names contain '/', which is fine inside an etcd key but makes
	// nested prefixes; flatten them.
	name := strings.ReplaceAll(t.Name(), "/", "_")
	prefix := "/invsync-test/" + name

	cleanup := func() {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{endpoint},
			DialTimeout: 2 * time.Second,
		})
		if err != nil {
			return
		}
		defer cli.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = cli.Delete(ctx, prefix, clientv3.WithPrefix())
	}

	// Clear leftovers from a previous aborted run, then again on exit.
	cleanup()
	t.Cleanup(cleanup)

	return prefix
}
