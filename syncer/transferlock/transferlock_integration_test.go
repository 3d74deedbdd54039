package transferlock

import (
	"context"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/emberforge/invsync/util/testutil"
)

const etcdEndpoint = "localhost:2379"

// newEtcdClient connects to the local test etcd, skipping the test when it
// is not reachable.
func newEtcdClient(t *testing.T) *clientv3.Client {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdEndpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, etcdEndpoint); err != nil {
		cli.Close()
		t.Skipf("Skipping test: etcd not available: %v", err)
		return nil
	}

	t.Cleanup(func() { cli.Close() })
	return cli
}

// setupManager creates a Manager for serverID bound to the test's unique
// etcd prefix.
func setupManager(t *testing.T, serverID, prefix string) *Manager {
	t.Helper()

	m := NewManager(serverID, 10*time.Second)
	m.Init(newEtcdClient(t), prefix+"/locks/")
	return m
}

func TestAcquireAndProbe_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	m := setupManager(t, "server-a", prefix)
	ctx := context.Background()

	result, err := m.Acquire(ctx, "player-1", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if !result.Granted {
		t.Fatalf("Acquire() not granted on a free lock: %+v", result)
	}
	if result.Holder != "server-a" {
		t.Errorf("Holder = %q, want server-a", result.Holder)
	}

	locked, err := m.IsLocked(ctx, "player-1")
	if err != nil {
		t.Fatalf("IsLocked() failed: %v", err)
	}
	if !locked {
		t.Error("IsLocked() = false for a held lock")
	}

	holder, err := m.Holder(ctx, "player-1")
	if err != nil {
		t.Fatalf("Holder() failed: %v", err)
	}
	if holder != "server-a" {
		t.Errorf("Holder() = %q, want server-a", holder)
	}

	// A different player is independent.
	locked, err = m.IsLocked(ctx, "player-2")
	if err != nil {
		t.Fatalf("IsLocked() failed: %v", err)
	}
	if locked {
		t.Error("IsLocked() = true for an unrelated player")
	}

	acquired, _, conflicts := m.Counters()
	if acquired != 1 || conflicts != 0 {
		t.Errorf("Counters() acquired=%d conflicts=%d, want 1 and 0", acquired, conflicts)
	}
}

func TestAcquireConflict_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	a := setupManager(t, "server-a", prefix)
	b := setupManager(t, "server-b", prefix)
	ctx := context.Background()

	if result, err := a.Acquire(ctx, "player-1", 30*time.Second); err != nil || !result.Granted {
		t.Fatalf("server-a Acquire() = %+v, %v", result, err)
	}

	result, err := b.Acquire(ctx, "player-1", 30*time.Second)
	if err != nil {
		t.Fatalf("conflicting Acquire() returned error: %v (conflicts are outcomes, not errors)", err)
	}
	if result.Granted {
		t.Fatal("both servers were granted the same player's lock")
	}
	if result.Holder != "server-a" {
		t.Errorf("denied result names holder %q, want server-a", result.Holder)
	}

	acquired, _, conflicts := b.Counters()
	if acquired != 0 || conflicts != 1 {
		t.Errorf("server-b Counters() acquired=%d conflicts=%d, want 0 and 1", acquired, conflicts)
	}

	// The same server asking again is also a conflict; there is no reentrancy.
	result, err = a.Acquire(ctx, "player-1", 30*time.Second)
	if err != nil {
		t.Fatalf("repeat Acquire() returned error: %v", err)
	}
	if result.Granted {
		t.Error("repeat Acquire() by the holder should be denied, not granted")
	}
}

func TestReleaseOnlyByHolder_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	a := setupManager(t, "server-a", prefix)
	b := setupManager(t, "server-b", prefix)
	ctx := context.Background()

	if result, err := a.Acquire(ctx, "player-1", 30*time.Second); err != nil || !result.Granted {
		t.Fatalf("Acquire() = %+v, %v", result, err)
	}

	// A non-holder's release is a silent no-op.
	released, err := b.Release(ctx, "player-1")
	if err != nil {
		t.Fatalf("non-holder Release() failed: %v", err)
	}
	if released {
		t.Fatal("non-holder Release() reported true")
	}
	if locked, _ := a.IsLocked(ctx, "player-1"); !locked {
		t.Fatal("lock vanished after non-holder release")
	}

	// The holder's release removes the lock.
	released, err = a.Release(ctx, "player-1")
	if err != nil {
		t.Fatalf("holder Release() failed: %v", err)
	}
	if !released {
		t.Fatal("holder Release() reported false")
	}
	if locked, _ := a.IsLocked(ctx, "player-1"); locked {
		t.Fatal("lock still present after holder release")
	}

	// Releasing an already-released lock is a no-op, not an error.
	released, err = a.Release(ctx, "player-1")
	if err != nil || released {
		t.Fatalf("double Release() = %v, %v; want false, nil", released, err)
	}

	_, releasedCount, _ := a.Counters()
	if releasedCount != 1 {
		t.Errorf("released counter = %d, want 1", releasedCount)
	}

	// The player can be locked again afterwards, by anyone.
	if result, err := b.Acquire(ctx, "player-1", 30*time.Second); err != nil || !result.Granted {
		t.Fatalf("Acquire() after release = %+v, %v", result, err)
	}
}

func TestLockExpiresWithoutRelease_Integration(t *testing.T) {
	testutil.EtcdTestMutex.Lock()
	defer testutil.EtcdTestMutex.Unlock()

	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	a := setupManager(t, "server-a", prefix)
	b := setupManager(t, "server-b", prefix)
	ctx := context.Background()

	if result, err := a.Acquire(ctx, "player-1", time.Second); err != nil || !result.Granted {
		t.Fatalf("Acquire() = %+v, %v", result, err)
	}

	// No release: the lease must expire on its own.
	testutil.WaitFor(t, 10*time.Second, "lock lease to expire", func() bool {
		locked, err := a.IsLocked(ctx, "player-1")
		return err == nil && !locked
	})

	result, err := b.Acquire(ctx, "player-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire() after expiry failed: %v", err)
	}
	if !result.Granted {
		t.Fatalf("Acquire() after expiry denied: %+v", result)
	}
}

func TestForceTransfer_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	a := setupManager(t, "server-a", prefix)
	ctx := context.Background()

	if result, err := a.Acquire(ctx, "player-1", 30*time.Second); err != nil || !result.Granted {
		t.Fatalf("Acquire() = %+v, %v", result, err)
	}

	if err := a.ForceTransfer(ctx, "player-1", "server-c"); err != nil {
		t.Fatalf("ForceTransfer() failed: %v", err)
	}

	holder, err := a.Holder(ctx, "player-1")
	if err != nil {
		t.Fatalf("Holder() failed: %v", err)
	}
	if holder != "server-c" {
		t.Errorf("Holder() = %q after force transfer, want server-c", holder)
	}

	// server-a no longer holds it, so its release is a no-op.
	released, err := a.Release(ctx, "player-1")
	if err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if released {
		t.Error("Release() by the displaced holder reported true")
	}

	// ForceTransfer also works on a player with no lock at all.
	if err := a.ForceTransfer(ctx, "player-2", "server-c"); err != nil {
		t.Fatalf("ForceTransfer() on unlocked player failed: %v", err)
	}
	if holder, _ := a.Holder(ctx, "player-2"); holder != "server-c" {
		t.Errorf("Holder() = %q, want server-c", holder)
	}
}

func TestConcurrentAcquireSingleWinner_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)
	a := setupManager(t, "server-a", prefix)
	b := setupManager(t, "server-b", prefix)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	grants := make(chan string, attempts*2)

	for i := 0; i < attempts; i++ {
		for _, m := range []*Manager{a, b} {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				result, err := m.Acquire(ctx, "player-1", 30*time.Second)
				if err != nil {
					t.Errorf("Acquire() failed: %v", err)
					return
				}
				if result.Granted {
					grants <- result.Holder
				}
			}(m)
		}
	}

	wg.Wait()
	close(grants)

	var winners []string
	for w := range grants {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one granted acquisition, got %d: %v", len(winners), winners)
	}

	// Every denied attempt must have seen the single winner as holder.
	holder, err := a.Holder(ctx, "player-1")
	if err != nil {
		t.Fatalf("Holder() failed: %v", err)
	}
	if holder != winners[0] {
		t.Errorf("Holder() = %q, want winner %q", holder, winners[0])
	}

	aAcquired, _, aConflicts := a.Counters()
	bAcquired, _, bConflicts := b.Counters()
	if aAcquired+bAcquired != 1 {
		t.Errorf("total acquired = %d, want 1", aAcquired+bAcquired)
	}
	if aConflicts+bConflicts != attempts*2-1 {
		t.Errorf("total conflicts = %d, want %d", aConflicts+bConflicts, attempts*2-1)
	}
}
