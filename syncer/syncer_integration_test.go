package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/emberforge/invsync/syncer/message"
	"github.com/emberforge/invsync/util/testutil"
)

const etcdEndpoint = "localhost:2379"

// probeEtcd skips the test when the local etcd is not reachable.
func probeEtcd(t *testing.T) {
	t.Helper()

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdEndpoint},
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
		return
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, etcdEndpoint); err != nil {
		t.Skipf("Skipping test: etcd not available: %v", err)
	}
}

// setupCoordinator builds and initializes a coordinator on the test's
// prefix with fast heartbeats, shutting it down when the test ends.
func setupCoordinator(t *testing.T, serverID, prefix string, tweak func(*Config)) *Coordinator {
	t.Helper()
	probeEtcd(t)

	cfg := Config{
		ServerID:          serverID,
		Enabled:           true,
		EtcdEndpoints:     []string{etcdEndpoint},
		EtcdPrefix:        prefix,
		DialTimeout:       2 * time.Second,
		HeartbeatInterval: 200 * time.Millisecond,
		HeartbeatTimeout:  3 * time.Second,
		PurgeAfter:        time.Minute,
		TransferLockTTL:   2 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	c := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, c.Initialize(ctx), "coordinator %s failed to initialize against a reachable etcd", serverID)

	t.Cleanup(func() {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer sdCancel()
		c.Shutdown(sdCtx)
	})
	return c
}

// msgCollector records messages delivered on the watch goroutine so the
// test goroutine can poll them safely.
type msgCollector struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (mc *msgCollector) add(m *message.Message) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.msgs = append(mc.msgs, m)
}

func (mc *msgCollector) countOf(tp message.Type) int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	n := 0
	for _, m := range mc.msgs {
		if m.Type == tp {
			n++
		}
	}
	return n
}

func (mc *msgCollector) firstOf(tp message.Type) *message.Message {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, m := range mc.msgs {
		if m.Type == tp {
			return m
		}
	}
	return nil
}

func TestCoordinatorsSeeEachOther_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)

	a := setupCoordinator(t, "server-a", prefix, nil)
	b := setupCoordinator(t, "server-b", prefix, func(cfg *Config) {})
	b.SetPlayerCounter(func() int { return 3 })

	testutil.WaitFor(t, 5*time.Second, "both coordinators to see each other", func() bool {
		return len(a.ConnectedServers()) == 1 && len(b.ConnectedServers()) == 1
	})

	assert.Equal(t, StateConnected, a.State())
	assert.Equal(t, "server-b", a.ConnectedServers()[0].ServerID)
	assert.Equal(t, "server-a", b.ConnectedServers()[0].ServerID)

	testutil.WaitFor(t, 5*time.Second, "server-b player count to propagate", func() bool {
		servers := a.ConnectedServers()
		return len(servers) == 1 && servers[0].PlayerCount == 3
	})

	stats := a.Stats()
	assert.Positive(t, stats.LastHeartbeat, "heartbeats should have been published")
	assert.Positive(t, stats.MessagesPublished)
	assert.Equal(t, 1, stats.ConnectedServers)
}

func TestUpdateRoundtrip_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)

	a := setupCoordinator(t, "server-a", prefix, nil)
	b := setupCoordinator(t, "server-b", prefix, nil)

	type invalidation struct{ playerID, group string }
	bInv := make(chan invalidation, 16)
	b.OnCacheInvalidate(func(playerID, group string) {
		select {
		case bInv <- invalidation{playerID, group}:
		default:
		}
	})
	var bMsgs msgCollector
	b.OnMessage(bMsgs.add)

	aInv := make(chan invalidation, 16)
	a.OnCacheInvalidate(func(playerID, group string) {
		select {
		case aInv <- invalidation{playerID, group}:
		default:
		}
	})

	a.BroadcastUpdate("p1", "main", 7)

	select {
	case got := <-bInv:
		assert.Equal(t, invalidation{"p1", "main"}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server-b never received the update invalidation")
	}

	testutil.WaitFor(t, 5*time.Second, "update message to reach server-b handlers", func() bool {
		return bMsgs.countOf(message.TypeUpdate) == 1
	})
	upd := bMsgs.firstOf(message.TypeUpdate)
	assert.Equal(t, "server-a", upd.ServerID)
	assert.EqualValues(t, 7, upd.Version)

	// The publisher's own handlers must not fire on the loopback.
	select {
	case got := <-aInv:
		t.Fatalf("server-a invalidated its own cache: %+v", got)
	default:
	}

	// An invalidation with no group means every group.
	b.BroadcastInvalidation("p2", "")
	select {
	case got := <-aInv:
		assert.Equal(t, invalidation{"p2", ""}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("server-a never received the blanket invalidation")
	}
}

func TestShutdownEvictsPeer_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)

	a := setupCoordinator(t, "server-a", prefix, nil)
	b := setupCoordinator(t, "server-b", prefix, nil)

	var aMsgs msgCollector
	a.OnMessage(aMsgs.add)

	testutil.WaitFor(t, 5*time.Second, "server-a to see server-b", func() bool {
		return len(a.ConnectedServers()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Shutdown(ctx)
	assert.Equal(t, StateStopped, b.State())

	testutil.WaitFor(t, 5*time.Second, "server-b eviction on server-a", func() bool {
		return len(a.ConnectedServers()) == 0
	})
	testutil.WaitFor(t, 5*time.Second, "shutdown notice on server-a handlers", func() bool {
		return aMsgs.countOf(message.TypeShutdown) == 1
	})
}

func TestLockAnnouncements_Integration(t *testing.T) {
	prefix := testutil.PrepareEtcdPrefix(t, etcdEndpoint)

	a := setupCoordinator(t, "server-a", prefix, nil)
	b := setupCoordinator(t, "server-b", prefix, nil)

	var bMsgs msgCollector
	b.OnMessage(bMsgs.add)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := a.RequestLockAcquire(ctx, "p9")
	require.NoError(t, err)
	require.True(t, result.Granted)
	assert.Equal(t, "server-a", result.Holder)

	// The whole network can observe the transfer in flight.
	testutil.WaitFor(t, 5*time.Second, "lock request announcement", func() bool {
		return bMsgs.countOf(message.TypeLockRequest) == 1
	})
	testutil.WaitFor(t, 5*time.Second, "lock response announcement", func() bool {
		return bMsgs.countOf(message.TypeLockResponse) == 1
	})
	resp := bMsgs.firstOf(message.TypeLockResponse)
	assert.True(t, resp.Granted)
	assert.Equal(t, "server-a", resp.HolderID)

	// A contender is denied and learns the holder; denial is an outcome,
	// not an error.
	denied, err := b.RequestLockAcquire(ctx, "p9")
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	assert.Equal(t, "server-a", denied.Holder)
	assert.EqualValues(t, 1, b.Stats().LockConflicts)

	released, err := a.RequestLockRelease(ctx, "p9")
	require.NoError(t, err)
	require.True(t, released)
	assert.EqualValues(t, 1, a.Stats().LocksAcquired)
	assert.EqualValues(t, 1, a.Stats().LocksReleased)

	testutil.WaitFor(t, 5*time.Second, "lock release announcement", func() bool {
		return bMsgs.countOf(message.TypeLockRelease) == 1
	})

	// With the lock back in the pool the contender succeeds.
	retry, err := b.RequestLockAcquire(ctx, "p9")
	require.NoError(t, err)
	assert.True(t, retry.Granted)
}
