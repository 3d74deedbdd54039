// Package transferlock implements distributed per-player mutual exclusion.
//
// When a player moves between servers, the receiving server must not read
// the player's inventory while the departing server is still flushing it.
// Each player has one lock key in etcd; whoever creates the key owns the
// transfer. The key carries a lease so a crashed holder frees the lock
// automatically when the lease TTL runs out, and there is no renewal: a
// holder that needs more time has to re-acquire.
package transferlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	uerrors "github.com/emberforge/invsync/util/errors"
	"github.com/emberforge/invsync/util/keylock"
	"github.com/emberforge/invsync/util/logger"
	"github.com/emberforge/invsync/util/metrics"
)

// ErrNotInitialized is returned by operations invoked before Init. Probing
// locks without a connected store is a wiring mistake, not a "not locked"
// answer, and must be distinguishable from one.
var ErrNotInitialized = errors.New("transfer lock manager not initialized")

// lockRecord is the JSON value stored at a lock key.
type lockRecord struct {
	Holder     string `json:"holder"`
	AcquiredAt int64  `json:"acquiredAt"` // epoch millis
	ExpiresAt  int64  `json:"expiresAt"`  // epoch millis
}

// LockResult is the outcome of an acquisition attempt. A denied acquisition
// is a normal outcome, not an error; Holder names the server that owns the
// lock (the local server itself on a grant).
type LockResult struct {
	Granted bool
	Holder  string
}

// Manager acquires and releases transfer locks for the local server.
// All methods are safe for concurrent use.
type Manager struct {
	serverID   string
	defaultTTL time.Duration

	mu     sync.RWMutex
	client *clientv3.Client
	prefix string

	// Serializes same-process round trips per player so two local callers
	// cannot interleave their txn and lease operations on one key.
	keys *keylock.KeyLock

	acquired  atomic.Int64
	released  atomic.Int64
	conflicts atomic.Int64

	logger *logger.Logger
}

// NewManager creates a Manager for the given server identity. The manager
// rejects lock operations until Init wires it to etcd.
func NewManager(serverID string, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Second
	}
	return &Manager{
		serverID:   serverID,
		defaultTTL: defaultTTL,
		keys:       keylock.NewKeyLock(),
		logger:     logger.NewLogger("TransferLock"),
	}
}

// Init wires the manager to a connected etcd client. Lock keys live under
// prefix, one key per player id.
func (m *Manager) Init(client *clientv3.Client, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
	m.prefix = prefix
}

func (m *Manager) getClient() (*clientv3.Client, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, "", ErrNotInitialized
	}
	return m.client, m.prefix, nil
}

func lockKey(prefix, playerID string) string {
	return prefix + playerID
}

// ttlSeconds converts a timeout to whole lease seconds, rounding up.
// etcd lease TTLs have second granularity with a minimum of one.
func ttlSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (m *Manager) wrapErr(op, playerID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return uerrors.NewTimeoutError(op, playerID, err)
	}
	return fmt.Errorf("%s for player %s: %w", op, playerID, err)
}

// Acquire attempts to take the transfer lock for a player. The lock expires
// on its own after timeout (rounded up to whole seconds); pass zero to use
// the manager's default.
//
// The decision is a single atomic create-if-absent transaction, so exactly
// one server wins a concurrent race. A denial reports the current holder in
// the result. If etcd cannot be reached the acquisition fails closed: no
// grant, and the transport error is returned.
func (m *Manager) Acquire(ctx context.Context, playerID string, timeout time.Duration) (LockResult, error) {
	client, prefix, err := m.getClient()
	if err != nil {
		return LockResult{}, err
	}
	if playerID == "" {
		return LockResult{}, fmt.Errorf("playerID cannot be empty")
	}
	if timeout <= 0 {
		timeout = m.defaultTTL
	}

	unlock := m.keys.Lock(playerID)
	defer unlock()

	start := time.Now()

	lease, err := client.Grant(ctx, ttlSeconds(timeout))
	if err != nil {
		metrics.ObserveLockAcquireDuration(m.serverID, "error", time.Since(start).Seconds())
		return LockResult{}, m.wrapErr("acquire transfer lock", playerID, err)
	}

	now := time.Now()
	value, err := json.Marshal(lockRecord{
		Holder:     m.serverID,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(timeout).UnixMilli(),
	})
	if err != nil {
		m.revokeLease(client, lease.ID)
		return LockResult{}, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	key := lockKey(prefix, playerID)
	resp, err := client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		m.revokeLease(client, lease.ID)
		metrics.ObserveLockAcquireDuration(m.serverID, "error", time.Since(start).Seconds())
		return LockResult{}, m.wrapErr("acquire transfer lock", playerID, err)
	}

	if resp.Succeeded {
		m.acquired.Add(1)
		metrics.RecordLockAcquired(m.serverID)
		metrics.ObserveLockAcquireDuration(m.serverID, "granted", time.Since(start).Seconds())
		m.logger.Debugf("Acquired transfer lock for player %s (ttl=%ds)", playerID, ttlSeconds(timeout))
		return LockResult{Granted: true, Holder: m.serverID}, nil
	}

	// Denied: the key already exists. The lease we granted is unused.
	m.revokeLease(client, lease.ID)

	holder := ""
	if rr := resp.Responses[0].GetResponseRange(); rr != nil && len(rr.Kvs) > 0 {
		var rec lockRecord
		if err := json.Unmarshal(rr.Kvs[0].Value, &rec); err == nil {
			holder = rec.Holder
		} else {
			m.logger.Warnf("Unreadable lock record for player %s: %v", playerID, err)
		}
	}

	m.conflicts.Add(1)
	metrics.RecordLockConflict(m.serverID)
	metrics.ObserveLockAcquireDuration(m.serverID, "denied", time.Since(start).Seconds())
	m.logger.Debugf("Transfer lock for player %s denied, held by %s", playerID, holder)
	return LockResult{Granted: false, Holder: holder}, nil
}

// Release gives up the lock for a player if and only if this server holds
// it. The delete is guarded by the record's revision, so a lock that expired
// and was re-acquired by someone else between the read and the delete stays
// untouched. Returns true when the lock was actually released.
func (m *Manager) Release(ctx context.Context, playerID string) (bool, error) {
	client, prefix, err := m.getClient()
	if err != nil {
		return false, err
	}
	if playerID == "" {
		return false, fmt.Errorf("playerID cannot be empty")
	}

	unlock := m.keys.Lock(playerID)
	defer unlock()

	key := lockKey(prefix, playerID)
	resp, err := client.Get(ctx, key)
	if err != nil {
		return false, m.wrapErr("release transfer lock", playerID, err)
	}
	if len(resp.Kvs) == 0 {
		// Already expired or never held. Releasing twice is a no-op.
		return false, nil
	}

	kv := resp.Kvs[0]
	var rec lockRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		m.logger.Warnf("Unreadable lock record for player %s, not releasing: %v", playerID, err)
		return false, nil
	}
	if rec.Holder != m.serverID {
		m.logger.Debugf("Not releasing lock for player %s: held by %s", playerID, rec.Holder)
		return false, nil
	}

	txnResp, err := client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, m.wrapErr("release transfer lock", playerID, err)
	}
	if !txnResp.Succeeded {
		// The record changed hands between the read and the delete.
		m.logger.Debugf("Lock for player %s changed during release, leaving it", playerID)
		return false, nil
	}

	m.released.Add(1)
	metrics.RecordLockReleased(m.serverID)
	m.logger.Debugf("Released transfer lock for player %s", playerID)
	return true, nil
}

// IsLocked reports whether any server currently holds the player's lock.
func (m *Manager) IsLocked(ctx context.Context, playerID string) (bool, error) {
	client, prefix, err := m.getClient()
	if err != nil {
		return false, err
	}
	if playerID == "" {
		return false, fmt.Errorf("playerID cannot be empty")
	}

	resp, err := client.Get(ctx, lockKey(prefix, playerID))
	if err != nil {
		return false, m.wrapErr("check transfer lock", playerID, err)
	}
	return len(resp.Kvs) > 0, nil
}

// Holder returns the server currently holding the player's lock, or the
// empty string when the player is not locked.
func (m *Manager) Holder(ctx context.Context, playerID string) (string, error) {
	client, prefix, err := m.getClient()
	if err != nil {
		return "", err
	}
	if playerID == "" {
		return "", fmt.Errorf("playerID cannot be empty")
	}

	resp, err := client.Get(ctx, lockKey(prefix, playerID))
	if err != nil {
		return "", m.wrapErr("read transfer lock", playerID, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}

	var rec lockRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return "", fmt.Errorf("unreadable lock record for player %s: %w", playerID, err)
	}
	return rec.Holder, nil
}

// ForceTransfer overwrites the player's lock with a new holder regardless of
// the current state. This is an administrative recovery action for wedged
// transfers; it bypasses conflict accounting on purpose.
func (m *Manager) ForceTransfer(ctx context.Context, playerID, newHolder string) error {
	client, prefix, err := m.getClient()
	if err != nil {
		return err
	}
	if playerID == "" {
		return fmt.Errorf("playerID cannot be empty")
	}
	if newHolder == "" {
		return fmt.Errorf("newHolder cannot be empty")
	}

	unlock := m.keys.Lock(playerID)
	defer unlock()

	lease, err := client.Grant(ctx, ttlSeconds(m.defaultTTL))
	if err != nil {
		return m.wrapErr("force transfer lock", playerID, err)
	}

	now := time.Now()
	value, err := json.Marshal(lockRecord{
		Holder:     newHolder,
		AcquiredAt: now.UnixMilli(),
		ExpiresAt:  now.Add(m.defaultTTL).UnixMilli(),
	})
	if err != nil {
		m.revokeLease(client, lease.ID)
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	_, err = client.Put(ctx, lockKey(prefix, playerID), string(value), clientv3.WithLease(lease.ID))
	if err != nil {
		m.revokeLease(client, lease.ID)
		return m.wrapErr("force transfer lock", playerID, err)
	}

	m.logger.Warnf("Force transferred lock for player %s to %s", playerID, newHolder)
	return nil
}

// Counters returns the monotonic acquisition counters.
func (m *Manager) Counters() (acquired, released, conflicts int64) {
	return m.acquired.Load(), m.released.Load(), m.conflicts.Load()
}

// revokeLease drops an unused lease so it does not linger for its full TTL.
// Best effort: if etcd is unreachable the lease expires on its own anyway.
func (m *Manager) revokeLease(client *clientv3.Client, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Revoke(ctx, id); err != nil {
		m.logger.Debugf("Failed to revoke unused lease %d: %v", id, err)
	}
}
