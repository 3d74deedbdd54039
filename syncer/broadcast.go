package syncer

import (
	"context"
	"fmt"

	"github.com/emberforge/invsync/syncer/message"
	"github.com/emberforge/invsync/syncer/transferlock"
	"github.com/emberforge/invsync/util/metrics"
)

// BroadcastUpdate announces that this server persisted a new version of
// a player's inventory group. Remote servers drop their cached copy.
// A no-op unless the coordinator is connected.
func (c *Coordinator) BroadcastUpdate(playerID, group string, version int64) {
	c.publish(message.NewUpdate(c.cfg.ServerID, playerID, group, version))
}

// BroadcastInvalidation tells remote servers to drop cached data for a
// player without a new version attached. An empty group invalidates
// every group. A no-op unless the coordinator is connected.
func (c *Coordinator) BroadcastInvalidation(playerID, group string) {
	c.publish(message.NewInvalidate(c.cfg.ServerID, playerID, group))
}

// publish validates, encodes and writes one message to the sync
// channel. Returns true only when the write succeeded. Outside the
// CONNECTED state this drops the message quietly; transport failures
// are reported through the broker's state transition, not per call.
func (c *Coordinator) publish(msg *message.Message) bool {
	if s := c.State(); s != StateConnected {
		c.logger.Debugf("Not publishing %s while %s", msg.Type, s)
		return false
	}

	data, err := message.Encode(msg)
	if err != nil {
		c.logger.Errorf("Refusing to publish malformed message: %v", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.broker.Publish(ctx, data); err != nil {
		c.logger.Debugf("Publish of %s failed: %v", msg.Type, err)
		return false
	}

	c.messagesPublished.Add(1)
	metrics.RecordMessagePublished(c.cfg.ServerID, string(msg.Type))
	return true
}

// RequestLockAcquire takes the transfer lock for a player and announces
// the attempt and its outcome on the sync channel so operators can
// follow transfers in flight. A denial is not an error; check
// result.Granted and result.Holder.
func (c *Coordinator) RequestLockAcquire(ctx context.Context, playerID string) (transferlock.LockResult, error) {
	requestID := fmt.Sprintf("%s-%d", c.cfg.ServerID, c.requestSeq.Add(1))
	c.publish(message.NewLockRequest(c.cfg.ServerID, playerID, requestID))

	result, err := c.locks.Acquire(ctx, playerID, c.cfg.TransferLockTTL)
	if err != nil {
		return result, err
	}

	c.publish(message.NewLockResponse(c.cfg.ServerID, playerID, result.Granted, result.Holder))
	return result, nil
}

// RequestLockRelease gives back the transfer lock for a player and
// announces a successful release on the sync channel.
func (c *Coordinator) RequestLockRelease(ctx context.Context, playerID string) (bool, error) {
	released, err := c.locks.Release(ctx, playerID)
	if err != nil {
		return false, err
	}
	if released {
		c.publish(message.NewLockRelease(c.cfg.ServerID, playerID))
	}
	return released, nil
}

// ForceSyncResult carries the outcome of a ForceSyncPlayer call.
type ForceSyncResult struct {
	PlayerID  string
	Snapshots []PlayerSnapshot
	Err       error
}

// ForceSyncPlayer reloads a player's authoritative snapshots from the
// durable store and broadcasts an invalidation for every group so the
// rest of the network drops stale caches. The load runs in the
// background; the returned channel is buffered and always receives
// exactly one result, so callers may consume it whenever convenient.
func (c *Coordinator) ForceSyncPlayer(ctx context.Context, playerID string) <-chan ForceSyncResult {
	ch := make(chan ForceSyncResult, 1)

	if playerID == "" {
		ch <- ForceSyncResult{Err: fmt.Errorf("force sync: playerID cannot be empty")}
		return ch
	}
	store := c.store
	if store == nil {
		metrics.RecordForceSync(c.cfg.ServerID, "error")
		ch <- ForceSyncResult{PlayerID: playerID, Err: fmt.Errorf("force sync for player %s: no snapshot store configured", playerID)}
		return ch
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.RecordForceSync(c.cfg.ServerID, "error")
				ch <- ForceSyncResult{PlayerID: playerID, Err: fmt.Errorf("force sync for player %s panicked: %v", playerID, r)}
			}
		}()

		snapshots, err := store.LoadPlayerSnapshots(ctx, playerID)
		if err != nil {
			metrics.RecordForceSync(c.cfg.ServerID, "error")
			ch <- ForceSyncResult{PlayerID: playerID, Err: fmt.Errorf("force sync for player %s: %w", playerID, err)}
			return
		}

		c.BroadcastInvalidation(playerID, "")
		metrics.RecordForceSync(c.cfg.ServerID, "ok")
		c.logger.Infof("Force synced player %s (%d snapshots)", playerID, len(snapshots))
		ch <- ForceSyncResult{PlayerID: playerID, Snapshots: snapshots}
	}()
	return ch
}
