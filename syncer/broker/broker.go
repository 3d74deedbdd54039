// Package broker provides the shared broadcast channel between servers.
//
// The channel is a single etcd key: publishing puts the encoded message to
// it, and every subscriber watches the key and sees each put in order. etcd
// already totally orders writes per key, which is exactly the delivery
// guarantee the sync protocol needs, so no separate message broker is
// involved.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/emberforge/invsync/util/backoff"
	"github.com/emberforge/invsync/util/logger"
)

const (
	// DefaultPrefix is the etcd key prefix for a deployment.
	DefaultPrefix = "/invsync"
	// DefaultChannel is the channel name used when none is configured.
	DefaultChannel = "sync"
	// DefaultDialTimeout bounds the initial etcd dial and probe.
	DefaultDialTimeout = 5 * time.Second

	// presenceLeaseTTL is the TTL in seconds of the presence lease. The
	// keepalive stream refreshes it at TTL/3, so connectivity loss is
	// noticed within a few seconds.
	presenceLeaseTTL = 10
)

// Broker connects to etcd and carries sync messages over one channel key.
// Connect must succeed before Publish or Subscribe; after that the broker
// keeps its subscription alive across etcd outages on its own.
type Broker struct {
	endpoints   []string
	prefix      string
	channelKey  string
	dialTimeout time.Duration

	mu             sync.Mutex
	client         *clientv3.Client
	connected      bool
	subscribed     bool
	closed         bool
	watchCancel    context.CancelFunc
	presenceCancel context.CancelFunc
	onState        func(connected bool)

	wg     sync.WaitGroup
	logger *logger.Logger
}

// New creates a Broker for the given etcd endpoints. Keys live under prefix;
// the channel name distinguishes independent message streams within one
// deployment. Zero values fall back to the package defaults.
func New(endpoints []string, prefix, channel string, dialTimeout time.Duration) *Broker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	prefix = strings.TrimSuffix(prefix, "/")

	return &Broker{
		endpoints:   endpoints,
		prefix:      prefix,
		channelKey:  prefix + "/channel/" + channel,
		dialTimeout: dialTimeout,
		logger:      logger.NewLogger("Broker"),
	}
}

// Connect establishes the etcd connection. clientv3.New does not dial
// eagerly, so the connection is probed before declaring success; a down
// etcd fails here instead of on the first publish.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	if b.client != nil {
		return nil
	}

	b.logger.Infof("Connecting to etcd at %v", b.endpoints)

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   b.endpoints,
		DialTimeout: b.dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create etcd client: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()
	if _, err := client.Status(probeCtx, b.endpoints[0]); err != nil {
		client.Close()
		return fmt.Errorf("failed to reach etcd at %v: %w", b.endpoints, err)
	}

	b.client = client
	b.connected = true
	b.logger.Infof("Connected to etcd at %v", b.endpoints)
	return nil
}

// Client returns the underlying etcd client, or nil before Connect. The
// transfer lock manager shares this client; lock keys and the channel key
// live under disjoint prefixes.
func (b *Broker) Client() *clientv3.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Prefix returns the deployment key prefix (no trailing slash).
func (b *Broker) Prefix() string {
	return b.prefix
}

// ChannelKey returns the full etcd key of the message channel.
func (b *Broker) ChannelKey() string {
	return b.channelKey
}

// IsConnected reports whether the broker currently believes etcd is
// reachable. The presence keepalive drives it: it flips false when
// keepalives stop flowing and true once the lease is re-granted.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// OnStateChange registers a callback fired once per connectivity transition.
// Set it before StartPresence; the callback runs on the presence goroutine
// and must not block.
func (b *Broker) OnStateChange(fn func(connected bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// Publish writes one encoded message to the channel. Delivery to subscribers
// is etcd's concern from here; the caller decides what a failed publish
// means.
func (b *Broker) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return fmt.Errorf("broker not connected")
	}

	if _, err := client.Put(ctx, b.channelKey, string(payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", b.channelKey, err)
	}
	return nil
}

// Subscribe starts delivering channel messages to onMessage, in publish
// order, beginning after the current head of the channel. The handler runs
// on the watch goroutine. If the watch drops, the broker reconnects with
// backoff and resumes from the last delivered revision, so a brief outage
// loses nothing that etcd still has.
func (b *Broker) Subscribe(ctx context.Context, onMessage func(payload []byte)) error {
	b.mu.Lock()
	if b.client == nil {
		b.mu.Unlock()
		return fmt.Errorf("broker not connected")
	}
	if b.subscribed {
		b.mu.Unlock()
		b.logger.Warnf("Subscribe already started")
		return nil
	}
	client := b.client
	watchCtx, cancel := context.WithCancel(ctx)
	b.subscribed = true
	b.watchCancel = cancel
	b.mu.Unlock()

	// Find the channel head so only messages published from now on arrive.
	getCtx, getCancel := context.WithTimeout(ctx, b.dialTimeout)
	defer getCancel()
	resp, err := client.Get(getCtx, b.channelKey)
	if err != nil {
		cancel()
		b.mu.Lock()
		b.subscribed = false
		b.watchCancel = nil
		b.mu.Unlock()
		return fmt.Errorf("failed to read channel head: %w", err)
	}

	b.wg.Add(1)
	go b.watchLoop(watchCtx, client, resp.Header.Revision, onMessage)
	return nil
}

func (b *Broker) watchLoop(ctx context.Context, client *clientv3.Client, fromRev int64, onMessage func([]byte)) {
	defer b.wg.Done()

	b.logger.Infof("Subscribed to channel %s from revision %d", b.channelKey, fromRev)

	bo := backoff.New(500*time.Millisecond, 30*time.Second, 2.0)
	rev := fromRev

	for {
		watchChan := client.Watch(ctx, b.channelKey, clientv3.WithRev(rev+1))
		healthy := false

	recv:
		for {
			select {
			case <-ctx.Done():
				b.logger.Infof("Channel watch stopped")
				return
			case watchResp, ok := <-watchChan:
				if !ok {
					break recv
				}
				if err := watchResp.Err(); err != nil {
					b.logger.Warnf("Channel watch error: %v", err)
					if watchResp.CompactRevision > 0 {
						// History below the compaction point is gone;
						// resume at the boundary and accept the gap.
						rev = watchResp.CompactRevision
					}
					break recv
				}

				if !healthy {
					healthy = true
					bo.Reset()
				}

				for _, event := range watchResp.Events {
					if event.Type != mvccpb.PUT {
						continue
					}
					rev = event.Kv.ModRevision
					onMessage(event.Kv.Value)
				}
			}
		}

		if ctx.Err() != nil {
			b.logger.Infof("Channel watch stopped")
			return
		}

		if err := bo.Wait(ctx); err != nil {
			return
		}
		b.logger.Infof("Re-establishing channel watch from revision %d", rev+1)
	}
}

// StartPresence registers a lease-backed key under <prefix>/servers/ naming
// this server, and keeps the lease alive for the life of ctx. The keepalive
// stream doubles as the broker's connectivity probe: when responses stop
// flowing the broker reports disconnected, and once the lease can be granted
// again it reports connected. The key itself gives operators a live roster
// (etcdctl get --prefix <prefix>/servers/).
func (b *Broker) StartPresence(ctx context.Context, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("server id cannot be empty")
	}

	b.mu.Lock()
	if b.client == nil {
		b.mu.Unlock()
		return fmt.Errorf("broker not connected")
	}
	if b.presenceCancel != nil {
		b.mu.Unlock()
		b.logger.Warnf("Presence already started")
		return nil
	}
	client := b.client
	presenceCtx, cancel := context.WithCancel(ctx)
	b.presenceCancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go b.presenceLoop(presenceCtx, client, b.prefix+"/servers/"+serverID, serverID)
	return nil
}

func (b *Broker) presenceLoop(ctx context.Context, client *clientv3.Client, key, value string) {
	defer b.wg.Done()

	bo := backoff.New(500*time.Millisecond, 30*time.Second, 2.0)

	for {
		if ctx.Err() != nil {
			return
		}

		lease, err := client.Grant(ctx, presenceLeaseTTL)
		if err == nil {
			_, err = client.Put(ctx, key, value, clientv3.WithLease(lease.ID))
		}
		var keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
		if err == nil {
			keepAliveCh, err = client.KeepAlive(ctx, lease.ID)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.setConnected(false)
			if bo.Wait(ctx) != nil {
				return
			}
			continue
		}

		bo.Reset()
		b.setConnected(true)
		b.logger.Debugf("Presence registered at %s with lease %d", key, lease.ID)

		open := true
		for open {
			select {
			case <-ctx.Done():
				b.revokePresence(client, lease.ID)
				return
			case _, ok := <-keepAliveCh:
				open = ok
			}
		}

		if ctx.Err() != nil {
			b.revokePresence(client, lease.ID)
			return
		}

		// The stream only closes when etcd stops answering; the lease will
		// expire on its own and take the key with it.
		b.logger.Warnf("Presence lease %d lost", lease.ID)
		b.setConnected(false)
		if bo.Wait(ctx) != nil {
			return
		}
	}
}

func (b *Broker) revokePresence(client *clientv3.Client, id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Revoke(ctx, id); err != nil {
		b.logger.Debugf("Presence lease revoke failed: %v", err)
	}
}

// setConnected records a connectivity transition. Logging and the state
// callback fire once per transition, not once per failed operation.
func (b *Broker) setConnected(connected bool) {
	b.mu.Lock()
	if b.connected == connected {
		b.mu.Unlock()
		return
	}
	b.connected = connected
	onState := b.onState
	b.mu.Unlock()

	if connected {
		b.logger.Infof("Etcd connection restored")
	} else {
		b.logger.Warnf("Lost etcd connection, sync suspended")
	}

	if onState != nil {
		onState(connected)
	}
}

// Close stops the subscription and releases the etcd connection. Safe to
// call more than once and safe to call on a broker that never connected.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watchCancel := b.watchCancel
	presenceCancel := b.presenceCancel
	client := b.client
	b.client = nil
	b.connected = false
	b.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}
	if presenceCancel != nil {
		presenceCancel()
	}
	b.wg.Wait()

	if client != nil {
		b.logger.Infof("Closing etcd connection")
		return client.Close()
	}
	return nil
}
