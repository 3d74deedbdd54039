// Package syncer coordinates player inventory state across the server
// network. A Coordinator ties together the etcd-backed message broker,
// the heartbeat registry and the transfer lock manager, and exposes the
// surface game servers integrate with: broadcast/invalidate operations,
// lock wrappers, force sync and activity stats.
//
// A disabled or unreachable coordinator degrades to standalone mode
// where every operation is a safe no-op, so callers never need to
// branch on whether sync is active.
package syncer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberforge/invsync/syncer/broker"
	"github.com/emberforge/invsync/syncer/message"
	"github.com/emberforge/invsync/syncer/registry"
	"github.com/emberforge/invsync/syncer/transferlock"
	"github.com/emberforge/invsync/util/logger"
	"github.com/emberforge/invsync/util/metrics"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultPurgeAfter        = 60 * time.Second
	DefaultTransferLockTTL   = 10 * time.Second

	// publishTimeout bounds a single etcd write so a broadcast can never
	// stall a game thread indefinitely.
	publishTimeout = 5 * time.Second

	// shutdownNoticeTimeout bounds the best-effort goodbye message.
	shutdownNoticeTimeout = 2 * time.Second
)

// Config holds the resolved settings for a Coordinator. Zero fields are
// filled with defaults by New; an empty ServerID gets a generated one.
type Config struct {
	ServerID string
	Enabled  bool

	EtcdEndpoints []string
	EtcdPrefix    string
	Channel       string
	DialTimeout   time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PurgeAfter        time.Duration
	TransferLockTTL   time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.ServerID == "" {
		cfg.ServerID = generateServerID()
	}
	if len(cfg.EtcdEndpoints) == 0 {
		cfg.EtcdEndpoints = []string{"localhost:2379"}
	}
	if cfg.EtcdPrefix == "" {
		cfg.EtcdPrefix = broker.DefaultPrefix
	}
	if cfg.Channel == "" {
		cfg.Channel = broker.DefaultChannel
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = broker.DefaultDialTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = DefaultPurgeAfter
	}
	if cfg.TransferLockTTL <= 0 {
		cfg.TransferLockTTL = DefaultTransferLockTTL
	}
}

func generateServerID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("server-%d", time.Now().UnixNano())
	}
	return "server-" + hex.EncodeToString(b)
}

// PlayerSnapshot is one persisted inventory group for a player, as
// returned by a SnapshotStore during force sync.
type PlayerSnapshot struct {
	PlayerID  string
	Group     string
	Version   int64
	Data      []byte
	UpdatedAt time.Time
}

// SnapshotStore loads authoritative player data from durable storage.
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	LoadPlayerSnapshots(ctx context.Context, playerID string) ([]PlayerSnapshot, error)
}

// PlayerCounter reports how many players are currently on this server.
// It is sampled on every heartbeat.
type PlayerCounter func() int

// Coordinator is the per-process entry point for inventory sync. Create
// one with New, wire optional collaborators, then call Initialize once.
// All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg Config

	broker   *broker.Broker
	registry *registry.Registry
	locks    *transferlock.Manager

	store         SnapshotStore
	playerCounter PlayerCounter

	state atomic.Int32

	handlersMu         sync.RWMutex
	messageHandlers    []func(*message.Message)
	invalidateHandlers []func(playerID, group string)

	messagesPublished atomic.Int64
	messagesReceived  atomic.Int64
	lastHeartbeat     atomic.Int64
	requestSeq        atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logger.Logger
}

// New creates a Coordinator from cfg. Nothing touches the network until
// Initialize.
func New(cfg Config) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		broker:   broker.New(cfg.EtcdEndpoints, cfg.EtcdPrefix, cfg.Channel, cfg.DialTimeout),
		registry: registry.New(cfg.ServerID, cfg.HeartbeatTimeout, cfg.PurgeAfter),
		locks:    transferlock.NewManager(cfg.ServerID, cfg.TransferLockTTL),
		logger:   logger.NewLogger("SyncCoordinator"),
	}
	c.state.Store(int32(StateUninitialized))
	return c
}

// SetSnapshotStore wires the durable store used by ForceSyncPlayer.
// Call before Initialize.
func (c *Coordinator) SetSnapshotStore(store SnapshotStore) {
	c.store = store
}

// SetPlayerCounter wires the callback sampled for heartbeat player
// counts. Call before Initialize.
func (c *Coordinator) SetPlayerCounter(fn PlayerCounter) {
	c.playerCounter = fn
}

// ServerID returns this coordinator's identity on the sync channel.
func (c *Coordinator) ServerID() string {
	return c.cfg.ServerID
}

// Enabled reports whether sync was enabled in configuration.
func (c *Coordinator) Enabled() bool {
	return c.cfg.Enabled
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// ConnectedServers returns the healthy remote servers, sorted by ID.
func (c *Coordinator) ConnectedServers() []registry.ServerInfo {
	return c.registry.ConnectedServers()
}

// Locks exposes the transfer lock manager for direct probes such as
// IsLocked and Holder.
func (c *Coordinator) Locks() *transferlock.Manager {
	return c.locks
}

// Initialize connects to etcd, subscribes to the sync channel and
// starts the heartbeat and purge loops. Returns true when sync is
// active. When sync is disabled, or etcd is unreachable, it logs the
// reason and returns false; the coordinator then runs standalone and
// every operation no-ops.
func (c *Coordinator) Initialize(ctx context.Context) bool {
	if !c.cfg.Enabled {
		c.logger.Infof("Inventory sync disabled, running standalone")
		return false
	}
	if s := c.State(); s != StateUninitialized {
		c.logger.Warnf("Initialize called again in state %s", s)
		return s == StateConnected || s == StateDegraded
	}

	if err := c.broker.Connect(ctx); err != nil {
		c.logger.Errorf("Inventory sync unavailable, running standalone: %v", err)
		return false
	}

	c.locks.Init(c.broker.Client(), c.broker.Prefix()+"/locks/")
	c.broker.OnStateChange(c.onBrokerState)

	// Background work outlives the caller's init context and stops on
	// Shutdown.
	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.broker.Subscribe(runCtx, c.handleIncoming); err != nil {
		c.logger.Errorf("Inventory sync unavailable, running standalone: %v", err)
		cancel()
		c.broker.Close()
		return false
	}
	if err := c.broker.StartPresence(runCtx, c.cfg.ServerID); err != nil {
		c.logger.Errorf("Inventory sync unavailable, running standalone: %v", err)
		cancel()
		c.broker.Close()
		return false
	}
	c.cancel = cancel

	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateConnected)) {
		// Shutdown raced us; unwind.
		cancel()
		c.broker.Close()
		return false
	}
	c.logger.Infof("Connected to sync channel %s as %s", c.broker.ChannelKey(), c.cfg.ServerID)

	c.wg.Add(2)
	go c.heartbeatLoop(runCtx)
	go c.purgeLoop(runCtx)

	return true
}

// onBrokerState tracks broker connectivity. Only flips between
// CONNECTED and DEGRADED; it never resurrects a stopped coordinator.
func (c *Coordinator) onBrokerState(connected bool) {
	to := StateDegraded
	if connected {
		to = StateConnected
	}
	for {
		from := c.State()
		if from != StateConnected && from != StateDegraded {
			return
		}
		if from == to {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			if to == StateDegraded {
				c.logger.Warnf("Sync degraded: inventory changes stay local until the connection returns")
			} else {
				c.logger.Infof("Sync restored")
			}
			return
		}
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	// Announce ourselves right away instead of waiting one interval.
	c.publishHeartbeat()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishHeartbeat()
		}
	}
}

func (c *Coordinator) publishHeartbeat() {
	count := c.samplePlayerCount()
	if !c.publish(message.NewHeartbeat(c.cfg.ServerID, count, time.Now())) {
		return
	}
	now := time.Now()
	c.lastHeartbeat.Store(now.UnixMilli())
	metrics.SetLastHeartbeat(c.cfg.ServerID, float64(now.UnixNano())/float64(time.Second))
}

func (c *Coordinator) samplePlayerCount() (count int) {
	if c.playerCounter == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Panic in player counter: %v", r)
			count = 0
		}
	}()
	return c.playerCounter()
}

func (c *Coordinator) purgeLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PurgeAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.registry.Purge(); n > 0 {
				c.logger.Debugf("Purged %d stale server entries", n)
			}
			metrics.SetConnectedServers(c.cfg.ServerID, c.registry.Len())
		}
	}
}

// Shutdown stops the coordinator: it publishes a best-effort shutdown
// notice so peers evict this server immediately, stops the background
// loops and closes the etcd connection. Idempotent, and safe to call on
// a coordinator that never initialized.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for {
		from := c.State()
		if from == StateStopped {
			return
		}
		if c.state.CompareAndSwap(int32(from), int32(StateStopped)) {
			if from == StateUninitialized {
				return
			}
			break
		}
	}

	if data, err := message.Encode(message.NewShutdown(c.cfg.ServerID)); err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, shutdownNoticeTimeout)
		if err := c.broker.Publish(pubCtx, data); err == nil {
			c.messagesPublished.Add(1)
			metrics.RecordMessagePublished(c.cfg.ServerID, string(message.TypeShutdown))
		}
		cancel()
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.broker.Close(); err != nil {
		c.logger.Warnf("Error closing sync connection: %v", err)
	}
	c.logger.Infof("Sync coordinator stopped")
}
