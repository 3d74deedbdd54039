// Package registry tracks which servers in the network are alive.
//
// Liveness is derived purely from heartbeat recency: a server is healthy
// while its last heartbeat is younger than the configured timeout. There are
// no event-driven up/down transitions to get out of sync; reading health at
// time t always gives the same answer for the same heartbeat history.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/emberforge/invsync/util/logger"
)

// ServerInfo describes one known server.
type ServerInfo struct {
	ServerID      string
	LastHeartbeat time.Time // local receive time, not the sender's clock
	PlayerCount   int
}

// Registry is an in-memory map of known servers keyed by server id.
// All methods are safe for concurrent use.
type Registry struct {
	localID          string
	heartbeatTimeout time.Duration
	purgeAfter       time.Duration

	mu      sync.RWMutex
	servers map[string]*ServerInfo

	logger *logger.Logger
}

// New creates a Registry for a process identified by localID. Servers count
// as healthy while their last heartbeat is at most heartbeatTimeout old;
// entries older than purgeAfter are dropped by Purge.
func New(localID string, heartbeatTimeout, purgeAfter time.Duration) *Registry {
	return &Registry{
		localID:          localID,
		heartbeatTimeout: heartbeatTimeout,
		purgeAfter:       purgeAfter,
		servers:          make(map[string]*ServerInfo),
		logger:           logger.NewLogger("ServerRegistry"),
	}
}

// RecordHeartbeat upserts a server's entry, stamping the local receive time.
// Using our own clock keeps health decisions immune to sender clock skew.
// Heartbeats from the local server are ignored; a process does not track
// itself.
func (r *Registry) RecordHeartbeat(serverID string, playerCount int) {
	if serverID == "" || serverID == r.localID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, known := r.servers[serverID]
	if !known {
		info = &ServerInfo{ServerID: serverID}
		r.servers[serverID] = info
		r.logger.Infof("Server %s joined (players=%d)", serverID, playerCount)
	}
	info.LastHeartbeat = time.Now()
	info.PlayerCount = playerCount
}

// IsHealthy reports whether the server's last heartbeat is recent enough.
func (r *Registry) IsHealthy(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, known := r.servers[serverID]
	if !known {
		return false
	}
	return time.Since(info.LastHeartbeat) <= r.heartbeatTimeout
}

// ConnectedServers returns the healthy servers other than the local one,
// sorted by server id. The returned slice holds copies; mutating it does not
// touch registry state.
func (r *Registry) ConnectedServers() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	result := make([]ServerInfo, 0, len(r.servers))
	for id, info := range r.servers {
		if id == r.localID {
			continue
		}
		if now.Sub(info.LastHeartbeat) > r.heartbeatTimeout {
			continue
		}
		result = append(result, *info)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ServerID < result[j].ServerID
	})
	return result
}

// RemoveServer drops a server immediately, ahead of its timeout. Called when
// a shutdown announcement arrives.
func (r *Registry) RemoveServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.servers[serverID]; known {
		delete(r.servers, serverID)
		r.logger.Infof("Server %s removed from registry", serverID)
	}
}

// Purge drops entries whose heartbeat age exceeds the purge threshold and
// returns how many were removed. Health never depends on purging; this only
// bounds memory when servers leave without a shutdown message.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	purged := 0
	for id, info := range r.servers {
		if now.Sub(info.LastHeartbeat) > r.purgeAfter {
			delete(r.servers, id)
			purged++
			r.logger.Infof("Purged stale server %s (last heartbeat %v ago)", id, now.Sub(info.LastHeartbeat).Round(time.Second))
		}
	}
	return purged
}

// Len returns the number of tracked servers, healthy or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}
