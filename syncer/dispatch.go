package syncer

import (
	"fmt"

	"github.com/emberforge/invsync/syncer/message"
	"github.com/emberforge/invsync/util/metrics"
)

// OnMessage registers a handler invoked for every well-formed message
// from another server, after the type-specific routing has run.
// Handlers cannot be removed; register for the coordinator's lifetime.
func (c *Coordinator) OnMessage(handler func(*message.Message)) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.messageHandlers = append(c.messageHandlers, handler)
}

// OnCacheInvalidate registers a handler invoked when another server
// updates or invalidates a player's inventory. An empty group means
// every group for that player.
func (c *Coordinator) OnCacheInvalidate(handler func(playerID, group string)) {
	if handler == nil {
		return
	}
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.invalidateHandlers = append(c.invalidateHandlers, handler)
}

// handleIncoming is the broker's delivery callback. It runs on the
// watch goroutine, so handlers that block stall message delivery for
// the whole process.
func (c *Coordinator) handleIncoming(payload []byte) {
	msg, ok := message.Decode(payload)
	if !ok {
		c.logger.Debugf("Dropping malformed sync message (%d bytes)", len(payload))
		return
	}

	c.messagesReceived.Add(1)
	metrics.RecordMessageReceived(c.cfg.ServerID, string(msg.Type))

	// Our own publishes loop back through the channel.
	if msg.ServerID == c.cfg.ServerID {
		return
	}

	c.logger.Debugf("Received %s", msg)

	switch msg.Type {
	case message.TypeUpdate, message.TypeInvalidate:
		c.notifyInvalidate(msg.PlayerID, msg.Group)
	case message.TypeHeartbeat:
		c.registry.RecordHeartbeat(msg.ServerID, msg.PlayerCount)
		metrics.SetConnectedServers(c.cfg.ServerID, c.registry.Len())
	case message.TypeShutdown:
		c.registry.RemoveServer(msg.ServerID)
		metrics.SetConnectedServers(c.cfg.ServerID, c.registry.Len())
	}

	c.notifyMessage(msg)
}

// notifyMessage fans a message out to the generic handlers. The handler
// list is snapshotted under the read lock and invoked outside it so a
// handler can safely register further handlers.
func (c *Coordinator) notifyMessage(msg *message.Message) {
	c.handlersMu.RLock()
	handlers := make([]func(*message.Message), len(c.messageHandlers))
	copy(handlers, c.messageHandlers)
	c.handlersMu.RUnlock()

	for i, handler := range handlers {
		c.invoke(fmt.Sprintf("message handler %d", i), func() { handler(msg) })
	}
}

func (c *Coordinator) notifyInvalidate(playerID, group string) {
	c.handlersMu.RLock()
	handlers := make([]func(string, string), len(c.invalidateHandlers))
	copy(handlers, c.invalidateHandlers)
	c.handlersMu.RUnlock()

	for i, handler := range handlers {
		c.invoke(fmt.Sprintf("invalidate handler %d", i), func() { handler(playerID, group) })
	}
}

// invoke runs one handler with panic isolation so a misbehaving
// subscriber cannot take down message delivery for the rest.
func (c *Coordinator) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Panic in %s: %v", name, r)
		}
	}()
	fn()
}
