// Package message defines the wire protocol spoken between servers on the
// shared sync channel. Every message is a small JSON document with a type
// discriminator; the set of types is closed and decoding rejects anything
// outside it.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of sync message.
type Type string

const (
	// TypeUpdate announces that a player's inventory changed on the sender.
	TypeUpdate Type = "update"
	// TypeInvalidate tells receivers to drop cached copies of a player's data.
	TypeInvalidate Type = "invalidate"
	// TypeLockRequest announces a transfer lock acquisition attempt.
	TypeLockRequest Type = "lock_request"
	// TypeLockResponse announces the outcome of a lock acquisition.
	TypeLockResponse Type = "lock_response"
	// TypeLockRelease announces that a transfer lock was given up.
	TypeLockRelease Type = "lock_release"
	// TypeHeartbeat carries the sender's liveness and player count.
	TypeHeartbeat Type = "heartbeat"
	// TypeShutdown announces that the sender is leaving the network.
	TypeShutdown Type = "shutdown"
)

// Message is one sync protocol message. Type decides which optional fields
// are meaningful; the constructors fill exactly the fields their variant
// uses, everything else stays at the zero value and is omitted on the wire.
type Message struct {
	Type     Type   `json:"type"`
	ServerID string `json:"serverId"`

	// update, invalidate, lock_request, lock_response, lock_release
	PlayerID string `json:"playerId,omitempty"`

	// update always carries a group; on invalidate an absent group means
	// "drop every group for this player".
	Group string `json:"group,omitempty"`

	// update
	Version int64 `json:"version,omitempty"`

	// lock_request
	RequestID string `json:"requestId,omitempty"`

	// lock_response; Granted false is encoded by omission, HolderID names
	// the current holder on denial
	Granted  bool   `json:"granted,omitempty"`
	HolderID string `json:"holderId,omitempty"`

	// heartbeat
	PlayerCount int   `json:"playerCount,omitempty"`
	Timestamp   int64 `json:"timestamp,omitempty"` // sender clock, epoch millis
}

// NewUpdate builds an update message for one player's group.
func NewUpdate(serverID, playerID, group string, version int64) *Message {
	return &Message{
		Type:     TypeUpdate,
		ServerID: serverID,
		PlayerID: playerID,
		Group:    group,
		Version:  version,
	}
}

// NewInvalidate builds an invalidation for a player's group. An empty group
// invalidates all of the player's groups.
func NewInvalidate(serverID, playerID, group string) *Message {
	return &Message{
		Type:     TypeInvalidate,
		ServerID: serverID,
		PlayerID: playerID,
		Group:    group,
	}
}

// NewLockRequest builds a lock request announcement.
func NewLockRequest(serverID, playerID, requestID string) *Message {
	return &Message{
		Type:      TypeLockRequest,
		ServerID:  serverID,
		PlayerID:  playerID,
		RequestID: requestID,
	}
}

// NewLockResponse builds a lock outcome announcement. holderID names the
// server holding the lock; on a grant that is the requester itself.
func NewLockResponse(serverID, playerID string, granted bool, holderID string) *Message {
	return &Message{
		Type:     TypeLockResponse,
		ServerID: serverID,
		PlayerID: playerID,
		Granted:  granted,
		HolderID: holderID,
	}
}

// NewLockRelease builds a lock release announcement.
func NewLockRelease(serverID, playerID string) *Message {
	return &Message{
		Type:     TypeLockRelease,
		ServerID: serverID,
		PlayerID: playerID,
	}
}

// NewHeartbeat builds a heartbeat carrying the sender's current player count.
func NewHeartbeat(serverID string, playerCount int, now time.Time) *Message {
	return &Message{
		Type:        TypeHeartbeat,
		ServerID:    serverID,
		PlayerCount: playerCount,
		Timestamp:   now.UnixMilli(),
	}
}

// NewShutdown builds a shutdown announcement.
func NewShutdown(serverID string) *Message {
	return &Message{
		Type:     TypeShutdown,
		ServerID: serverID,
	}
}

// Validate checks that the message carries the fields its type requires.
func (m *Message) Validate() error {
	if m.ServerID == "" {
		return fmt.Errorf("message missing serverId")
	}

	switch m.Type {
	case TypeUpdate:
		if m.PlayerID == "" {
			return fmt.Errorf("update missing playerId")
		}
		if m.Group == "" {
			return fmt.Errorf("update missing group")
		}
	case TypeInvalidate, TypeLockRelease:
		if m.PlayerID == "" {
			return fmt.Errorf("%s missing playerId", m.Type)
		}
	case TypeLockRequest:
		if m.PlayerID == "" {
			return fmt.Errorf("lock_request missing playerId")
		}
		if m.RequestID == "" {
			return fmt.Errorf("lock_request missing requestId")
		}
	case TypeLockResponse:
		if m.PlayerID == "" {
			return fmt.Errorf("lock_response missing playerId")
		}
	case TypeHeartbeat:
		if m.Timestamp <= 0 {
			return fmt.Errorf("heartbeat missing timestamp")
		}
		if m.PlayerCount < 0 {
			return fmt.Errorf("heartbeat has negative playerCount")
		}
	case TypeShutdown:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode serializes the message to its wire form. Encoding a message that
// fails validation is a programming error and returns an error rather than
// putting a half-formed document on the channel.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid message: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses a wire payload. It returns (nil, false) for malformed JSON,
// unknown types, or messages missing required fields; inbound garbage is
// dropped, never propagated.
func Decode(data []byte) (*Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	if err := m.Validate(); err != nil {
		return nil, false
	}
	return &m, true
}

// String renders a compact one-line form for logs.
func (m *Message) String() string {
	switch m.Type {
	case TypeUpdate:
		return fmt.Sprintf("update[%s/%s v%d from %s]", m.PlayerID, m.Group, m.Version, m.ServerID)
	case TypeInvalidate:
		group := m.Group
		if group == "" {
			group = "*"
		}
		return fmt.Sprintf("invalidate[%s/%s from %s]", m.PlayerID, group, m.ServerID)
	case TypeHeartbeat:
		return fmt.Sprintf("heartbeat[%s players=%d]", m.ServerID, m.PlayerCount)
	default:
		return fmt.Sprintf("%s[%s from %s]", m.Type, m.PlayerID, m.ServerID)
	}
}
