// Package transport carries replication operations and presence updates over
// websocket connections scoped to a room named by the document identity. The
// Hub is the server side; Conn is the client side used by the collaboration
// layer.
package transport

import "tandem/api/internal/crdt"

const (
	// MsgHello assigns the joining client its connection id.
	MsgHello = "hello"
	// MsgOps carries a batch of replication operations.
	MsgOps = "ops"
	// MsgPresence announces one participant's presence entry.
	MsgPresence = "presence"
	// MsgPresenceClear retracts a participant's presence entry.
	MsgPresenceClear = "presence_clear"
	// MsgPresences carries the room's current presence roster to a joiner.
	MsgPresences = "presences"
	// MsgSync marks the end of the server's backlog replay.
	MsgSync = "sync"
	// MsgInvalidate tells clients their replica was bypassed by an external
	// write and must be discarded.
	MsgInvalidate = "invalidate"
)

type Message struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	ConnID    string          `json:"connId,omitempty"`
	Ops       []crdt.Op       `json:"ops,omitempty"`
	Presence  *crdt.Presence  `json:"presence,omitempty"`
	Presences []crdt.Presence `json:"presences,omitempty"`
}

// Status is the client connection state surfaced to consumers. Transport
// failures are reported through status transitions, never as errors.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Events are the callbacks a Conn drives. All fields are optional.
type Events struct {
	OnStatus     func(Status)
	OnSync       func()
	OnInvalidate func()
	OnPresence   func()
}
