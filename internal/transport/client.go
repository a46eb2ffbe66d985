package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"tandem/api/internal/crdt"
)

// Dialer opens room-scoped connections against one hub endpoint.
type Dialer struct {
	baseURL string
}

// NewDialer takes the server base URL (http(s)://host or ws(s)://host).
func NewDialer(baseURL string) *Dialer {
	return &Dialer{baseURL: strings.TrimRight(baseURL, "/")}
}

func (d *Dialer) roomURL(room string) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/room"
	u.RawQuery = url.Values{"room": {room}}.Encode()
	return u.String(), nil
}

// Conn is one client's live connection to a room. It applies incoming
// operations to the document, ships documents' locally generated operations,
// and reconnects automatically; drops surface only as status transitions.
type Conn struct {
	doc    *crdt.Doc
	events Events

	mu       sync.Mutex
	ws       *websocket.Conn
	online   bool
	pending  []crdt.Op
	presence *crdt.Presence
	closed   chan struct{}
	once     sync.Once
}

// Dial connects doc to the room and wires the doc's broadcast hook to the
// connection. The returned Conn keeps reconnecting until Close is called.
func (d *Dialer) Dial(ctx context.Context, room string, doc *crdt.Doc, events Events) (*Conn, error) {
	target, err := d.roomURL(room)
	if err != nil {
		return nil, err
	}
	c := &Conn{doc: doc, events: events, closed: make(chan struct{})}
	doc.SetBroadcast(c.sendOps)
	go c.run(target)
	return c, nil
}

func (c *Conn) run(target string) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	for {
		c.status(StatusConnecting)
		ws, _, err := websocket.DefaultDialer.Dial(target, nil)
		if err != nil {
			c.status(StatusDisconnected)
			if !c.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}
		policy.Reset()

		c.mu.Lock()
		if c.isClosed() {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		c.status(StatusConnected)
		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.online = false
		c.mu.Unlock()

		if c.isClosed() {
			return
		}
		c.status(StatusDisconnected)
		if !c.sleep(policy.NextBackOff()) {
			return
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			ws.Close()
			return
		}
		switch msg.Type {
		case MsgHello:
			c.doc.SetConnID(msg.ConnID)
		case MsgOps:
			c.doc.ApplyRemote(msg.Ops)
		case MsgPresence:
			if msg.Presence != nil {
				c.doc.SetPresence(*msg.Presence)
				c.fire(c.events.OnPresence)
			}
		case MsgPresences:
			for _, p := range msg.Presences {
				c.doc.SetPresence(p)
			}
			c.fire(c.events.OnPresence)
		case MsgPresenceClear:
			c.doc.ClearPresence(msg.ConnID)
			c.fire(c.events.OnPresence)
		case MsgSync:
			c.resync()
			c.fire(c.events.OnSync)
		case MsgInvalidate:
			c.fire(c.events.OnInvalidate)
		}
	}
}

// sendOps ships a local transaction's operations, queueing them while the
// connection is down so an offline burst is replayed after the next sync.
func (c *Conn) sendOps(ops []crdt.Op) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.online || c.ws == nil {
		c.pending = append(c.pending, ops...)
		return
	}
	if err := c.ws.WriteJSON(Message{Type: MsgOps, Ops: ops}); err != nil {
		c.pending = append(c.pending, ops...)
	}
}

// resync runs once per server sync marker: ops queued while offline are
// flushed, and the remembered presence entry is republished. The hub forgets
// a member's presence on every disconnect, so each new connection must
// announce it again.
func (c *Conn) resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	if len(c.pending) > 0 {
		if err := c.ws.WriteJSON(Message{Type: MsgOps, Ops: c.pending}); err == nil {
			c.pending = nil
		}
	}
	if c.presence != nil {
		_ = c.ws.WriteJSON(Message{Type: MsgPresence, Presence: c.presence})
	}
	c.online = true
}

// PublishPresence announces the local participant's presence fields. The
// payload is remembered and resent after every reconnect; publishing before
// the first connect completes is safe.
func (c *Conn) PublishPresence(p crdt.Presence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = &p
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteJSON(Message{Type: MsgPresence, Presence: &p})
}

// ClearPresence retracts the local participant's presence entry and stops
// republishing it.
func (c *Conn) ClearPresence() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence = nil
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteJSON(Message{Type: MsgPresenceClear})
}

func (c *Conn) ConnID() string {
	return c.doc.ConnID()
}

// Close stops reconnecting and drops the connection.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-c.closed:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Conn) status(s Status) {
	if c.events.OnStatus != nil {
		c.events.OnStatus(s)
	}
}

func (c *Conn) fire(fn func()) {
	if fn != nil {
		fn()
	}
}
