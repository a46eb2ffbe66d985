package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"tandem/api/internal/crdt"
)

const (
	relayChannelPrefix = "tandem:room:"
	publishTimeout     = 5 * time.Second
)

// envelope wraps messages relayed across nodes via redis pub/sub so a node
// can skip its own publications.
type envelope struct {
	Node    string  `json:"node"`
	Message Message `json:"message"`
}

type member struct {
	connID string
	send   chan Message
}

type room struct {
	name     string
	members  map[string]*member
	backlog  []crdt.Op
	presence map[string]crdt.Presence
}

// Hub multiplexes websocket clients into rooms, replays each room's op
// backlog to joiners, and fans local traffic out to peers — and, when redis
// is configured, to the same room on other nodes.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*room
	node     string
	redis    *redis.Client
	upgrader websocket.Upgrader
	cancel   context.CancelFunc
}

// NewHub creates a hub. rdb may be nil for single-node deployments.
func NewHub(rdb *redis.Client) *Hub {
	h := &Hub{
		rooms: make(map[string]*room),
		node:  uuid.NewString(),
		redis: rdb,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.relayLoop(ctx)
	}
	return h
}

func (h *Hub) Close() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Hub) getRoom(name string) *room {
	r, ok := h.rooms[name]
	if !ok {
		r = &room{
			name:     name,
			members:  make(map[string]*member),
			presence: make(map[string]crdt.Presence),
		}
		h.rooms[name] = r
	}
	return r
}

// lookupRoom returns the room if it exists, without creating one.
func (h *Hub) lookupRoom(name string) *room {
	return h.rooms[name]
}

// ServeHTTP upgrades a client into the room named by the "room" query
// parameter and relays until the connection drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed for room %s: %v", roomName, err)
		return
	}

	m := &member{connID: uuid.NewString(), send: make(chan Message, 64)}

	h.mu.Lock()
	rm := h.getRoom(roomName)
	rm.members[m.connID] = m
	backlog := append([]crdt.Op(nil), rm.backlog...)
	roster := make([]crdt.Presence, 0, len(rm.presence))
	for _, p := range rm.presence {
		roster = append(roster, p)
	}
	h.mu.Unlock()

	go writePump(ws, m.send)

	m.send <- Message{Type: MsgHello, Room: roomName, ConnID: m.connID}
	if len(backlog) > 0 {
		m.send <- Message{Type: MsgOps, Room: roomName, Ops: backlog}
	}
	if len(roster) > 0 {
		m.send <- Message{Type: MsgPresences, Room: roomName, Presences: roster}
	}
	m.send <- Message{Type: MsgSync, Room: roomName}

	h.readLoop(ws, roomName, m)
}

func (h *Hub) readLoop(ws *websocket.Conn, roomName string, m *member) {
	defer h.dropMember(roomName, m)
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		msg.Room = roomName
		switch msg.Type {
		case MsgOps:
			h.mu.Lock()
			rm := h.getRoom(roomName)
			rm.backlog = append(rm.backlog, msg.Ops...)
			h.fanOutLocked(rm, m.connID, msg)
			h.mu.Unlock()
			h.publish(roomName, msg)
		case MsgPresence:
			if msg.Presence == nil {
				continue
			}
			// The server, not the client, owns the connection id.
			msg.Presence.ConnID = m.connID
			h.mu.Lock()
			rm := h.getRoom(roomName)
			rm.presence[m.connID] = *msg.Presence
			h.fanOutLocked(rm, m.connID, msg)
			h.mu.Unlock()
			h.publish(roomName, msg)
		case MsgPresenceClear:
			msg.ConnID = m.connID
			h.mu.Lock()
			rm := h.getRoom(roomName)
			delete(rm.presence, m.connID)
			h.fanOutLocked(rm, m.connID, msg)
			h.mu.Unlock()
			h.publish(roomName, msg)
		}
	}
}

// dropMember removes a departing member and drops the room entirely when it
// was the last one: rejoiners reseed from the backend, so an idle room's
// backlog has no one left to serve.
func (h *Hub) dropMember(roomName string, m *member) {
	hadPresence := false
	clear := Message{Type: MsgPresenceClear, Room: roomName, ConnID: m.connID}
	h.mu.Lock()
	if rm := h.lookupRoom(roomName); rm != nil {
		delete(rm.members, m.connID)
		_, hadPresence = rm.presence[m.connID]
		delete(rm.presence, m.connID)
		if hadPresence {
			h.fanOutLocked(rm, m.connID, clear)
		}
		if len(rm.members) == 0 {
			delete(h.rooms, roomName)
		}
	}
	h.mu.Unlock()
	close(m.send)
	if hadPresence {
		h.publish(roomName, clear)
	}
}

// fanOutLocked delivers msg to every room member except the sender. Slow
// consumers with a full send buffer are skipped rather than blocking the
// room.
func (h *Hub) fanOutLocked(rm *room, senderID string, msg Message) {
	for id, peer := range rm.members {
		if id == senderID {
			continue
		}
		select {
		case peer.send <- msg:
		default:
			log.Printf("transport: dropping message to slow consumer %s in room %s", id, rm.name)
		}
	}
}

// Invalidate tears the room down on every attached client: the backlog is
// discarded and members are told to resync from the backend.
func (h *Hub) Invalidate(roomName string) {
	msg := Message{Type: MsgInvalidate, Room: roomName}
	h.mu.Lock()
	if rm := h.lookupRoom(roomName); rm != nil {
		rm.backlog = nil
		h.fanOutLocked(rm, "", msg)
	}
	h.mu.Unlock()
	h.publish(roomName, msg)
}

func (h *Hub) publish(roomName string, msg Message) {
	if h.redis == nil {
		return
	}
	payload, err := json.Marshal(envelope{Node: h.node, Message: msg})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := h.redis.Publish(ctx, relayChannelPrefix+roomName, payload).Err(); err != nil {
		log.Printf("transport: relay publish for room %s: %v", roomName, err)
	}
}

func (h *Hub) relayLoop(ctx context.Context) {
	pubsub := h.redis.PSubscribe(ctx, relayChannelPrefix+"*")
	defer pubsub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(raw.Payload), &env); err != nil {
				continue
			}
			if env.Node == h.node {
				continue
			}
			h.applyRelayed(env.Message)
		}
	}
}

func (h *Hub) applyRelayed(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// No local members means no one to fan out to and no backlog worth
	// keeping; a later joiner reseeds from the backend.
	rm := h.lookupRoom(msg.Room)
	if rm == nil {
		return
	}
	switch msg.Type {
	case MsgOps:
		rm.backlog = append(rm.backlog, msg.Ops...)
	case MsgPresence:
		if msg.Presence != nil {
			rm.presence[msg.Presence.ConnID] = *msg.Presence
		}
	case MsgPresenceClear:
		delete(rm.presence, msg.ConnID)
	case MsgInvalidate:
		rm.backlog = nil
	}
	h.fanOutLocked(rm, "", msg)
}

func writePump(ws *websocket.Conn, send <-chan Message) {
	defer ws.Close()
	for msg := range send {
		if err := ws.WriteJSON(msg); err != nil {
			return
		}
	}
}
