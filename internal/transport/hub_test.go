package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tandem/api/internal/crdt"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		server.Close()
		hub.Close()
	})
	return hub, server
}

func wsURL(server *httptest.Server, room string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/room?room=" + room
}

func readUntil(t *testing.T, ws *websocket.Conn, msgType string) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = ws.SetReadDeadline(deadline)
	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("reading until %s: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSync(t *testing.T, syncs <-chan struct{}) {
	t.Helper()
	select {
	case <-syncs:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync")
	}
}

func waitStatus(t *testing.T, statuses <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func hubHasPresence(h *Hub, roomName, participant string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[roomName]
	if rm == nil {
		return false
	}
	for _, p := range rm.presence {
		if p.Participant == participant {
			return true
		}
	}
	return false
}

func hubBacklogLen(h *Hub, roomName string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[roomName]
	if rm == nil {
		return 0
	}
	return len(rm.backlog)
}

func testOps(site, text string) []crdt.Op {
	doc := crdt.NewDoc(site)
	var ops []crdt.Op
	doc.SetBroadcast(func(batch []crdt.Op) { ops = append(ops, batch...) })
	doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertText(crdt.ContentContainer, 0, text)
	})
	return ops
}

func TestJoinReplaysBacklogBeforeSync(t *testing.T) {
	_, server := newTestHub(t)

	first, _, err := websocket.DefaultDialer.Dial(wsURL(server, "a.md"), nil)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	readUntil(t, first, MsgSync)

	if err := first.WriteJSON(Message{Type: MsgOps, Ops: testOps("s1", "hi")}); err != nil {
		t.Fatalf("send ops: %v", err)
	}

	// Give the hub a moment to absorb the ops into the backlog.
	time.Sleep(20 * time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(wsURL(server, "a.md"), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	hello := readUntil(t, second, MsgHello)
	if hello.ConnID == "" {
		t.Fatal("hello missing conn id")
	}

	var sawOps bool
	deadline := time.Now().Add(2 * time.Second)
	_ = second.SetReadDeadline(deadline)
	for {
		var msg Message
		if err := second.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgOps {
			sawOps = true
			if len(msg.Ops) != 2 {
				t.Fatalf("backlog ops = %d, want 2", len(msg.Ops))
			}
		}
		if msg.Type == MsgSync {
			break
		}
	}
	if !sawOps {
		t.Fatal("backlog was not replayed before sync")
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	_, server := newTestHub(t)

	a, _, err := websocket.DefaultDialer.Dial(wsURL(server, "a.md"), nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	readUntil(t, a, MsgSync)
	if err := a.WriteJSON(Message{Type: MsgOps, Ops: testOps("s1", "hi")}); err != nil {
		t.Fatalf("send ops: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	b, _, err := websocket.DefaultDialer.Dial(wsURL(server, "b.md"), nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := b.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgOps {
			t.Fatal("b.md member received a.md ops")
		}
		if msg.Type == MsgSync {
			return
		}
	}
}

func TestTwoClientsConverge(t *testing.T) {
	_, server := newTestHub(t)
	dialer := NewDialer(server.URL)
	ctx := context.Background()

	docA := crdt.NewDoc("siteA")
	docB := crdt.NewDoc("siteB")

	syncA := make(chan struct{}, 1)
	syncB := make(chan struct{}, 1)
	connA, err := dialer.Dial(ctx, "page.md", docA, Events{OnSync: func() { syncA <- struct{}{} }})
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer connA.Close()
	connB, err := dialer.Dial(ctx, "page.md", docB, Events{OnSync: func() { syncB <- struct{}{} }})
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	defer connB.Close()

	<-syncA
	<-syncB

	docA.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertText(crdt.ContentContainer, 0, "hello")
	})
	waitFor(t, "B to receive A's edit", func() bool {
		return docB.TextString(crdt.ContentContainer) == "hello"
	})

	docB.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertText(crdt.ContentContainer, 5, " world")
	})
	waitFor(t, "A to receive B's edit", func() bool {
		return docA.TextString(crdt.ContentContainer) == "hello world"
	})
}

func TestPresenceRosterAndClear(t *testing.T) {
	_, server := newTestHub(t)
	dialer := NewDialer(server.URL)
	ctx := context.Background()

	docA := crdt.NewDoc("siteA")
	syncA := make(chan struct{}, 1)
	connA, err := dialer.Dial(ctx, "page.md", docA, Events{OnSync: func() { syncA <- struct{}{} }})
	if err != nil {
		t.Fatalf("dial A: %v", err)
	}
	defer connA.Close()
	<-syncA
	if err := connA.PublishPresence(crdt.Presence{Participant: "alice", Name: "alice"}); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	docB := crdt.NewDoc("siteB")
	syncB := make(chan struct{}, 1)
	presB := make(chan struct{}, 8)
	connB, err := dialer.Dial(ctx, "page.md", docB, Events{
		OnSync:     func() { syncB <- struct{}{} },
		OnPresence: func() { presB <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("dial B: %v", err)
	}
	defer connB.Close()
	<-syncB

	waitFor(t, "roster to reach B", func() bool {
		for _, p := range docB.Presences() {
			if p.Participant == "alice" {
				return true
			}
		}
		return false
	})

	if err := connA.ClearPresence(); err != nil {
		t.Fatalf("clear presence: %v", err)
	}
	waitFor(t, "presence clear to reach B", func() bool {
		for _, p := range docB.Presences() {
			if p.Participant == "alice" {
				return false
			}
		}
		return true
	})
}

func TestPresencePublishedBeforeConnectReachesPeers(t *testing.T) {
	hub, server := newTestHub(t)
	dialer := NewDialer(server.URL)

	doc := crdt.NewDoc("siteA")
	syncs := make(chan struct{}, 4)
	conn, err := dialer.Dial(context.Background(), "page.md", doc, Events{
		OnSync: func() { syncs <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Published while the dial is still connecting in the background; the
	// payload must be remembered and announced once the connection is up.
	if err := conn.PublishPresence(crdt.Presence{Participant: "alice", Name: "alice"}); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
	waitSync(t, syncs)
	waitFor(t, "presence to register on the hub", func() bool {
		return hubHasPresence(hub, "page.md", "alice")
	})

	second, _, err := websocket.DefaultDialer.Dial(wsURL(server, "page.md"), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	sawAlice := false
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := second.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgPresences {
			for _, p := range msg.Presences {
				if p.Participant == "alice" {
					sawAlice = true
				}
			}
		}
		if msg.Type == MsgSync {
			break
		}
	}
	if !sawAlice {
		t.Fatal("second member never saw alice's presence")
	}
}

func TestReconnectRepublishesPresenceAndFlushesOfflineOps(t *testing.T) {
	hub, server := newTestHub(t)
	dialer := NewDialer(server.URL)

	doc := crdt.NewDoc("siteA")
	syncs := make(chan struct{}, 4)
	statuses := make(chan Status, 16)
	conn, err := dialer.Dial(context.Background(), "page.md", doc, Events{
		OnSync:   func() { syncs <- struct{}{} },
		OnStatus: func(s Status) { statuses <- s },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.PublishPresence(crdt.Presence{Participant: "alice", Name: "alice"}); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
	waitSync(t, syncs)
	waitFor(t, "presence to register on the hub", func() bool {
		return hubHasPresence(hub, "page.md", "alice")
	})

	// Kill the socket under the client; the hub forgets the member and its
	// presence entry.
	server.CloseClientConnections()
	waitStatus(t, statuses, StatusDisconnected)

	// Edits while offline are queued, not lost.
	doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertText(crdt.ContentContainer, 0, "offline")
	})

	// The connection comes back on its own, flushes the queue, and
	// re-announces presence.
	waitStatus(t, statuses, StatusConnected)
	waitSync(t, syncs)
	waitFor(t, "offline ops to reach the room", func() bool {
		return hubBacklogLen(hub, "page.md") == len("offline")
	})
	waitFor(t, "presence to be republished", func() bool {
		return hubHasPresence(hub, "page.md", "alice")
	})
}

func TestEmptyRoomIsDropped(t *testing.T) {
	hub, server := newTestHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, "a.md"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readUntil(t, ws, MsgSync)
	if err := ws.WriteJSON(Message{Type: MsgOps, Ops: testOps("s1", "hi")}); err != nil {
		t.Fatalf("send ops: %v", err)
	}
	waitFor(t, "ops to reach the room", func() bool {
		return hubBacklogLen(hub, "a.md") == 2
	})

	ws.Close()
	waitFor(t, "room to be dropped with its last member", func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.rooms["a.md"]
		return !ok
	})

	// A rejoiner starts clean; the backend is its source of truth.
	second, _, err := websocket.DefaultDialer.Dial(wsURL(server, "a.md"), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := second.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgOps {
			t.Fatal("rejoiner received a dead room's backlog")
		}
		if msg.Type == MsgSync {
			return
		}
	}
}

func TestInvalidateReachesMembersAndClearsBacklog(t *testing.T) {
	hub, server := newTestHub(t)
	dialer := NewDialer(server.URL)
	ctx := context.Background()

	doc := crdt.NewDoc("siteA")
	syncCh := make(chan struct{}, 1)
	invalidated := make(chan struct{}, 1)
	conn, err := dialer.Dial(ctx, "page.md", doc, Events{
		OnSync:       func() { syncCh <- struct{}{} },
		OnInvalidate: func() { invalidated <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-syncCh

	doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertText(crdt.ContentContainer, 0, "stale")
	})
	time.Sleep(20 * time.Millisecond)

	hub.Invalidate("page.md")

	select {
	case <-invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("invalidate never reached the client")
	}

	// A joiner after invalidation must not see the discarded backlog.
	late, _, err := websocket.DefaultDialer.Dial(wsURL(server, "page.md"), nil)
	if err != nil {
		t.Fatalf("dial late: %v", err)
	}
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := late.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == MsgOps {
			t.Fatal("late joiner received discarded backlog")
		}
		if msg.Type == MsgSync {
			return
		}
	}
}
