package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"tandem/api/internal/content"
	"tandem/api/internal/crdt"
	"tandem/api/internal/transport"
)

// session is one live document identity: a replica, its room connection, and
// the reconciler state. Consumers attach and detach; the session outlives any
// single consumer and dies only through ForceDestroy.
type session struct {
	reg         *Registry
	identity    string
	kind        content.Kind
	doc         *crdt.Doc
	conn        Conn
	participant Participant

	mu          sync.Mutex
	consumers   map[int]Callbacks
	nextID      int
	status      transport.Status
	saveState   SaveState
	lastSaved   string
	initialLoad bool
	editing     bool
	destroyed   bool
	generation  uint64
	saveTimer   *time.Timer
	settleTimer *time.Timer
	unobserve   func()
}

func (s *session) attach(cb Callbacks) *Handle {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.consumers[id] = cb
	status := s.status
	saveState := s.saveState
	users := s.doc.Presences()
	s.mu.Unlock()

	// New consumers start from the session's current picture instead of
	// waiting for the next transition.
	if cb.Status != nil {
		cb.Status(status)
	}
	if cb.Users != nil {
		cb.Users(users)
	}
	if cb.Save != nil {
		cb.Save(saveState)
	}
	return &Handle{sess: s, id: id}
}

func (s *session) detach(id int) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
}

// destroy stops timers, retracts editing and presence, closes the transport,
// and silences the replica. Idempotent.
func (s *session) destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	wasEditing := s.editing
	s.consumers = map[int]Callbacks{}
	s.mu.Unlock()

	if s.unobserve != nil {
		s.unobserve()
	}
	if wasEditing && s.reg.opts.Editing != nil {
		if err := s.reg.opts.Editing.SetEditing(context.Background(), s.identity, s.participant.Name, false); err != nil {
			log.Printf("collab: clear editing %s: %v", s.identity, err)
		}
	}
	if s.conn != nil {
		_ = s.conn.ClearPresence()
		_ = s.conn.Close()
	}
}

func (s *session) setStatus(status transport.Status) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.status = status
	cbs := s.snapshotLocked()
	s.mu.Unlock()
	for _, cb := range cbs {
		if cb.Status != nil {
			cb.Status(status)
		}
	}
}

// handleSync fires after the server finishes replaying the room backlog. The
// replica now holds everything the room knows, so this is the only moment the
// stored content may be seeded without racing live edits.
func (s *session) handleSync() {
	force := s.reg.takeNeedsInit(s.identity)
	stored, err := s.reg.opts.Backend.FetchPage(context.Background(), s.identity)
	if err != nil {
		log.Printf("collab: fetch %s for seeding: %v", s.identity, err)
	} else if force {
		content.ForceSeed(s.doc, s.kind, stored)
	} else {
		content.Seed(s.doc, s.kind, stored)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.lastSaved = stored
	}
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = time.AfterFunc(s.reg.settle, s.clearInitialLoad)
	s.mu.Unlock()
}

// clearInitialLoad opens the save gate once the replica has settled after
// sync. Edits applied before this point replay existing state and must not
// trigger a write-back.
func (s *session) clearInitialLoad() {
	s.mu.Lock()
	if !s.destroyed {
		s.initialLoad = false
	}
	s.mu.Unlock()
}

// onMutation runs once per mutating transaction, in commit order.
func (s *session) onMutation(origin crdt.Origin) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	cbs := s.snapshotLocked()
	armed := false
	if origin == crdt.OriginLocal && !s.initialLoad {
		s.saveState = SaveDirty
		s.resetSaveTimerLocked()
		armed = true
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		if cb.Change != nil {
			cb.Change()
		}
	}
	if armed {
		s.notifySave(cbs, SaveDirty)
	}
}

func (s *session) notifyUsers() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	users := s.doc.Presences()
	cbs := s.snapshotLocked()
	s.mu.Unlock()
	for _, cb := range cbs {
		if cb.Users != nil {
			cb.Users(users)
		}
	}
}

// resetSaveTimerLocked re-arms the debounce window. Caller holds s.mu.
func (s *session) resetSaveTimerLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(s.reg.debounce, s.flushSave)
}

// flushSave runs when the debounce window closes. Rendering the replica and
// comparing against the last persisted content happens under the session
// lock; the backend write does not, so edits keep flowing during a save.
func (s *session) flushSave() {
	s.mu.Lock()
	if s.destroyed || s.saveState != SaveDirty {
		s.mu.Unlock()
		return
	}
	rendered := content.Serialize(s.doc, s.kind)
	if rendered == s.lastSaved {
		s.saveState = SaveSaved
		cbs := s.snapshotLocked()
		s.mu.Unlock()
		s.notifySave(cbs, SaveSaved)
		return
	}
	s.saveState = SaveSaving
	s.generation++
	gen := s.generation
	author := s.participant.Name
	cbs := s.snapshotLocked()
	s.mu.Unlock()
	s.notifySave(cbs, SaveSaving)

	err := s.reg.opts.Backend.UpdatePage(context.Background(), s.identity, rendered, author)

	s.mu.Lock()
	if s.destroyed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("collab: save %s: %v", s.identity, err)
		s.saveState = SaveDirty
		s.resetSaveTimerLocked()
		cbs = s.snapshotLocked()
		s.mu.Unlock()
		s.notifySave(cbs, SaveDirty)
		return
	}
	s.lastSaved = rendered
	// An edit that landed during the write already re-armed the timer and
	// left the state dirty. Keep it that way.
	if s.saveState == SaveSaving {
		s.saveState = SaveSaved
	}
	state := s.saveState
	cbs = s.snapshotLocked()
	s.mu.Unlock()
	s.notifySave(cbs, state)
}

func (s *session) setEditing(ctx context.Context, editing bool) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.editing = editing
	s.mu.Unlock()
	if s.reg.opts.Editing == nil {
		return nil
	}
	return s.reg.opts.Editing.SetEditing(ctx, s.identity, s.participant.Name, editing)
}

func (s *session) snapshotLocked() []Callbacks {
	out := make([]Callbacks, 0, len(s.consumers))
	for _, cb := range s.consumers {
		out = append(out, cb)
	}
	return out
}

func (s *session) notifySave(cbs []Callbacks, state SaveState) {
	for _, cb := range cbs {
		if cb.Save != nil {
			cb.Save(state)
		}
	}
}

// Handle is one consumer's grip on a session.
type Handle struct {
	sess *session
	id   int
}

// Release detaches this consumer. The session and its connection stay up so
// another consumer (a view-mode switch, a second pane) can attach without
// rejoining the room.
func (h *Handle) Release() {
	h.sess.detach(h.id)
}

func (h *Handle) Identity() string {
	return h.sess.identity
}

func (h *Handle) Kind() content.Kind {
	return h.sess.kind
}

// Text returns the typed text view. Valid only for text identities.
func (h *Handle) Text() *content.TextView {
	return content.NewTextView(h.sess.doc)
}

// Table returns the typed table view. Valid only for table identities.
func (h *Handle) Table() *content.TableView {
	return content.NewTableView(h.sess.doc)
}

func (h *Handle) Doc() *crdt.Doc {
	return h.sess.doc
}

// SetEditing reports editing intent for this identity. Idempotent and
// independent of presence.
func (h *Handle) SetEditing(ctx context.Context, editing bool) error {
	return h.sess.setEditing(ctx, editing)
}

// SaveState reports the reconciler's current persistence status.
func (h *Handle) SaveState() SaveState {
	h.sess.mu.Lock()
	defer h.sess.mu.Unlock()
	return h.sess.saveState
}
