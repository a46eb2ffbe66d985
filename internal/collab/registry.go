package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tandem/api/internal/content"
	"tandem/api/internal/crdt"
	"tandem/api/internal/transport"
)

// Registry owns every live session in the process and enforces the
// single-identity rule: acquiring one document tears down sessions for all
// others first, so a process never edits two pages at once.
type Registry struct {
	opts     Options
	debounce time.Duration
	settle   time.Duration

	mu        sync.Mutex
	sessions  map[string]*session
	needsInit map[string]bool
	closed    bool
}

func NewRegistry(opts Options) *Registry {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	return &Registry{
		opts:      opts,
		debounce:  debounce,
		settle:    settle,
		sessions:  make(map[string]*session),
		needsInit: make(map[string]bool),
	}
}

// Acquire attaches a consumer to the identity's session, creating the session
// and joining its room when absent. Sessions for every other identity are
// destroyed first.
func (r *Registry) Acquire(ctx context.Context, identity string, participant Participant, cb Callbacks) (*Handle, error) {
	kind, err := content.KindOf(identity)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("collab: registry closed")
	}
	var stale []*session
	for id, sess := range r.sessions {
		if id != identity {
			stale = append(stale, sess)
			delete(r.sessions, id)
		}
	}
	sess, ok := r.sessions[identity]
	r.mu.Unlock()

	for _, old := range stale {
		old.destroy()
	}
	if ok {
		return sess.attach(cb), nil
	}

	sess = &session{
		reg:         r,
		identity:    identity,
		kind:        kind,
		doc:         crdt.NewDoc(uuid.NewString()),
		participant: participant,
		consumers:   map[int]Callbacks{},
		status:      transport.StatusConnecting,
		saveState:   SaveSaved,
		initialLoad: true,
	}
	sess.unobserve = sess.doc.Observe(sess.onMutation)

	events := transport.Events{
		OnStatus:     sess.setStatus,
		OnSync:       sess.handleSync,
		OnInvalidate: func() { r.Invalidate(identity) },
		OnPresence:   sess.notifyUsers,
	}
	conn, err := r.opts.Dialer.Dial(ctx, identity, sess.doc, events)
	if err != nil {
		sess.destroy()
		return nil, fmt.Errorf("join room %s: %w", identity, err)
	}
	sess.conn = conn

	// Presence rides the same socket as ops; a failed publish is retried
	// implicitly on reconnect.
	_ = conn.PublishPresence(crdt.Presence{
		Participant: participant.Name,
		Name:        participant.Name,
		Color:       participant.Color,
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.destroy()
		return nil, fmt.Errorf("collab: registry closed")
	}
	if existing, ok := r.sessions[identity]; ok {
		// Lost a create race; join the winner.
		r.mu.Unlock()
		sess.destroy()
		return existing.attach(cb), nil
	}
	r.sessions[identity] = sess
	r.mu.Unlock()

	return sess.attach(cb), nil
}

// ForceDestroy tears down the identity's session unconditionally: timers
// stopped, presence cleared, transport closed. No-op when absent.
func (r *Registry) ForceDestroy(identity string) {
	r.mu.Lock()
	sess, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()
	if ok {
		sess.destroy()
	}
}

// Invalidate destroys sessions for the given identities and marks each so the
// next session seeds from stored content unconditionally, discarding whatever
// the room backlog replays.
func (r *Registry) Invalidate(identities ...string) {
	for _, identity := range identities {
		r.mu.Lock()
		r.needsInit[identity] = true
		r.mu.Unlock()
		r.ForceDestroy(identity)
	}
}

// takeNeedsInit consumes the forced-reseed mark for identity.
func (r *Registry) takeNeedsInit(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.needsInit[identity] {
		delete(r.needsInit, identity)
		return true
	}
	return false
}

// Session reports whether a live session exists for identity.
func (r *Registry) Session(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[identity]
	return ok
}

// Close destroys every session and refuses further acquires.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.destroy()
	}
}
