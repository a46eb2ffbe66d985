// Package crdt implements the replicated document: convergent ordered-text
// and keyed-record containers plus an ephemeral presence map. Concurrent
// mutations from different sites merge commutatively, so every replica that
// has seen the same set of operations holds the same content.
package crdt

import (
	"sort"
	"sync"
)

// Origin tags a transaction with where its mutations came from, so observers
// can tell local edits from operations replayed off the transport.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Fixed container names used by the content adapter.
const (
	ContentContainer = "content"
	DataContainer    = "data"
)

// Doc is one replica of a document: its containers, the presence map, and the
// site identity used to stamp generated operations.
type Doc struct {
	mu     sync.Mutex
	site   string
	clock  uint64
	connID string

	texts  map[string]*Text
	tables map[string]*Table

	presence map[string]Presence

	observers    map[int]func(Origin)
	nextObserver int
	broadcast    func([]Op)
}

func NewDoc(site string) *Doc {
	return &Doc{
		site:      site,
		texts:     make(map[string]*Text),
		tables:    make(map[string]*Table),
		presence:  make(map[string]Presence),
		observers: make(map[int]func(Origin)),
	}
}

func (d *Doc) Site() string { return d.site }

// SetConnID records the transport-assigned connection id. The id keys the
// local participant's presence entry, distinguishing it from remote entries.
func (d *Doc) SetConnID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connID = id
}

func (d *Doc) ConnID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connID
}

// SetBroadcast registers the hook that ships locally generated operations to
// the transport. Exactly one broadcast call is made per local transaction.
func (d *Doc) SetBroadcast(fn func([]Op)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.broadcast = fn
}

// Observe registers a deep change observer. It fires once per mutating
// transaction, local or remote, carries no diff payload, and returns an
// unsubscribe func. Consumers re-read current state.
func (d *Doc) Observe(fn func(Origin)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) text(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{}
		d.texts[name] = t
	}
	return t
}

func (d *Doc) table(name string) *Table {
	t, ok := d.tables[name]
	if !ok {
		t = &Table{}
		d.tables[name] = t
	}
	return t
}

// Tx batches mutations applied inside one Transact call.
type Tx struct {
	doc *Doc
	ops []Op
}

func (d *Doc) nextClock() uint64 {
	d.clock++
	return d.clock
}

func (d *Doc) mergeClock(remote uint64) {
	if remote > d.clock {
		d.clock = remote
	}
}

// Transact runs fn against the document under the replica lock, then notifies
// observers once (if fn mutated anything) and, for local transactions, hands
// the generated operations to the broadcast hook. The check-then-mutate
// sequence inside fn is indivisible with respect to remote applies.
func (d *Doc) Transact(origin Origin, fn func(*Tx)) {
	d.mu.Lock()
	tx := &Tx{doc: d}
	fn(tx)
	ops := tx.ops
	broadcast := d.broadcast
	observers := snapshotObservers(d.observers)
	d.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	if origin == OriginLocal && broadcast != nil {
		broadcast(ops)
	}
	for _, observer := range observers {
		observer(origin)
	}
}

// ApplyRemote merges operations received from the transport. Applying the
// same operation twice is a no-op, so replays after reconnect are harmless.
func (d *Doc) ApplyRemote(ops []Op) {
	d.mu.Lock()
	changed := false
	for _, op := range ops {
		d.mergeClock(op.Clock)
		if d.applyOp(op) {
			changed = true
		}
	}
	observers := snapshotObservers(d.observers)
	d.mu.Unlock()

	if !changed {
		return
	}
	for _, observer := range observers {
		observer(OriginRemote)
	}
}

func (d *Doc) applyOp(op Op) bool {
	switch op.Type {
	case OpTextInsert:
		return d.text(op.Container).applyInsert(op.Pos, op.Text)
	case OpTextDelete:
		return d.text(op.Container).applyDelete(op.Pos)
	case OpRowInsert:
		return d.table(op.Container).applyRowInsert(op.Pos, op.Row)
	case OpRowDelete:
		return d.table(op.Container).applyRowDelete(op.Row)
	case OpCellSet:
		return d.table(op.Container).applyCellSet(op.Row, op.Col, op.Val, op.Clock, op.Site)
	case OpHeadersSet:
		return d.table(op.Container).applyHeaders(op.Headers, op.Clock, op.Site)
	default:
		return false
	}
}

func snapshotObservers(observers map[int]func(Origin)) []func(Origin) {
	out := make([]func(Origin), 0, len(observers))
	for _, fn := range observers {
		out = append(out, fn)
	}
	return out
}

// TextLen reports the number of visible runes in a text container. Safe to
// call from inside a transaction (the replica lock is already held) only via
// the Tx accessors; this form takes the lock itself.
func (d *Doc) TextLen(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text(name).length()
}

func (d *Doc) TextString(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text(name).render()
}

func (d *Doc) TableLen(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table(name).length()
}

func (d *Doc) TableHeaders(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.table(name).headers...)
}

func (d *Doc) TableRows(name string) []Row {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table(name).rows()
}

// Presence is one participant's ephemeral entry: identity and cursor state,
// never persisted, keyed by the owning transport connection.
type Presence struct {
	ConnID      string  `json:"connId"`
	Participant string  `json:"participant"`
	Name        string  `json:"name,omitempty"`
	Color       string  `json:"color,omitempty"`
	Cursor      *Cursor `json:"cursor,omitempty"`
	Mode        string  `json:"mode,omitempty"`
}

// Cursor is an anchor/head selection over the text container.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// SetPresence stores or replaces one participant's presence entry.
func (d *Doc) SetPresence(p Presence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ConnID == "" {
		return
	}
	d.presence[p.ConnID] = p
}

// ClearPresence drops the entry for a connection (disconnect or blur).
func (d *Doc) ClearPresence(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.presence, connID)
}

// Presences returns every presence entry, ordered by connection id.
func (d *Doc) Presences() []Presence {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Presence, 0, len(d.presence))
	for _, p := range d.presence {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// RemotePresences returns presence entries excluding the local connection.
func (d *Doc) RemotePresences() []Presence {
	self := d.ConnID()
	all := d.Presences()
	out := make([]Presence, 0, len(all))
	for _, p := range all {
		if p.ConnID == self {
			continue
		}
		out = append(out, p)
	}
	return out
}
