package crdt

import (
	"testing"
)

// link wires two docs so local ops on one are applied to the other, in order,
// once pump is called. Holding the ops back models transport latency.
type link struct {
	aToB [][]Op
	bToA [][]Op
}

func connect(a, b *Doc) *link {
	l := &link{}
	a.SetBroadcast(func(ops []Op) { l.aToB = append(l.aToB, ops) })
	b.SetBroadcast(func(ops []Op) { l.bToA = append(l.bToA, ops) })
	return l
}

func (l *link) pump(a, b *Doc) {
	for _, ops := range l.aToB {
		b.ApplyRemote(ops)
	}
	for _, ops := range l.bToA {
		a.ApplyRemote(ops)
	}
	l.aToB = nil
	l.bToA = nil
}

func TestTextLocalEditing(t *testing.T) {
	doc := NewDoc("site-a")
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertText(ContentContainer, 0, "hello world")
	})
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.DeleteText(ContentContainer, 5, 6)
	})
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertText(ContentContainer, 5, ", tandem")
	})
	if got := doc.TextString(ContentContainer); got != "hello, tandem" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestTextConvergenceConcurrentInserts(t *testing.T) {
	a := NewDoc("site-a")
	b := NewDoc("site-b")
	l := connect(a, b)

	a.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 0, "base") })
	l.pump(a, b)

	// Concurrent edits at the same place before either side syncs.
	a.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 4, " alpha") })
	b.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 4, " bravo") })
	l.pump(a, b)

	textA := a.TextString(ContentContainer)
	textB := b.TextString(ContentContainer)
	if textA != textB {
		t.Fatalf("replicas diverged: %q vs %q", textA, textB)
	}
	if len(textA) != len("base alpha bravo") {
		t.Fatalf("lost content: %q", textA)
	}
}

func TestTextConvergenceInsertDelete(t *testing.T) {
	a := NewDoc("site-a")
	b := NewDoc("site-b")
	l := connect(a, b)

	a.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 0, "abcdef") })
	l.pump(a, b)

	a.Transact(OriginLocal, func(tx *Tx) { tx.DeleteText(ContentContainer, 1, 2) })
	b.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 3, "XY") })
	l.pump(a, b)

	if a.TextString(ContentContainer) != b.TextString(ContentContainer) {
		t.Fatalf("replicas diverged: %q vs %q",
			a.TextString(ContentContainer), b.TextString(ContentContainer))
	}
}

func TestApplyRemoteIdempotent(t *testing.T) {
	a := NewDoc("site-a")
	b := NewDoc("site-b")

	var captured [][]Op
	a.SetBroadcast(func(ops []Op) { captured = append(captured, ops) })

	a.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 0, "once") })

	for i := 0; i < 3; i++ {
		for _, ops := range captured {
			b.ApplyRemote(ops)
		}
	}
	if got := b.TextString(ContentContainer); got != "once" {
		t.Fatalf("replayed ops duplicated content: %q", got)
	}
}

func TestReplaceTextKeepsUnchangedEdges(t *testing.T) {
	doc := NewDoc("site-a")
	doc.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 0, "prefix MIDDLE suffix") })

	var ops []Op
	doc.SetBroadcast(func(batch []Op) { ops = append(ops, batch...) })
	doc.Transact(OriginLocal, func(tx *Tx) { tx.ReplaceText(ContentContainer, "prefix CHANGED suffix") })

	if got := doc.TextString(ContentContainer); got != "prefix CHANGED suffix" {
		t.Fatalf("unexpected text: %q", got)
	}
	// Only the differing middle should have produced ops.
	if len(ops) >= len("prefix MIDDLE suffix")+len("prefix CHANGED suffix") {
		t.Fatalf("replace rewrote the whole buffer: %d ops", len(ops))
	}
}

func TestObserverFiresOncePerTransaction(t *testing.T) {
	doc := NewDoc("site-a")
	var origins []Origin
	unobserve := doc.Observe(func(origin Origin) { origins = append(origins, origin) })

	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertText(ContentContainer, 0, "a")
		tx.InsertText(ContentContainer, 1, "b")
	})
	if len(origins) != 1 || origins[0] != OriginLocal {
		t.Fatalf("expected one local notification, got %v", origins)
	}

	doc.ApplyRemote([]Op{{
		Type: OpTextInsert, Container: ContentContainer,
		Pos: Position{{Digit: 9, Site: "remote"}}, Text: "z", Clock: 99, Site: "remote",
	}})
	if len(origins) != 2 || origins[1] != OriginRemote {
		t.Fatalf("expected remote notification, got %v", origins)
	}

	// Empty transactions stay silent.
	doc.Transact(OriginLocal, func(tx *Tx) {})
	if len(origins) != 2 {
		t.Fatalf("empty transaction notified: %v", origins)
	}

	unobserve()
	doc.Transact(OriginLocal, func(tx *Tx) { tx.InsertText(ContentContainer, 0, "c") })
	if len(origins) != 2 {
		t.Fatal("observer fired after unsubscribe")
	}
}

func TestPresenceMap(t *testing.T) {
	doc := NewDoc("site-a")
	doc.SetConnID("conn-1")
	doc.SetPresence(Presence{ConnID: "conn-1", Participant: "avery", Name: "Avery", Color: "#f00"})
	doc.SetPresence(Presence{ConnID: "conn-2", Participant: "blake", Name: "Blake", Color: "#0f0"})

	if got := len(doc.Presences()); got != 2 {
		t.Fatalf("expected 2 presences, got %d", got)
	}
	remote := doc.RemotePresences()
	if len(remote) != 1 || remote[0].Participant != "blake" {
		t.Fatalf("unexpected remote presences: %+v", remote)
	}

	doc.ClearPresence("conn-2")
	if got := len(doc.RemotePresences()); got != 0 {
		t.Fatalf("expected presence cleared, got %d entries", got)
	}
}
