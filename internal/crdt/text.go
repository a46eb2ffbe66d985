package crdt

import "sort"

type textAtom struct {
	pos     Position
	r       rune
	deleted bool
}

// Text is the ordered-text container: position-identified atoms with
// tombstoned deletes, kept sorted by position.
type Text struct {
	atoms []textAtom
}

func (t *Text) length() int {
	n := 0
	for _, a := range t.atoms {
		if !a.deleted {
			n++
		}
	}
	return n
}

func (t *Text) render() string {
	out := make([]rune, 0, len(t.atoms))
	for _, a := range t.atoms {
		if !a.deleted {
			out = append(out, a.r)
		}
	}
	return string(out)
}

// sliceIndexForVisible maps a visible rune index to the slice index an
// insertion before that rune should land at.
func (t *Text) sliceIndexForVisible(idx int) int {
	if idx <= 0 {
		return 0
	}
	seen := 0
	for i, a := range t.atoms {
		if a.deleted {
			continue
		}
		if seen == idx {
			return i
		}
		seen++
	}
	return len(t.atoms)
}

// searchPos returns the slice index of pos, or the index it would be
// inserted at, plus whether an atom with that exact position exists.
func (t *Text) searchPos(pos Position) (int, bool) {
	i := sort.Search(len(t.atoms), func(i int) bool {
		return t.atoms[i].pos.Compare(pos) >= 0
	})
	if i < len(t.atoms) && t.atoms[i].pos.Equal(pos) {
		return i, true
	}
	return i, false
}

func (t *Text) insertAtom(i int, a textAtom) {
	t.atoms = append(t.atoms, textAtom{})
	copy(t.atoms[i+1:], t.atoms[i:])
	t.atoms[i] = a
}

func (t *Text) applyInsert(pos Position, text string) bool {
	i, exists := t.searchPos(pos)
	if exists {
		return false
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return false
	}
	t.insertAtom(i, textAtom{pos: pos, r: runes[0]})
	return true
}

func (t *Text) applyDelete(pos Position) bool {
	i, exists := t.searchPos(pos)
	if !exists || t.atoms[i].deleted {
		return false
	}
	t.atoms[i].deleted = true
	return true
}

// InsertText inserts s before visible rune index idx, generating one op per
// rune with positions chained off the previous insertion.
func (tx *Tx) InsertText(container string, idx int, s string) {
	doc := tx.doc
	t := doc.text(container)
	at := t.sliceIndexForVisible(idx)
	var left Position
	if at > 0 {
		left = t.atoms[at-1].pos
	}
	for _, r := range s {
		var right Position
		if at < len(t.atoms) {
			right = t.atoms[at].pos
		}
		pos := Between(left, right, doc.site)
		t.insertAtom(at, textAtom{pos: pos, r: r})
		tx.ops = append(tx.ops, Op{
			Type:      OpTextInsert,
			Container: container,
			Pos:       pos,
			Text:      string(r),
			Clock:     doc.nextClock(),
			Site:      doc.site,
		})
		left = pos
		at++
	}
}

// DeleteText tombstones n visible runes starting at idx.
func (tx *Tx) DeleteText(container string, idx, n int) {
	doc := tx.doc
	t := doc.text(container)
	seen := 0
	remaining := n
	for i := range t.atoms {
		if t.atoms[i].deleted {
			continue
		}
		if seen >= idx && remaining > 0 {
			t.atoms[i].deleted = true
			remaining--
			tx.ops = append(tx.ops, Op{
				Type:      OpTextDelete,
				Container: container,
				Pos:       t.atoms[i].pos,
				Clock:     doc.nextClock(),
				Site:      doc.site,
			})
		}
		seen++
		if remaining == 0 && seen > idx {
			break
		}
	}
}

// ReplaceText swaps the container's full contents for s. The unchanged
// prefix and suffix are left in place so a swap back to recent content does
// not churn every atom.
func (tx *Tx) ReplaceText(container string, s string) {
	current := []rune(tx.doc.text(container).render())
	next := []rune(s)

	prefix := 0
	for prefix < len(current) && prefix < len(next) && current[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(next)-prefix &&
		current[len(current)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	if removed := len(current) - prefix - suffix; removed > 0 {
		tx.DeleteText(container, prefix, removed)
	}
	if inserted := next[prefix : len(next)-suffix]; len(inserted) > 0 {
		tx.InsertText(container, prefix, string(inserted))
	}
}

func (tx *Tx) TextLen(container string) int {
	return tx.doc.text(container).length()
}

func (tx *Tx) TextString(container string) string {
	return tx.doc.text(container).render()
}
