package crdt

import (
	"sort"

	"github.com/google/uuid"
)

type cellReg struct {
	val   Value
	clock uint64
	site  string
}

func (c cellReg) olderThan(clock uint64, site string) bool {
	if c.clock != clock {
		return c.clock < clock
	}
	return c.site < site
}

type tableRow struct {
	key     string
	pos     Position
	cells   map[string]cellReg
	deleted bool
	// placed is false for rows materialized by a cell-set that arrived ahead
	// of its row-insert; the insert fills in the position.
	placed bool
}

// Table is the ordered collection of keyed records: rows ordered by position
// identifier, cells as last-writer-wins registers of tagged scalars.
type Table struct {
	byKey        map[string]*tableRow
	order        []*tableRow
	headers      []string
	headersClock uint64
	headersSite  string
}

// Row is a snapshot of one visible record.
type Row struct {
	Key   string
	Cells map[string]Value
}

func (t *Table) ensure() {
	if t.byKey == nil {
		t.byKey = make(map[string]*tableRow)
	}
}

func (t *Table) length() int {
	n := 0
	for _, r := range t.order {
		if !r.deleted && r.placed {
			n++
		}
	}
	return n
}

func (t *Table) rows() []Row {
	out := make([]Row, 0, len(t.order))
	for _, r := range t.order {
		if r.deleted || !r.placed {
			continue
		}
		cells := make(map[string]Value, len(r.cells))
		for col, reg := range r.cells {
			cells[col] = reg.val
		}
		out = append(out, Row{Key: r.key, Cells: cells})
	}
	return out
}

func (t *Table) visibleRow(idx int) *tableRow {
	seen := 0
	for _, r := range t.order {
		if r.deleted || !r.placed {
			continue
		}
		if seen == idx {
			return r
		}
		seen++
	}
	return nil
}

func (t *Table) place(r *tableRow) {
	i := sort.Search(len(t.order), func(i int) bool {
		return t.order[i].pos.Compare(r.pos) >= 0
	})
	t.order = append(t.order, nil)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = r
}

func (t *Table) unplace(r *tableRow) {
	for i, cur := range t.order {
		if cur == r {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *Table) applyRowInsert(pos Position, key string) bool {
	t.ensure()
	if existing, ok := t.byKey[key]; ok {
		if existing.placed {
			return false
		}
		existing.pos = pos
		existing.placed = true
		t.place(existing)
		return true
	}
	r := &tableRow{key: key, pos: pos, cells: make(map[string]cellReg), placed: true}
	t.byKey[key] = r
	t.place(r)
	return true
}

func (t *Table) applyRowDelete(key string) bool {
	t.ensure()
	r, ok := t.byKey[key]
	if !ok {
		r = &tableRow{key: key, cells: make(map[string]cellReg), deleted: true}
		t.byKey[key] = r
		return false
	}
	if r.deleted {
		return false
	}
	r.deleted = true
	return true
}

func (t *Table) applyCellSet(key, col string, val Value, clock uint64, site string) bool {
	t.ensure()
	r, ok := t.byKey[key]
	if !ok {
		r = &tableRow{key: key, cells: make(map[string]cellReg)}
		t.byKey[key] = r
	}
	cur, has := r.cells[col]
	if has && !cur.olderThan(clock, site) {
		return false
	}
	r.cells[col] = cellReg{val: val, clock: clock, site: site}
	return true
}

func (t *Table) applyHeaders(headers []string, clock uint64, site string) bool {
	if t.headersClock != 0 || t.headersSite != "" {
		newer := clock > t.headersClock || (clock == t.headersClock && site > t.headersSite)
		if !newer {
			return false
		}
	}
	t.headers = append([]string(nil), headers...)
	t.headersClock = clock
	t.headersSite = site
	return true
}

// SetHeaders replaces the table's column schema.
func (tx *Tx) SetHeaders(container string, headers []string) {
	doc := tx.doc
	t := doc.table(container)
	clock := doc.nextClock()
	t.applyHeaders(headers, clock, doc.site)
	tx.ops = append(tx.ops, Op{
		Type:      OpHeadersSet,
		Container: container,
		Headers:   append([]string(nil), headers...),
		Clock:     clock,
		Site:      doc.site,
	})
}

// InsertRow inserts a record before visible row index idx and returns the
// new row's key. Cell values are replicated as individual cell-set ops
// following the row-insert in the same transaction.
func (tx *Tx) InsertRow(container string, idx int, cells map[string]Value) string {
	doc := tx.doc
	t := doc.table(container)
	t.ensure()

	var left, right Position
	if prev := t.visibleRow(idx - 1); idx > 0 && prev != nil {
		left = prev.pos
	}
	if next := t.visibleRow(idx); next != nil {
		right = next.pos
	}

	key := uuid.NewString()
	pos := Between(left, right, doc.site)
	t.applyRowInsert(pos, key)
	tx.ops = append(tx.ops, Op{
		Type:      OpRowInsert,
		Container: container,
		Pos:       pos,
		Row:       key,
		Clock:     doc.nextClock(),
		Site:      doc.site,
	})
	for _, col := range t.headers {
		val, ok := cells[col]
		if !ok {
			continue
		}
		tx.setCell(container, key, col, val)
	}
	// Columns outside the current schema still replicate; readers ignore
	// them until a headers-set includes the column.
	for col, val := range cells {
		if containsColumn(t.headers, col) {
			continue
		}
		tx.setCell(container, key, col, val)
	}
	return key
}

// AppendRow appends a record after the last visible row.
func (tx *Tx) AppendRow(container string, cells map[string]Value) string {
	return tx.InsertRow(container, tx.doc.table(container).length(), cells)
}

// DeleteRow tombstones the record at visible row index idx.
func (tx *Tx) DeleteRow(container string, idx int) {
	doc := tx.doc
	t := doc.table(container)
	r := t.visibleRow(idx)
	if r == nil {
		return
	}
	t.applyRowDelete(r.key)
	tx.ops = append(tx.ops, Op{
		Type:      OpRowDelete,
		Container: container,
		Row:       r.key,
		Clock:     doc.nextClock(),
		Site:      doc.site,
	})
}

// SetCell updates one cell of the record at visible row index idx.
func (tx *Tx) SetCell(container string, idx int, col string, val Value) {
	t := tx.doc.table(container)
	r := t.visibleRow(idx)
	if r == nil {
		return
	}
	tx.setCell(container, r.key, col, val)
}

func (tx *Tx) setCell(container, key, col string, val Value) {
	doc := tx.doc
	clock := doc.nextClock()
	doc.table(container).applyCellSet(key, col, val, clock, doc.site)
	tx.ops = append(tx.ops, Op{
		Type:      OpCellSet,
		Container: container,
		Row:       key,
		Col:       col,
		Val:       val,
		Clock:     clock,
		Site:      doc.site,
	})
}

func (tx *Tx) TableLen(container string) int {
	return tx.doc.table(container).length()
}

func containsColumn(headers []string, col string) bool {
	for _, h := range headers {
		if h == col {
			return true
		}
	}
	return false
}
