package content

import (
	"sort"

	"tandem/api/internal/crdt"
)

// TextView exposes a text document as plain get/set over the replicated
// container. Reads always recompute from the container; writes are a
// whole-buffer apply inside one transaction.
type TextView struct {
	doc *crdt.Doc
}

func NewTextView(doc *crdt.Doc) *TextView { return &TextView{doc: doc} }

func (v *TextView) String() string {
	return v.doc.TextString(crdt.ContentContainer)
}

func (v *TextView) SetString(s string) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.ReplaceText(crdt.ContentContainer, s)
	})
}

// TableView exposes a tabular document as typed records with per-cell and
// per-row operations, each one replicated transaction.
type TableView struct {
	doc *crdt.Doc
}

func NewTableView(doc *crdt.Doc) *TableView { return &TableView{doc: doc} }

// Headers returns the column schema, inferred from the first record's cells
// when none were supplied explicitly.
func (v *TableView) Headers() []string {
	headers := v.doc.TableHeaders(crdt.DataContainer)
	if len(headers) > 0 {
		return headers
	}
	rows := v.doc.TableRows(crdt.DataContainer)
	if len(rows) == 0 {
		return nil
	}
	inferred := make([]string, 0, len(rows[0].Cells))
	for col := range rows[0].Cells {
		inferred = append(inferred, col)
	}
	sort.Strings(inferred)
	return inferred
}

func (v *TableView) SetHeaders(headers []string) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.SetHeaders(crdt.DataContainer, headers)
	})
}

func (v *TableView) Records() []crdt.Row {
	return v.doc.TableRows(crdt.DataContainer)
}

func (v *TableView) SetCell(row int, col string, val crdt.Value) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.SetCell(crdt.DataContainer, row, col, val)
	})
}

func (v *TableView) AppendRow(cells map[string]crdt.Value) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.AppendRow(crdt.DataContainer, cells)
	})
}

func (v *TableView) InsertRow(idx int, cells map[string]crdt.Value) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.InsertRow(crdt.DataContainer, idx, cells)
	})
}

func (v *TableView) DeleteRow(idx int) {
	v.doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		tx.DeleteRow(crdt.DataContainer, idx)
	})
}

// Serialize renders the document's current content in its stored flat-file
// form, used both for persistence and save-state comparison.
func Serialize(doc *crdt.Doc, kind Kind) string {
	switch kind {
	case KindTable:
		return EncodeTable(doc.TableHeaders(crdt.DataContainer), doc.TableRows(crdt.DataContainer))
	default:
		return doc.TextString(crdt.ContentContainer)
	}
}

// Seed populates an empty replica with stored content. The emptiness check
// and the write happen inside one transaction, so a concurrent initializer
// (another replica syncing at the same instant) finds the container
// non-empty and no-ops. Returns whether this call claimed the write.
func Seed(doc *crdt.Doc, kind Kind, stored string) bool {
	claimed := false
	doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		switch kind {
		case KindTable:
			if tx.TableLen(crdt.DataContainer) > 0 {
				return
			}
			headers, rows := DecodeTable(stored)
			if len(headers) == 0 && len(rows) == 0 {
				return
			}
			claimed = true
			tx.SetHeaders(crdt.DataContainer, headers)
			for _, cells := range rows {
				tx.AppendRow(crdt.DataContainer, cells)
			}
		default:
			if tx.TextLen(crdt.ContentContainer) > 0 || stored == "" {
				return
			}
			claimed = true
			tx.InsertText(crdt.ContentContainer, 0, stored)
		}
	})
	return claimed
}

// ForceSeed replaces the replica's content with stored content regardless of
// what it currently holds. Used after invalidation, when the previous
// replica content is stale relative to the backend.
func ForceSeed(doc *crdt.Doc, kind Kind, stored string) {
	doc.Transact(crdt.OriginLocal, func(tx *crdt.Tx) {
		switch kind {
		case KindTable:
			for tx.TableLen(crdt.DataContainer) > 0 {
				tx.DeleteRow(crdt.DataContainer, 0)
			}
			headers, rows := DecodeTable(stored)
			tx.SetHeaders(crdt.DataContainer, headers)
			for _, cells := range rows {
				tx.AppendRow(crdt.DataContainer, cells)
			}
		default:
			tx.ReplaceText(crdt.ContentContainer, stored)
		}
	})
}
