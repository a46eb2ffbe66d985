package crdt

import "testing"

func seedTable(doc *Doc) {
	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetHeaders(DataContainer, []string{"name", "count", "active"})
		tx.AppendRow(DataContainer, map[string]Value{
			"name": String("alpha"), "count": Number(1), "active": Bool(true),
		})
		tx.AppendRow(DataContainer, map[string]Value{
			"name": String("bravo"), "count": Number(2), "active": Bool(false),
		})
	})
}

func TestTableLocalOperations(t *testing.T) {
	doc := NewDoc("site-a")
	seedTable(doc)

	if got := doc.TableLen(DataContainer); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
	headers := doc.TableHeaders(DataContainer)
	if len(headers) != 3 || headers[0] != "name" {
		t.Fatalf("unexpected headers: %v", headers)
	}

	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.SetCell(DataContainer, 0, "count", Number(10))
	})
	rows := doc.TableRows(DataContainer)
	if rows[0].Cells["count"].Num != 10 {
		t.Fatalf("cell update lost: %+v", rows[0])
	}

	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertRow(DataContainer, 1, map[string]Value{"name": String("middle")})
	})
	rows = doc.TableRows(DataContainer)
	if len(rows) != 3 || rows[1].Cells["name"].Str != "middle" {
		t.Fatalf("insert at index failed: %+v", rows)
	}

	doc.Transact(OriginLocal, func(tx *Tx) {
		tx.DeleteRow(DataContainer, 1)
	})
	rows = doc.TableRows(DataContainer)
	if len(rows) != 2 || rows[1].Cells["name"].Str != "bravo" {
		t.Fatalf("delete at index failed: %+v", rows)
	}
}

func TestTableConvergentCellWrites(t *testing.T) {
	a := NewDoc("site-a")
	b := NewDoc("site-b")
	l := connect(a, b)

	seedTable(a)
	l.pump(a, b)

	// Concurrent writes to the same cell: last-writer-wins must agree on
	// both replicas whichever direction the ops travel.
	a.Transact(OriginLocal, func(tx *Tx) { tx.SetCell(DataContainer, 0, "name", String("from-a")) })
	b.Transact(OriginLocal, func(tx *Tx) { tx.SetCell(DataContainer, 0, "name", String("from-b")) })
	l.pump(a, b)

	rowsA := a.TableRows(DataContainer)
	rowsB := b.TableRows(DataContainer)
	if rowsA[0].Cells["name"] != rowsB[0].Cells["name"] {
		t.Fatalf("cell diverged: %+v vs %+v", rowsA[0].Cells["name"], rowsB[0].Cells["name"])
	}
}

func TestTableConvergentRowInserts(t *testing.T) {
	a := NewDoc("site-a")
	b := NewDoc("site-b")
	l := connect(a, b)

	seedTable(a)
	l.pump(a, b)

	a.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertRow(DataContainer, 1, map[string]Value{"name": String("ins-a")})
	})
	b.Transact(OriginLocal, func(tx *Tx) {
		tx.InsertRow(DataContainer, 1, map[string]Value{"name": String("ins-b")})
	})
	l.pump(a, b)

	rowsA := a.TableRows(DataContainer)
	rowsB := b.TableRows(DataContainer)
	if len(rowsA) != 4 || len(rowsB) != 4 {
		t.Fatalf("expected 4 rows, got %d and %d", len(rowsA), len(rowsB))
	}
	for i := range rowsA {
		if rowsA[i].Key != rowsB[i].Key {
			t.Fatalf("row order diverged at %d: %+v vs %+v", i, rowsA, rowsB)
		}
	}
}

func TestCellSetBeforeRowInsert(t *testing.T) {
	doc := NewDoc("site-a")
	// A cell-set arriving ahead of its row-insert parks the value until the
	// row is placed.
	doc.ApplyRemote([]Op{{
		Type: OpCellSet, Container: DataContainer,
		Row: "row-1", Col: "name", Val: String("early"), Clock: 2, Site: "remote",
	}})
	if got := doc.TableLen(DataContainer); got != 0 {
		t.Fatalf("unplaced row visible: %d", got)
	}
	doc.ApplyRemote([]Op{{
		Type: OpRowInsert, Container: DataContainer,
		Pos: Position{{Digit: 1, Site: "remote"}}, Row: "row-1", Clock: 1, Site: "remote",
	}})
	rows := doc.TableRows(DataContainer)
	if len(rows) != 1 || rows[0].Cells["name"].Str != "early" {
		t.Fatalf("parked cell lost: %+v", rows)
	}
}
