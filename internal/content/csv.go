package content

import (
	"strconv"
	"strings"

	"tandem/api/internal/crdt"
)

// The delimited format: header row first, fields containing the delimiter,
// quote or newline wrapped in quotes with embedded quotes doubled. Parsing is
// the strict inverse; blank lines are dropped before the header is read.

const (
	fieldDelimiter = ','
	fieldQuote     = '"'
)

// EncodeTable serializes headers plus rows. An empty table (no headers, no
// rows) serializes to the empty string.
func EncodeTable(headers []string, rows []crdt.Row) string {
	if len(headers) == 0 && len(rows) == 0 {
		return ""
	}
	var b strings.Builder
	writeRecord(&b, headers)
	for _, row := range rows {
		fields := make([]string, len(headers))
		for i, col := range headers {
			if val, ok := row.Cells[col]; ok {
				fields[i] = val.Format()
			}
		}
		writeRecord(&b, fields)
	}
	return b.String()
}

func writeRecord(b *strings.Builder, fields []string) {
	for i, field := range fields {
		if i > 0 {
			b.WriteByte(fieldDelimiter)
		}
		writeField(b, field)
	}
	b.WriteByte('\n')
}

func writeField(b *strings.Builder, field string) {
	if !strings.ContainsAny(field, ",\"\n\r") {
		b.WriteString(field)
		return
	}
	b.WriteByte(fieldQuote)
	for _, r := range field {
		if r == fieldQuote {
			b.WriteByte(fieldQuote)
		}
		b.WriteRune(r)
	}
	b.WriteByte(fieldQuote)
}

// DecodeTable parses serialized table content into headers and typed
// records. The first non-blank record supplies the headers.
func DecodeTable(s string) ([]string, []map[string]crdt.Value) {
	records := parseRecords(s)
	if len(records) == 0 {
		return nil, nil
	}
	headers := records[0]
	rows := make([]map[string]crdt.Value, 0, len(records)-1)
	for _, record := range records[1:] {
		cells := make(map[string]crdt.Value, len(headers))
		for i, col := range headers {
			if i < len(record) {
				cells[col] = ParseValue(record[i])
			}
		}
		rows = append(rows, cells)
	}
	return headers, rows
}

// parseRecords runs the quoted-field state machine: field boundary on an
// unquoted delimiter, record boundary on a newline outside quotes, doubled
// quotes inside a quoted field collapse to one.
func parseRecords(s string) [][]string {
	var records [][]string
	var record []string
	var field strings.Builder
	inQuotes := false
	fieldQuoted := false
	fieldStarted := false

	flushField := func() {
		record = append(record, field.String())
		field.Reset()
		fieldQuoted = false
		fieldStarted = false
	}
	flushRecord := func() {
		flushField()
		if !blankRecord(record) {
			records = append(records, record)
		}
		record = nil
	}

	runes := []rune(strings.ReplaceAll(s, "\r\n", "\n"))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuotes:
			if r == fieldQuote {
				if i+1 < len(runes) && runes[i+1] == fieldQuote {
					field.WriteRune(fieldQuote)
					i++
					continue
				}
				inQuotes = false
				continue
			}
			field.WriteRune(r)
		case r == fieldQuote && !fieldStarted:
			inQuotes = true
			fieldQuoted = true
			fieldStarted = true
		case r == fieldDelimiter:
			flushField()
		case r == '\n':
			flushRecord()
		default:
			field.WriteRune(r)
			fieldStarted = true
		}
	}
	if fieldStarted || fieldQuoted || len(record) > 0 {
		flushRecord()
	}
	return records
}

func blankRecord(record []string) bool {
	return len(record) == 1 && record[0] == ""
}

// ParseValue applies schema-on-read typing: boolean literals, then numbers,
// otherwise a plain string.
func ParseValue(field string) crdt.Value {
	switch field {
	case "true":
		return crdt.Bool(true)
	case "false":
		return crdt.Bool(false)
	}
	if field != "" {
		if n, err := strconv.ParseFloat(field, 64); err == nil {
			return crdt.Number(n)
		}
	}
	return crdt.String(field)
}
