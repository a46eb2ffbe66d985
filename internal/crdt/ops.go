package crdt

import "strconv"

type OpType string

const (
	OpTextInsert OpType = "text-insert"
	OpTextDelete OpType = "text-delete"
	OpRowInsert  OpType = "row-insert"
	OpRowDelete  OpType = "row-delete"
	OpCellSet    OpType = "cell-set"
	OpHeadersSet OpType = "headers-set"
)

// Op is one replicated mutation. Ops generated inside a transaction are
// shipped together and applied in order; applying an op twice is a no-op.
type Op struct {
	Type      OpType   `json:"type"`
	Container string   `json:"container"`
	Pos       Position `json:"pos,omitempty"`
	Text      string   `json:"text,omitempty"`
	Row       string   `json:"row,omitempty"`
	Col       string   `json:"col,omitempty"`
	Val       Value    `json:"val,omitempty"`
	Headers   []string `json:"headers,omitempty"`
	Clock     uint64   `json:"clock"`
	Site      string   `json:"site"`
}

type ValueKind string

const (
	ValueString ValueKind = "string"
	ValueNumber ValueKind = "number"
	ValueBool   ValueKind = "bool"
)

// Value is a tagged scalar cell value: string, number or boolean.
type Value struct {
	Kind ValueKind `json:"kind"`
	Str  string    `json:"str,omitempty"`
	Num  float64   `json:"num,omitempty"`
	Bool bool      `json:"bool,omitempty"`
}

func String(s string) Value  { return Value{Kind: ValueString, Str: s} }
func Number(f float64) Value { return Value{Kind: ValueNumber, Num: f} }
func Bool(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }

// Format renders the scalar as field text, the inverse of schema-on-read
// parsing in the content adapter.
func (v Value) Format() string {
	switch v.Kind {
	case ValueNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}
