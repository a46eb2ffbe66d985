package crdt

// Positions are dense ordering identifiers in the style of Logoot: a path of
// (digit, site) components compared lexicographically, digit first, then site.
// A position generated Between(p, q) sorts strictly after p and strictly
// before q on every replica, so concurrent inserts at the same place converge
// to a single order without coordination.

const digitBase = uint32(1) << 16

type Component struct {
	Digit uint32 `json:"d"`
	Site  string `json:"s"`
}

type Position []Component

// Compare orders positions lexicographically. A position that is a strict
// prefix of another sorts before it.
func (p Position) Compare(q Position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if p[i].Digit != q[i].Digit {
			if p[i].Digit < q[i].Digit {
				return -1
			}
			return 1
		}
		if p[i].Site != q[i].Site {
			if p[i].Site < q[i].Site {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	default:
		return 0
	}
}

func (p Position) Equal(q Position) bool {
	return p.Compare(q) == 0
}

// Between allocates a fresh position strictly between p and q for the given
// site. p may be nil (before everything) and q may be nil (after everything).
// Components synthesized while descending past the end of p carry the empty
// site, which sorts before every real site id; this keeps the result below q
// even when q continues with digit zero at that level.
func Between(p, q Position, site string) Position {
	out := make(Position, 0, len(p)+1)
	// bounded is true while out's prefix still equals q's prefix, i.e. while q
	// constrains the digit we may pick at the current level.
	bounded := true
	for level := 0; ; level++ {
		lo := uint32(0)
		if level < len(p) {
			lo = p[level].Digit
		}
		hi := digitBase
		if bounded && level < len(q) {
			hi = q[level].Digit
		}
		if hi > lo+1 {
			return append(out, Component{Digit: lo + 1, Site: site})
		}
		comp := Component{Digit: lo, Site: ""}
		if level < len(p) {
			comp = p[level]
		}
		out = append(out, comp)
		bounded = bounded && level < len(q) && comp == q[level]
	}
}
