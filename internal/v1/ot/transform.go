package ot

import (
	"github.com/annolab/collab-server/internal/v1/types"
)

// transformPair rewrites op1 so it can be applied after op2, preserving
// op1's intent. Both operations are assumed concurrent (neither has seen the
// other). Replace operations are handled as delete-then-insert compositions.
func transformPair(op1, op2 types.TextOperation) types.TextOperation {
	if op1.IsNoop() || op2.IsNoop() {
		return op1
	}

	// Transforming against a replace is transforming against its delete
	// component and then its insert component.
	if op2.Kind == types.OpReplace {
		del := op2
		del.Kind = types.OpDelete
		del.Length = op2.OriginalLength
		ins := op2
		ins.Kind = types.OpInsert
		out := transformPair(op1, del)
		return transformPair(out, ins)
	}

	switch op1.Kind {
	case types.OpInsert:
		return transformInsert(op1, op2)
	case types.OpDelete:
		return transformDelete(op1, op2)
	case types.OpReplace:
		// A replace's position and original span shift like a delete of the
		// original span; its inserted text rides along.
		del := op1
		del.Kind = types.OpDelete
		del.Length = op1.OriginalLength
		shifted := transformDelete(del, op2)
		if shifted.IsNoop() {
			// The replaced span vanished; degrade to a bare insert so the
			// new text survives.
			ins := op1
			ins.Kind = types.OpInsert
			ins.OriginalLength = 0
			ins.Length = 0
			return transformInsert(ins, op2)
		}
		out := op1
		out.Position = shifted.Position
		out.OriginalLength = shifted.Length
		return out
	}
	return op1
}

func transformInsert(op1, op2 types.TextOperation) types.TextOperation {
	p1 := op1.Position

	switch op2.Kind {
	case types.OpInsert:
		p2 := op2.Position
		if p1 < p2 {
			return op1
		}
		if p1 == p2 {
			// Tie on position: deterministic by author id ordering.
			if op1.AuthorID <= op2.AuthorID {
				return op1
			}
		}
		op1.Position = p1 + len(op2.Text)
		return op1

	case types.OpDelete:
		p2, d := op2.Position, op2.Length
		switch {
		case p1 <= p2:
			return op1
		case p1 <= p2+d:
			op1.Position = p2
		default:
			op1.Position = p1 - d
		}
		return op1
	}
	return op1
}

func transformDelete(op1, op2 types.TextOperation) types.TextOperation {
	p1, d1 := op1.Position, op1.Length

	switch op2.Kind {
	case types.OpInsert:
		p2, l := op2.Position, len(op2.Text)
		switch {
		case p2 <= p1:
			op1.Position = p1 + l
		case p2 < p1+d1:
			// Insert landed inside the deleted span; widen the delete.
			op1.Length = d1 + l
		}
		return op1

	case types.OpDelete:
		p2, d2 := op2.Position, op2.Length
		switch {
		case p2+d2 <= p1:
			// op2 entirely before op1.
			op1.Position = p1 - d2
		case p1+d1 <= p2:
			// op2 entirely after op1.
		case p2 <= p1 && p1+d1 <= p2+d2:
			// op2 contains op1: nothing left to delete.
			op1.Kind = types.OpNoop
			op1.Length = 0
			op1.Text = ""
		case p1 <= p2 && p2+d2 <= p1+d1:
			// op1 contains op2.
			op1.Length = d1 - d2
		default:
			// Partial overlap collapses to (min start, d1 - overlap).
			overlap := minInt(p1+d1, p2+d2) - maxInt(p1, p2)
			op1.Position = minInt(p1, p2)
			op1.Length = d1 - overlap
		}
		if op1.Kind == types.OpDelete && op1.Length <= 0 {
			op1.Kind = types.OpNoop
			op1.Length = 0
			op1.Text = ""
		}
		return op1
	}
	return op1
}

// Apply executes an operation against a document body. Used by callers that
// track text content and by the convergence tests.
func Apply(doc string, op types.TextOperation) string {
	switch op.Kind {
	case types.OpInsert:
		p := clampInt(op.Position, 0, len(doc))
		return doc[:p] + op.Text + doc[p:]
	case types.OpDelete:
		p := clampInt(op.Position, 0, len(doc))
		end := clampInt(p+op.Length, p, len(doc))
		return doc[:p] + doc[end:]
	case types.OpReplace:
		del := op
		del.Kind = types.OpDelete
		del.Length = op.OriginalLength
		ins := op
		ins.Kind = types.OpInsert
		return Apply(Apply(doc, del), ins)
	}
	return doc
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
