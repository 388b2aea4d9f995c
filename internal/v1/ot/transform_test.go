package ot

import (
	"context"
	"testing"

	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(pos int, text string, author types.UserIDType) types.TextOperation {
	return types.TextOperation{Kind: types.OpInsert, Position: pos, Text: text, TextID: "t1", AuthorID: author}
}

func del(pos, length int, author types.UserIDType) types.TextOperation {
	return types.TextOperation{Kind: types.OpDelete, Position: pos, Length: length, TextID: "t1", AuthorID: author}
}

func replace(pos int, text string, origLen int, author types.UserIDType) types.TextOperation {
	return types.TextOperation{Kind: types.OpReplace, Position: pos, Text: text, OriginalLength: origLen, TextID: "t1", AuthorID: author}
}

func TestTransformPairInsertInsert(t *testing.T) {
	tests := []struct {
		name    string
		op1     types.TextOperation
		op2     types.TextOperation
		wantPos int
	}{
		{"before stays", insert(2, "ab", "alice"), insert(5, "xy", "bob"), 2},
		{"after shifts", insert(5, "ab", "alice"), insert(2, "xy", "bob"), 7},
		{"tie lower author wins", insert(3, "ab", "alice"), insert(3, "xy", "bob"), 3},
		{"tie higher author shifts", insert(3, "ab", "bob"), insert(3, "xy", "alice"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := transformPair(tt.op1, tt.op2)
			assert.Equal(t, tt.wantPos, got.Position)
			assert.Equal(t, types.OpInsert, got.Kind)
		})
	}
}

func TestTransformPairInsertDelete(t *testing.T) {
	// Insert before the deleted span is untouched.
	got := transformPair(insert(1, "ab", "alice"), del(3, 2, "bob"))
	assert.Equal(t, 1, got.Position)

	// Insert inside the deleted span collapses to its start.
	got = transformPair(insert(4, "ab", "alice"), del(3, 2, "bob"))
	assert.Equal(t, 3, got.Position)

	// Insert after the deleted span shifts left.
	got = transformPair(insert(8, "ab", "alice"), del(3, 2, "bob"))
	assert.Equal(t, 6, got.Position)
}

func TestTransformPairDeleteDelete(t *testing.T) {
	// Disjoint, other before: shift left.
	got := transformPair(del(6, 2, "alice"), del(1, 3, "bob"))
	assert.Equal(t, 3, got.Position)
	assert.Equal(t, 2, got.Length)

	// Disjoint, other after: untouched.
	got = transformPair(del(1, 2, "alice"), del(6, 3, "bob"))
	assert.Equal(t, 1, got.Position)
	assert.Equal(t, 2, got.Length)

	// Fully contained in the other: becomes a noop.
	got = transformPair(del(3, 2, "alice"), del(2, 5, "bob"))
	assert.True(t, got.IsNoop())

	// Contains the other: shrinks.
	got = transformPair(del(2, 6, "alice"), del(3, 2, "bob"))
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 4, got.Length)

	// Partial overlap collapses to min start minus the overlap.
	got = transformPair(del(4, 4, "alice"), del(2, 4, "bob"))
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 2, got.Length)
}

func TestTransformPairDeleteInsert(t *testing.T) {
	// Insert before the delete shifts it right.
	got := transformPair(del(4, 2, "alice"), insert(1, "xy", "bob"))
	assert.Equal(t, 6, got.Position)
	assert.Equal(t, 2, got.Length)

	// Insert inside the deleted span widens the delete.
	got = transformPair(del(2, 4, "alice"), insert(4, "xy", "bob"))
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 6, got.Length)

	// Insert after is irrelevant.
	got = transformPair(del(2, 2, "alice"), insert(8, "xy", "bob"))
	assert.Equal(t, 2, got.Position)
}

func TestTransformPairNoopIdentity(t *testing.T) {
	noop := types.TextOperation{Kind: types.OpNoop, TextID: "t1", AuthorID: "alice"}
	op := insert(3, "ab", "bob")

	assert.Equal(t, noop, transformPair(noop, op))
	assert.Equal(t, op, transformPair(op, noop))
}

// Concurrent insert/insert must converge regardless of application order.
func TestConvergenceInsertInsert(t *testing.T) {
	doc := "hello world"
	a := insert(5, "AA", "alice")
	b := insert(5, "BB", "bob")

	// Path 1: a then b' (b transformed against a).
	doc1 := Apply(Apply(doc, a), transformPair(b, a))
	// Path 2: b then a' (a transformed against b).
	doc2 := Apply(Apply(doc, b), transformPair(a, b))

	assert.Equal(t, doc1, doc2)
}

func TestConvergenceInsertDelete(t *testing.T) {
	doc := "abcdefghij"
	a := insert(7, "XY", "alice")
	b := del(1, 3, "bob")

	doc1 := Apply(Apply(doc, a), transformPair(b, a))
	doc2 := Apply(Apply(doc, b), transformPair(a, b))
	assert.Equal(t, doc1, doc2)
	assert.Equal(t, "aefgXYhij", doc1)
}

func TestConvergenceOverlappingDeletes(t *testing.T) {
	doc := "abcdefghij"
	a := del(2, 4, "alice")
	b := del(4, 4, "bob")

	doc1 := Apply(Apply(doc, a), transformPair(b, a))
	doc2 := Apply(Apply(doc, b), transformPair(a, b))
	assert.Equal(t, doc1, doc2)
	assert.Equal(t, "abij", doc1)
}

func TestConvergenceReplace(t *testing.T) {
	doc := "abcdefghij"
	a := replace(2, "XY", 3, "alice")
	b := insert(7, "ZZ", "bob")

	doc1 := Apply(Apply(doc, a), transformPair(b, a))
	doc2 := Apply(Apply(doc, b), transformPair(a, b))
	assert.Equal(t, doc1, doc2)
}

func TestTransformCacheReproducesReplaceRewrite(t *testing.T) {
	e := NewEngine()
	rep := replace(4, "XY", 6, "alice")
	d := del(2, 4, "bob") // trims the head of the replaced span

	cold := e.transformCached("r1", rep, d)
	warm := e.transformCached("r1", rep, d)

	// The overlap shrinks the original span; a warm hit must reproduce the
	// cold result in every rewritten field.
	assert.Equal(t, 4, cold.OriginalLength)
	assert.Equal(t, 2, cold.Position)
	assert.Equal(t, cold, warm)
}

func TestEngineAssignsSequencesAndVectors(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	op1, err := e.TransformOperation(ctx, "r1", insert(0, "abc", "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), op1.Seq)
	assert.Equal(t, int64(1), op1.StateVector["alice"])

	op2, err := e.TransformOperation(ctx, "r1", insert(0, "de", "alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), op2.Seq)

	op3, err := e.TransformOperation(ctx, "r1", insert(0, "x", "bob"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), op3.Seq)
	assert.Equal(t, int64(2), op3.StateVector["alice"])
	assert.Equal(t, int64(1), op3.StateVector["bob"])
}

func TestEngineTransformsAgainstUnseenOps(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	// Alice inserts 3 chars at the front; bob's op was built before seeing it.
	_, err := e.TransformOperation(ctx, "r1", insert(0, "abc", "alice"))
	require.NoError(t, err)

	bobOp := insert(2, "zz", "bob")
	bobOp.StateVector = types.StateVector{} // saw nothing
	got, err := e.TransformOperation(ctx, "r1", bobOp)
	require.NoError(t, err)
	assert.Equal(t, 5, got.Position)

	// An op that already observed alice's insert is not re-transformed.
	carolOp := insert(2, "qq", "carol")
	carolOp.StateVector = types.StateVector{"alice": 1, "bob": 1}
	got, err = e.TransformOperation(ctx, "r1", carolOp)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Position)
}

func TestEngineValidatesOperations(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	_, err := e.TransformOperation(ctx, "r1", types.TextOperation{Kind: types.OpInsert, TextID: "t1", AuthorID: "a"})
	assert.Error(t, err)

	_, err = e.TransformOperation(ctx, "r1", insert(0, "x", ""))
	assert.Error(t, err)
}

func TestEngineLogCap(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()

	for i := 0; i < maxLogSize+50; i++ {
		_, err := e.TransformOperation(ctx, "r1", insert(0, "a", "alice"))
		require.NoError(t, err)
	}
	assert.Len(t, e.RecentOps("r1"), maxLogSize)
}

func TestEngineRemoveRoom(t *testing.T) {
	e := NewEngine()
	ctx := context.Background()
	_, err := e.TransformOperation(ctx, "r1", insert(0, "a", "alice"))
	require.NoError(t, err)

	e.RemoveRoom("r1")
	assert.Empty(t, e.RecentOps("r1"))
	assert.Empty(t, e.RoomVector("r1"))
}

func TestAdjustSpan(t *testing.T) {
	ins := insert(2, "XX", "a")
	start, end := AdjustSpan(5, 8, ins)
	assert.Equal(t, 7, start)
	assert.Equal(t, 10, end)

	// Insert inside the span only extends the end.
	start, end = AdjustSpan(2, 6, insert(4, "XX", "a"))
	assert.Equal(t, 2, start)
	assert.Equal(t, 8, end)

	// Delete before the span shifts it left.
	start, end = AdjustSpan(5, 8, del(1, 2, "a"))
	assert.Equal(t, 3, start)
	assert.Equal(t, 6, end)

	// Delete overlapping the head collapses start to the delete position and
	// shrinks the end exactly once.
	start, end = AdjustSpan(4, 8, del(2, 4, "a"))
	assert.Equal(t, 2, start)
	assert.Equal(t, 4, end)

	// Delete swallowing the whole span empties it without inverting.
	start, end = AdjustSpan(4, 6, del(2, 8, "a"))
	assert.Equal(t, 2, start)
	assert.Equal(t, 2, end)
}

func TestAdjustPosition(t *testing.T) {
	assert.Equal(t, 7, AdjustPosition(5, insert(2, "XX", "a")))
	assert.Equal(t, 5, AdjustPosition(5, insert(6, "XX", "a")))
	assert.Equal(t, 3, AdjustPosition(5, del(1, 2, "a")))
	assert.Equal(t, 2, AdjustPosition(4, del(2, 4, "a")))
	assert.Equal(t, 5, AdjustPosition(5, del(6, 2, "a")))
}
