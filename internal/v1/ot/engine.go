// Package ot implements the operational transformation engine that keeps
// concurrent text edits and annotation offsets convergent across clients.
package ot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"go.uber.org/zap"
)

const (
	// maxLogSize caps the per-room operation history.
	maxLogSize = 1000

	// annotationWindowOps bounds how far back annotation rewriting looks.
	annotationWindowOps = 100
	annotationWindowAge = 60 * time.Second

	// maxCacheEntries bounds the transform memo cache.
	maxCacheEntries = 4096
)

// roomLog is the per-room operation history and server-side state vector.
type roomLog struct {
	ops    []types.TextOperation
	vector types.StateVector
}

// Engine transforms incoming operations against the concurrent operations a
// client had not yet seen, assigns authoritative sequence numbers, and
// rewrites annotation offsets against recent history.
type Engine struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*roomLog
	cache map[string]cachedTransform
}

type cachedTransform struct {
	kind           types.OpKind
	position       int
	length         int
	originalLength int
}

// NewEngine creates an empty transformation engine.
func NewEngine() *Engine {
	return &Engine{
		rooms: make(map[types.RoomIDType]*roomLog),
		cache: make(map[string]cachedTransform),
	}
}

// TransformOperation transforms op against every recorded operation the
// author had not observed (per op.StateVector), assigns the next per-author
// sequence number, appends the result to the room log, and returns it.
func (e *Engine) TransformOperation(ctx context.Context, roomID types.RoomIDType, op types.TextOperation) (types.TextOperation, error) {
	if err := op.Validate(); err != nil {
		metrics.TransformsTotal.WithLabelValues(string(op.Kind), "invalid").Inc()
		return op, err
	}
	if op.AuthorID == "" {
		metrics.TransformsTotal.WithLabelValues(string(op.Kind), "invalid").Inc()
		return op, fmt.Errorf("operation authorId is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rl := e.rooms[roomID]
	if rl == nil {
		rl = &roomLog{vector: make(types.StateVector)}
		e.rooms[roomID] = rl
	}

	transformed := op
	for _, recorded := range rl.ops {
		if recorded.AuthorID == op.AuthorID {
			continue
		}
		// Only operations the author had not seen are concurrent.
		if recorded.Seq <= op.StateVector[recorded.AuthorID] {
			continue
		}
		transformed = e.transformCached(roomID, transformed, recorded)
		if transformed.IsNoop() {
			break
		}
	}

	rl.vector[op.AuthorID]++
	transformed.Seq = rl.vector[op.AuthorID]
	transformed.StateVector = rl.vector.Clone()
	if transformed.Timestamp.IsZero() {
		transformed.Timestamp = time.Now()
	}

	rl.ops = append(rl.ops, transformed)
	if len(rl.ops) > maxLogSize {
		rl.ops = rl.ops[len(rl.ops)-maxLogSize:]
	}

	status := "ok"
	if transformed.IsNoop() {
		status = "noop"
	}
	metrics.TransformsTotal.WithLabelValues(string(op.Kind), status).Inc()

	if transformed.IsNoop() {
		logging.Info(ctx, "Operation collapsed to noop during transform",
			zap.String("roomId", string(roomID)),
			zap.String("authorId", string(op.AuthorID)))
	}
	return transformed, nil
}

// transformCached memoizes transformPair results. A transform rewrites kind,
// position, length and, for replaces, the original span length; the cache
// stores exactly those fields so a warm hit reproduces the cold result.
func (e *Engine) transformCached(roomID types.RoomIDType, op1, op2 types.TextOperation) types.TextOperation {
	key := cacheKey(roomID, op1, op2)
	if hit, ok := e.cache[key]; ok {
		op1.Kind = hit.kind
		op1.Position = hit.position
		op1.Length = hit.length
		op1.OriginalLength = hit.originalLength
		if op1.Kind == types.OpNoop {
			op1.Text = ""
		}
		return op1
	}

	out := transformPair(op1, op2)
	if len(e.cache) >= maxCacheEntries {
		// Full reset is cheaper than tracking recency for a memo cache.
		e.cache = make(map[string]cachedTransform)
	}
	e.cache[key] = cachedTransform{
		kind:           out.Kind,
		position:       out.Position,
		length:         out.Length,
		originalLength: out.OriginalLength,
	}
	return out
}

func cacheKey(roomID types.RoomIDType, op1, op2 types.TextOperation) string {
	var b strings.Builder
	b.WriteString(string(roomID))
	writeShape(&b, op1)
	writeShape(&b, op2)
	return b.String()
}

func writeShape(b *strings.Builder, op types.TextOperation) {
	fmt.Fprintf(b, "|%s:%d:%d:%d:%d:%s", op.Kind, op.Position, len(op.Text), op.Length, op.OriginalLength, op.AuthorID)
}

// TransformAnnotation rewrites an annotation's offsets against operations
// recorded after the annotation was last touched, bounded to the last
// annotationWindowOps operations within annotationWindowAge.
func (e *Engine) TransformAnnotation(roomID types.RoomIDType, ann types.Annotation) types.Annotation {
	e.mu.Lock()
	defer e.mu.Unlock()

	rl := e.rooms[roomID]
	if rl == nil || len(rl.ops) == 0 {
		return ann
	}

	ops := rl.ops
	if len(ops) > annotationWindowOps {
		ops = ops[len(ops)-annotationWindowOps:]
	}

	cutoff := time.Now().Add(-annotationWindowAge)
	since := ann.UpdatedAt
	if since.IsZero() {
		since = ann.CreatedAt
	}

	out := ann
	for _, op := range ops {
		if op.Timestamp.Before(cutoff) {
			continue
		}
		if !since.IsZero() && !op.Timestamp.After(since) {
			continue
		}
		if op.TextID != ann.TextID {
			continue
		}
		out.StartOffset, out.EndOffset = AdjustSpan(out.StartOffset, out.EndOffset, op)
	}
	return out
}

// AdjustSpan rewrites a [start, end) span for an operation that already
// applied to the document. Spans never invert: end is floored at start.
func AdjustSpan(start, end int, op types.TextOperation) (int, int) {
	switch op.Kind {
	case types.OpInsert:
		l := len(op.Text)
		if op.Position <= start {
			return start + l, end + l
		}
		if op.Position < end {
			return start, end + l
		}
		return start, end

	case types.OpDelete:
		p, d := op.Position, op.Length
		if p >= end {
			return start, end
		}
		// Shrink end by the deleted characters that precede it.
		newEnd := end - minInt(d, end-p)
		newStart := start
		switch {
		case p+d <= start:
			newStart = start - d
		case p < start:
			newStart = p
		}
		if newEnd < newStart {
			newEnd = newStart
		}
		return newStart, newEnd

	case types.OpReplace:
		del := op
		del.Kind = types.OpDelete
		del.Length = op.OriginalLength
		start, end = AdjustSpan(start, end, del)
		ins := op
		ins.Kind = types.OpInsert
		return AdjustSpan(start, end, ins)
	}
	return start, end
}

// AdjustPosition rewrites a single caret position for an applied operation.
func AdjustPosition(pos int, op types.TextOperation) int {
	switch op.Kind {
	case types.OpInsert:
		if op.Position <= pos {
			return pos + len(op.Text)
		}
		return pos

	case types.OpDelete:
		p, d := op.Position, op.Length
		switch {
		case p+d <= pos:
			return pos - d
		case p <= pos:
			return p
		}
		return pos

	case types.OpReplace:
		del := op
		del.Kind = types.OpDelete
		del.Length = op.OriginalLength
		ins := op
		ins.Kind = types.OpInsert
		return AdjustPosition(AdjustPosition(pos, del), ins)
	}
	return pos
}

// RoomVector returns a copy of the room's server-side state vector.
func (e *Engine) RoomVector(roomID types.RoomIDType) types.StateVector {
	e.mu.Lock()
	defer e.mu.Unlock()
	rl := e.rooms[roomID]
	if rl == nil {
		return types.StateVector{}
	}
	return rl.vector.Clone()
}

// RecentOps returns a copy of the room's recorded operation log, newest last.
func (e *Engine) RecentOps(roomID types.RoomIDType) []types.TextOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	rl := e.rooms[roomID]
	if rl == nil {
		return nil
	}
	return append([]types.TextOperation(nil), rl.ops...)
}

// RemoveRoom drops the operation log and cached transforms for a room.
func (e *Engine) RemoveRoom(roomID types.RoomIDType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, roomID)
	prefix := string(roomID) + "|"
	for k := range e.cache {
		if strings.HasPrefix(k, prefix) {
			delete(e.cache, k)
		}
	}
}
