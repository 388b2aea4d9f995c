// Package cursor tracks live cursor positions and selections per room,
// coalescing rapid updates and rewriting positions when the text changes.
package cursor

import (
	"context"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/ot"
	"github.com/annolab/collab-server/internal/v1/types"
)

const (
	// coalesceWindow batches rapid cursor updates into one broadcast.
	coalesceWindow = 100 * time.Millisecond

	// staleAfter is how long an untouched cursor survives before the sweep
	// removes it.
	staleAfter    = 5 * time.Minute
	sweepInterval = 60 * time.Second
)

// palette is the fixed set of cursor colors, assigned deterministically on a
// user's first cursor update in a room.
var palette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#008080",
}

// BroadcastFunc fans a cursor event out to the room, excluding the owner.
type BroadcastFunc func(ctx context.Context, roomID types.RoomIDType, event string, payload any, exclude types.UserIDType)

type roomCursors struct {
	byUser     map[types.UserIDType]*types.CursorState
	colorIndex map[types.UserIDType]int
	nextColor  int

	// The coalescing window is scoped per user: one user's burst never
	// delays another user's updates.
	pending  map[types.UserIDType]*types.CursorState
	flushers map[types.UserIDType]*time.Timer
}

// Tracker maintains per-room cursor state.
type Tracker struct {
	mu        sync.Mutex
	rooms     map[types.RoomIDType]*roomCursors
	broadcast BroadcastFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a cursor tracker. Start the stale sweep with Run.
func NewTracker(broadcast BroadcastFunc) *Tracker {
	return &Tracker{
		rooms:     make(map[types.RoomIDType]*roomCursors),
		broadcast: broadcast,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run sweeps stale cursors until Stop is called.
func (t *Tracker) Run() {
	defer close(t.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(context.Background())
		}
	}
}

// Stop terminates the sweep loop and any pending flush timers.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done

	t.mu.Lock()
	for _, rc := range t.rooms {
		for userID, timer := range rc.flushers {
			timer.Stop()
			delete(rc.flushers, userID)
		}
	}
	t.mu.Unlock()
}

// UpdateCursor records a cursor position. The first update inside the
// coalescing window broadcasts immediately; later ones are batched into a
// single trailing broadcast.
func (t *Tracker) UpdateCursor(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, textID types.TextIDType, position int) *types.CursorState {
	if position < 0 {
		position = 0
	}

	t.mu.Lock()
	rc := t.room(roomID)
	state, ok := rc.byUser[userID]
	if !ok {
		state = &types.CursorState{UserID: userID, Color: t.colorFor(rc, userID)}
		rc.byUser[userID] = state
	}
	state.TextID = textID
	state.Position = position
	state.UpdatedAt = time.Now()
	snapshot := *state

	if rc.flushers[userID] != nil {
		// Inside this user's window: fold into their pending update.
		rc.pending[userID] = &snapshot
		t.mu.Unlock()
		return &snapshot
	}
	rc.flushers[userID] = time.AfterFunc(coalesceWindow, func() { t.flush(roomID, userID) })
	t.mu.Unlock()

	t.emit(ctx, roomID, types.EventCursorUpdate, snapshot, userID)
	return &snapshot
}

// UpdateSelection records a text selection alongside the cursor.
func (t *Tracker) UpdateSelection(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, textID types.TextIDType, sel types.Selection) (*types.CursorState, bool) {
	if !sel.Valid() {
		return nil, false
	}

	t.mu.Lock()
	rc := t.room(roomID)
	state, ok := rc.byUser[userID]
	if !ok {
		state = &types.CursorState{UserID: userID, Color: t.colorFor(rc, userID)}
		rc.byUser[userID] = state
	}
	state.TextID = textID
	state.Position = sel.End
	state.Selection = &types.Selection{Start: sel.Start, End: sel.End}
	state.UpdatedAt = time.Now()
	snapshot := *state
	t.mu.Unlock()

	t.emit(ctx, roomID, types.EventSelectionUpdate, snapshot, userID)
	return &snapshot, true
}

// RemoveCursor drops a user's cursor and tells the room.
func (t *Tracker) RemoveCursor(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) {
	t.mu.Lock()
	rc := t.rooms[roomID]
	if rc == nil {
		t.mu.Unlock()
		return
	}
	_, ok := rc.byUser[userID]
	delete(rc.byUser, userID)
	delete(rc.pending, userID)
	if timer := rc.flushers[userID]; timer != nil {
		timer.Stop()
		delete(rc.flushers, userID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.emit(ctx, roomID, types.EventCursorRemoved, map[string]any{"userId": userID}, userID)
}

// AdjustForTextChange rewrites every cursor in the room for an applied text
// operation and rebroadcasts the full adjusted set once.
func (t *Tracker) AdjustForTextChange(ctx context.Context, roomID types.RoomIDType, op types.TextOperation) []types.CursorState {
	t.mu.Lock()
	rc := t.rooms[roomID]
	if rc == nil {
		t.mu.Unlock()
		return nil
	}

	adjusted := make([]types.CursorState, 0, len(rc.byUser))
	for _, state := range rc.byUser {
		if state.TextID != op.TextID {
			continue
		}
		state.Position = ot.AdjustPosition(state.Position, op)
		if state.Selection != nil {
			start, end := ot.AdjustSpan(state.Selection.Start, state.Selection.End, op)
			if start == end {
				state.Selection = nil
			} else {
				state.Selection = &types.Selection{Start: start, End: end}
			}
		}
		adjusted = append(adjusted, *state)
	}
	t.mu.Unlock()

	if len(adjusted) == 0 {
		return nil
	}
	t.emit(ctx, roomID, types.EventCursorsAdjusted, map[string]any{
		"textId":  op.TextID,
		"cursors": adjusted,
	}, op.AuthorID)
	return adjusted
}

// RoomCursors returns a copy of every cursor in the room.
func (t *Tracker) RoomCursors(roomID types.RoomIDType) []types.CursorState {
	t.mu.Lock()
	defer t.mu.Unlock()
	rc := t.rooms[roomID]
	if rc == nil {
		return nil
	}
	out := make([]types.CursorState, 0, len(rc.byUser))
	for _, state := range rc.byUser {
		out = append(out, *state)
	}
	return out
}

// RemoveRoom drops all cursor state for a room.
func (t *Tracker) RemoveRoom(roomID types.RoomIDType) {
	t.mu.Lock()
	if rc := t.rooms[roomID]; rc != nil {
		for _, timer := range rc.flushers {
			timer.Stop()
		}
	}
	delete(t.rooms, roomID)
	t.mu.Unlock()
}

// flush sends one user's trailing coalesced update and closes their window.
func (t *Tracker) flush(roomID types.RoomIDType, userID types.UserIDType) {
	t.mu.Lock()
	rc := t.rooms[roomID]
	if rc == nil {
		t.mu.Unlock()
		return
	}
	state := rc.pending[userID]
	delete(rc.pending, userID)
	delete(rc.flushers, userID)
	t.mu.Unlock()

	if state == nil {
		return
	}
	t.emit(context.Background(), roomID, types.EventCursorUpdate, *state, userID)
}

func (t *Tracker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-staleAfter)

	type removal struct {
		roomID types.RoomIDType
		userID types.UserIDType
	}
	var stale []removal

	t.mu.Lock()
	for roomID, rc := range t.rooms {
		for userID, state := range rc.byUser {
			if state.UpdatedAt.Before(cutoff) {
				delete(rc.byUser, userID)
				delete(rc.pending, userID)
				if timer := rc.flushers[userID]; timer != nil {
					timer.Stop()
					delete(rc.flushers, userID)
				}
				stale = append(stale, removal{roomID, userID})
			}
		}
		// Rooms whose last cursor went stale are dropped entirely.
		if len(rc.byUser) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	for _, r := range stale {
		t.emit(ctx, r.roomID, types.EventCursorRemoved, map[string]any{"userId": r.userID}, r.userID)
	}
}

func (t *Tracker) room(roomID types.RoomIDType) *roomCursors {
	rc := t.rooms[roomID]
	if rc == nil {
		rc = &roomCursors{
			byUser:     make(map[types.UserIDType]*types.CursorState),
			colorIndex: make(map[types.UserIDType]int),
			pending:    make(map[types.UserIDType]*types.CursorState),
			flushers:   make(map[types.UserIDType]*time.Timer),
		}
		t.rooms[roomID] = rc
	}
	return rc
}

// colorFor deterministically assigns the next palette color on first touch.
func (t *Tracker) colorFor(rc *roomCursors, userID types.UserIDType) string {
	idx, ok := rc.colorIndex[userID]
	if !ok {
		idx = rc.nextColor % len(palette)
		rc.colorIndex[userID] = idx
		rc.nextColor++
	}
	return palette[idx]
}

func (t *Tracker) emit(ctx context.Context, roomID types.RoomIDType, event string, payload any, exclude types.UserIDType) {
	if t.broadcast == nil {
		return
	}
	t.broadcast(ctx, roomID, event, payload, exclude)
}
