// Package presence tracks who is active in each room, classifies their
// activity, and ages online users into idle and away states.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/types"
	"go.uber.org/zap"
)

const (
	idleAfter = 5 * time.Minute
	awayAfter = 15 * time.Minute

	// evalInterval is how often recorded statuses are re-derived from
	// last-activity timestamps.
	evalInterval = 30 * time.Second
)

// Update throttles per activity kind. Updates arriving inside the window
// refresh the activity timestamp but are not re-broadcast.
var throttleFor = map[types.ActivityKind]time.Duration{
	types.ActivityCursorMove: 100 * time.Millisecond,
	types.ActivityTextSelect: 200 * time.Millisecond,
	types.ActivityAnnotating: 1 * time.Second,
	types.ActivityViewing:    5 * time.Second,
}

// BroadcastFunc fans a presence event out to every member of a room.
type BroadcastFunc func(ctx context.Context, roomID types.RoomIDType, event string, payload any)

// Tracker maintains per-(room, user) presence records.
type Tracker struct {
	mu        sync.Mutex
	rooms     map[types.RoomIDType]map[types.UserIDType]*types.PresenceRecord
	lastSent  map[string]time.Time
	broadcast BroadcastFunc
	bus       *bus.Service

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a presence tracker. The bus may be nil in
// single-instance mode. Start the aging loop with Run.
func NewTracker(broadcast BroadcastFunc, clusterBus *bus.Service) *Tracker {
	return &Tracker{
		rooms:     make(map[types.RoomIDType]map[types.UserIDType]*types.PresenceRecord),
		lastSent:  make(map[string]time.Time),
		broadcast: broadcast,
		bus:       clusterBus,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run ages presence records until Stop is called.
func (t *Tracker) Run() {
	defer close(t.done)
	ticker := time.NewTicker(evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.evaluate(context.Background())
		}
	}
}

// Stop terminates the aging loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// UserJoined records a fresh online presence and announces it to the room.
func (t *Tracker) UserJoined(ctx context.Context, roomID types.RoomIDType, user types.User, sessionID types.SessionIDType, device string) *types.PresenceRecord {
	now := time.Now()
	rec := &types.PresenceRecord{
		UserID:       user.ID,
		SessionID:    sessionID,
		DisplayName:  user.DisplayName,
		Status:       types.PresenceOnline,
		JoinedAt:     now,
		LastActivity: now,
		Device:       device,
		Activity:     types.ActivityFlags{Viewing: true},
	}

	t.mu.Lock()
	byUser := t.rooms[roomID]
	if byUser == nil {
		byUser = make(map[types.UserIDType]*types.PresenceRecord)
		t.rooms[roomID] = byUser
	}
	byUser[user.ID] = rec
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, roomID, snapshot)
	t.emit(ctx, roomID, snapshot)
	return &snapshot
}

// UserLeft removes the presence record and announces an offline update.
func (t *Tracker) UserLeft(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) {
	t.mu.Lock()
	byUser := t.rooms[roomID]
	rec, ok := byUser[userID]
	if ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	if t.bus != nil {
		if err := t.bus.DeletePresence(ctx, string(roomID), string(userID)); err != nil {
			logging.Warn(ctx, "Failed to clear mirrored presence", zap.Error(err))
		}
	}

	offline := *rec
	offline.Status = types.PresenceOffline
	t.emit(ctx, roomID, offline)
}

// UpdateActivity records an activity signal, throttled per kind. Returns the
// updated record when the update was broadcast, nil when absorbed.
func (t *Tracker) UpdateActivity(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, kind types.ActivityKind, flags types.ActivityFlags) *types.PresenceRecord {
	now := time.Now()

	t.mu.Lock()
	rec, ok := t.rooms[roomID][userID]
	if !ok {
		t.mu.Unlock()
		return nil
	}

	rec.LastActivity = now
	rec.Activity = flags
	switch kind {
	case types.ActivityIdle:
		rec.Status = types.PresenceIdle
	case types.ActivityAway:
		rec.Status = types.PresenceAway
	default:
		rec.Status = types.PresenceOnline
	}

	key := string(roomID) + "|" + string(userID) + "|" + string(kind)
	if window, throttled := throttleFor[kind]; throttled {
		if last, seen := t.lastSent[key]; seen && now.Sub(last) < window {
			t.mu.Unlock()
			return nil
		}
	}
	t.lastSent[key] = now
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, roomID, snapshot)
	t.emit(ctx, roomID, snapshot)
	return &snapshot
}

// SetStatus forces a status for a user, e.g. an explicit away toggle.
func (t *Tracker) SetStatus(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, status types.PresenceStatus) {
	t.mu.Lock()
	rec, ok := t.rooms[roomID][userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.Status = status
	snapshot := *rec
	t.mu.Unlock()

	t.mirror(ctx, roomID, snapshot)
	t.emit(ctx, roomID, snapshot)
}

// RoomPresence returns a copy of every presence record in the room.
func (t *Tracker) RoomPresence(roomID types.RoomIDType) []types.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	byUser := t.rooms[roomID]
	out := make([]types.PresenceRecord, 0, len(byUser))
	for _, rec := range byUser {
		out = append(out, *rec)
	}
	return out
}

// GlobalStatus aggregates a user's status across rooms: the most available
// state wins (online > idle > away > offline).
func (t *Tracker) GlobalStatus(userID types.UserIDType) types.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	best := types.PresenceOffline
	for _, byUser := range t.rooms {
		rec, ok := byUser[userID]
		if !ok {
			continue
		}
		if statusRank(rec.Status) > statusRank(best) {
			best = rec.Status
		}
	}
	return best
}

// evaluate re-derives statuses from last-activity age and broadcasts any
// transitions.
func (t *Tracker) evaluate(ctx context.Context) {
	now := time.Now()

	var changed []struct {
		roomID types.RoomIDType
		rec    types.PresenceRecord
	}

	t.mu.Lock()
	for roomID, byUser := range t.rooms {
		for _, rec := range byUser {
			idle := now.Sub(rec.LastActivity)
			next := rec.Status
			switch {
			case idle > awayAfter:
				next = types.PresenceAway
			case idle > idleAfter:
				next = types.PresenceIdle
			default:
				next = types.PresenceOnline
			}
			if next != rec.Status {
				rec.Status = next
				changed = append(changed, struct {
					roomID types.RoomIDType
					rec    types.PresenceRecord
				}{roomID, *rec})
			}
		}
	}
	t.mu.Unlock()

	for _, c := range changed {
		t.mirror(ctx, c.roomID, c.rec)
		t.emit(ctx, c.roomID, c.rec)
	}
}

func (t *Tracker) emit(ctx context.Context, roomID types.RoomIDType, rec types.PresenceRecord) {
	if t.broadcast == nil {
		return
	}
	t.broadcast(ctx, roomID, types.EventPresenceUpdate, rec)
}

func (t *Tracker) mirror(ctx context.Context, roomID types.RoomIDType, rec types.PresenceRecord) {
	if t.bus == nil {
		return
	}
	if err := t.bus.SetPresence(ctx, string(roomID), string(rec.UserID), rec); err != nil {
		logging.Warn(ctx, "Failed to mirror presence", zap.String("roomId", string(roomID)), zap.Error(err))
	}
}

func statusRank(s types.PresenceStatus) int {
	switch s {
	case types.PresenceOnline:
		return 3
	case types.PresenceIdle:
		return 2
	case types.PresenceAway:
		return 1
	}
	return 0
}
