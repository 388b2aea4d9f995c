package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const (
	sweepInterval = 30 * time.Second
	idleThreshold = 30 * time.Minute
)

// CleanupHook is called when a room is destroyed so sibling components can
// drop their per-room state.
type CleanupHook func(roomID types.RoomIDType)

// mirrorInfo is the room metadata shape mirrored into the cluster store.
type mirrorInfo struct {
	ID        types.RoomIDType `json:"id"`
	ProjectID string           `json:"projectId"`
	TextID    types.TextIDType `json:"textId,omitempty"`
	NodeID    string           `json:"nodeId,omitempty"`
	Members   int              `json:"members"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Manager owns all rooms on this node.
type Manager struct {
	mu    sync.Mutex
	rooms map[types.RoomIDType]*Room

	bus      *bus.Service
	roomSalt string
	hooks    []CleanupHook

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a room manager. The bus may be nil in single-instance
// mode.
func NewManager(clusterBus *bus.Service, roomSalt string) *Manager {
	return &Manager{
		rooms:    make(map[types.RoomIDType]*Room),
		bus:      clusterBus,
		roomSalt: roomSalt,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnCleanup registers a hook invoked whenever a room is destroyed.
func (m *Manager) OnCleanup(hook CleanupHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// RoomID derives the canonical id for a project/text pair using this
// manager's salt.
func (m *Manager) RoomID(projectID string, textID types.TextIDType) types.RoomIDType {
	return MakeRoomID(projectID, textID, m.roomSalt)
}

// Run sweeps idle and empty rooms until Stop is called.
func (m *Manager) Run() {
	defer close(m.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(context.Background())
		}
	}
}

// Stop terminates the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Join adds a client to the room for the project/text pair, creating the
// room on first join.
func (m *Manager) Join(ctx context.Context, projectID string, textID types.TextIDType, client types.ClientInterface) (*Room, error) {
	roomID := m.RoomID(projectID, textID)

	m.mu.Lock()
	r := m.rooms[roomID]
	created := false
	if r == nil {
		r = newRoom(roomID, projectID, textID)
		m.rooms[roomID] = r
		created = true
	}
	m.mu.Unlock()

	if err := r.add(client); err != nil {
		return nil, err
	}

	if created {
		metrics.ActiveRooms.Inc()
		logging.Info(ctx, "Room created",
			zap.String("roomId", string(roomID)),
			zap.String("projectId", projectID))
	}
	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(r.MemberCount()))

	m.mirror(ctx, r)
	if m.bus != nil {
		if err := m.bus.AddUserToRoom(ctx, string(roomID), string(client.GetUserID())); err != nil {
			logging.Warn(ctx, "Failed to mirror room membership", zap.Error(err))
		}
	}
	return r, nil
}

// Leave removes a session from a room. It reports whether this was the
// user's last session in the room.
func (m *Manager) Leave(ctx context.Context, roomID types.RoomIDType, sessionID types.SessionIDType, userID types.UserIDType) bool {
	m.mu.Lock()
	r := m.rooms[roomID]
	m.mu.Unlock()
	if r == nil {
		return false
	}

	lastSession, _ := r.remove(sessionID, userID)
	metrics.RoomMembers.WithLabelValues(string(roomID)).Set(float64(r.MemberCount()))

	if lastSession && m.bus != nil {
		if err := m.bus.RemoveUserFromRoom(ctx, string(roomID), string(userID)); err != nil {
			logging.Warn(ctx, "Failed to mirror room departure", zap.Error(err))
		}
	}
	// An emptied room lingers until the idle sweep reclaims it, so its
	// annotation cache and operation log survive brief disconnects.
	m.mirror(ctx, r)
	return lastSession
}

// Get returns the room with the given id, if present on this node.
func (m *Manager) Get(roomID types.RoomIDType) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// List returns a snapshot of all rooms on this node.
func (m *Manager) List() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// Broadcast fans an event out to the local room and publishes it for other
// nodes hosting the same room.
func (m *Manager) Broadcast(ctx context.Context, roomID types.RoomIDType, event string, payload any, excludeSession types.SessionIDType) {
	if r, ok := m.Get(roomID); ok {
		r.Broadcast(event, payload, excludeSession)
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, bus.RoomChannel(string(roomID)), event, payload, string(excludeSession)); err != nil {
			logging.Warn(ctx, "Cross-node room broadcast failed",
				zap.String("roomId", string(roomID)), zap.Error(err))
		}
	}
}

// BroadcastExcludeUser is Broadcast with a user-level exclusion, used when
// the origin user may hold several sessions.
func (m *Manager) BroadcastExcludeUser(ctx context.Context, roomID types.RoomIDType, event string, payload any, exclude types.UserIDType) {
	if r, ok := m.Get(roomID); ok {
		r.BroadcastExcludeUser(event, payload, exclude)
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, bus.RoomChannel(string(roomID)), event, payload, string(exclude)); err != nil {
			logging.Warn(ctx, "Cross-node room broadcast failed",
				zap.String("roomId", string(roomID)), zap.Error(err))
		}
	}
}

// SendToUser delivers an event to one user's sessions in a room, falling
// back to the user's cluster channel when they are not on this node.
func (m *Manager) SendToUser(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType, event string, payload any) bool {
	if r, ok := m.Get(roomID); ok && r.SendToUser(userID, event, payload) {
		return true
	}
	if m.bus != nil {
		if err := m.bus.Publish(ctx, bus.UserChannel(string(userID)), event, payload, ""); err == nil {
			return true
		}
	}
	return false
}

// StartClusterFanout subscribes to room and user channels and replays
// cross-node events into local rooms. No-op in single-instance mode.
func (m *Manager) StartClusterFanout(ctx context.Context, wg *sync.WaitGroup) {
	if m.bus == nil {
		return
	}

	m.bus.Subscribe(ctx, "collab:room:*", wg, func(channel string, env bus.Envelope) {
		roomID := types.RoomIDType(channel[len("collab:room:"):])
		r, ok := m.Get(roomID)
		if !ok {
			return
		}
		var payload json.RawMessage = env.Payload
		if env.SenderID != "" {
			r.Broadcast(env.Event, payload, types.SessionIDType(env.SenderID))
			return
		}
		r.Broadcast(env.Event, payload, "")
	})

	m.bus.Subscribe(ctx, "collab:user:*", wg, func(channel string, env bus.Envelope) {
		userID := types.UserIDType(channel[len("collab:user:"):])
		var payload json.RawMessage = env.Payload
		m.mu.Lock()
		rooms := make([]*Room, 0, len(m.rooms))
		for _, r := range m.rooms {
			rooms = append(rooms, r)
		}
		m.mu.Unlock()
		for _, r := range rooms {
			if r.SendToUser(userID, env.Event, payload) {
				return
			}
		}
	})
}

// TotalStats aggregates counters across all local rooms.
func (m *Manager) TotalStats() (rooms int, users int, messages int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		rooms++
		users += r.MemberCount()
		messages += r.Stats().MessageCount
	}
	return rooms, users, messages
}

// sweep destroys rooms that have sat empty past the idle threshold. Rooms
// with members are never swept, however quiet.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-idleThreshold)

	m.mu.Lock()
	var victims []types.RoomIDType
	for roomID, r := range m.rooms {
		if r.MemberCount() == 0 && r.idleSince().Before(cutoff) {
			victims = append(victims, roomID)
		}
	}
	m.mu.Unlock()

	for _, roomID := range victims {
		m.destroy(ctx, roomID)
	}
}

// destroy removes a room, disconnecting any stragglers, and runs cleanup
// hooks.
func (m *Manager) destroy(ctx context.Context, roomID types.RoomIDType) {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	hooks := append([]CleanupHook(nil), m.hooks...)
	m.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	stragglers := make([]types.ClientInterface, 0, len(r.clients))
	for _, client := range r.clients {
		stragglers = append(stragglers, client)
	}
	r.clients = make(map[types.SessionIDType]types.ClientInterface)
	r.sessionsOf = make(map[types.UserIDType]set.Set[string])
	r.mu.Unlock()
	for _, client := range stragglers {
		client.SendError(types.CodeRoomError, "room closed", map[string]any{"roomId": roomID})
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(roomID))

	if m.bus != nil {
		if err := m.bus.DeleteRoom(ctx, string(roomID)); err != nil {
			logging.Warn(ctx, "Failed to clear mirrored room", zap.Error(err))
		}
	}
	for _, hook := range hooks {
		hook(roomID)
	}
	logging.Info(ctx, "Room destroyed", zap.String("roomId", string(roomID)))
}

func (m *Manager) mirror(ctx context.Context, r *Room) {
	if m.bus == nil {
		return
	}
	info := mirrorInfo{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		TextID:    r.TextID,
		NodeID:    m.bus.NodeID(),
		Members:   r.MemberCount(),
		UpdatedAt: time.Now(),
	}
	if err := m.bus.SetRoom(ctx, string(r.ID), info); err != nil {
		logging.Warn(ctx, "Failed to mirror room metadata", zap.Error(err))
	}
}
