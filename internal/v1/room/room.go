// Package room manages collaboration rooms: membership, capacity, broadcast
// fan-out, idle cleanup, and cross-node mirroring through the cluster bus.
package room

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/types"
	"k8s.io/utils/set"
)

// maxOccupancy is the hard per-room member limit.
const maxOccupancy = 50

// ErrRoomFull is returned when a join would exceed room capacity.
var ErrRoomFull = errors.New("room is at capacity")

// MakeRoomID derives the canonical room id from project and optional text.
// The same inputs always produce the same id on every node. With a salt the
// id is keyed-hashed so room names leak nothing about project structure.
func MakeRoomID(projectID string, textID types.TextIDType, salt string) types.RoomIDType {
	plain := "project:" + projectID
	if textID != "" {
		plain += ":text:" + string(textID)
	}
	if salt == "" {
		return types.RoomIDType(plain)
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(plain))
	return types.RoomIDType("r:" + hex.EncodeToString(mac.Sum(nil)))
}

// Stats counts room lifetime activity.
type Stats struct {
	TotalJoins   int64 `json:"totalJoins"`
	PeakUsers    int   `json:"peakUsers"`
	MessageCount int64 `json:"messageCount"`
}

// Room is one collaboration space shared by the sessions viewing a project
// or text. All mutation happens under the room mutex.
type Room struct {
	ID        types.RoomIDType
	ProjectID string
	TextID    types.TextIDType

	mu           sync.Mutex
	clients      map[types.SessionIDType]types.ClientInterface
	sessionsOf   map[types.UserIDType]set.Set[string]
	createdAt    time.Time
	lastActivity time.Time
	stats        Stats

	// sendMu serializes fan-out loops so concurrent broadcasts reach every
	// recipient in the same order. Client sends never block, so holding it
	// across a loop is cheap.
	sendMu sync.Mutex
}

func newRoom(id types.RoomIDType, projectID string, textID types.TextIDType) *Room {
	now := time.Now()
	return &Room{
		ID:           id,
		ProjectID:    projectID,
		TextID:       textID,
		clients:      make(map[types.SessionIDType]types.ClientInterface),
		sessionsOf:   make(map[types.UserIDType]set.Set[string]),
		createdAt:    now,
		lastActivity: now,
	}
}

// add registers a client. Capacity counts distinct users, so a second tab of
// a present user always fits.
func (r *Room) add(client types.ClientInterface) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID := client.GetUserID()
	if _, present := r.sessionsOf[userID]; !present && len(r.sessionsOf) >= maxOccupancy {
		return ErrRoomFull
	}

	r.clients[client.GetSessionID()] = client
	sessions := r.sessionsOf[userID]
	if sessions == nil {
		sessions = set.New[string]()
		r.sessionsOf[userID] = sessions
	}
	sessions.Insert(string(client.GetSessionID()))

	r.stats.TotalJoins++
	if n := len(r.sessionsOf); n > r.stats.PeakUsers {
		r.stats.PeakUsers = n
	}
	r.lastActivity = time.Now()
	return nil
}

// remove unregisters a session. It reports whether this was the user's last
// session and whether the room is now empty.
func (r *Room) remove(sessionID types.SessionIDType, userID types.UserIDType) (lastSession, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, sessionID)
	if sessions := r.sessionsOf[userID]; sessions != nil {
		sessions.Delete(string(sessionID))
		if sessions.Len() == 0 {
			delete(r.sessionsOf, userID)
			lastSession = true
		}
	}
	r.lastActivity = time.Now()
	return lastSession, len(r.clients) == 0
}

// Broadcast sends an event to every client except the excluded session.
func (r *Room) Broadcast(event string, payload any, exclude types.SessionIDType) int {
	r.mu.Lock()
	targets := make([]types.ClientInterface, 0, len(r.clients))
	for sessionID, client := range r.clients {
		if sessionID == exclude {
			continue
		}
		targets = append(targets, client)
	}
	r.stats.MessageCount++
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.sendMu.Lock()
	for _, client := range targets {
		client.Send(event, payload)
	}
	r.sendMu.Unlock()
	return len(targets)
}

// BroadcastExcludeUser sends an event to every client not owned by the user.
func (r *Room) BroadcastExcludeUser(event string, payload any, exclude types.UserIDType) int {
	r.mu.Lock()
	targets := make([]types.ClientInterface, 0, len(r.clients))
	for _, client := range r.clients {
		if client.GetUserID() == exclude {
			continue
		}
		targets = append(targets, client)
	}
	r.stats.MessageCount++
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.sendMu.Lock()
	for _, client := range targets {
		client.Send(event, payload)
	}
	r.sendMu.Unlock()
	return len(targets)
}

// SendToUser delivers an event to every session of one user in this room.
func (r *Room) SendToUser(userID types.UserIDType, event string, payload any) bool {
	r.mu.Lock()
	var targets []types.ClientInterface
	for _, client := range r.clients {
		if client.GetUserID() == userID {
			targets = append(targets, client)
		}
	}
	r.mu.Unlock()

	r.sendMu.Lock()
	for _, client := range targets {
		client.Send(event, payload)
	}
	r.sendMu.Unlock()
	return len(targets) > 0
}

// Users returns the distinct users currently in the room.
func (r *Room) Users() []types.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[types.UserIDType]bool, len(r.sessionsOf))
	out := make([]types.User, 0, len(r.sessionsOf))
	for _, client := range r.clients {
		id := client.GetUserID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, client.GetUser())
	}
	return out
}

// HasUser reports whether the user has any live session in the room.
func (r *Room) HasUser(userID types.UserIDType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessionsOf[userID]
	return ok
}

// MemberCount returns the number of distinct users in the room.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessionsOf)
}

// Stats returns a snapshot of the room's counters.
func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// idleSince reports the last activity timestamp.
func (r *Room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}
