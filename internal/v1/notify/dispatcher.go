// Package notify renders notification templates and dispatches them to online
// users directly or into the durable queue for offline ones.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

const (
	historyLimit = 500
	historyAge   = 7 * 24 * time.Hour
)

// Template declares how one notification type renders. Placeholders in
// braces, e.g. {userName}, are interpolated from the data map.
type Template struct {
	Title    string
	Message  string
	Icon     string
	Priority types.MessagePriority
	Category string
}

// Built-in notification templates by type.
var templates = map[string]Template{
	"annotation-created": {
		Title:    "New annotation",
		Message:  "{userName} annotated \"{text}\"",
		Icon:     "annotation",
		Priority: types.PriorityNormal,
		Category: "annotations",
	},
	"annotation-conflict": {
		Title:    "Annotation conflict",
		Message:  "Your annotation conflicts with one by {userName}",
		Icon:     "warning",
		Priority: types.PriorityHigh,
		Category: "conflicts",
	},
	"comment-created": {
		Title:    "New comment",
		Message:  "{userName} commented: {comment}",
		Icon:     "comment",
		Priority: types.PriorityNormal,
		Category: "comments",
	},
	"user-joined": {
		Title:    "User joined",
		Message:  "{userName} joined the project",
		Icon:     "user",
		Priority: types.PriorityLow,
		Category: "presence",
	},
	"mention": {
		Title:    "You were mentioned",
		Message:  "{userName} mentioned you in {context}",
		Icon:     "mention",
		Priority: types.PriorityHigh,
		Category: "mentions",
	},
	"review-requested": {
		Title:    "Review requested",
		Message:  "{userName} requested your review on an annotation",
		Icon:     "review",
		Priority: types.PriorityHigh,
		Category: "reviews",
	},
}

// Notification is a rendered, addressable notification.
type Notification struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Icon      string                `json:"icon,omitempty"`
	Category  string                `json:"category,omitempty"`
	Priority  types.MessagePriority `json:"priority"`
	RoomID    types.RoomIDType      `json:"roomId,omitempty"`
	SenderID  types.UserIDType      `json:"senderId,omitempty"`
	Data      map[string]string     `json:"data,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
	Read      bool                  `json:"read"`
}

// SendFunc delivers an event to one user's live sessions. It reports whether
// at least one session received it.
type SendFunc func(ctx context.Context, userID types.UserIDType, event string, payload any) bool

// Dispatcher routes notifications and keeps per-user history and
// subscription state.
type Dispatcher struct {
	queues *queue.Manager
	send   SendFunc

	mu       sync.Mutex
	history  map[types.UserIDType][]*Notification
	roomHist map[types.RoomIDType][]*Notification
	// subs holds explicit subscription choices; absent users receive
	// everything. "all" and "none" short-circuit.
	subs map[types.UserIDType]set.Set[string]
}

// NewDispatcher creates a dispatcher backed by the durable queue manager.
func NewDispatcher(queues *queue.Manager, send SendFunc) *Dispatcher {
	return &Dispatcher{
		queues:   queues,
		send:     send,
		history:  make(map[types.UserIDType][]*Notification),
		roomHist: make(map[types.RoomIDType][]*Notification),
		subs:     make(map[types.UserIDType]set.Set[string]),
	}
}

// Render builds a notification from a registered template. Unknown types
// render with the raw type as title so a new client event never vanishes.
func Render(notifType string, roomID types.RoomIDType, senderID types.UserIDType, data map[string]string) Notification {
	tpl, ok := templates[notifType]
	if !ok {
		tpl = Template{Title: notifType, Message: notifType, Priority: types.PriorityNormal, Category: "general"}
	}
	return Notification{
		ID:        uuid.New().String(),
		Type:      notifType,
		Title:     interpolate(tpl.Title, data),
		Message:   interpolate(tpl.Message, data),
		Icon:      tpl.Icon,
		Category:  tpl.Category,
		Priority:  tpl.Priority,
		RoomID:    roomID,
		SenderID:  senderID,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

func interpolate(s string, data map[string]string) string {
	for k, v := range data {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// Dispatch sends a notification to each target user: online users get a live
// notification event, offline users get a durable queue entry. The sender is
// never notified about their own action.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification, targets []types.UserIDType) {
	d.recordRoom(n)
	for _, userID := range targets {
		if userID == n.SenderID {
			continue
		}
		if !d.Subscribed(userID, n.Type, n.Category) {
			continue
		}

		d.record(userID, n)

		if d.send != nil && d.send(ctx, userID, types.EventNotification, n) {
			metrics.NotificationsSent.WithLabelValues("live").Inc()
			continue
		}

		payload, err := json.Marshal(n)
		if err != nil {
			logging.Error(ctx, "Failed to marshal notification for queueing", zap.Error(err))
			continue
		}
		d.queues.EnqueueUser(ctx, userID, n.Type, payload, n.Priority)
		metrics.NotificationsSent.WithLabelValues("queued").Inc()
	}
}

// FlushQueued delivers everything queued for a reconnecting user as a single
// queued-notifications event, then acknowledges delivery.
func (d *Dispatcher) FlushQueued(ctx context.Context, userID types.UserIDType, roomIDs []types.RoomIDType) int {
	msgs := d.queues.MessagesFor(userID, roomIDs)
	if len(msgs) == 0 {
		return 0
	}

	if d.send == nil || !d.send(ctx, userID, types.EventQueuedNotifications, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	}) {
		// The user dropped again mid-flush; count the attempt on their own
		// messages so those re-enter the backoff cycle. Room messages keep
		// their shared attempt budget for the remaining targets.
		for _, msg := range msgs {
			if _, ok := queue.OwnerUser(msg.OwnerID); ok {
				d.queues.MarkFailed(ctx, msg.OwnerID, msg.ID)
			}
		}
		return 0
	}

	for _, msg := range msgs {
		d.queues.MarkDelivered(ctx, msg.OwnerID, msg.ID, userID)
	}
	metrics.NotificationsSent.WithLabelValues("flush").Add(float64(len(msgs)))
	logging.Info(ctx, "Flushed queued notifications",
		zap.String("userId", string(userID)), zap.Int("count", len(msgs)))
	return len(msgs)
}

// Redeliver is the queue manager's retry hook: it pushes retry-due user
// messages at the owner's live sessions. A delivered message is acknowledged;
// a failed one goes back into the backoff cycle. Room-queue messages are left
// for each target's next flush.
func (d *Dispatcher) Redeliver(ctx context.Context, ownerKey string, msgs []types.QueuedMessage) {
	userID, ok := queue.OwnerUser(ownerKey)
	if !ok || d.send == nil {
		return
	}
	for _, msg := range msgs {
		var payload any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			payload = msg.Payload
		}
		if d.send(ctx, userID, types.EventNotification, payload) {
			d.queues.MarkDelivered(ctx, msg.OwnerID, msg.ID, userID)
			metrics.NotificationsSent.WithLabelValues("retry").Inc()
		} else {
			d.queues.MarkFailed(ctx, msg.OwnerID, msg.ID)
		}
	}
}

// Subscribed reports whether the user receives the given notification type.
// Users with no recorded choice are subscribed to everything.
func (d *Dispatcher) Subscribed(userID types.UserIDType, notifType, category string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[userID]
	if !ok {
		return true
	}
	if s.Has("none") {
		return false
	}
	return s.Has("all") || s.Has(notifType) || s.Has(category)
}

// Subscribe adds types or categories ("all" subscribes to everything).
func (d *Dispatcher) Subscribe(userID types.UserIDType, topics ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[userID]
	if !ok {
		s = set.New[string]()
		d.subs[userID] = s
	}
	s.Delete("none")
	for _, t := range topics {
		s.Insert(t)
	}
}

// Unsubscribe removes topics; removing the last one mutes the user entirely.
func (d *Dispatcher) Unsubscribe(userID types.UserIDType, topics ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subs[userID]
	if !ok {
		// Explicit choice replaces the implicit subscribe-to-all default.
		s = set.New("all")
		d.subs[userID] = s
	}
	for _, t := range topics {
		s.Delete(t)
		if t == "all" {
			s.Insert("none")
		}
	}
	if s.Len() == 0 {
		s.Insert("none")
	}
}

// MarkRead flags a notification in the user's history.
func (d *Dispatcher) MarkRead(userID types.UserIDType, notificationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.history[userID] {
		if n.ID == notificationID {
			n.Read = true
			return true
		}
	}
	return false
}

// History returns a copy of the user's recent notifications, newest last.
func (d *Dispatcher) History(userID types.UserIDType) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.history[userID]
	out := make([]Notification, 0, len(hist))
	cutoff := time.Now().Add(-historyAge)
	for _, n := range hist {
		if n.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *n)
	}
	return out
}

// RoomHistory returns a copy of a room's recent notifications, newest last.
func (d *Dispatcher) RoomHistory(roomID types.RoomIDType) []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := d.roomHist[roomID]
	out := make([]Notification, 0, len(hist))
	cutoff := time.Now().Add(-historyAge)
	for _, n := range hist {
		if n.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *n)
	}
	return out
}

// RemoveRoom drops a destroyed room's notification history.
func (d *Dispatcher) RemoveRoom(roomID types.RoomIDType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roomHist, roomID)
}

func (d *Dispatcher) record(userID types.UserIDType, n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.history[userID], &n)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	d.history[userID] = hist
}

// recordRoom keeps the room-scoped history with the same caps as per-user
// history. Notifications without a room (direct mentions) are skipped.
func (d *Dispatcher) recordRoom(n Notification) {
	if n.RoomID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hist := append(d.roomHist[n.RoomID], &n)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	d.roomHist[n.RoomID] = hist
}
