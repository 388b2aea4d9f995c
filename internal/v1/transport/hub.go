// Package transport is the session gate: it upgrades authenticated WebSocket
// connections, routes inbound frames to the collaboration components, and
// runs the disconnect cascade.
package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/annotation"
	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/config"
	"github.com/annolab/collab-server/internal/v1/cursor"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/notify"
	"github.com/annolab/collab-server/internal/v1/ot"
	"github.com/annolab/collab-server/internal/v1/presence"
	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/annolab/collab-server/internal/v1/ratelimit"
	"github.com/annolab/collab-server/internal/v1/restapi"
	"github.com/annolab/collab-server/internal/v1/room"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// handlerTimeout bounds how long one inbound event may run.
	handlerTimeout = 10 * time.Second

	// maxSessionsPerUser caps concurrent tabs; the oldest session is taken
	// over when a user connects past the cap.
	maxSessionsPerUser = 4
)

type handlerFunc func(ctx context.Context, c *Client, frame types.Frame)

// Deps bundles the components the hub routes events to.
type Deps struct {
	Config      *config.Config
	Validator   types.TokenValidator
	Directory   restapi.Directory
	Limiter     *ratelimit.RateLimiter
	Rooms       *room.Manager
	Presence    *presence.Tracker
	Cursors     *cursor.Tracker
	Annotations *annotation.Broadcaster
	Engine      *ot.Engine
	Queues      *queue.Manager
	Notifier    *notify.Dispatcher
	Cluster     *bus.Service
}

// Hub owns every live session on this node.
type Hub struct {
	deps     Deps
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	startAt  time.Time

	mu           sync.Mutex
	sessions     map[types.SessionIDType]*Client
	byUser       map[types.UserIDType]map[types.SessionIDType]*Client
	shuttingDown bool
}

// NewHub creates a hub and registers the event handler table.
func NewHub(deps Deps, allowedOrigins []string) *Hub {
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	h := &Hub{
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Non-browser clients (tests, health tooling).
					return true
				}
				return originSet[origin]
			},
		},
		startAt:  time.Now(),
		sessions: make(map[types.SessionIDType]*Client),
		byUser:   make(map[types.UserIDType]map[types.SessionIDType]*Client),
	}
	h.handlers = h.handlerTable()
	return h
}

// ServeWs authenticates the request and upgrades it into a session.
// Registered on GET /ws/collab/:projectId.
func (h *Hub) ServeWs(c *gin.Context) {
	ctx := c.Request.Context()

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}
	h.mu.Unlock()

	if !h.deps.Limiter.CheckWebSocket(c) {
		return
	}

	token := c.Query("token")
	if token == "" {
		if auth := c.GetHeader("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			token = auth[7:]
		}
	}

	claims, err := h.deps.Validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "WebSocket auth rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	userID := types.UserIDType(claims.Subject)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token has no subject"})
		return
	}

	user, err := h.resolveUser(ctx, userID, claims.Name, claims.Role, claims.Permissions)
	if err != nil {
		if err == restapi.ErrUserNotFound {
			c.JSON(http.StatusForbidden, gin.H{"error": "unknown user"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "user directory unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(ctx, "WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		sessionID:     types.SessionIDType(uuid.New().String()),
		user:          *user,
		correlationID: c.GetString("correlation_id"),
		connectedAt:   time.Now(),
		send:          make(chan []byte, sendBufferSize),
		prioritySend:  make(chan []byte, prioritySendBuffer),
		closed:        make(chan struct{}),
		rooms:         make(map[types.RoomIDType]bool),
	}

	h.register(client)

	go client.writePump()
	go client.readPump()

	logging.Info(client.logCtx(), "WebSocket session established",
		zap.String("displayName", user.DisplayName),
		zap.String("role", string(user.Role)))
}

// resolveUser asks the REST directory for the canonical user record, falling
// back to token claims when the directory is degraded.
func (h *Hub) resolveUser(ctx context.Context, userID types.UserIDType, name, role string, permissions []string) (*types.User, error) {
	user, err := h.deps.Directory.GetUser(ctx, userID)
	if err == nil {
		return user, nil
	}
	if err == restapi.ErrUserNotFound {
		return nil, err
	}

	logging.Warn(ctx, "User directory degraded, using token claims",
		zap.String("userId", string(userID)), zap.Error(err))
	fallbackRole := types.RoleType(role)
	if fallbackRole.Rank() < 0 {
		fallbackRole = types.RoleUser
	}
	display := name
	if display == "" {
		display = string(userID)
	}
	return &types.User{
		ID:          userID,
		DisplayName: display,
		Role:        fallbackRole,
		Permissions: permissions,
	}, nil
}

// register adds the session, taking over the user's oldest session when the
// per-user cap is exceeded.
func (h *Hub) register(client *Client) {
	var takeover *Client

	h.mu.Lock()
	h.sessions[client.sessionID] = client
	byUser := h.byUser[client.user.ID]
	if byUser == nil {
		byUser = make(map[types.SessionIDType]*Client)
		h.byUser[client.user.ID] = byUser
	}
	byUser[client.sessionID] = client

	if len(byUser) > maxSessionsPerUser {
		sessions := make([]*Client, 0, len(byUser))
		for _, s := range byUser {
			sessions = append(sessions, s)
		}
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].connectedAt.Before(sessions[j].connectedAt)
		})
		takeover = sessions[0]
	}
	h.mu.Unlock()

	metrics.IncConnection()
	if takeover != nil {
		takeover.SendError(types.CodeConnectionError, "session taken over by a newer connection", nil)
		takeover.Disconnect()
	}

	if h.deps.Cluster != nil {
		info := map[string]any{
			"userId":      client.user.ID,
			"nodeId":      h.deps.Cluster.NodeID(),
			"connectedAt": client.connectedAt,
		}
		if err := h.deps.Cluster.SetSession(context.Background(), string(client.sessionID), info); err != nil {
			logging.Warn(client.logCtx(), "Failed to mirror session", zap.Error(err))
		}
	}
}

// unregister runs the disconnect cascade: leave every joined room, retire
// presence and cursors, and drop rate-limit state when the user's last
// session closes.
func (h *Hub) unregister(client *Client) {
	ctx := client.logCtx()

	h.mu.Lock()
	if _, known := h.sessions[client.sessionID]; !known {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, client.sessionID)
	byUser := h.byUser[client.user.ID]
	delete(byUser, client.sessionID)
	lastUserSession := len(byUser) == 0
	if lastUserSession {
		delete(h.byUser, client.user.ID)
	}
	h.mu.Unlock()

	for _, roomID := range client.joinedRooms() {
		h.leaveRoom(ctx, client, roomID)
	}

	if lastUserSession {
		h.deps.Limiter.Forget(client.user.ID)
	}
	metrics.DecConnection()

	if h.deps.Cluster != nil {
		if err := h.deps.Cluster.DeleteSession(context.Background(), string(client.sessionID)); err != nil {
			logging.Warn(ctx, "Failed to clear mirrored session", zap.Error(err))
		}
	}
	logging.Info(ctx, "WebSocket session closed")
}

// leaveRoom removes the session from a room and, when it was the user's last
// session there, retires their presence and cursor and tells the room.
func (h *Hub) leaveRoom(ctx context.Context, client *Client, roomID types.RoomIDType) {
	if !client.leaveRoom(roomID) {
		return
	}

	lastSession := h.deps.Rooms.Leave(ctx, roomID, client.sessionID, client.user.ID)
	if !lastSession {
		return
	}

	h.deps.Presence.UserLeft(ctx, roomID, client.user.ID)
	h.deps.Cursors.RemoveCursor(ctx, roomID, client.user.ID)
	h.deps.Rooms.Broadcast(ctx, roomID, types.EventUserLeft, map[string]any{
		"userId":      client.user.ID,
		"displayName": client.user.DisplayName,
	}, client.sessionID)
}

// route dispatches one inbound frame: rate limit, handler lookup, panic
// recovery and a per-event timeout.
func (h *Hub) route(client *Client, frame types.Frame) {
	start := time.Now()

	handler, known := h.handlers[frame.Event]
	if !known {
		metrics.WebsocketEvents.WithLabelValues(frame.Event, "unknown").Inc()
		client.SendError(types.CodeValidationError, "unknown event", map[string]any{"event": frame.Event})
		return
	}

	ctx, cancel := context.WithTimeout(client.logCtx(), handlerTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, logging.EventKey, frame.Event)

	if err := h.deps.Limiter.AllowEvent(ctx, client.user.ID); err != nil {
		metrics.WebsocketEvents.WithLabelValues(frame.Event, "rate_limited").Inc()
		client.SendError(types.CodeRateLimitError, "event rate limit exceeded, slow down", map[string]any{"event": frame.Event})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.WebsocketEvents.WithLabelValues(frame.Event, "panic").Inc()
			logging.Error(ctx, "Panic in event handler",
				zap.Any("panic", r),
				zap.String("event", frame.Event),
				zap.String("sessionId", string(client.sessionID)),
				zap.String("userId", string(client.user.ID)))
			client.SendError(types.CodeUnknownError, "internal error handling event", map[string]any{"event": frame.Event})
		}
		metrics.MessageProcessingDuration.WithLabelValues(frame.Event).Observe(time.Since(start).Seconds())
	}()

	handler(ctx, client, frame)
	metrics.WebsocketEvents.WithLabelValues(frame.Event, "ok").Inc()
}

// SendToUser delivers an event to every live session of a user on this node.
// Used as the notification dispatcher's live path.
func (h *Hub) SendToUser(ctx context.Context, userID types.UserIDType, event string, payload any) bool {
	h.mu.Lock()
	byUser := h.byUser[userID]
	targets := make([]*Client, 0, len(byUser))
	for _, client := range byUser {
		targets = append(targets, client)
	}
	h.mu.Unlock()

	for _, client := range targets {
		client.Send(event, payload)
	}
	return len(targets) > 0
}

// Stats reports hub-level counters for the health endpoint.
func (h *Hub) Stats() (connectedUsers, sessions int, uptime time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser), len(h.sessions), time.Since(h.startAt)
}

// Shutdown stops accepting connections and closes every session.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	clients := make([]*Client, 0, len(h.sessions))
	for _, client := range h.sessions {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.SendError(types.CodeConnectionError, "server is shutting down", nil)
		client.Disconnect()
	}

	// Wait for the read pumps to finish their cascades.
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		h.mu.Lock()
		remaining := len(h.sessions)
		h.mu.Unlock()
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
