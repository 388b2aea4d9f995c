package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	sendBufferSize     = 256
	prioritySendBuffer = 16
)

// Client is one authenticated WebSocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	sessionID     types.SessionIDType
	user          types.User
	correlationID string
	connectedAt   time.Time

	// send carries ordinary frames; prioritySend carries error and control
	// frames that must not queue behind a full broadcast backlog.
	send         chan []byte
	prioritySend chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.Mutex
	rooms map[types.RoomIDType]bool
}

var _ types.ClientInterface = (*Client)(nil)

// GetSessionID returns the session identifier.
func (c *Client) GetSessionID() types.SessionIDType { return c.sessionID }

// GetUserID returns the authenticated user id.
func (c *Client) GetUserID() types.UserIDType { return c.user.ID }

// GetDisplayName returns the display name resolved at connect time.
func (c *Client) GetDisplayName() string { return c.user.DisplayName }

// GetRole returns the user's role.
func (c *Client) GetRole() types.RoleType { return c.user.Role }

// GetUser returns a copy of the resolved user.
func (c *Client) GetUser() types.User { return c.user }

// Send encodes and enqueues a frame. A full send buffer drops the frame
// rather than blocking the caller; slow consumers lose broadcasts, not the
// whole room.
func (c *Client) Send(event string, payload any) {
	data, err := types.EncodeFrame(event, payload)
	if err != nil {
		logging.Error(c.logCtx(), "Failed to encode outbound frame",
			zap.String("event", event), zap.Error(err))
		return
	}

	select {
	case <-c.closed:
	case c.send <- data:
	default:
		metrics.WebsocketEvents.WithLabelValues(event, "dropped").Inc()
		logging.Warn(c.logCtx(), "Send buffer full, dropping frame",
			zap.String("event", event))
	}
}

// SendError delivers an error frame on the priority channel.
func (c *Client) SendError(code, message string, errCtx map[string]any) {
	data, err := types.EncodeFrame(types.EventError, types.NewErrorFrame(code, message, errCtx))
	if err != nil {
		return
	}
	select {
	case <-c.closed:
	case c.prioritySend <- data:
	default:
		// Priority backlog means the connection is wedged; force it down.
		c.Disconnect()
	}
}

// Disconnect tears the connection down. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// joinRoom records room membership on the session.
func (c *Client) joinRoom(roomID types.RoomIDType) {
	c.mu.Lock()
	c.rooms[roomID] = true
	c.mu.Unlock()
}

// leaveRoom forgets a room. Reports whether the session was a member.
func (c *Client) leaveRoom(roomID types.RoomIDType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rooms[roomID] {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// joinedRooms returns the rooms this session is currently in.
func (c *Client) joinedRooms() []types.RoomIDType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.RoomIDType, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

// inRoom reports whether the session has joined the room.
func (c *Client) inRoom(roomID types.RoomIDType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[roomID]
}

// readPump reads frames off the socket and routes them until the connection
// dies, then triggers the hub's disconnect cascade.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Disconnect()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn(c.logCtx(), "WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.SendError(types.CodeValidationError, "malformed frame: expected {event, payload}", nil)
			continue
		}
		if frame.Event == "" {
			c.SendError(types.CodeValidationError, "frame is missing an event name", nil)
			continue
		}

		c.hub.route(c, frame)
	}
}

// writePump drains the send channels onto the socket, priority frames first,
// and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Disconnect()
	}()

	write := func(data []byte) bool {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(websocket.TextMessage, data) == nil
	}

	for {
		select {
		case <-c.closed:
			return

		case data := <-c.prioritySend:
			if !write(data) {
				return
			}

		case data := <-c.send:
			// Let any queued priority frame jump ahead.
			select {
			case urgent := <-c.prioritySend:
				if !write(urgent) {
					return
				}
			default:
			}
			if !write(data) {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// logCtx builds a context carrying the session's log fields.
func (c *Client) logCtx() context.Context {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, string(c.sessionID))
	ctx = context.WithValue(ctx, logging.UserIDKey, string(c.user.ID))
	if c.correlationID != "" {
		ctx = context.WithValue(ctx, logging.CorrelationIDKey, c.correlationID)
	}
	return ctx
}
