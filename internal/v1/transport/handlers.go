package transport

import (
	"context"
	"encoding/json"

	"github.com/annolab/collab-server/internal/v1/annotation"
	"github.com/annolab/collab-server/internal/v1/conflict"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/notify"
	"github.com/annolab/collab-server/internal/v1/restapi"
	"github.com/annolab/collab-server/internal/v1/types"
	"go.uber.org/zap"
)

// roomRef addresses a room by its project/text pair. Every room-scoped
// payload embeds one.
type roomRef struct {
	ProjectID string           `json:"projectId"`
	TextID    types.TextIDType `json:"textId,omitempty"`
}

type joinPayload struct {
	roomRef
	Device string `json:"device,omitempty"`
}

type annotationPayload struct {
	roomRef
	Annotation types.Annotation `json:"annotation"`
}

type annotationDeletePayload struct {
	roomRef
	AnnotationID string `json:"annotationId"`
}

type cursorPayload struct {
	roomRef
	Position int `json:"position"`
}

type selectionPayload struct {
	roomRef
	Selection types.Selection `json:"selection"`
}

type operationPayload struct {
	roomRef
	Operation types.TextOperation `json:"operation"`
}

type commentPayload struct {
	roomRef
	Comment annotation.Comment `json:"comment"`
}

type sendNotificationPayload struct {
	roomRef
	Type        string            `json:"type"`
	Data        map[string]string `json:"data,omitempty"`
	TargetUsers []string          `json:"targetUsers,omitempty"`
}

type notificationReadPayload struct {
	NotificationID string   `json:"notificationId"`
	Subscribe      []string `json:"subscribe,omitempty"`
	Unsubscribe    []string `json:"unsubscribe,omitempty"`
}

type resolveConflictPayload struct {
	roomRef
	ConflictID string          `json:"conflictId"`
	Strategy   string          `json:"strategy"`
	Votes      []conflict.Vote `json:"votes,omitempty"`
}

// roomStatePayload is the snapshot a session receives on join.
type roomStatePayload struct {
	RoomID      types.RoomIDType       `json:"roomId"`
	ProjectID   string                 `json:"projectId"`
	TextID      types.TextIDType       `json:"textId,omitempty"`
	Users       []types.User           `json:"users"`
	Presence    []types.PresenceRecord `json:"presence"`
	Cursors     []types.CursorState    `json:"cursors"`
	Annotations []types.Annotation     `json:"annotations"`
	StateVector types.StateVector      `json:"stateVector"`
}

func (h *Hub) handlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		types.EventJoinProject:      h.handleJoin,
		types.EventLeaveProject:     h.handleLeave,
		types.EventAnnotationCreate: h.handleAnnotationCreate,
		types.EventAnnotationUpdate: h.handleAnnotationUpdate,
		types.EventAnnotationDelete: h.handleAnnotationDelete,
		types.EventCursorPosition:   h.handleCursorPosition,
		types.EventTextSelection:    h.handleTextSelection,
		types.EventTextOperation:    h.handleTextOperation,
		types.EventCommentCreate:    h.handleCommentCreate,
		types.EventSendNotification: h.handleSendNotification,
		types.EventNotificationRead: h.handleNotificationRead,
		types.EventConflictResolve:  h.handleConflictResolve,
	}
}

// decode unmarshals a frame payload, reporting a validation error on failure.
func decode[T any](c *Client, frame types.Frame, out *T) bool {
	if len(frame.Payload) == 0 {
		c.SendError(types.CodeValidationError, "event requires a payload", map[string]any{"event": frame.Event})
		return false
	}
	if err := json.Unmarshal(frame.Payload, out); err != nil {
		c.SendError(types.CodeValidationError, "malformed payload: "+err.Error(), map[string]any{"event": frame.Event})
		return false
	}
	return true
}

// roomFor resolves a payload's room reference and checks the session joined
// it. Join itself skips the membership check.
func (h *Hub) roomFor(c *Client, ref roomRef) (types.RoomIDType, bool) {
	if ref.ProjectID == "" {
		c.SendError(types.CodeValidationError, "projectId is required", nil)
		return "", false
	}
	roomID := h.deps.Rooms.RoomID(ref.ProjectID, ref.TextID)
	if !c.inRoom(roomID) {
		c.SendError(types.CodeRoomError, "join the project before sending room events", map[string]any{"projectId": ref.ProjectID})
		return "", false
	}
	return roomID, true
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, frame types.Frame) {
	var p joinPayload
	if !decode(c, frame, &p) {
		return
	}
	if p.ProjectID == "" {
		c.SendError(types.CodeValidationError, "projectId is required", nil)
		return
	}

	allowed, err := h.deps.Directory.CheckProjectAccess(ctx, p.ProjectID, c.user.ID)
	if err != nil {
		if err == restapi.ErrUserNotFound {
			c.SendError(types.CodeAuthzError, "no access to this project", map[string]any{"projectId": p.ProjectID})
			return
		}
		c.SendError(types.CodeConnectionError, "access check unavailable, try again", map[string]any{"projectId": p.ProjectID})
		return
	}
	if !allowed {
		c.SendError(types.CodeAuthzError, "no access to this project", map[string]any{"projectId": p.ProjectID})
		return
	}

	r, err := h.deps.Rooms.Join(ctx, p.ProjectID, p.TextID, c)
	if err != nil {
		c.SendError(types.CodeRoomError, err.Error(), map[string]any{"projectId": p.ProjectID})
		return
	}
	c.joinRoom(r.ID)

	h.deps.Presence.UserJoined(ctx, r.ID, c.user, c.sessionID, p.Device)

	c.Send(types.EventRoomState, roomStatePayload{
		RoomID:      r.ID,
		ProjectID:   r.ProjectID,
		TextID:      r.TextID,
		Users:       r.Users(),
		Presence:    h.deps.Presence.RoomPresence(r.ID),
		Cursors:     h.deps.Cursors.RoomCursors(r.ID),
		Annotations: h.deps.Annotations.Annotations(r.ID),
		StateVector: h.deps.Engine.RoomVector(r.ID),
	})

	h.deps.Rooms.Broadcast(ctx, r.ID, types.EventUserJoined, map[string]any{
		"user":      c.user,
		"sessionId": c.sessionID,
	}, c.sessionID)

	h.deps.Notifier.FlushQueued(ctx, c.user.ID, c.joinedRooms())

	logging.Info(ctx, "Session joined room",
		zap.String("roomId", string(r.ID)),
		zap.Int("members", r.MemberCount()))
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, frame types.Frame) {
	var p joinPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID := h.deps.Rooms.RoomID(p.ProjectID, p.TextID)
	h.leaveRoom(ctx, c, roomID)
}

func (h *Hub) handleAnnotationCreate(ctx context.Context, c *Client, frame types.Frame) {
	var p annotationPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	h.deps.Annotations.Create(ctx, roomID, c, p.Annotation)
	h.deps.Presence.UpdateActivity(ctx, roomID, c.user.ID, types.ActivityAnnotating, types.ActivityFlags{Annotating: true})
}

func (h *Hub) handleAnnotationUpdate(ctx context.Context, c *Client, frame types.Frame) {
	var p annotationPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	h.deps.Annotations.Update(ctx, roomID, c, p.Annotation)
	h.deps.Presence.UpdateActivity(ctx, roomID, c.user.ID, types.ActivityAnnotating, types.ActivityFlags{Annotating: true})
}

func (h *Hub) handleAnnotationDelete(ctx context.Context, c *Client, frame types.Frame) {
	var p annotationDeletePayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	h.deps.Annotations.Delete(ctx, roomID, c, p.AnnotationID)
}

func (h *Hub) handleCursorPosition(ctx context.Context, c *Client, frame types.Frame) {
	var p cursorPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	if p.TextID == "" {
		c.SendError(types.CodeCursorError, "textId is required for cursor updates", nil)
		return
	}
	h.deps.Cursors.UpdateCursor(ctx, roomID, c.user.ID, p.TextID, p.Position)
	pos := p.Position
	h.deps.Presence.UpdateActivity(ctx, roomID, c.user.ID, types.ActivityCursorMove, types.ActivityFlags{Viewing: true, CursorPosition: &pos})
}

func (h *Hub) handleTextSelection(ctx context.Context, c *Client, frame types.Frame) {
	var p selectionPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	if _, valid := h.deps.Cursors.UpdateSelection(ctx, roomID, c.user.ID, p.TextID, p.Selection); !valid {
		c.SendError(types.CodeCursorError, "selection offsets are invalid", map[string]any{
			"start": p.Selection.Start, "end": p.Selection.End,
		})
		return
	}
	h.deps.Presence.UpdateActivity(ctx, roomID, c.user.ID, types.ActivityTextSelect, types.ActivityFlags{Viewing: true})
}

func (h *Hub) handleTextOperation(ctx context.Context, c *Client, frame types.Frame) {
	var p operationPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}

	op := p.Operation
	op.AuthorID = c.user.ID

	transformed, err := h.deps.Engine.TransformOperation(ctx, roomID, op)
	if err != nil {
		c.SendError(types.CodeTransformError, err.Error(), map[string]any{"textId": op.TextID})
		return
	}

	h.deps.Rooms.Broadcast(ctx, roomID, types.EventTextOperationApplied, transformed, c.sessionID)
	if !transformed.IsNoop() {
		h.deps.Cursors.AdjustForTextChange(ctx, roomID, transformed)
	}
	h.deps.Presence.UpdateActivity(ctx, roomID, c.user.ID, types.ActivityAnnotating, types.ActivityFlags{Annotating: true})
}

func (h *Hub) handleCommentCreate(ctx context.Context, c *Client, frame types.Frame) {
	var p commentPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	h.deps.Annotations.CommentCreate(ctx, roomID, c, p.Comment)
}

func (h *Hub) handleSendNotification(ctx context.Context, c *Client, frame types.Frame) {
	var p sendNotificationPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	if p.Type == "" {
		c.SendError(types.CodeNotificationError, "notification type is required", nil)
		return
	}

	var targets []types.UserIDType
	if len(p.TargetUsers) > 0 {
		for _, t := range p.TargetUsers {
			targets = append(targets, types.UserIDType(t))
		}
	} else if r, found := h.deps.Rooms.Get(roomID); found {
		for _, u := range r.Users() {
			targets = append(targets, u.ID)
		}
	}

	data := p.Data
	if data == nil {
		data = map[string]string{}
	}
	if _, set := data["userName"]; !set {
		data["userName"] = c.user.DisplayName
	}

	n := notify.Render(p.Type, roomID, c.user.ID, data)
	h.deps.Notifier.Dispatch(ctx, n, targets)
}

func (h *Hub) handleNotificationRead(ctx context.Context, c *Client, frame types.Frame) {
	var p notificationReadPayload
	if !decode(c, frame, &p) {
		return
	}
	if p.NotificationID != "" && !h.deps.Notifier.MarkRead(c.user.ID, p.NotificationID) {
		c.SendError(types.CodeNotificationError, "unknown notification", map[string]any{"notificationId": p.NotificationID})
		return
	}
	if len(p.Subscribe) > 0 {
		h.deps.Notifier.Subscribe(c.user.ID, p.Subscribe...)
	}
	if len(p.Unsubscribe) > 0 {
		h.deps.Notifier.Unsubscribe(c.user.ID, p.Unsubscribe...)
	}
}

func (h *Hub) handleConflictResolve(ctx context.Context, c *Client, frame types.Frame) {
	var p resolveConflictPayload
	if !decode(c, frame, &p) {
		return
	}
	roomID, ok := h.roomFor(c, p.roomRef)
	if !ok {
		return
	}
	if !c.user.Role.AtLeast(types.RoleAnnotator) {
		c.SendError(types.CodeAuthzError, "resolving conflicts requires the annotator role", nil)
		return
	}
	h.deps.Annotations.ResolveConflict(ctx, roomID, c, p.ConflictID, p.Strategy, p.Votes)
}
