package types

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventJoinProject      = "join-project"
	EventLeaveProject     = "leave-project"
	EventAnnotationCreate = "annotation-create"
	EventAnnotationUpdate = "annotation-update"
	EventAnnotationDelete = "annotation-delete"
	EventCursorPosition   = "cursor-position"
	EventTextSelection    = "text-selection"
	EventTextOperation    = "text-operation"
	EventCommentCreate    = "comment-create"
	EventSendNotification = "send-notification"
	EventNotificationRead = "notification-read"
	EventConflictResolve  = "conflict-resolve"
)

// Outbound event names.
const (
	EventRoomState               = "room-state"
	EventUserJoined              = "user-joined"
	EventUserLeft                = "user-left"
	EventPresenceUpdate          = "presence-update"
	EventCursorUpdate            = "cursor-update"
	EventCursorRemoved           = "cursor-removed"
	EventCursorsAdjusted         = "cursors-adjusted"
	EventSelectionUpdate         = "selection-update"
	EventAnnotationCreated       = "annotation-created"
	EventAnnotationUpdated       = "annotation-updated"
	EventAnnotationDeleted       = "annotation-deleted"
	EventAnnotationCreateConfirm = "annotation-created-confirm"
	EventAnnotationConflict      = "annotation-conflict"
	EventConflictResolved        = "conflict-resolved"
	EventTextOperationApplied    = "text-operation-applied"
	EventCommentCreated          = "comment-created"
	EventNotification            = "notification"
	EventQueuedNotifications     = "queued-notifications"
	EventError                   = "error"
)

// User-visible error codes.
const (
	CodeAuthError         = "AUTH_ERROR"
	CodeAuthzError        = "AUTHZ_ERROR"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeConflictError     = "CONFLICT_ERROR"
	CodeRateLimitError    = "RATE_LIMIT_ERROR"
	CodeConnectionError   = "CONNECTION_ERROR"
	CodeRoomError         = "ROOM_ERROR"
	CodeAnnotationError   = "ANNOTATION_ERROR"
	CodeTransformError    = "TRANSFORM_ERROR"
	CodeQueueError        = "QUEUE_ERROR"
	CodePresenceError     = "PRESENCE_ERROR"
	CodeNotificationError = "NOTIFICATION_ERROR"
	CodeCursorError       = "CURSOR_ERROR"
	CodeTimeoutError      = "TIMEOUT_ERROR"
	CodeUnknownError      = "UNKNOWN_ERROR"
)

// Frame is the JSON wire envelope for both directions.
type Frame struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// EncodeFrame marshals an event and payload into wire bytes.
func EncodeFrame(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Frame{
		Event:     event,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ErrorFrame is the wire shape of an error event payload.
type ErrorFrame struct {
	Error     bool           `json:"error"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewErrorFrame builds an error payload with the current timestamp.
func NewErrorFrame(code, message string, context map[string]any) ErrorFrame {
	return ErrorFrame{
		Error:     true,
		Code:      code,
		Message:   message,
		Context:   context,
		Timestamp: time.Now().UnixMilli(),
	}
}
