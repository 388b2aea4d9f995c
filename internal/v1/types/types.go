package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/set"
)

// --- Core Domain Types ---

// UserIDType is the stable user identifier supplied by the external auth issuer.
type UserIDType string

// SessionIDType identifies a single authenticated connection.
type SessionIDType string

// RoomIDType identifies a collaboration room.
type RoomIDType string

// TextIDType identifies a text document within a project.
type TextIDType string

// RoleType defines the ordered user roles.
type RoleType string

const (
	RoleGuest     RoleType = "guest"
	RoleUser      RoleType = "user"
	RoleAnnotator RoleType = "annotator"
	RoleModerator RoleType = "moderator"
	RoleAdmin     RoleType = "admin"
)

var roleRanks = map[RoleType]int{
	RoleGuest:     0,
	RoleUser:      1,
	RoleAnnotator: 2,
	RoleModerator: 3,
	RoleAdmin:     4,
}

// Rank returns the ordinal position of the role; unknown roles rank below guest.
func (r RoleType) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return -1
}

// AtLeast reports whether the role is at or above the given role.
func (r RoleType) AtLeast(other RoleType) bool {
	return r.Rank() >= other.Rank()
}

// User is the resolved identity attached to a session.
type User struct {
	ID          UserIDType `json:"id"`
	DisplayName string     `json:"displayName"`
	Role        RoleType   `json:"role"`
	Permissions []string   `json:"permissions,omitempty"`
	Color       string     `json:"color,omitempty"`
}

// HasPermission reports whether the user carries the given permission tag.
func (u User) HasPermission(tag string) bool {
	for _, p := range u.Permissions {
		if p == tag {
			return true
		}
	}
	return false
}

// --- Presence ---

// PresenceStatus is the per-(room, user) availability state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceIdle    PresenceStatus = "idle"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ActivityKind categorizes user activity signals.
type ActivityKind string

const (
	ActivityAnnotating ActivityKind = "annotating"
	ActivityViewing    ActivityKind = "viewing"
	ActivityCursorMove ActivityKind = "cursor-move"
	ActivityTextSelect ActivityKind = "text-select"
	ActivityIdle       ActivityKind = "idle"
	ActivityAway       ActivityKind = "away"
)

// ActivityFlags carries the observable activity state of a presence record.
type ActivityFlags struct {
	Annotating     bool   `json:"annotating"`
	Viewing        bool   `json:"viewing"`
	CursorPosition *int   `json:"cursorPosition,omitempty"`
	SelectedText   string `json:"selectedText,omitempty"`
}

// PresenceRecord is the per-(room, user) activity record observable by peers.
type PresenceRecord struct {
	UserID       UserIDType     `json:"userId"`
	SessionID    SessionIDType  `json:"sessionId"`
	DisplayName  string         `json:"displayName,omitempty"`
	Status       PresenceStatus `json:"status"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Device       string         `json:"device,omitempty"`
	Activity     ActivityFlags  `json:"activity"`
}

// --- Cursor & Selection ---

// Selection is a half-open text range [Start, End].
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the selection offsets are ordered and non-negative.
func (s Selection) Valid() bool {
	return s.Start >= 0 && s.End >= s.Start
}

// CursorState is the per-(room, user, text) cursor record.
type CursorState struct {
	UserID    UserIDType `json:"userId"`
	TextID    TextIDType `json:"textId"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Color     string     `json:"color"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// --- Annotation ---

// AnnotationStatus is the review state of an annotation.
type AnnotationStatus string

const (
	AnnotationDraft     AnnotationStatus = "draft"
	AnnotationPending   AnnotationStatus = "pending"
	AnnotationValidated AnnotationStatus = "validated"
	AnnotationRejected  AnnotationStatus = "rejected"
)

// Annotation is a labeled span of a text. Unknown wire fields are preserved
// as opaque blobs in Extra for forward compatibility.
type Annotation struct {
	ID          string           `json:"id"`
	LocalID     string           `json:"localId,omitempty"`
	TextID      TextIDType       `json:"textId"`
	AuthorID    UserIDType       `json:"authorId"`
	StartOffset int              `json:"startOffset"`
	EndOffset   int              `json:"endOffset"`
	Text        string           `json:"text"`
	Labels      []string         `json:"labels"`
	Confidence  *float64         `json:"confidence,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	Status      AnnotationStatus `json:"status,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`

	Extra map[string]json.RawMessage `json:"-"`
}

var annotationKnownFields = map[string]bool{
	"id": true, "localId": true, "textId": true, "authorId": true,
	"startOffset": true, "endOffset": true, "text": true, "labels": true,
	"confidence": true, "notes": true, "status": true,
	"createdAt": true, "updatedAt": true,
}

type annotationAlias Annotation

// UnmarshalJSON decodes the known schema and retains unknown fields in Extra.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var alias annotationAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if annotationKnownFields[k] {
			delete(raw, k)
		}
	}
	*a = Annotation(alias)
	if len(raw) > 0 {
		a.Extra = raw
	}
	return nil
}

// MarshalJSON re-emits the known schema plus any retained unknown fields.
func (a Annotation) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(annotationAlias(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if !annotationKnownFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Validate checks the annotation invariants that do not need the document body.
func (a Annotation) Validate() error {
	if a.TextID == "" {
		return errors.New("annotation textId is required")
	}
	if a.StartOffset < 0 {
		return fmt.Errorf("startOffset must be non-negative (got %d)", a.StartOffset)
	}
	if a.EndOffset < a.StartOffset {
		return fmt.Errorf("endOffset %d precedes startOffset %d", a.EndOffset, a.StartOffset)
	}
	if a.Confidence != nil && (*a.Confidence < 0 || *a.Confidence > 1) {
		return fmt.Errorf("confidence must be in [0, 1] (got %v)", *a.Confidence)
	}
	return nil
}

// Clone returns a deep copy of the annotation.
func (a Annotation) Clone() Annotation {
	out := a
	out.Labels = append([]string(nil), a.Labels...)
	if a.Confidence != nil {
		c := *a.Confidence
		out.Confidence = &c
	}
	if a.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// --- Text Operations ---

// OpKind is the kind of a text operation.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
	OpNoop    OpKind = "noop"
)

// StateVector maps author id to the last sequence number observed from that author.
type StateVector map[UserIDType]int64

// Clone returns a copy of the state vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// TextOperation is a position-bearing edit on a referenced text.
type TextOperation struct {
	Kind           OpKind      `json:"type"`
	Position       int         `json:"position"`
	Text           string      `json:"text,omitempty"`
	Length         int         `json:"length,omitempty"`
	OriginalLength int         `json:"originalLength,omitempty"`
	TextID         TextIDType  `json:"textId"`
	AuthorID       UserIDType  `json:"authorId,omitempty"`
	Seq            int64       `json:"seq,omitempty"`
	Timestamp      time.Time   `json:"timestamp,omitempty"`
	StateVector    StateVector `json:"stateVector,omitempty"`
}

// Validate checks the structural invariants of the operation.
func (op TextOperation) Validate() error {
	if op.TextID == "" {
		return errors.New("operation textId is required")
	}
	if op.Position < 0 {
		return fmt.Errorf("position must be non-negative (got %d)", op.Position)
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return errors.New("insert requires text")
		}
	case OpDelete:
		if op.Length <= 0 {
			return fmt.Errorf("delete length must be positive (got %d)", op.Length)
		}
	case OpReplace:
		if op.Text == "" || op.OriginalLength <= 0 {
			return errors.New("replace requires text and a positive originalLength")
		}
	case OpNoop:
	default:
		return fmt.Errorf("unknown operation type %q", op.Kind)
	}
	return nil
}

// ValidateAgainstLength additionally checks the operation against a known
// document length. Insert at exactly docLen is legal; delete starting there is not.
func (op TextOperation) ValidateAgainstLength(docLen int) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpInsert:
		if op.Position > docLen {
			return fmt.Errorf("insert position %d beyond document length %d", op.Position, docLen)
		}
	case OpDelete:
		if op.Position+op.Length > docLen {
			return fmt.Errorf("delete [%d, %d) beyond document length %d", op.Position, op.Position+op.Length, docLen)
		}
	case OpReplace:
		if op.Position+op.OriginalLength > docLen {
			return fmt.Errorf("replace [%d, %d) beyond document length %d", op.Position, op.Position+op.OriginalLength, docLen)
		}
	}
	return nil
}

// InsertLen returns the length of inserted text, zero for non-inserting ops.
func (op TextOperation) InsertLen() int {
	switch op.Kind {
	case OpInsert, OpReplace:
		return len(op.Text)
	}
	return 0
}

// IsNoop reports whether the operation is the identity.
func (op TextOperation) IsNoop() bool {
	return op.Kind == OpNoop
}

// --- Conflicts ---

// ConflictType classifies a detected annotation conflict.
type ConflictType string

const (
	ConflictPositionOverlap ConflictType = "position-overlap"
	ConflictContent         ConflictType = "content-conflict"
	ConflictLabel           ConflictType = "label-conflict"
	ConflictTemporal        ConflictType = "temporal-conflict"
)

// ConflictSeverity orders conflicts by impact.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

var severityRanks = map[ConflictSeverity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordinal severity; unknown severities rank lowest.
func (s ConflictSeverity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b ConflictSeverity) ConflictSeverity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	ConflictDetected ConflictStatus = "detected"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution records the outcome of a conflict resolution strategy.
type Resolution struct {
	Strategy      string      `json:"strategy"`
	Action        string      `json:"action"`
	Winner        *Annotation `json:"winner,omitempty"`
	Merged        *Annotation `json:"merged,omitempty"`
	RequiresInput bool        `json:"requiresInput,omitempty"`
	ResolvedAt    time.Time   `json:"resolvedAt"`
}

// Conflict is a detected incompatibility between annotations on the same text.
type Conflict struct {
	ID          string           `json:"id"`
	Type        ConflictType     `json:"type"`
	Severity    ConflictSeverity `json:"severity"`
	Annotations []Annotation     `json:"annotations"`
	RoomID      RoomIDType       `json:"roomId"`
	DetectedAt  time.Time        `json:"detectedAt"`
	Status      ConflictStatus   `json:"status"`
	Resolution  *Resolution      `json:"resolution,omitempty"`
}

// --- Durable Queue ---

// MessagePriority orders queued messages.
type MessagePriority string

const (
	PriorityHigh   MessagePriority = "high"
	PriorityNormal MessagePriority = "normal"
	PriorityLow    MessagePriority = "low"
)

var priorityRanks = map[MessagePriority]int{
	PriorityHigh:   2,
	PriorityNormal: 1,
	PriorityLow:    0,
}

// Rank returns the ordinal priority; unknown priorities rank as normal.
func (p MessagePriority) Rank() int {
	if r, ok := priorityRanks[p]; ok {
		return r
	}
	return priorityRanks[PriorityNormal]
}

// MessageStatus is the delivery state of a queued message.
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageDelivered  MessageStatus = "delivered"
	MessageFailed     MessageStatus = "failed"
	MessageDeadLetter MessageStatus = "dead-letter"
)

// QueuedMessage is a durably queued event for an offline or absent recipient.
type QueuedMessage struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    MessagePriority `json:"priority"`
	Timestamp   time.Time       `json:"timestamp"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Status      MessageStatus   `json:"status"`
	NextRetryAt time.Time       `json:"nextRetryAt,omitempty"`

	// Room messages only: target users (nil = all members) and the set of
	// user ids that already acknowledged delivery. The set is serialized as
	// an array in persisted files.
	TargetUsers []string        `json:"targetUsers,omitempty"`
	Delivered   set.Set[string] `json:"-"`
}

// Expired reports whether the message TTL has elapsed at the given time.
func (m *QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// DeliveredTo reports whether the given user already acknowledged the message.
func (m *QueuedMessage) DeliveredTo(userID string) bool {
	return m.Delivered != nil && m.Delivered.Has(userID)
}

// MarkDeliveredTo records an acknowledgment from the given user.
func (m *QueuedMessage) MarkDeliveredTo(userID string) {
	if m.Delivered == nil {
		m.Delivered = set.New[string]()
	}
	m.Delivered.Insert(userID)
}

// Targeted reports whether the message addresses the given user. Messages
// without an explicit target set address every room member.
func (m *QueuedMessage) Targeted(userID string) bool {
	if len(m.TargetUsers) == 0 {
		return true
	}
	for _, t := range m.TargetUsers {
		if t == userID {
			return true
		}
	}
	return false
}
