// Package annotation handles the create/update/delete lifecycle of
// annotations in a room: validation, locking, offset transformation,
// conflict detection and fan-out.
package annotation

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/conflict"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/notify"
	"github.com/annolab/collab-server/internal/v1/ot"
	"github.com/annolab/collab-server/internal/v1/room"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// lockRetries bounds how often a contended annotation lock is retried before
// the edit is rejected.
const (
	lockRetries    = 3
	lockRetryDelay = 50 * time.Millisecond
)

// Comment is a threaded note on an annotation.
type Comment struct {
	ID           string           `json:"id"`
	AnnotationID string           `json:"annotationId"`
	AuthorID     types.UserIDType `json:"authorId"`
	AuthorName   string           `json:"authorName,omitempty"`
	Body         string           `json:"body"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Broadcaster coordinates annotation changes within rooms.
type Broadcaster struct {
	rooms    *room.Manager
	engine   *ot.Engine
	detector *conflict.Detector
	resolver *conflict.Resolver
	notifier *notify.Dispatcher
	cluster  *bus.Service

	mu    sync.Mutex
	cache map[types.RoomIDType]map[string]types.Annotation
}

// NewBroadcaster wires the annotation pipeline. The cluster bus may be nil.
func NewBroadcaster(rooms *room.Manager, engine *ot.Engine, detector *conflict.Detector, resolver *conflict.Resolver, notifier *notify.Dispatcher, cluster *bus.Service) *Broadcaster {
	return &Broadcaster{
		rooms:    rooms,
		engine:   engine,
		detector: detector,
		resolver: resolver,
		notifier: notifier,
		cluster:  cluster,
		cache:    make(map[types.RoomIDType]map[string]types.Annotation),
	}
}

// Create validates, transforms and fans out a new annotation. The author
// receives a confirmation carrying their local id; everyone else receives
// the created annotation.
func (b *Broadcaster) Create(ctx context.Context, roomID types.RoomIDType, client types.ClientInterface, ann types.Annotation) {
	if err := ann.Validate(); err != nil {
		client.SendError(types.CodeValidationError, err.Error(), map[string]any{"localId": ann.LocalID})
		return
	}
	if !b.member(roomID, client) {
		return
	}

	now := time.Now()
	ann.AuthorID = client.GetUserID()
	if ann.ID == "" {
		ann.ID = uuid.New().String()
	}
	ann.CreatedAt = now
	ann.UpdatedAt = now
	if ann.Status == "" {
		ann.Status = types.AnnotationDraft
	}

	// Clients may supply their own annotation id, so creation contends for
	// the same lock as edits.
	lock := b.acquireLock(ctx, ann.ID)
	if lock == nil && b.cluster.Client() != nil {
		client.SendError(types.CodeConflictError, "annotation is being edited by someone else", map[string]any{"localId": ann.LocalID, "annotationId": ann.ID})
		return
	}
	defer b.releaseLock(ctx, lock)

	ann = b.engine.TransformAnnotation(roomID, ann)
	conflicts := b.detect(ctx, roomID, ann)

	b.store(roomID, ann)

	b.rooms.BroadcastExcludeUser(ctx, roomID, types.EventAnnotationCreated, ann, ann.AuthorID)
	client.Send(types.EventAnnotationCreateConfirm, map[string]any{
		"localId":    ann.LocalID,
		"annotation": ann,
	})

	b.announceConflicts(ctx, roomID, ann, conflicts)
	b.notifyRoom(ctx, roomID, "annotation-created", client, map[string]string{
		"userName": client.GetDisplayName(),
		"text":     clip(ann.Text, 80),
	})
}

// Update validates, locks and fans out an annotation edit.
func (b *Broadcaster) Update(ctx context.Context, roomID types.RoomIDType, client types.ClientInterface, ann types.Annotation) {
	if ann.ID == "" {
		client.SendError(types.CodeValidationError, "annotation id is required", nil)
		return
	}
	if err := ann.Validate(); err != nil {
		client.SendError(types.CodeValidationError, err.Error(), map[string]any{"annotationId": ann.ID})
		return
	}
	if !b.member(roomID, client) {
		return
	}

	lock := b.acquireLock(ctx, ann.ID)
	if lock == nil && b.cluster.Client() != nil {
		client.SendError(types.CodeConflictError, "annotation is being edited by someone else", map[string]any{"annotationId": ann.ID})
		return
	}
	defer b.releaseLock(ctx, lock)

	b.mu.Lock()
	prev, known := b.cache[roomID][ann.ID]
	b.mu.Unlock()
	if known {
		ann.CreatedAt = prev.CreatedAt
		if ann.AuthorID == "" {
			ann.AuthorID = prev.AuthorID
		}
	}
	ann.UpdatedAt = time.Now()

	ann = b.engine.TransformAnnotation(roomID, ann)
	conflicts := b.detect(ctx, roomID, ann)

	b.store(roomID, ann)
	b.rooms.Broadcast(ctx, roomID, types.EventAnnotationUpdated, ann, client.GetSessionID())
	b.announceConflicts(ctx, roomID, ann, conflicts)
}

// Delete removes an annotation and tells the room.
func (b *Broadcaster) Delete(ctx context.Context, roomID types.RoomIDType, client types.ClientInterface, annotationID string) {
	if annotationID == "" {
		client.SendError(types.CodeValidationError, "annotation id is required", nil)
		return
	}
	if !b.member(roomID, client) {
		return
	}

	lock := b.acquireLock(ctx, annotationID)
	if lock == nil && b.cluster.Client() != nil {
		client.SendError(types.CodeConflictError, "annotation is being edited by someone else", map[string]any{"annotationId": annotationID})
		return
	}
	defer b.releaseLock(ctx, lock)

	b.mu.Lock()
	if byID := b.cache[roomID]; byID != nil {
		delete(byID, annotationID)
	}
	b.mu.Unlock()

	b.rooms.Broadcast(ctx, roomID, types.EventAnnotationDeleted, map[string]any{
		"annotationId": annotationID,
		"deletedBy":    client.GetUserID(),
	}, client.GetSessionID())
}

// CommentCreate fans a new comment out to the room and notifies the
// annotation author.
func (b *Broadcaster) CommentCreate(ctx context.Context, roomID types.RoomIDType, client types.ClientInterface, c Comment) {
	if c.AnnotationID == "" || c.Body == "" {
		client.SendError(types.CodeValidationError, "comment requires annotationId and body", nil)
		return
	}
	if !b.member(roomID, client) {
		return
	}

	c.ID = uuid.New().String()
	c.AuthorID = client.GetUserID()
	c.AuthorName = client.GetDisplayName()
	c.CreatedAt = time.Now()

	b.rooms.Broadcast(ctx, roomID, types.EventCommentCreated, c, client.GetSessionID())

	b.mu.Lock()
	ann, known := b.cache[roomID][c.AnnotationID]
	b.mu.Unlock()
	if known && ann.AuthorID != c.AuthorID && b.notifier != nil {
		n := notify.Render("comment-created", roomID, c.AuthorID, map[string]string{
			"userName": c.AuthorName,
			"comment":  clip(c.Body, 80),
		})
		b.notifier.Dispatch(ctx, n, []types.UserIDType{ann.AuthorID})
	}
}

// ResolveConflict applies a resolution strategy to a recorded conflict and
// broadcasts the outcome.
func (b *Broadcaster) ResolveConflict(ctx context.Context, roomID types.RoomIDType, client types.ClientInterface, conflictID, strategy string, votes []conflict.Vote) {
	pendingList := b.detector.Pending(roomID)
	var target *types.Conflict
	for i := range pendingList {
		if pendingList[i].ID == conflictID {
			target = &pendingList[i]
			break
		}
	}
	if target == nil {
		client.SendError(types.CodeConflictError, "unknown or already resolved conflict", map[string]any{"conflictId": conflictID})
		return
	}

	res, err := b.resolver.Resolve(strategy, *target, votes)
	if err != nil {
		client.SendError(types.CodeConflictError, err.Error(), map[string]any{"conflictId": conflictID})
		return
	}

	resolved, ok := b.detector.Resolve(conflictID, roomID, res)
	if !ok {
		client.SendError(types.CodeConflictError, "conflict vanished during resolution", map[string]any{"conflictId": conflictID})
		return
	}

	// The surviving annotation replaces the losers in the cache.
	if winner := resolutionOutcome(res); winner != nil {
		b.store(roomID, *winner)
	}
	b.rooms.Broadcast(ctx, roomID, types.EventConflictResolved, resolved, "")
}

// Annotations returns a copy of the room's cached annotations.
func (b *Broadcaster) Annotations(roomID types.RoomIDType) []types.Annotation {
	b.mu.Lock()
	defer b.mu.Unlock()
	byID := b.cache[roomID]
	out := make([]types.Annotation, 0, len(byID))
	for _, ann := range byID {
		out = append(out, ann)
	}
	return out
}

// RemoveRoom drops the annotation cache for a destroyed room.
func (b *Broadcaster) RemoveRoom(roomID types.RoomIDType) {
	b.mu.Lock()
	delete(b.cache, roomID)
	b.mu.Unlock()
}

func (b *Broadcaster) member(roomID types.RoomIDType, client types.ClientInterface) bool {
	r, ok := b.rooms.Get(roomID)
	if !ok || !r.HasUser(client.GetUserID()) {
		client.SendError(types.CodeAuthzError, "not a member of this room", map[string]any{"roomId": roomID})
		return false
	}
	return true
}

// acquireLock takes the per-annotation distributed lock with bounded
// retries. A nil return means the lock stayed contended; in single-instance
// mode the bus hands out free no-op locks.
func (b *Broadcaster) acquireLock(ctx context.Context, annotationID string) *bus.Lock {
	for attempt := 0; attempt <= lockRetries; attempt++ {
		lock, err := b.cluster.AcquireLock(ctx, "annotation:"+annotationID, bus.DefaultLockTTL)
		if err == nil {
			return lock
		}
		if err != bus.ErrLockHeld {
			logging.Warn(ctx, "Annotation lock acquisition failed", zap.Error(err))
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(lockRetryDelay << attempt):
		}
	}
	return nil
}

func (b *Broadcaster) releaseLock(ctx context.Context, lock *bus.Lock) {
	if lock == nil {
		return
	}
	if err := b.cluster.ReleaseLock(ctx, lock); err != nil {
		logging.Warn(ctx, "Annotation lock release failed", zap.Error(err))
	}
}

func (b *Broadcaster) detect(ctx context.Context, roomID types.RoomIDType, ann types.Annotation) []types.Conflict {
	b.mu.Lock()
	byID := b.cache[roomID]
	existing := make([]types.Annotation, 0, len(byID))
	for _, a := range byID {
		existing = append(existing, a)
	}
	b.mu.Unlock()
	return b.detector.Detect(ctx, roomID, ann, existing)
}

func (b *Broadcaster) store(roomID types.RoomIDType, ann types.Annotation) {
	b.mu.Lock()
	byID := b.cache[roomID]
	if byID == nil {
		byID = make(map[string]types.Annotation)
		b.cache[roomID] = byID
	}
	byID[ann.ID] = ann
	b.mu.Unlock()
}

// announceConflicts tells the room about each detected conflict and
// notifies the affected annotation authors.
func (b *Broadcaster) announceConflicts(ctx context.Context, roomID types.RoomIDType, ann types.Annotation, conflicts []types.Conflict) {
	for _, c := range conflicts {
		b.rooms.Broadcast(ctx, roomID, types.EventAnnotationConflict, c, "")

		if b.notifier == nil {
			continue
		}
		var affected []types.UserIDType
		for _, other := range c.Annotations {
			if other.AuthorID != "" && other.AuthorID != ann.AuthorID {
				affected = append(affected, other.AuthorID)
			}
		}
		if len(affected) == 0 {
			continue
		}
		n := notify.Render("annotation-conflict", roomID, ann.AuthorID, map[string]string{
			"userName": string(ann.AuthorID),
		})
		b.notifier.Dispatch(ctx, n, affected)
	}
}

func (b *Broadcaster) notifyRoom(ctx context.Context, roomID types.RoomIDType, notifType string, origin types.ClientInterface, data map[string]string) {
	if b.notifier == nil {
		return
	}
	r, ok := b.rooms.Get(roomID)
	if !ok {
		return
	}
	var targets []types.UserIDType
	for _, u := range r.Users() {
		if u.ID != origin.GetUserID() {
			targets = append(targets, u.ID)
		}
	}
	if len(targets) == 0 {
		return
	}
	n := notify.Render(notifType, roomID, origin.GetUserID(), data)
	b.notifier.Dispatch(ctx, n, targets)
}

func resolutionOutcome(res types.Resolution) *types.Annotation {
	if res.Merged != nil {
		return res.Merged
	}
	return res.Winner
}

// clip shortens notification text to at most n bytes, backing off to the
// previous rune boundary so multi-byte characters are never split.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
