// Package queue implements durable per-user and per-room message queues with
// priority ordering, TTL expiry, retry with backoff, and a dead-letter queue.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	expirySweepInterval = 5 * time.Minute
	retrySweepInterval  = 30 * time.Second
	flushInterval       = 1 * time.Minute
)

// Dead-letter reasons.
const (
	ReasonOverflow    = "queue_overflow"
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonExpired     = "ttl_expired"
)

// Options configures a queue manager.
type Options struct {
	MaxSize     int
	MaxAttempts int
	RetryBase   time.Duration
	TTL         time.Duration
	PersistDir  string // empty disables persistence
}

func (o *Options) fill() {
	if o.MaxSize <= 0 {
		o.MaxSize = 1000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
}

// Redeliverer attempts delivery of retry-due messages for one owner queue.
type Redeliverer func(ctx context.Context, ownerKey string, msgs []types.QueuedMessage)

// Manager owns every durable queue in the process. Owner keys are
// "user:{id}" or "room:{id}".
type Manager struct {
	opts Options
	bus  *bus.Service

	mu        sync.Mutex
	queues    map[string][]*types.QueuedMessage
	dead      []*types.QueuedMessage
	dirty     map[string]bool
	redeliver Redeliverer

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a queue manager. Persisted queues are loaded from
// opts.PersistDir when set. The bus may be nil in single-instance mode.
func NewManager(opts Options, clusterBus *bus.Service) (*Manager, error) {
	opts.fill()
	m := &Manager{
		opts:   opts,
		bus:    clusterBus,
		queues: make(map[string][]*types.QueuedMessage),
		dirty:  make(map[string]bool),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.PersistDir != "" {
		if err := m.loadAll(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// UserKey returns the owner key for a user queue.
func UserKey(userID types.UserIDType) string { return "user:" + string(userID) }

// RoomKey returns the owner key for a room queue.
func RoomKey(roomID types.RoomIDType) string { return "room:" + string(roomID) }

// OwnerUser extracts the user id from a user owner key.
func OwnerUser(ownerKey string) (types.UserIDType, bool) {
	if isUserKey(ownerKey) {
		return types.UserIDType(ownerKey[5:]), true
	}
	return "", false
}

// OnRetry registers the redelivery callback the retry sweep hands due
// messages to.
func (m *Manager) OnRetry(fn Redeliverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redeliver = fn
}

// Run drives the expiry sweep, the retry sweep and the persistence flusher
// until Stop.
func (m *Manager) Run() {
	defer close(m.done)
	expiry := time.NewTicker(expirySweepInterval)
	defer expiry.Stop()
	retry := time.NewTicker(retrySweepInterval)
	defer retry.Stop()
	flush := time.NewTicker(flushInterval)
	defer flush.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-expiry.C:
			m.SweepExpired(context.Background())
		case <-retry.C:
			m.RetryDue(context.Background())
		case <-flush.C:
			m.FlushDirty(context.Background())
		}
	}
}

// Stop terminates the background loops and flushes any pending writes.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	m.FlushDirty(context.Background())
}

// EnqueueUser queues a message for a single offline user.
func (m *Manager) EnqueueUser(ctx context.Context, userID types.UserIDType, msgType string, payload json.RawMessage, priority types.MessagePriority) *types.QueuedMessage {
	return m.enqueue(ctx, UserKey(userID), msgType, payload, priority, nil)
}

// EnqueueRoom queues a message for room members. A nil target list addresses
// every member; delivery is tracked per user.
func (m *Manager) EnqueueRoom(ctx context.Context, roomID types.RoomIDType, msgType string, payload json.RawMessage, priority types.MessagePriority, targetUsers []string) *types.QueuedMessage {
	return m.enqueue(ctx, RoomKey(roomID), msgType, payload, priority, targetUsers)
}

func (m *Manager) enqueue(ctx context.Context, ownerKey, msgType string, payload json.RawMessage, priority types.MessagePriority, targets []string) *types.QueuedMessage {
	now := time.Now()
	msg := &types.QueuedMessage{
		ID:          uuid.New().String(),
		OwnerID:     ownerKey,
		Type:        msgType,
		Payload:     payload,
		Priority:    priority,
		Timestamp:   now,
		ExpiresAt:   now.Add(m.opts.TTL),
		MaxAttempts: m.opts.MaxAttempts,
		Status:      types.MessageQueued,
		TargetUsers: targets,
	}

	m.mu.Lock()
	q := m.queues[ownerKey]

	// Priority insertion: higher priorities first, FIFO within a priority.
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].Priority.Rank() < msg.Priority.Rank()
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = msg

	// Overflow dead-letters the oldest entry of the lowest-priority band.
	// Bands are FIFO, so that is the first message sharing the tail's rank.
	var evicted *types.QueuedMessage
	if len(q) > m.opts.MaxSize {
		lowest := q[len(q)-1].Priority.Rank()
		first := len(q) - 1
		for first > 0 && q[first-1].Priority.Rank() == lowest {
			first--
		}
		evicted = q[first]
		q = append(q[:first], q[first+1:]...)
	}
	m.queues[ownerKey] = q
	m.dirty[ownerKey] = true
	if evicted != nil {
		evicted.Status = types.MessageDeadLetter
		m.dead = append(m.dead, evicted)
	}
	depth := len(q)
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(ownerKind(ownerKey)).Set(float64(depth))
	if evicted != nil {
		metrics.DeadLetterTotal.WithLabelValues(ReasonOverflow).Inc()
		logging.Warn(ctx, "Queue overflow, oldest low-priority message dead-lettered",
			zap.String("owner", ownerKey), zap.String("messageId", evicted.ID))
	}

	if m.bus != nil {
		if err := m.bus.QueueMessage(ctx, ownerKey, msg, m.opts.TTL); err != nil {
			logging.Warn(ctx, "Failed to mirror queued message", zap.Error(err))
		}
	}
	return msg
}

// MessagesFor returns the deliverable messages addressed to a user: their own
// queue plus room-queue messages for the given rooms that target them and have
// not yet been delivered to them. Expired messages are skipped. The result is
// ordered by priority, then enqueue time.
func (m *Manager) MessagesFor(userID types.UserIDType, roomIDs []types.RoomIDType) []types.QueuedMessage {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.QueuedMessage
	for _, msg := range m.queues[UserKey(userID)] {
		if msg.Expired(now) || msg.Status != types.MessageQueued {
			continue
		}
		out = append(out, *msg)
	}
	for _, roomID := range roomIDs {
		for _, msg := range m.queues[RoomKey(roomID)] {
			if msg.Expired(now) || msg.Status == types.MessageDeadLetter {
				continue
			}
			if !msg.Targeted(string(userID)) || msg.DeliveredTo(string(userID)) {
				continue
			}
			out = append(out, *msg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// MarkDelivered acknowledges delivery of a message to a user. User-queue
// messages are removed; room-queue messages record the recipient and are
// removed once every targeted user has acknowledged.
func (m *Manager) MarkDelivered(ctx context.Context, ownerKey, msgID string, userID types.UserIDType) {
	m.mu.Lock()
	q := m.queues[ownerKey]
	for i, msg := range q {
		if msg.ID != msgID {
			continue
		}
		if isUserKey(ownerKey) {
			msg.Status = types.MessageDelivered
			m.queues[ownerKey] = append(q[:i], q[i+1:]...)
		} else {
			msg.MarkDeliveredTo(string(userID))
			if len(msg.TargetUsers) > 0 && allDelivered(msg) {
				msg.Status = types.MessageDelivered
				m.queues[ownerKey] = append(q[:i], q[i+1:]...)
			}
		}
		m.dirty[ownerKey] = true
		break
	}
	depth := len(m.queues[ownerKey])
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(ownerKind(ownerKey)).Set(float64(depth))
}

// MarkFailed records a failed delivery attempt and schedules a retry with
// exponential backoff. The message dead-letters after MaxAttempts.
func (m *Manager) MarkFailed(ctx context.Context, ownerKey, msgID string) {
	now := time.Now()

	m.mu.Lock()
	q := m.queues[ownerKey]
	var deadLettered bool
	for i, msg := range q {
		if msg.ID != msgID {
			continue
		}
		msg.Attempts++
		if msg.Attempts >= msg.MaxAttempts {
			msg.Status = types.MessageDeadLetter
			m.dead = append(m.dead, msg)
			m.queues[ownerKey] = append(q[:i], q[i+1:]...)
			deadLettered = true
		} else {
			msg.Status = types.MessageFailed
			msg.NextRetryAt = now.Add(m.opts.RetryBase * time.Duration(1<<msg.Attempts))
		}
		m.dirty[ownerKey] = true
		break
	}
	m.mu.Unlock()

	if deadLettered {
		metrics.DeadLetterTotal.WithLabelValues(ReasonMaxAttempts).Inc()
		logging.Warn(ctx, "Message dead-lettered after max delivery attempts",
			zap.String("owner", ownerKey), zap.String("messageId", msgID))
	}
}

// DueRetries returns failed messages whose backoff has elapsed, flipping them
// back to queued.
func (m *Manager) DueRetries(ownerKey string) []types.QueuedMessage {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var due []types.QueuedMessage
	for _, msg := range m.queues[ownerKey] {
		if msg.Status == types.MessageFailed && !now.Before(msg.NextRetryAt) {
			msg.Status = types.MessageQueued
			due = append(due, *msg)
		}
	}
	if len(due) > 0 {
		m.dirty[ownerKey] = true
	}
	return due
}

// RetryDue flips every owner's due retries back to queued and hands them to
// the registered redeliverer. It returns the number of messages made due.
func (m *Manager) RetryDue(ctx context.Context) int {
	m.mu.Lock()
	owners := make([]string, 0, len(m.queues))
	for ownerKey := range m.queues {
		owners = append(owners, ownerKey)
	}
	fn := m.redeliver
	m.mu.Unlock()

	total := 0
	for _, ownerKey := range owners {
		due := m.DueRetries(ownerKey)
		if len(due) == 0 {
			continue
		}
		total += len(due)
		if fn != nil {
			fn(ctx, ownerKey, due)
		}
	}
	return total
}

// RetryDeadLetter moves a dead-lettered message back onto its owner queue
// with a fresh attempt budget and TTL. It reports whether the id was found.
func (m *Manager) RetryDeadLetter(ctx context.Context, msgID string) bool {
	m.mu.Lock()
	var msg *types.QueuedMessage
	for i, d := range m.dead {
		if d.ID == msgID {
			msg = d
			m.dead = append(m.dead[:i], m.dead[i+1:]...)
			break
		}
	}
	if msg == nil {
		m.mu.Unlock()
		return false
	}

	msg.Status = types.MessageQueued
	msg.Attempts = 0
	msg.NextRetryAt = time.Time{}
	msg.ExpiresAt = time.Now().Add(m.opts.TTL)

	q := m.queues[msg.OwnerID]
	idx := sort.Search(len(q), func(i int) bool {
		return q[i].Priority.Rank() < msg.Priority.Rank()
	})
	q = append(q, nil)
	copy(q[idx+1:], q[idx:])
	q[idx] = msg
	m.queues[msg.OwnerID] = q
	m.dirty[msg.OwnerID] = true
	depth := len(q)
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(ownerKind(msg.OwnerID)).Set(float64(depth))
	logging.Info(ctx, "Dead letter requeued",
		zap.String("owner", msg.OwnerID), zap.String("messageId", msgID))
	return true
}

// Clear drops an owner's queue entirely.
func (m *Manager) Clear(ctx context.Context, ownerKey string) {
	m.mu.Lock()
	delete(m.queues, ownerKey)
	m.dirty[ownerKey] = true
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(ownerKind(ownerKey)).Set(0)
	if m.bus != nil {
		if err := m.bus.ClearQueuedMessages(ctx, ownerKey); err != nil {
			logging.Warn(ctx, "Failed to clear mirrored queue", zap.Error(err))
		}
	}
}

// SweepExpired dead-letters every message past its TTL.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now()
	var expired int

	m.mu.Lock()
	for ownerKey, q := range m.queues {
		kept := q[:0]
		for _, msg := range q {
			if msg.Expired(now) {
				msg.Status = types.MessageDeadLetter
				m.dead = append(m.dead, msg)
				expired++
				m.dirty[ownerKey] = true
				continue
			}
			kept = append(kept, msg)
		}
		m.queues[ownerKey] = kept
	}
	m.mu.Unlock()

	if expired > 0 {
		metrics.DeadLetterTotal.WithLabelValues(ReasonExpired).Add(float64(expired))
		logging.Info(ctx, "Expired queued messages swept", zap.Int("count", expired))
	}
	return expired
}

// DeadLetters returns a copy of the dead-letter queue.
func (m *Manager) DeadLetters() []types.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.QueuedMessage, len(m.dead))
	for i, msg := range m.dead {
		out[i] = *msg
	}
	return out
}

// Depth returns the current queue length for an owner.
func (m *Manager) Depth(ownerKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[ownerKey])
}

func ownerKind(ownerKey string) string {
	if isUserKey(ownerKey) {
		return "user"
	}
	return "room"
}

func isUserKey(ownerKey string) bool {
	return len(ownerKey) > 5 && ownerKey[:5] == "user:"
}

func allDelivered(msg *types.QueuedMessage) bool {
	for _, t := range msg.TargetUsers {
		if !msg.DeliveredTo(t) {
			return false
		}
	}
	return true
}
