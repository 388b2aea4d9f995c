package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// persistedQueue is the on-disk shape of one owner's queue.
type persistedQueue struct {
	OwnerID     string             `json:"ownerId"`
	Messages    []persistedMessage `json:"messages"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// persistedMessage mirrors types.QueuedMessage with the delivered set
// serialized as an array.
type persistedMessage struct {
	types.QueuedMessage
	DeliveredTo []string `json:"deliveredTo,omitempty"`
}

// fileFor maps an owner key to its queue file: user:{id} -> user_{id}.json.
func (m *Manager) fileFor(ownerKey string) string {
	name := strings.ReplaceAll(ownerKey, ":", "_")
	// Room ids may contain further colons (project:p1:text:t1).
	name = strings.ReplaceAll(name, string(filepath.Separator), "-")
	return filepath.Join(m.opts.PersistDir, name+".json")
}

// FlushDirty persists every queue touched since the last flush. Writes go to
// a temp file first and are renamed into place so a crash never leaves a
// half-written queue.
func (m *Manager) FlushDirty(ctx context.Context) {
	if m.opts.PersistDir == "" {
		return
	}

	m.mu.Lock()
	pending := make(map[string]*persistedQueue, len(m.dirty))
	for ownerKey := range m.dirty {
		q := m.queues[ownerKey]
		pq := &persistedQueue{OwnerID: ownerKey, LastUpdated: time.Now()}
		for _, msg := range q {
			pm := persistedMessage{QueuedMessage: *msg}
			if msg.Delivered != nil {
				pm.DeliveredTo = msg.Delivered.SortedList()
			}
			pq.Messages = append(pq.Messages, pm)
		}
		pending[ownerKey] = pq
	}
	m.dirty = make(map[string]bool)
	m.mu.Unlock()

	for ownerKey, pq := range pending {
		if err := m.writeQueueFile(ownerKey, pq); err != nil {
			logging.Error(ctx, "Failed to persist queue", zap.String("owner", ownerKey), zap.Error(err))
		}
	}
}

func (m *Manager) writeQueueFile(ownerKey string, pq *persistedQueue) error {
	path := m.fileFor(ownerKey)

	if len(pq.Messages) == 0 {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := os.MkdirAll(m.opts.PersistDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pq, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadAll restores persisted queues at startup. Corrupt files are skipped
// with a warning rather than failing the boot.
func (m *Manager) loadAll() error {
	entries, err := os.ReadDir(m.opts.PersistDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read persist dir: %w", err)
	}

	ctx := context.Background()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.opts.PersistDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Warn(ctx, "Skipping unreadable queue file", zap.String("path", path), zap.Error(err))
			continue
		}
		var pq persistedQueue
		if err := json.Unmarshal(data, &pq); err != nil {
			logging.Warn(ctx, "Skipping corrupt queue file", zap.String("path", path), zap.Error(err))
			continue
		}
		if pq.OwnerID == "" {
			continue
		}

		q := make([]*types.QueuedMessage, 0, len(pq.Messages))
		for _, pm := range pq.Messages {
			msg := pm.QueuedMessage
			if len(pm.DeliveredTo) > 0 {
				msg.Delivered = set.New(pm.DeliveredTo...)
			}
			q = append(q, &msg)
		}
		m.queues[pq.OwnerID] = q
	}
	logging.Info(ctx, "Restored persisted queues", zap.Int("owners", len(m.queues)))
	return nil
}
