package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// --- Room state mirror ---

// SetRoom mirrors room metadata under room:{id} with the room TTL.
func (s *Service) SetRoom(ctx context.Context, roomID string, info any) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal room info: %w", err)
	}
	_, err = s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, prefixRoom+roomID, data, roomTTL).Err()
	})
	return s.degrade(ctx, "SetRoom", err)
}

// GetRoom loads mirrored room metadata into out. Returns false when absent.
func (s *Service) GetRoom(ctx context.Context, roomID string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, prefixRoom+roomID).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return false, s.degrade(ctx, "GetRoom", err)
	}
	if res == nil {
		return false, nil
	}
	return true, json.Unmarshal(res.([]byte), out)
}

// DeleteRoom removes the mirrored room entry and its member set.
func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, prefixRoom+roomID, prefixRoom+roomID+":users").Err()
	})
	return s.degrade(ctx, "DeleteRoom", err)
}

// AddUserToRoom adds a member to the mirrored room set.
func (s *Service) AddUserToRoom(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		key := prefixRoom + roomID + ":users"
		if err := s.client.SAdd(ctx, key, userID).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, roomTTL).Err()
	})
	return s.degrade(ctx, "AddUserToRoom", err)
}

// RemoveUserFromRoom removes a member from the mirrored room set.
func (s *Service) RemoveUserFromRoom(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, prefixRoom+roomID+":users", userID).Err()
	})
	return s.degrade(ctx, "RemoveUserFromRoom", err)
}

// GetRoomUsers returns the mirrored member set of a room.
func (s *Service) GetRoomUsers(ctx context.Context, roomID string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, prefixRoom+roomID+":users").Result()
	})
	if err != nil {
		return nil, s.degrade(ctx, "GetRoomUsers", err)
	}
	if res == nil {
		return nil, nil
	}
	return res.([]string), nil
}

// --- Presence mirror ---

// SetPresence mirrors a presence record with the presence TTL; heartbeats
// refresh the TTL by rewriting the record.
func (s *Service) SetPresence(ctx context.Context, roomID, userID string, record any) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	_, err = s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, presenceKey(roomID, userID), data, presenceTTL).Err()
	})
	return s.degrade(ctx, "SetPresence", err)
}

// GetPresence loads one presence record. Returns false when absent.
func (s *Service) GetPresence(ctx context.Context, roomID, userID string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, presenceKey(roomID, userID)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return false, s.degrade(ctx, "GetPresence", err)
	}
	if res == nil {
		return false, nil
	}
	return true, json.Unmarshal(res.([]byte), out)
}

// DeletePresence removes a mirrored presence record.
func (s *Service) DeletePresence(ctx context.Context, roomID, userID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, presenceKey(roomID, userID)).Err()
	})
	return s.degrade(ctx, "DeletePresence", err)
}

// GetRoomPresence returns all mirrored presence payloads for a room keyed by
// user id.
func (s *Service) GetRoomPresence(ctx context.Context, roomID string) (map[string]json.RawMessage, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		pattern := prefixPresence + roomID + ":*"
		keys, err := s.client.Keys(ctx, pattern).Result()
		if err != nil {
			return nil, err
		}
		out := make(map[string]json.RawMessage, len(keys))
		prefix := prefixPresence + roomID + ":"
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[key[len(prefix):]] = data
		}
		return out, nil
	})
	if err != nil {
		return nil, s.degrade(ctx, "GetRoomPresence", err)
	}
	if res == nil {
		return nil, nil
	}
	return res.(map[string]json.RawMessage), nil
}

func presenceKey(roomID, userID string) string {
	return prefixPresence + roomID + ":" + userID
}

// --- Session mirror ---

// SetSession mirrors session metadata with the session TTL.
func (s *Service) SetSession(ctx context.Context, sessionID string, info any) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session info: %w", err)
	}
	_, err = s.execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, prefixSession+sessionID, data, sessionTTL).Err()
	})
	return s.degrade(ctx, "SetSession", err)
}

// GetSession loads mirrored session metadata. Returns false when absent.
func (s *Service) GetSession(ctx context.Context, sessionID string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		data, err := s.client.Get(ctx, prefixSession+sessionID).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return false, s.degrade(ctx, "GetSession", err)
	}
	if res == nil {
		return false, nil
	}
	return true, json.Unmarshal(res.([]byte), out)
}

// DeleteSession removes a mirrored session entry.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, prefixSession+sessionID).Err()
	})
	return s.degrade(ctx, "DeleteSession", err)
}

// --- Queued message mirror ---

// QueueMessage appends a serialized message to the owner's mirrored queue.
// The entry carries its own TTL via the message payload; the list expires
// with the longest message TTL.
func (s *Service) QueueMessage(ctx context.Context, ownerKey string, msg any, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queued message: %w", err)
	}
	_, err = s.execute(func() (interface{}, error) {
		key := prefixMessage + ownerKey
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return s.degrade(ctx, "QueueMessage", err)
}

// GetQueuedMessages returns all mirrored messages for an owner.
func (s *Service) GetQueuedMessages(ctx context.Context, ownerKey string) ([]json.RawMessage, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		return s.client.LRange(ctx, prefixMessage+ownerKey, 0, -1).Result()
	})
	if err != nil {
		return nil, s.degrade(ctx, "GetQueuedMessages", err)
	}
	if res == nil {
		return nil, nil
	}
	raw := res.([]string)
	out := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		out = append(out, json.RawMessage(r))
	}
	return out, nil
}

// ClearQueuedMessages drops the mirrored queue for an owner.
func (s *Service) ClearQueuedMessages(ctx context.Context, ownerKey string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, prefixMessage+ownerKey).Err()
	})
	return s.degrade(ctx, "ClearQueuedMessages", err)
}

// --- Metrics ---

// IncrementMetric adds delta to a shared counter with a 1-day TTL.
func (s *Service) IncrementMetric(ctx context.Context, name string, delta int64) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		key := prefixMetrics + name
		if err := s.client.IncrBy(ctx, key, delta).Err(); err != nil {
			return nil, err
		}
		return nil, s.client.Expire(ctx, key, metricsTTL).Err()
	})
	return s.degrade(ctx, "IncrementMetric", err)
}

// GetMetrics reads shared counters by name. Missing counters read as zero.
func (s *Service) GetMetrics(ctx context.Context, names ...string) (map[string]int64, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.execute(func() (interface{}, error) {
		out := make(map[string]int64, len(names))
		for _, name := range names {
			v, err := s.client.Get(ctx, prefixMetrics+name).Int64()
			if err == redis.Nil {
				out[name] = 0
				continue
			}
			if err != nil {
				return nil, err
			}
			out[name] = v
		}
		return out, nil
	})
	if err != nil {
		return nil, s.degrade(ctx, "GetMetrics", err)
	}
	if res == nil {
		return nil, nil
	}
	return res.(map[string]int64), nil
}

// --- Distributed locks ---

// Lock is a release handle carrying the per-acquisition nonce.
type Lock struct {
	Resource string
	nonce    string
}

// releaseScript deletes the lock key only when the stored nonce matches,
// protecting against releasing a lock that expired and was reacquired.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// AcquireLock atomically acquires a lock on a resource with the given TTL.
// Returns ErrLockHeld when another owner holds it.
func (s *Service) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	if s == nil || s.client == nil {
		// Single-instance mode: locking degenerates to a no-op handle;
		// per-room mutexes already serialize local edits.
		return &Lock{Resource: resource}, nil
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	nonce := uuid.New().String()

	res, err := s.execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, prefixLock+resource, nonce, ttl).Result()
	})
	if err != nil {
		return nil, s.degrade(ctx, "AcquireLock", err)
	}
	if res == nil || !res.(bool) {
		return nil, ErrLockHeld
	}
	return &Lock{Resource: resource, nonce: nonce}, nil
}

// ReleaseLock atomically releases a held lock. It is a no-op when the stored
// nonce no longer matches the handle.
func (s *Service) ReleaseLock(ctx context.Context, lock *Lock) error {
	if s == nil || s.client == nil || lock == nil || lock.nonce == "" {
		return nil
	}
	_, err := s.execute(func() (interface{}, error) {
		return releaseScript.Run(ctx, s.client, []string{prefixLock + lock.Resource}, lock.nonce).Result()
	})
	return s.degrade(ctx, "ReleaseLock", err)
}

// degrade converts breaker-open errors into logged no-ops so the room can
// keep functioning locally; other errors pass through.
func (s *Service) degrade(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState {
		logging.Warn(ctx, "Circuit breaker open: skipping cluster store call", zap.String("op", op))
		return nil
	}
	logging.Error(ctx, "Cluster store call failed", zap.String("op", op), zap.Error(err))
	return err
}
