// Package bus is the cluster adapter: a shared-state store plus pub/sub
// fan-out that lets multiple server instances form one logical room.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Key namespaces isolating logical spaces in the shared store.
const (
	prefixRoom     = "room:"
	prefixUser     = "user:"
	prefixPresence = "presence:"
	prefixMessage  = "message:"
	prefixMetrics  = "metrics:"
	prefixSession  = "session:"
	prefixLock     = "lock:"
)

// Store TTLs.
const (
	roomTTL     = 1 * time.Hour
	presenceTTL = 5 * time.Minute
	sessionTTL  = 1 * time.Hour
	metricsTTL  = 24 * time.Hour

	// DefaultLockTTL bounds how long a distributed lock may be held.
	DefaultLockTTL = 10 * time.Second
)

// breakerOpenTimeout is how long the circuit breaker stays open before a
// half-open probe, matching the outbound REST client's policy.
const breakerOpenTimeout = 60 * time.Second

// ErrLockHeld is returned when a lock is already held by another owner.
var ErrLockHeld = errors.New("lock already held")

// Envelope is the standardized container for messages moving between nodes.
type Envelope struct {
	NodeID  string          `json:"nodeId"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	// SenderID carries the originating session so receiving nodes can
	// honor broadcast exclusions.
	SenderID string `json:"senderId,omitempty"`
}

// Health reports adapter connectivity for readiness probes.
type Health struct {
	Status            string        `json:"status"`
	Latency           time.Duration `json:"latency"`
	Connected         bool          `json:"connected"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
}

// Service handles all interaction with the cluster store.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	nodeID string

	mu                sync.Mutex
	connected         bool
	reconnectAttempts int
	maxReconnects     int

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// NodeID returns the unique identifier of this server instance.
func (s *Service) NodeID() string {
	if s == nil {
		return ""
	}
	return s.nodeID
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a cluster adapter connection with automatic retries.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cluster store: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "cluster-store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     breakerOpenTimeout,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("cluster_store").Set(stateVal)
		},
	}

	svc := &Service{
		client:        rdb,
		cb:            gobreaker.NewCircuitBreaker(st),
		nodeID:        uuid.New().String(),
		connected:     true,
		maxReconnects: 10,
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	svc.monitorCancel = monitorCancel
	svc.monitorDone = make(chan struct{})
	go svc.monitor(monitorCtx)

	logging.Info(ctx, "Connected to cluster store", zap.String("addr", addr), zap.String("nodeId", svc.nodeID))
	return svc, nil
}

// monitor probes connectivity and tracks reconnection attempts with
// exponential backoff up to maxReconnects.
func (s *Service) monitor(ctx context.Context) {
	defer close(s.monitorDone)

	backoff := time.Second
	for {
		interval := 5 * time.Second
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		if !connected {
			interval = backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.client.Ping(pingCtx).Err()
		cancel()

		s.mu.Lock()
		if err != nil {
			s.connected = false
			s.reconnectAttempts++
			attempts := s.reconnectAttempts
			s.mu.Unlock()

			if attempts > s.maxReconnects {
				logging.Error(ctx, "Cluster store unreachable, reconnect budget exhausted", zap.Int("attempts", attempts))
			}
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
			continue
		}
		if !s.connected {
			logging.Info(ctx, "Cluster store connection restored", zap.Int("attempts", s.reconnectAttempts))
		}
		s.connected = true
		s.reconnectAttempts = 0
		s.mu.Unlock()
		backoff = time.Second
	}
}

// HealthStatus reports the adapter's view of the connection.
func (s *Service) HealthStatus(ctx context.Context) Health {
	if s == nil || s.client == nil {
		return Health{Status: "disabled"}
	}

	start := time.Now()
	err := s.Ping(ctx)
	latency := time.Since(start)

	s.mu.Lock()
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	if err != nil {
		return Health{Status: "unhealthy", Latency: latency, Connected: false, ReconnectAttempts: attempts}
	}
	return Health{Status: "healthy", Latency: latency, Connected: true, ReconnectAttempts: attempts}
}

// execute runs fn through the circuit breaker with open-state accounting.
func (s *Service) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(fn)
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("cluster_store").Inc()
	}
	return res, err
}

// --- Pub/Sub ---

// RoomChannel returns the pub/sub channel name for a room.
func RoomChannel(roomID string) string {
	return "collab:room:" + roomID
}

// UserChannel returns the pub/sub channel name for direct user messages.
func UserChannel(userID string) string {
	return "collab:user:" + userID
}

// Category extracts the routing category from a channel name: the second
// segment, e.g. "collab:room:p1" has category "room".
func Category(channel string) string {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Publish broadcasts an enveloped payload on a channel to all other nodes.
func (s *Service) Publish(ctx context.Context, channel, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}

	_, err := s.execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}

		env := Envelope{
			NodeID:   s.nodeID,
			Event:    event,
			Payload:  innerBytes,
			SenderID: senderID,
		}

		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "Circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // Graceful degradation: drop message, don't crash caller
		}
		logging.Error(ctx, "Cluster publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	return nil
}

// Subscribe starts a background goroutine receiving pattern-matched channels.
// Messages published by this node are suppressed to prevent echo loops.
func (s *Service) Subscribe(ctx context.Context, pattern string, wg *sync.WaitGroup, handler func(channel string, env Envelope)) {
	if s == nil || s.client == nil {
		return // Single-instance mode
	}

	pubsub := s.client.PSubscribe(ctx, pattern)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to cluster channel pattern", zap.String("pattern", pattern))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Cluster subscription channel closed", zap.String("pattern", pattern))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal cluster message", zap.Error(err))
					continue
				}
				if env.NodeID == s.nodeID {
					continue // Own message echoed back
				}

				handler(msg.Channel, env)
			}
		}
	}()
}

// Ping checks store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}

	_, err := s.execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close gracefully shuts down the connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	if s.monitorCancel != nil {
		s.monitorCancel()
		<-s.monitorDone
	}
	return s.client.Close()
}
