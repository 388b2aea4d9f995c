// Package ratelimit implements connection and event rate limiting using
// Redis-backed or local memory stores.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/metrics"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ErrRateLimited is returned when a user exceeded their event budget and is
// inside the block window.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiter enforces the per-IP WebSocket connection limit and the per-user
// event window. Event state is process-local; connection state may use Redis.
type RateLimiter struct {
	wsIP   *limiter.Limiter
	events *limiter.Limiter

	// Block window applied after a user exceeds the event budget.
	blockFor time.Duration

	mu      sync.Mutex
	blocked map[types.UserIDType]time.Time
}

// New creates a RateLimiter. The Redis client is optional; when nil the
// connection limiter falls back to a memory store. Event limiting is always
// local (approximate across cluster nodes is acceptable).
func New(wsIPRate, eventRate string, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	evRate, err := limiter.NewRateFromFormatted(eventRate)
	if err != nil {
		return nil, fmt.Errorf("invalid event rate: %w", err)
	}

	var connStore limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		connStore = s
		logging.Info(context.Background(), "Rate limiter using Redis store for connections")
	} else {
		connStore = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (cluster adapter disabled)")
	}

	return &RateLimiter{
		wsIP:     limiter.New(connStore, ipRate),
		events:   limiter.New(memory.NewStore(), evRate),
		blockFor: evRate.Period,
		blocked:  make(map[types.UserIDType]time.Time),
	}, nil
}

// CheckWebSocket checks if a WebSocket connection from this IP should be
// allowed. Returns false after writing the rejection response.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true // Fail open
	}

	if ipContext.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// AllowEvent enforces the per-user sliding event window. On exceed the user
// is blocked for the full window and subsequent events fail immediately.
func (rl *RateLimiter) AllowEvent(ctx context.Context, userID types.UserIDType) error {
	now := time.Now()

	rl.mu.Lock()
	until, isBlocked := rl.blocked[userID]
	if isBlocked {
		if now.Before(until) {
			rl.mu.Unlock()
			metrics.RateLimitExceeded.WithLabelValues("event", "user").Inc()
			return ErrRateLimited
		}
		delete(rl.blocked, userID)
	}
	rl.mu.Unlock()

	limiterCtx, err := rl.events.Get(ctx, string(userID))
	if err != nil {
		logging.Error(ctx, "Event rate limiter store failed", zap.Error(err))
		return nil // Fail open
	}

	if limiterCtx.Reached {
		rl.mu.Lock()
		rl.blocked[userID] = now.Add(rl.blockFor)
		rl.mu.Unlock()
		metrics.RateLimitExceeded.WithLabelValues("event", "user").Inc()
		return ErrRateLimited
	}

	return nil
}

// Forget drops local limiter bookkeeping for a user, called on disconnect.
func (rl *RateLimiter) Forget(userID types.UserIDType) {
	rl.mu.Lock()
	delete(rl.blocked, userID)
	rl.mu.Unlock()
}
