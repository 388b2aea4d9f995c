package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadRates(t *testing.T) {
	_, err := New("not-a-rate", "100-M", nil)
	assert.Error(t, err)

	_, err = New("10-M", "nope", nil)
	assert.Error(t, err)

	rl, err := New("10-M", "100-M", nil)
	require.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestAllowEventWithinBudget(t *testing.T) {
	rl, err := New("10-M", "100-M", nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, rl.AllowEvent(ctx, "alice"))
	}
}

func TestAllowEventBlocksAfterExceed(t *testing.T) {
	rl, err := New("10-M", "3-M", nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, rl.AllowEvent(ctx, "alice"))
	}
	assert.ErrorIs(t, rl.AllowEvent(ctx, "alice"), ErrRateLimited)

	// The block sticks for the window without hitting the store again.
	assert.ErrorIs(t, rl.AllowEvent(ctx, "alice"), ErrRateLimited)

	// Other users are unaffected.
	assert.NoError(t, rl.AllowEvent(ctx, "bob"))
}

func TestForgetClearsBlock(t *testing.T) {
	rl, err := New("10-M", "2-M", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, rl.AllowEvent(ctx, "alice"))
	require.NoError(t, rl.AllowEvent(ctx, "alice"))
	require.ErrorIs(t, rl.AllowEvent(ctx, "alice"), ErrRateLimited)

	rl.Forget("alice")

	// The block is gone; the underlying window may still be exhausted, which
	// re-blocks on the next call rather than failing from the block map.
	rl.mu.Lock()
	_, stillBlocked := rl.blocked["alice"]
	rl.mu.Unlock()
	assert.False(t, stillBlocked)
}

func TestCheckWebSocketLimitsPerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := New("2-M", "100-M", nil)
	require.NoError(t, err)

	hit := func() (*gin.Context, *httptest.ResponseRecorder) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/ws/collab/p1", nil)
		c.Request.RemoteAddr = "10.0.0.1:1234"
		return c, w
	}

	c, _ := hit()
	assert.True(t, rl.CheckWebSocket(c))
	c, _ = hit()
	assert.True(t, rl.CheckWebSocket(c))

	c, w := hit()
	assert.False(t, rl.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Retry-After"))
}
