package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct{}

func (fakeHub) Stats() (int, int, time.Duration) { return 3, 5, 90 * time.Second }

type fakeRooms struct{}

func (fakeRooms) TotalStats() (int, int, int64) { return 2, 3, 42 }

func newRouter(t *testing.T) (*gin.Engine, *queue.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	q, err := queue.NewManager(queue.Options{MaxAttempts: 1, RetryBase: time.Millisecond}, nil)
	require.NoError(t, err)
	r := gin.New()
	NewHandler(fakeHub{}, fakeRooms{}, nil, q).Register(r)
	return r, q
}

func TestSummary(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status    string `json:"status"`
		Websocket struct {
			ConnectedUsers int    `json:"connected_users"`
			Sessions       int    `json:"sessions"`
			ActiveRooms    int    `json:"active_rooms"`
			TotalMessages  int64  `json:"total_messages"`
			Uptime         string `json:"uptime"`
		} `json:"websocket"`
		Cluster struct {
			Status string `json:"status"`
		} `json:"cluster"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 3, body.Websocket.ConnectedUsers)
	assert.Equal(t, 5, body.Websocket.Sessions)
	assert.Equal(t, 2, body.Websocket.ActiveRooms)
	assert.Equal(t, int64(42), body.Websocket.TotalMessages)
	assert.Equal(t, "1m30s", body.Websocket.Uptime)

	// Single-instance mode reports the cluster as disabled, not degraded.
	assert.Equal(t, "disabled", body.Cluster.Status)
}

func TestLive(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestReadyWithoutCluster(t *testing.T) {
	r, _ := newRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeadLetterAdminRetry(t *testing.T) {
	r, q := newRouter(t)
	ctx := context.Background()

	msg := q.EnqueueUser(ctx, "u1", "doomed", json.RawMessage(`"x"`), types.PriorityNormal)
	q.MarkFailed(ctx, msg.OwnerID, msg.ID)
	require.Len(t, q.DeadLetters(), 1)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/dead-letters", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Count       int                   `json:"count"`
		DeadLetters []types.QueuedMessage `json:"deadLetters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, msg.ID, listing.DeadLetters[0].ID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/"+msg.ID+"/retry", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, q.DeadLetters())
	assert.Equal(t, 1, q.Depth(queue.UserKey("u1")))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/dead-letters/"+msg.ID+"/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
