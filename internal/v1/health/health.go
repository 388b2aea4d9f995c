// Package health exposes liveness, readiness and summary endpoints, plus the
// admin surface for dead-letter inspection and manual retry.
package health

import (
	"net/http"
	"time"

	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/gin-gonic/gin"
)

// StatsProvider reports live connection counters. Implemented by the
// transport hub.
type StatsProvider interface {
	Stats() (connectedUsers, sessions int, uptime time.Duration)
}

// RoomStatsProvider reports room counters. Implemented by the room manager.
type RoomStatsProvider interface {
	TotalStats() (rooms int, users int, messages int64)
}

// Handler serves the health endpoints.
type Handler struct {
	hub     StatsProvider
	rooms   RoomStatsProvider
	cluster *bus.Service
	queues  *queue.Manager
}

// NewHandler creates a health handler. The cluster may be nil.
func NewHandler(hub StatsProvider, rooms RoomStatsProvider, cluster *bus.Service, queues *queue.Manager) *Handler {
	return &Handler{hub: hub, rooms: rooms, cluster: cluster, queues: queues}
}

// Register mounts the health and admin routes on the router.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.summary)
	r.GET("/health/live", h.live)
	r.GET("/health/ready", h.ready)
	r.GET("/admin/dead-letters", h.deadLetters)
	r.POST("/admin/dead-letters/:id/retry", h.retryDeadLetter)
}

// summary reports an overall status with connection and room counters.
func (h *Handler) summary(c *gin.Context) {
	connectedUsers, sessions, uptime := h.hub.Stats()
	rooms, _, messages := h.rooms.TotalStats()

	status := "healthy"
	code := http.StatusOK
	cluster := h.cluster.HealthStatus(c.Request.Context())
	if cluster.Status == "unhealthy" {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"websocket": gin.H{
			"connected_users": connectedUsers,
			"sessions":        sessions,
			"active_rooms":    rooms,
			"total_messages":  messages,
			"uptime":          uptime.String(),
		},
		"cluster": cluster,
	})
}

// live answers as long as the process is serving requests.
func (h *Handler) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// deadLetters lists undeliverable messages for operator inspection.
func (h *Handler) deadLetters(c *gin.Context) {
	dead := h.queues.DeadLetters()
	c.JSON(http.StatusOK, gin.H{"count": len(dead), "deadLetters": dead})
}

// retryDeadLetter requeues one dead-lettered message with a fresh attempt
// budget.
func (h *Handler) retryDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if !h.queues.RetryDeadLetter(c.Request.Context(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown dead letter", "id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued", "id": id})
}

// ready reports readiness: in cluster mode the store must be reachable.
func (h *Handler) ready(c *gin.Context) {
	cluster := h.cluster.HealthStatus(c.Request.Context())
	if cluster.Status == "unhealthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "cluster": cluster})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "cluster": cluster})
}
