// Command collab runs the real-time collaboration server: the WebSocket
// backplane for multi-user text annotation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/annolab/collab-server/internal/v1/annotation"
	"github.com/annolab/collab-server/internal/v1/auth"
	"github.com/annolab/collab-server/internal/v1/bus"
	"github.com/annolab/collab-server/internal/v1/config"
	"github.com/annolab/collab-server/internal/v1/conflict"
	"github.com/annolab/collab-server/internal/v1/cursor"
	"github.com/annolab/collab-server/internal/v1/health"
	"github.com/annolab/collab-server/internal/v1/logging"
	"github.com/annolab/collab-server/internal/v1/middleware"
	"github.com/annolab/collab-server/internal/v1/notify"
	"github.com/annolab/collab-server/internal/v1/ot"
	"github.com/annolab/collab-server/internal/v1/presence"
	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/annolab/collab-server/internal/v1/ratelimit"
	"github.com/annolab/collab-server/internal/v1/restapi"
	"github.com/annolab/collab-server/internal/v1/room"
	"github.com/annolab/collab-server/internal/v1/tracing"
	"github.com/annolab/collab-server/internal/v1/transport"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load a .env if present; real deployments set the environment directly.
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logging may not be initialized yet.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "Starting collaboration server", zap.String("port", cfg.ListenPort))

	if collector := os.Getenv("OTEL_COLLECTOR_ADDR"); collector != "" {
		tp, err := tracing.Init(ctx, "collab-server", collector)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled: collector unreachable", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// Cluster adapter; nil Service degrades every call to single-instance
	// no-ops.
	var cluster *bus.Service
	if cfg.ClusterEnabled() {
		cluster, err = bus.NewService(cfg.ClusterAddr(), os.Getenv("CLUSTER_PASSWORD"))
		if err != nil {
			logging.Fatal(ctx, "Failed to connect to cluster store", zap.Error(err))
		}
		defer func() { _ = cluster.Close() }()
	} else {
		logging.Info(ctx, "Cluster adapter disabled, running single-instance")
	}

	validator := buildValidator(ctx, cfg)
	directory := restapi.NewClient(cfg.RestAPIURL)

	var redisClient *redis.Client
	if cluster != nil {
		redisClient = cluster.Client()
	}
	limiter, err := ratelimit.New(cfg.RateLimitWsIP, cfg.RateLimitEvents, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	persistDir := ""
	if cfg.PersistQueues {
		persistDir = cfg.PersistDir
	}
	queues, err := queue.NewManager(queue.Options{
		MaxSize:     cfg.MaxQueueSize,
		MaxAttempts: cfg.MaxRetryAttempts,
		RetryBase:   cfg.RetryBaseDelay,
		TTL:         cfg.MessageTTL,
		PersistDir:  persistDir,
	}, cluster)
	if err != nil {
		logging.Fatal(ctx, "Failed to restore durable queues", zap.Error(err))
	}

	rooms := room.NewManager(cluster, cfg.RoomSalt)
	engine := ot.NewEngine()
	detector := conflict.NewDetector()
	resolver := conflict.NewResolver(nil)

	presenceTracker := presence.NewTracker(func(ctx context.Context, roomID types.RoomIDType, event string, payload any) {
		rooms.Broadcast(ctx, roomID, event, payload, "")
	}, cluster)
	cursorTracker := cursor.NewTracker(func(ctx context.Context, roomID types.RoomIDType, event string, payload any, exclude types.UserIDType) {
		rooms.BroadcastExcludeUser(ctx, roomID, event, payload, exclude)
	})

	var hub *transport.Hub
	notifier := notify.NewDispatcher(queues, func(ctx context.Context, userID types.UserIDType, event string, payload any) bool {
		return hub.SendToUser(ctx, userID, event, payload)
	})
	annotations := annotation.NewBroadcaster(rooms, engine, detector, resolver, notifier, cluster)
	queues.OnRetry(notifier.Redeliver)

	rooms.OnCleanup(engine.RemoveRoom)
	rooms.OnCleanup(cursorTracker.RemoveRoom)
	rooms.OnCleanup(detector.RemoveRoom)
	rooms.OnCleanup(annotations.RemoveRoom)
	rooms.OnCleanup(notifier.RemoveRoom)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("FRONTEND_ORIGIN", []string{"http://localhost:3000"})
	hub = transport.NewHub(transport.Deps{
		Config:      cfg,
		Validator:   validator,
		Directory:   directory,
		Limiter:     limiter,
		Rooms:       rooms,
		Presence:    presenceTracker,
		Cursors:     cursorTracker,
		Annotations: annotations,
		Engine:      engine,
		Queues:      queues,
		Notifier:    notifier,
		Cluster:     cluster,
	}, allowedOrigins)

	go rooms.Run()
	go presenceTracker.Run()
	go cursorTracker.Run()
	go queues.Run()

	fanoutCtx, cancelFanout := context.WithCancel(ctx)
	var fanoutWg sync.WaitGroup
	rooms.StartClusterFanout(fanoutCtx, &fanoutWg)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ws/collab/:projectId", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	health.NewHandler(hub, rooms, cluster, queues).Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.ListenPort,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "HTTP server shutdown failed", zap.Error(err))
	}

	cancelFanout()
	fanoutWg.Wait()

	rooms.Stop()
	presenceTracker.Stop()
	cursorTracker.Stop()
	queues.Stop()

	logging.Info(ctx, "Collaboration server stopped")
}

// buildValidator picks the token validator: JWKS when an issuer domain is
// configured, the shared HMAC secret otherwise, and a mock in dev with
// SKIP_AUTH.
func buildValidator(ctx context.Context, cfg *config.Config) types.TokenValidator {
	if cfg.SkipAuth && cfg.DevelopmentMode {
		logging.Warn(ctx, "SKIP_AUTH enabled: tokens are NOT verified")
		return &auth.MockValidator{}
	}
	if cfg.AuthIssuerDomain != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.AuthIssuerDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "Failed to initialize JWKS validator", zap.Error(err))
		}
		return v
	}
	v, err := auth.NewSecretValidator(cfg.JWTSecret)
	if err != nil {
		logging.Fatal(ctx, "Failed to initialize token validator", zap.Error(err))
	}
	return v
}
