package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/internal/dbpool"
	"github.com/streamgate/streamgate/internal/middleware"
	"github.com/streamgate/streamgate/internal/security"
)

// Hub is the part of *hub.Hub the router serves.
type Hub interface {
	Attacher
	Publisher
}

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Log           *logrus.Logger
	Hub           Hub
	Redis         Pinger
	Pool          *dbpool.Pool      // nil without DATABASE_URL
	Audit         AuditRepository   // nil without DATABASE_URL
	Lockouts      security.Lockouts // per-process when nil
	JWTSecret     string
	PublishSecret string
	CORSOrigins   []string
	Version       string
	// Retry is advertised to SSE clients as their reconnect delay.
	Retry time.Duration
}

// Router-level limits.
const (
	maxBodySize = 1 << 20 // 1 MB
	rateLimit   = 100     // requests per second per IP
	rateBurst   = 200     // token bucket burst size

	apiPrefix = "/api/v1"

	// Stream opens per user. A healthy client reconnects with backoff; a
	// loop of immediate reconnects would churn the registry.
	streamOpenRate  = 1
	streamOpenBurst = 10
)

// setupMiddleware configures all middleware on the Gin engine.
func setupMiddleware(ctx context.Context, r *gin.Engine, deps *RouterDeps) {
	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Last-Event-ID"},
		MaxAge:           1 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(middleware.NewRateLimiter(ctx, "ip", rateLimit, rateBurst, middleware.ByClientIP).Handler())
	r.Use(middleware.HTTPMetrics(apiPrefix+"/stream", apiPrefix+"/ws"))
}

// registerRoutes sets up all API route handlers on the given router group.
func registerRoutes(ctx context.Context, api *gin.RouterGroup, deps *RouterDeps) {
	log := deps.Log

	health := NewHealthHandler(deps.Redis, deps.Pool, deps.Hub, log, deps.Version)
	streams := NewStreamHandler(deps.Hub, log, deps.Retry, deps.CORSOrigins)
	publish := NewPublishHandler(deps.Hub, log)

	// Health and readiness are unauthenticated.
	api.GET("/health", health.Liveness)
	api.GET("/ready", health.Readiness)

	lockouts := deps.Lockouts
	if lockouts == nil {
		lockouts = security.NewMemoryLockouts(ctx, security.DefaultPolicy)
	}
	locked := middleware.RejectLockedOut(lockouts, log)

	// Internal producers sign their request bodies instead of holding tokens.
	internal := api.Group("/internal", locked)
	internal.POST("/publish", middleware.RequireSignature(deps.PublishSecret, log, lockouts), publish.Publish)

	// All other API routes require a user token.
	authed := api.Group("", locked, middleware.JWTAuth(middleware.NewTokenVerifier(deps.JWTSecret), log, lockouts))
	opens := middleware.NewRateLimiter(ctx, "stream_open", streamOpenRate, streamOpenBurst, middleware.ByUser).Handler()
	authed.GET("/stream", opens, streams.SSE)
	authed.GET("/ws", opens, streams.WebSocket)

	if deps.Audit != nil {
		authed.GET("/audit", NewAuditHandler(deps.Audit, log).Query)
	}
}

// NewRouter creates and configures the Gin engine with all middleware and routes.
func NewRouter(ctx context.Context, deps *RouterDeps) http.Handler {
	r := gin.New()
	setupMiddleware(ctx, r, deps)
	registerRoutes(ctx, r.Group(apiPrefix), deps)

	return r
}
