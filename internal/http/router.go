// Package httpapi wires the HTTP transport (Gin) to the callback and debug
// handlers and the shared middleware: tracing, correlation ids, redacted
// access logs, panic recovery, metrics, CORS, compression, security headers
// and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-kf-bridge/docs"
	"github.com/tbourn/go-kf-bridge/internal/config"
	"github.com/tbourn/go-kf-bridge/internal/cooldown"
	"github.com/tbourn/go-kf-bridge/internal/domain"
	"github.com/tbourn/go-kf-bridge/internal/http/handlers"
	"github.com/tbourn/go-kf-bridge/internal/http/middleware"
	"github.com/tbourn/go-kf-bridge/internal/repo"
	"github.com/tbourn/go-kf-bridge/internal/services"
)

// IngestQueue accepts sync batches and reports its backlog.
type IngestQueue interface {
	Submit(services.Batch) error
	Len() int
}

// Deps are the collaborators the routes need. All fields are required.
type Deps struct {
	DB        *gorm.DB
	Crypto    handlers.CallbackCrypto
	Ingest    IngestQueue
	Cooldowns cooldown.Tracker
	Outbox    handlers.OutboxView
}

// storeShim adapts the repository free functions to handlers.DebugStore.
type storeShim struct{ db *gorm.DB }

// GetUser proxies repo.GetUser.
func (s storeShim) GetUser(ctx context.Context, externalID string) (*domain.User, error) {
	return repo.GetUser(ctx, s.db, externalID)
}

// OutboxStats proxies repo.OutboxStats.
func (s storeShim) OutboxStats(ctx context.Context, recipient string) (int64, *time.Time, error) {
	return repo.OutboxStats(ctx, s.db, recipient)
}

// CountUsers proxies repo.CountUsers.
func (s storeShim) CountUsers(ctx context.Context) (int64, error) {
	return repo.CountUsers(ctx, s.db)
}

// CountSeen proxies repo.CountSeen.
func (s storeShim) CountSeen(ctx context.Context) (int64, error) {
	return repo.CountSeen(ctx, s.db)
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs without signatures or credentials
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Security headers
//
// The /debug group additionally gets the per-IP rate limiter, CORS, gzip and
// no-store caching. The callback is never rate limited.
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", handlers.Health)

	cb := handlers.NewCallback(d.Crypto, d.Ingest, cfg.WeCom.OpenKfID)
	r.GET("/wecom/kf/callback", cb.Verify)
	r.POST("/wecom/kf/callback", cb.Receive)

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if !cfg.DebugEnabled {
		return
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP)
	dbg := r.Group("/debug",
		rl.Handler(),
		debugCORS(cfg.CORS.AllowedOrigins),
		gzip.Gzip(gzip.DefaultCompression),
		middleware.SecurityHeaders(middleware.SecurityOptions{
			EnableHSTS: cfg.Security.EnableHSTS,
			HSTSMaxAge: cfg.Security.HSTSMaxAge,
			NoStore:    true,
		}),
	)
	h := handlers.NewDebug(storeShim{db: d.DB}, d.Cooldowns, d.Outbox, d.Ingest)
	dbg.GET("/state", h.State)
	dbg.GET("/ratelimit", h.RateLimit)
	dbg.GET("/outbox", h.Outbox)
	dbg.GET("/stats", h.Stats)
}

// debugCORS allows read-only cross-origin access to the debug JSON. No
// configured origins means any origin, without credentials.
func debugCORS(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Accept", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

// limitBody caps request bodies at maxBytes; larger bodies fail on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
