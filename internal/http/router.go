// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, compression, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
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

	"github.com/tbourn/go-chama-backend/internal/config"
	"github.com/tbourn/go-chama-backend/internal/domain"
	"github.com/tbourn/go-chama-backend/internal/fingerprint"
	"github.com/tbourn/go-chama-backend/internal/http/handlers"
	"github.com/tbourn/go-chama-backend/internal/http/middleware"
	"github.com/tbourn/go-chama-backend/internal/repo"
	"github.com/tbourn/go-chama-backend/internal/services"
)

// sessionRepoShim adapts the repository free functions to the
// services.SessionRepo interface expected by the SessionService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type sessionRepoShim struct{}

// CreateSession proxies repo.CreateSession.
func (sessionRepoShim) CreateSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return repo.CreateSession(ctx, db, s)
}

// SaveSession proxies repo.SaveSession.
func (sessionRepoShim) SaveSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return repo.SaveSession(ctx, db, s)
}

// GetSession proxies repo.GetSession.
func (sessionRepoShim) GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	return repo.GetSession(ctx, db, id)
}

// DeleteSession proxies repo.DeleteSession.
func (sessionRepoShim) DeleteSession(ctx context.Context, db *gorm.DB, id string) error {
	return repo.DeleteSession(ctx, db, id)
}

// ListDraws proxies repo.ListDraws.
func (sessionRepoShim) ListDraws(ctx context.Context, db *gorm.DB, sessionID string) ([]domain.Draw, error) {
	return repo.ListDraws(ctx, db, sessionID)
}

// ListDrawsPage proxies repo.ListDrawsPage (pagination support).
func (sessionRepoShim) ListDrawsPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.Draw, error) {
	return repo.ListDrawsPage(ctx, db, sessionID, offset, limit)
}

// CountDraws proxies repo.CountDraws (pagination support).
func (sessionRepoShim) CountDraws(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	return repo.CountDraws(ctx, db, sessionID)
}

// drawRepoShim adapts the repository free functions to the services.DrawRepo
// interface expected by the DrawService.
type drawRepoShim struct{}

// CreateDraw proxies repo.CreateDraw.
func (drawRepoShim) CreateDraw(ctx context.Context, db *gorm.DB, sessionID, fp string, number int) (*domain.Draw, error) {
	return repo.CreateDraw(ctx, db, sessionID, fp, number)
}

// GetDrawByFingerprint proxies repo.GetDrawByFingerprint.
func (drawRepoShim) GetDrawByFingerprint(ctx context.Context, db *gorm.DB, sessionID, fp string) (*domain.Draw, error) {
	return repo.GetDrawByFingerprint(ctx, db, sessionID, fp)
}

// GetSession proxies repo.GetSession.
func (drawRepoShim) GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	return repo.GetSession(ctx, db, id)
}

// SwapPool proxies repo.SwapPool.
func (drawRepoShim) SwapPool(ctx context.Context, db *gorm.DB, id, expected, next string) error {
	return repo.SwapPool(ctx, db, id, expected, next)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), compression and
// rate limiting, CORS and security headers, health and metrics endpoints, and
// then mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Response compression
//  7. Metrics
//  8. Rate limiter (per fingerprint/IP)
//  9. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction. The fingerprint header is masked
	// by default; the canvas digest is the only free-form signal, so mask it
	// here as well.
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Canvas-Digest"},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Compress responses (export documents benefit the most)
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 7) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 8) Token-bucket rate limiter per fingerprint/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByFingerprintOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders(),
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Content-Disposition"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     corsAllowHeaders(),
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Content-Disposition"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs (off by default)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db
	sessionSvc := services.NewSessionService(db, sessionRepoShim{}, cfg.ShareBaseURL)
	sessionSvc.TTL = cfg.SessionTTL

	drawSvc := services.NewDrawService(db, drawRepoShim{})
	drawSvc.TTL = cfg.SessionTTL
	drawSvc.Delay = cfg.DrawDelay

	h := handlers.New(sessionSvc, drawSvc, cfg.SessionTTL)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	{
		// Sessions
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/results", h.ListResults)
		api.GET("/sessions/:id/export", h.ExportSession)

		// Draws
		api.POST("/sessions/:id/draws", h.PostDraw)
		api.GET("/sessions/:id/draws/me", h.GetMyDraw)
	}
}

// corsAllowHeaders lists the request headers browsers may send, including the
// fingerprint signal headers the web client attaches.
func corsAllowHeaders() []string {
	return []string{
		"Origin", "Content-Type", "Accept", "Accept-Language",
		fingerprint.HeaderFingerprint,
		"X-Screen-Geometry", "X-Color-Depth", "X-Timezone-Offset",
		"X-Canvas-Digest", "X-Hardware-Concurrency", "X-Device-Memory",
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
