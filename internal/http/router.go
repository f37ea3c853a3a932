// Package httpapi wires the HTTP surface: ingestion endpoints, outbox
// introspection, health and metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-watchbot/internal/config"
	"github.com/tbourn/go-watchbot/internal/domain"
	"github.com/tbourn/go-watchbot/internal/http/handlers"
	"github.com/tbourn/go-watchbot/internal/http/middleware"
	"github.com/tbourn/go-watchbot/internal/repo"
	"github.com/tbourn/go-watchbot/internal/services"
)

const maxBodyBytes = 1 << 20

// outboxShim adapts the repo outbox queries to handlers.OutboxReader.
type outboxShim struct {
	db  *gorm.DB
	now func() time.Time
}

func (s outboxShim) Stats(ctx context.Context) (*repo.OutboxStats, error) {
	return repo.GetOutboxStats(ctx, s.db, s.now())
}

func (s outboxShim) FailuresPage(ctx context.Context, page, pageSize int) ([]domain.DeliveryFailure, int64, error) {
	total, err := repo.CountFailures(ctx, s.db)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListFailuresPage(ctx, s.db, (page-1)*pageSize, pageSize)
	return items, total, err
}

// RegisterRoutes installs middleware and routes on r.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, batches *services.BatchService, ingest *services.IngestService, cfg config.Config, lg zerolog.Logger) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{
		Base:        &lg,
		MaskHeaders: []string{"X-Telegram-Bot-Api-Secret-Token", "Notion-Token"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// ACAO: * even without an Origin header, so plain health checks see it.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.CORS.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			middleware.LoggerFrom(c).Error().Err(err).Msg("health check: database ping failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	now := batches.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	h := handlers.New(ingest, batches, outboxShim{db: db, now: now})
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByPlatformOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(rl.Handler())
	{
		api.POST("/users/:platform_id/batches", h.OpenBatch)
		api.POST("/users/:platform_id/resources", h.RecordResource)

		api.GET("/batches/:id", h.GetBatch)
		api.POST("/batches/:id/resources", h.AttachResource)
		api.POST("/batches/:id/commit", h.CommitBatch)
		api.POST("/batches/:id/rollback", h.RollbackBatch)
		api.PUT("/batches/:id/title", h.SetTitle)

		api.GET("/outbox/stats", h.OutboxStats)
		api.GET("/outbox/failures", h.ListFailures)
	}
}

func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
