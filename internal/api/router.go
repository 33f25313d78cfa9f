// Package api wires together all HTTP routes for the portal's operational
// integrity backend.
//
// Route grouping philosophy:
//   - System routes (/health, /ready, /version) are unauthenticated probes for
//     load balancers and orchestration.
//   - Everything under /api/v1/ carries the full middleware chain: request IDs,
//     metrics, structured logging, CORS, security headers, rate limiting, and
//     the audit middleware that records every mutating request in the trail.
package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/domestica-portal/domestica-portal/internal/api/auditlogs"
	"github.com/domestica-portal/domestica-portal/internal/api/backups"
	"github.com/domestica-portal/domestica-portal/internal/api/webhooks"
	"github.com/domestica-portal/domestica-portal/internal/audit"
	"github.com/domestica-portal/domestica-portal/internal/backup"
	"github.com/domestica-portal/domestica-portal/internal/config"
	"github.com/domestica-portal/domestica-portal/internal/crypto"
	"github.com/domestica-portal/domestica-portal/internal/jobs"
	"github.com/domestica-portal/domestica-portal/internal/kvstore"
	"github.com/domestica-portal/domestica-portal/internal/middleware"
	"github.com/domestica-portal/domestica-portal/internal/safego"
	"github.com/domestica-portal/domestica-portal/internal/storage"
	"github.com/domestica-portal/domestica-portal/internal/webhook"

	// Import storage backends to register them
	_ "github.com/domestica-portal/domestica-portal/internal/storage/local"
	_ "github.com/domestica-portal/domestica-portal/internal/storage/s3"
)

// Services aggregates the three core services built over the shared key/value
// store. Handlers receive these; background jobs drive them.
type Services struct {
	Audits   *audit.Service
	Backups  *backup.Service
	Webhooks *webhook.Service
}

// NewServices builds the audit, webhook, and backup services over the given
// store, loading any persisted state. The backup service gets the storage
// backends selected by the configured destination and, when encryption is
// enabled, a cipher derived from the master key.
func NewServices(ctx context.Context, cfg *config.Config, store kvstore.Store) (*Services, error) {
	audits, err := audit.New(ctx, store, cfg.Audit.MaxEntries, cfg.Audit.MaxCriticalEntries, cfg.Audit.Enabled)
	if err != nil {
		return nil, fmt.Errorf("initializing audit service: %w", err)
	}

	hooks, err := webhook.New(ctx, store, webhook.Options{
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		RetryBaseDelay:  cfg.Webhook.RetryBaseDelay,
		DeliveryTimeout: cfg.Webhook.DeliveryTimeout,
		ProbeTimeout:    cfg.Webhook.ProbeTimeout,
		HistorySize:     cfg.Webhook.HistorySize,
	}, audits)
	if err != nil {
		return nil, fmt.Errorf("initializing webhook service: %w", err)
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}

	var cipher backup.Cipher
	if cfg.Backup.MasterKey != "" {
		key, err := decodeMasterKey(cfg.Backup.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decoding backup master key: %w", err)
		}
		pc, err := crypto.NewPayloadCipher(key)
		if err != nil {
			return nil, fmt.Errorf("initializing backup cipher: %w", err)
		}
		cipher = pc
	}

	bkps, err := backup.New(ctx, store, backends, cipher, audits, backup.Config{
		Frequency:     cfg.Backup.Frequency,
		Time:          cfg.Backup.Time,
		RetentionDays: cfg.Backup.RetentionDays,
		Compress:      cfg.Backup.Compress,
		Encrypt:       cfg.Backup.Encrypt,
		Destination:   cfg.Backup.Destination,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing backup service: %w", err)
	}

	// A restore rewrites the store underneath the in-memory services, so they
	// reload from it afterwards.
	bkps.RegisterRestoreHook(audits.Reload)
	bkps.RegisterRestoreHook(hooks.Reload)

	return &Services{Audits: audits, Backups: bkps, Webhooks: hooks}, nil
}

// buildBackends maps the configured backup destination onto storage backends.
// Changing the destination at runtime takes effect after a restart.
func buildBackends(cfg *config.Config) ([]storage.Storage, error) {
	var names []string
	switch cfg.Backup.Destination {
	case backup.DestLocal:
		names = []string{"local"}
	case backup.DestCloud:
		names = []string{"s3"}
	case backup.DestBoth:
		names = []string{"local", "s3"}
	default:
		return nil, fmt.Errorf("unknown backup destination: %s", cfg.Backup.Destination)
	}

	backends := make([]storage.Storage, 0, len(names))
	for _, name := range names {
		backend, err := storage.NewBackend(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing %s storage backend: %w", name, err)
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

// decodeMasterKey accepts the base64url-encoded AES-256 key with or without
// padding.
func decodeMasterKey(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	scheduler    *jobs.BackupScheduler
	sweeper      *jobs.RetentionSweeper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.scheduler != nil {
		bg.scheduler.Stop()
	}
	if bg.sweeper != nil {
		bg.sweeper.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	store := kvstore.NewPostgres(db)

	svcs, err := NewServices(context.Background(), cfg, store)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}
	log.Printf("Initialized services (backup destination: %s)", cfg.Backup.Destination)

	// The scheduler owns the backup timetable; configuration changes nudge it
	// through the reschedule hook.
	scheduler := jobs.NewBackupScheduler(svcs.Backups, store)
	svcs.Backups.SetRescheduleFunc(scheduler.Reschedule)
	safego.Go(func() { scheduler.Start(context.Background()) })

	sweeper := jobs.NewRetentionSweeper(svcs.Audits, svcs.Backups, cfg.Audit.RetentionDays, 24*time.Hour)
	safego.Go(func() { sweeper.Start(context.Background()) })

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
		BurstSize:         cfg.Security.RateLimiting.Burst,
		CleanupInterval:   5 * time.Minute,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Probe endpoints stay outside the rate-limited API group.
	probeBackend, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, probeBackend))
	router.GET("/version", versionHandler())

	auditHandlers := auditlogs.NewHandlers(svcs.Audits)
	backupHandlers := backups.NewHandlers(svcs.Backups)
	webhookHandlers := webhooks.NewHandlers(svcs.Webhooks)

	v1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		v1.Use(middleware.RateLimitMiddleware(rateLimiter))
	}
	v1.Use(middleware.AuditMiddleware(svcs.Audits))
	{
		auditoria := v1.Group("/auditoria")
		{
			auditoria.GET("", auditHandlers.Search)
			auditoria.GET("/critico", auditHandlers.Critical)
			auditoria.GET("/stats", auditHandlers.Stats)
			auditoria.GET("/export", auditHandlers.Export)
			auditoria.POST("/cleanup", auditHandlers.Cleanup)
			auditoria.PUT("/habilitado", auditHandlers.SetEnabled)
		}

		bkp := v1.Group("/backups")
		{
			bkp.GET("", backupHandlers.List)
			bkp.GET("/config", backupHandlers.GetConfig)
			bkp.PUT("/config", backupHandlers.PutConfig)
			bkp.GET("/stats", backupHandlers.Stats)
			bkp.POST("/cleanup", backupHandlers.Cleanup)
			bkp.POST("/:tipo", backupHandlers.Execute)
			bkp.POST("/:tipo/restore", backupHandlers.Restore)
		}

		wh := v1.Group("/webhooks")
		{
			wh.POST("", webhookHandlers.Create)
			wh.GET("", webhookHandlers.List)
			wh.GET("/historico", webhookHandlers.History)
			wh.GET("/stats", webhookHandlers.Stats)
			wh.POST("/:id/activate", webhookHandlers.Activate)
			wh.POST("/:id/deactivate", webhookHandlers.Deactivate)
		}

		v1.POST("/eventos", webhookHandlers.IngestEvent)
	}

	bg := &BackgroundServices{
		scheduler:    scheduler,
		sweeper:      sweeper,
		rateLimiters: []*middleware.RateLimiter{rateLimiter},
	}
	return router, bg
}

// RegisterRoutes mounts the API route groups on the given engine without the
// middleware chain or background jobs. Used by tests that exercise handlers
// over an in-memory store.
func RegisterRoutes(router *gin.Engine, svcs *Services) {
	auditHandlers := auditlogs.NewHandlers(svcs.Audits)
	backupHandlers := backups.NewHandlers(svcs.Backups)
	webhookHandlers := webhooks.NewHandlers(svcs.Webhooks)

	v1 := router.Group("/api/v1")

	auditoria := v1.Group("/auditoria")
	auditoria.GET("", auditHandlers.Search)
	auditoria.GET("/critico", auditHandlers.Critical)
	auditoria.GET("/stats", auditHandlers.Stats)
	auditoria.GET("/export", auditHandlers.Export)
	auditoria.POST("/cleanup", auditHandlers.Cleanup)
	auditoria.PUT("/habilitado", auditHandlers.SetEnabled)

	bkp := v1.Group("/backups")
	bkp.GET("", backupHandlers.List)
	bkp.GET("/config", backupHandlers.GetConfig)
	bkp.PUT("/config", backupHandlers.PutConfig)
	bkp.GET("/stats", backupHandlers.Stats)
	bkp.POST("/cleanup", backupHandlers.Cleanup)
	bkp.POST("/:tipo", backupHandlers.Execute)
	bkp.POST("/:tipo/restore", backupHandlers.Restore)

	wh := v1.Group("/webhooks")
	wh.POST("", webhookHandlers.Create)
	wh.GET("", webhookHandlers.List)
	wh.GET("/historico", webhookHandlers.History)
	wh.GET("/stats", webhookHandlers.Stats)
	wh.POST("/:id/activate", webhookHandlers.Activate)
	wh.POST("/:id/deactivate", webhookHandlers.Deactivate)

	v1.POST("/eventos", webhookHandlers.IngestEvent)
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a Kubernetes readiness gate fails when backup writes would error.
func readinessHandler(db *sql.DB, storageBackend storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Check storage backend — probe with a known-absent sentinel path.
		// Exists() exercises authentication and network connectivity without
		// creating any state.
		if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the global
	// handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Usuario, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
