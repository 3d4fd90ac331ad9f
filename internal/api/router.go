// Package api wires together all HTTP routes for the code lifecycle engine.
//
// Route grouping philosophy:
//   - The verify endpoint (/v1/verify/) is intentionally unauthenticated. Anyone
//     holding a stamped document must be able to check its code without
//     credentials; the endpoint is rate limited instead.
//   - File serving (/v1/files/) backs the URLs the local storage backend hands
//     out and is likewise public.
//   - Everything else lives under /api/v1/ and requires a service key or JWT
//     with the appropriate scope.
package api

import (
	"context"
	"database/sql"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/sello-registry/sello/internal/auth"
	"github.com/sello-registry/sello/internal/config"
	"github.com/sello-registry/sello/internal/db/repositories"
	"github.com/sello-registry/sello/internal/dispatch"
	"github.com/sello-registry/sello/internal/jobs"
	"github.com/sello-registry/sello/internal/lifecycle"
	"github.com/sello-registry/sello/internal/middleware"
	"github.com/sello-registry/sello/internal/qr"
	"github.com/sello-registry/sello/internal/scan"
	"github.com/sello-registry/sello/internal/services"
	"github.com/sello-registry/sello/internal/storage"
	"github.com/sello-registry/sello/internal/template"
	"github.com/sello-registry/sello/internal/validation"

	// Import storage backends to register them
	_ "github.com/sello-registry/sello/internal/storage/azure"
	_ "github.com/sello-registry/sello/internal/storage/gcs"
	_ "github.com/sello-registry/sello/internal/storage/local"
	_ "github.com/sello-registry/sello/internal/storage/s3"
)

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	expiryJob     *jobs.CodeExpiryJob
	rateLimiters  []*middleware.RateLimiter
	redisLimiter  *middleware.RedisRateLimiter
	templateStore io.Closer
	shipper       dispatch.Shipper
}

// Shutdown stops all background goroutines and flushes the event shipper. It
// should be called after the HTTP server has been shut down so that in-flight
// requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.expiryJob != nil {
		bg.expiryJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.redisLimiter != nil {
		if err := bg.redisLimiter.Close(); err != nil {
			slog.Warn("failed to close redis rate limiter", "error", err)
		}
	}
	if bg.templateStore != nil {
		if err := bg.templateStore.Close(); err != nil {
			slog.Warn("failed to close template store", "error", err)
		}
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("failed to close event shipper", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	// Initialize storage backend
	storageBackend, err := storage.NewStorage(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}
	log.Printf("Initialized storage backend: %s", cfg.Storage.DefaultBackend)

	// Initialize repositories
	qrRepo := repositories.NewQRCodeRepository(db)
	docRepo := repositories.NewDocumentRepository(db)
	eventRepo := repositories.NewScanEventRepository(db)
	keyRepo := repositories.NewServiceKeyRepository(db)

	// Wrap *sql.DB with sqlx for the document type repository
	sqlxDB := sqlx.NewDb(db, "postgres")
	docTypeRepo := repositories.NewDocumentTypeRepository(sqlxDB)

	// Transition event shipper (optional)
	var shipper dispatch.Shipper
	if cfg.Dispatch.Enabled {
		ms, err := dispatch.NewMultiShipper(shipperConfigs(cfg.Dispatch.Shippers))
		if err != nil {
			log.Fatalf("Failed to initialize event shippers: %v", err)
		}
		shipper = ms
	}

	// Core lifecycle services
	manager := lifecycle.NewManager(qrRepo, shipper)
	generator := qr.NewGenerator(manager, docTypeRepo, qr.Config{
		TokenPrefix:          cfg.QR.TokenPrefix,
		MaxCollisionRetry:    cfg.QR.MaxCollisionRetry,
		DefaultRenderSize:    cfg.QR.DefaultSize,
		DefaultRecoveryLevel: cfg.QR.DefaultRecoveryLevel,
	})
	validator := validation.NewService(manager)

	// Template store: local directory (watched) or the storage backend
	var templateStore template.Store
	var templateCloser io.Closer
	switch cfg.Template.Source {
	case "storage":
		templateStore = template.NewBackendStore(storageBackend, cfg.Template.StoragePrefix)
	default:
		localStore, err := template.NewLocalStore(cfg.Template.LocalDir)
		if err != nil {
			log.Fatalf("Failed to initialize template store: %v", err)
		}
		templateStore = localStore
		templateCloser = localStore
	}
	binder := template.NewBinder(templateStore, manager, docTypeRepo)

	// Scan intake pipeline
	extractor := scan.NewExtractor(scan.Config{
		UpscaleFactor:  cfg.Scan.UpscaleFactor,
		MaxRotations:   cfg.Scan.MaxRotations,
		ContrastLow:    cfg.Scan.ContrastLow,
		ContrastHigh:   cfg.Scan.ContrastHigh,
		MaxPageWorkers: cfg.Scan.MaxPageWorkers,
	})
	maxUploadSize := int64(cfg.Scan.MaxUploadSizeMB) << 20
	registrar := services.NewRegistrar(
		extractor, validator, manager,
		docRepo, docTypeRepo, eventRepo,
		storageBackend, cfg.Scan.FileTimeout, maxUploadSize,
	)

	// Initialize and start the code expiry sweep
	expiryJob := jobs.NewCodeExpiryJob(manager, qrRepo, &cfg.Notifications)
	go expiryJob.Start(context.Background())
	log.Println("Code expiry job started")

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeaders()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes storage backend probe)
	router.GET("/ready", readinessHandler(db, storageBackend))

	// API version
	router.GET("/version", versionHandler())

	// Initialize handlers
	codeHandlers := NewCodeHandlers(generator, manager, qrRepo)
	documentHandlers := NewDocumentHandlers(binder, manager)
	scanHandlers := NewScanHandlers(registrar, maxUploadSize)
	verifyHandlers := NewVerifyHandlers(validator)
	eventHandlers := NewEventHandlers(eventRepo)
	serviceKeyHandlers := NewServiceKeyHandlers(cfg, keyRepo)
	documentTypeHandlers := NewDocumentTypeHandlers(docTypeRepo)

	// Initialize rate limiters
	generalRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	verifyRateLimiter := middleware.NewRateLimiter(middleware.VerifyRateLimitConfig())
	uploadRateLimiter := middleware.NewRateLimiter(middleware.UploadRateLimitConfig())

	// The public verify endpoint uses a Redis-backed limiter when configured so
	// that the per-IP budget holds across replicas.
	var redisLimiter *middleware.RedisRateLimiter
	verifyLimit := middleware.RateLimitMiddleware(verifyRateLimiter)
	if cfg.Security.RateLimiting.Enabled && cfg.Security.RateLimiting.RedisAddr != "" {
		redisLimiter = middleware.NewRedisRateLimiter(cfg.Security.RateLimiting)
		verifyLimit = redisLimiter.Middleware()
	}

	// Public verification endpoint. Optional auth so authenticated callers get
	// attributed in the usage log.
	verifyGroup := router.Group("/v1/verify")
	verifyGroup.Use(middleware.OptionalAuthMiddleware(cfg, keyRepo))
	verifyGroup.Use(verifyLimit)
	{
		verifyGroup.GET("/:code", verifyHandlers.VerifyCodeHandler())
	}

	// File serving endpoint for local storage without ServeDirectly
	router.GET("/v1/files/*filepath", ServeFileHandler(storageBackend))

	// Authenticated API endpoints
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(cfg, keyRepo))
	apiV1.Use(middleware.RateLimitMiddleware(generalRateLimiter))
	{
		// Code lifecycle
		apiV1.POST("/codes",
			middleware.RequireScope(auth.ScopeCodesGenerate),
			codeHandlers.GenerateCodesHandler())
		apiV1.GET("/codes",
			middleware.RequireScope(auth.ScopeCodesRead),
			codeHandlers.ListCodesHandler())
		apiV1.GET("/codes/:code",
			middleware.RequireScope(auth.ScopeCodesRead),
			codeHandlers.GetCodeHandler())
		apiV1.GET("/codes/:code/raster",
			middleware.RequireScope(auth.ScopeCodesRead),
			codeHandlers.GetRasterHandler())
		apiV1.POST("/codes/:code/revoke",
			middleware.RequireScope(auth.ScopeCodesRevoke),
			codeHandlers.RevokeCodeHandler())
		apiV1.GET("/stats/codes",
			middleware.RequireScope(auth.ScopeCodesRead),
			codeHandlers.GetCodeStatsHandler())

		// Document rendering
		apiV1.POST("/documents/render",
			middleware.RequireScope(auth.ScopeDocumentsRender),
			documentHandlers.RenderDocumentHandler())
		apiV1.GET("/documents/:id/code",
			middleware.RequireScope(auth.ScopeCodesRead),
			codeHandlers.GetDocumentCodeHandler())

		// Scan intake - stricter rate limit for uploads
		apiV1.POST("/scans/extract",
			middleware.RateLimitMiddleware(uploadRateLimiter),
			middleware.RequireScope(auth.ScopeScansExtract),
			scanHandlers.ExtractScanHandler())
		apiV1.POST("/scans/register",
			middleware.RateLimitMiddleware(uploadRateLimiter),
			middleware.RequireScope(auth.ScopeScansRegister),
			scanHandlers.RegisterScanHandler())

		// Scan event trail
		apiV1.GET("/events",
			middleware.RequireScope(auth.ScopeEventsRead),
			eventHandlers.ListEventsHandler())

		// Document type administration
		apiV1.GET("/document-types",
			middleware.RequireScope(auth.ScopeCodesRead),
			documentTypeHandlers.ListDocumentTypesHandler())
		apiV1.GET("/document-types/:id",
			middleware.RequireScope(auth.ScopeCodesRead),
			documentTypeHandlers.GetDocumentTypeHandler())
		apiV1.POST("/document-types",
			middleware.RequireScope(auth.ScopeAdmin),
			documentTypeHandlers.CreateDocumentTypeHandler())
		apiV1.PUT("/document-types/:id/placement",
			middleware.RequireScope(auth.ScopeAdmin),
			documentTypeHandlers.UpdatePlacementHandler())

		// Service key management
		keysGroup := apiV1.Group("/service-keys")
		keysGroup.Use(middleware.RequireScope(auth.ScopeServiceKeysManage))
		{
			keysGroup.GET("", serviceKeyHandlers.ListServiceKeysHandler())
			keysGroup.POST("", serviceKeyHandlers.CreateServiceKeyHandler())
			keysGroup.GET("/:id", serviceKeyHandlers.GetServiceKeyHandler())
			keysGroup.DELETE("/:id", serviceKeyHandlers.DeleteServiceKeyHandler())
		}
	}

	bg := &BackgroundServices{
		expiryJob:     expiryJob,
		rateLimiters:  []*middleware.RateLimiter{generalRateLimiter, verifyRateLimiter, uploadRateLimiter},
		redisLimiter:  redisLimiter,
		templateStore: templateCloser,
		shipper:       shipper,
	}

	return router, bg
}

// shipperConfigs maps the viper-shaped dispatch config onto the shipper
// package's own config type.
func shipperConfigs(in []config.DispatchShipperConfig) []dispatch.ShipperConfig {
	out := make([]dispatch.ShipperConfig, 0, len(in))
	for _, sc := range in {
		c := dispatch.ShipperConfig{
			Enabled: sc.Enabled,
			Type:    sc.Type,
		}
		if sc.Webhook != nil {
			c.Webhook = &dispatch.WebhookConfig{
				URL:           sc.Webhook.URL,
				Headers:       sc.Webhook.Headers,
				Timeout:       time.Duration(sc.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     sc.Webhook.BatchSize,
				FlushInterval: time.Duration(sc.Webhook.FlushInterval) * time.Second,
			}
		}
		if sc.File != nil {
			c.File = &dispatch.FileConfig{
				Path:       sc.File.Path,
				MaxSizeMB:  sc.File.MaxSizeMB,
				MaxBackups: sc.File.MaxBackups,
			}
		}
		out = append(out, c)
	}
	return out
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
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

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database and storage connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: what is not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a Kubernetes readiness gate fails when archive writes would error.
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

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
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
		slog.String("request_id", middleware.RequestID(c)),
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
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
