// Package server is the Nexus OS HTTP API: authentication and
// two-factor flows, billing, the Bling ERP integration, dashboard
// data, user management, and the page authorization gate.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nexus-os/nexus/internal/auth"
	"github.com/nexus-os/nexus/internal/billing"
	"github.com/nexus-os/nexus/internal/bling"
	"github.com/nexus-os/nexus/internal/cache"
	"github.com/nexus-os/nexus/internal/config"
	"github.com/nexus-os/nexus/internal/metrics"
	"github.com/nexus-os/nexus/internal/models"
	"github.com/nexus-os/nexus/internal/routes"
)

// Server represents the HTTP server
type Server struct {
	router      *gin.Engine
	db          *gorm.DB
	config      *config.Config
	logger      zerolog.Logger
	validator   *validator.Validate
	asynqClient *asynq.Client
	cache       *cache.Cache
	classifier  *routes.Classifier
	billing     *billing.Client
	bling       *bling.Client
	version     string
}

// New creates a new server instance
func New(cfg *config.Config, zlog zerolog.Logger, version string) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	auth.InitializeJWT(cfg.Auth.JWTSecret)

	db, err := initDatabase(cfg, zlog)
	if err != nil {
		return nil, err
	}

	// Run database migrations
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}

	// Initialize validator
	validate := validator.New()

	// Route registry for the page authorization gate
	classifier, err := routes.NewClassifier()
	if err != nil {
		return nil, err
	}

	// Redis TTL cache (email resend throttle, OAuth state)
	kv, err := cache.New(context.Background(), cfg.Redis.Address)
	if err != nil {
		return nil, err
	}

	// Initialize Asynq client for enqueueing tasks
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: cfg.Redis.Address,
	})

	server := &Server{
		db:          db,
		config:      cfg,
		logger:      zlog,
		validator:   validate,
		asynqClient: asynqClient,
		cache:       kv,
		classifier:  classifier,
		billing:     billing.NewClient(cfg.Billing.APIURL, cfg.Billing.SecretKey, cfg.Billing.WebhookSecret),
		bling:       bling.NewClient(cfg.Bling.APIURL, cfg.Bling.ClientID, cfg.Bling.ClientSecret),
		version:     version,
	}

	server.setupRouter()

	return server, nil
}

// initDatabase initializes the database connection with production settings
func initDatabase(cfg *config.Config, zlog zerolog.Logger) (*gorm.DB, error) {
	const (
		maxOpenConns    = 8
		maxIdleConns    = 4
		connMaxLifetime = 300 * time.Second
		busyTimeout     = 5000
		cacheSize       = 10000
	)

	db, err := gorm.Open(sqlite.Open(cfg.Database.URL), &gorm.Config{
		// Surface unique-constraint violations as gorm.ErrDuplicatedKey
		TranslateError: true,
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				LogLevel:                  logger.Error,
				IgnoreRecordNotFoundError: true,
				SlowThreshold:             200 * time.Millisecond,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode must be set first for optimal concurrency
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		fmt.Sprintf("PRAGMA cache_size=-%d", cacheSize),
		"PRAGMA foreign_keys=1",
		"PRAGMA temp_store=2",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			zlog.Warn().Str("pragma", pragma).Err(err).Msg("Failed to apply pragma")
		}
	}

	return db, nil
}

// setupRouter configures the Gin router with routes and middleware
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)

	s.router = gin.New()

	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())

	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{s.config.App.BaseURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Ops endpoints (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", metrics.Handler())

	// Page routes pass through the authorization gate
	s.registerPages()

	// Public API endpoints
	api := s.router.Group("/api")
	{
		api.POST("/auth/signup", s.signup)
		api.POST("/auth/login", s.login)
		api.POST("/auth/2fa/verify", s.verifyTwoFactorLogin)
		api.POST("/auth/activate", s.activateAccount)
		api.POST("/auth/resend-activation", s.resendActivation)
		api.POST("/auth/password-reset/request", s.requestPasswordReset)
		api.POST("/auth/password-reset/confirm", s.confirmPasswordReset)
		api.POST("/users/invite-verify", s.verifyInvite)
		api.POST("/billing/checkout-anon", s.checkoutAnon)
		api.POST("/billing/webhook", s.billingWebhook)
	}

	// Authenticated API routes (session required)
	private := s.router.Group("/api")
	private.Use(SessionMiddleware(s.db, s.logger))
	{
		private.GET("/auth/session", s.getSession)
		private.GET("/auth/me", s.getCurrentUser)
		private.POST("/auth/2fa/enable", s.enableTwoFactor)
		private.POST("/auth/2fa/confirm", s.confirmTwoFactor)
		private.POST("/auth/2fa/disable", s.disableTwoFactor)

		private.POST("/billing/checkout", s.checkout)
		private.POST("/billing/portal", s.billingPortal)

		private.POST("/bling/connect", s.blingConnect)
		private.GET("/bling/callback", s.blingCallback)
		private.POST("/bling/disconnect", s.blingDisconnect)
		private.GET("/bling/status", s.blingStatus)
		private.POST("/bling/sync", s.blingSync)

		private.GET("/dashboard/alerts", s.dashboardAlerts)
		private.GET("/dashboard/overview-metrics", s.overviewMetrics)
		private.GET("/dashboard/first-impact", s.firstImpact)

		private.GET("/settings", s.getSettings)
		private.PATCH("/settings", s.updateSettings)

		// User management (super admin only)
		userRoutes := private.Group("/users")
		userRoutes.Use(RequireRole(s.logger, auth.RoleSuperAdmin))
		{
			userRoutes.GET("", s.listUsers)
			userRoutes.GET("/:id", s.getUser)
			userRoutes.POST("/invite", s.inviteUser)
		}
	}
}

// loggingMiddleware creates a custom logging middleware using zerolog
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "online",
		"timestamp": time.Now().UTC(),
		"service":   "nexus-api",
	})
}

// GetDB returns the database connection for use by workers
func (s *Server) GetDB() *gorm.DB {
	return s.db
}

// Router returns the configured router (used by tests)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	srv := &http.Server{
		Addr:              s.config.App.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       300 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", s.config.App.ListenAddr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-sigChan
	s.logger.Info().Msg("Received shutdown signal, shutting down gracefully...")

	if err := s.asynqClient.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing Asynq client")
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Error closing Redis connection")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
		return err
	}

	s.logger.Info().Msg("Server shutdown complete")

	// Close database connection to flush WAL writes
	if sqlDB, err := s.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Error closing database")
		}
	}

	return nil
}
