// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rivetgames/sentry/internal/botdetect"
	"github.com/rivetgames/sentry/internal/circuitbreaker"
	"github.com/rivetgames/sentry/internal/config"
	"github.com/rivetgames/sentry/internal/health"
	"github.com/rivetgames/sentry/internal/logging"
	"github.com/rivetgames/sentry/internal/metrics"
	"github.com/rivetgames/sentry/internal/ratelimit"
	"github.com/rivetgames/sentry/internal/reputation"
	"github.com/rivetgames/sentry/internal/risk"
	"github.com/rivetgames/sentry/internal/security"
	"github.com/rivetgames/sentry/internal/thresholds"
	"github.com/rivetgames/sentry/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	policy       *thresholds.Policy
	lists        *risk.Lists
	rateLimiter  *ratelimit.Limiter
	reputation   *reputation.Store
	bots         *botdetect.Classifier
	transactions *risk.TransactionMonitor
	accounts     *risk.AccountMonitor
	items        *risk.ItemMonitor
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	repProvider reputation.Provider // injected for tests

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithReputationProvider sets a custom reputation lookup (for testing)
func WithReputationProvider(p reputation.Provider) Option {
	return func(s *Server) {
		s.repProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Shared detection state
	s.policy = thresholds.Default()
	s.lists = risk.NewLists()
	s.checks = health.NewRegistry()

	// Rate limiter with a stricter override for the admin surface
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		Limit:           cfg.RateLimit,
		Window:          cfg.RateWindow,
		BanThreshold:    cfg.BanThreshold,
		BanDuration:     cfg.BanDuration,
		CleanupInterval: time.Minute,
	}, s.logger)
	if err := s.rateLimiter.AddEndpointLimit(`^/v1/admin/`, adminRateLimit(cfg.RateLimit), cfg.RateWindow); err != nil {
		return nil, fmt.Errorf("failed to configure admin rate limit: %w", err)
	}

	// IP reputation store. An external lookup endpoint is optional; when set
	// it must survive the SSRF checks before we ever dial it.
	repOpts := []reputation.Option{reputation.WithCacheTTL(cfg.ReputationCache)}
	if s.repProvider == nil && cfg.ReputationAPIURL != "" {
		if err := security.ValidateEndpointURL(cfg.ReputationAPIURL); err != nil {
			return nil, fmt.Errorf("invalid reputation API URL: %w", err)
		}
		breaker := circuitbreaker.New("reputation", 5, 30*time.Second)
		s.repProvider = reputation.Guard(
			reputation.NewHTTPProvider(cfg.ReputationAPIURL, cfg.ReputationAPIKey), breaker)
		s.checks.Register("reputation_provider", func(ctx context.Context) health.Status {
			state := breaker.State()
			return health.Status{
				Name:    "reputation_provider",
				Healthy: state != circuitbreaker.StateOpen,
				Detail:  state.String(),
			}
		})
		s.logger.Info("external reputation lookups enabled", "url", cfg.ReputationAPIURL)
	}
	if s.repProvider != nil {
		repOpts = append(repOpts, reputation.WithProvider(s.repProvider))
	}
	s.reputation = reputation.New(s.logger, repOpts...)
	for _, cidr := range cfg.TrustedNetworks {
		if !s.reputation.AddTrustedNetwork(cidr) {
			s.logger.Warn("skipping invalid trusted network", "cidr", cidr)
		}
	}
	for _, cidr := range cfg.BadNetworks {
		if !s.reputation.AddKnownBadNetwork(cidr) {
			s.logger.Warn("skipping invalid bad network", "cidr", cidr)
		}
	}

	// Bot classifier
	s.bots = botdetect.New(s.logger)

	// Risk monitors share the policy and the block/white lists
	s.transactions = risk.NewTransactionMonitor(s.policy, s.lists, s.logger,
		risk.WithTransactionKeyCap(cfg.MaxTrackedKeys))
	s.accounts = risk.NewAccountMonitor(s.policy, s.lists, s.logger,
		risk.WithAccountKeyCap(cfg.MaxTrackedKeys))
	s.items = risk.NewItemMonitor(s.logger,
		risk.WithItemKeyCap(cfg.MaxTrackedKeys))

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// adminRateLimit keeps the admin surface well under the public limit.
func adminRateLimit(publicLimit int) int {
	limit := publicLimit / 4
	if limit < 10 {
		limit = 10
	}
	return limit
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :ip URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.IPParamMiddleware())

	// Risk assessment (the hot path for game servers)
	v1.POST("/risk/transactions", s.recordTransaction)
	v1.POST("/risk/logins", s.recordLogin)
	v1.POST("/risk/items", s.recordItemActivity)
	v1.GET("/risk/users/:userId", s.getUserRisk)

	// Suspicious entity feeds for review tooling
	v1.GET("/risk/suspicious/transactions", s.getSuspiciousTransactions)
	v1.GET("/risk/suspicious/users", s.getSuspiciousUsers)
	v1.GET("/risk/suspicious/ips", s.getSuspiciousIPs)
	v1.GET("/risk/suspicious/items", s.getSuspiciousItems)

	// Cross-entity lookups
	v1.GET("/risk/ips/:ip/accounts", s.getAccountsByIP)
	v1.GET("/risk/users/:userId/ips", s.getIPsByUser)
	v1.GET("/risk/items/:itemId/owners", s.getItemOwners)
	v1.GET("/risk/users/:userId/items", s.getUserItems)

	// IP reputation
	v1.GET("/reputation/:ip", s.getReputation)

	// Bot classification
	v1.POST("/bots/check", s.checkBot)

	// Aggregate stats
	v1.GET("/stats", s.statsHandler)

	// Admin surface: lists, thresholds, bans, networks, bot fingerprints
	admin := v1.Group("/admin")
	{
		admin.POST("/blocklist/:userId", s.addToBlocklist)
		admin.DELETE("/blocklist/:userId", s.removeFromBlocklist)
		admin.POST("/whitelist/:userId", s.addToWhitelist)
		admin.DELETE("/whitelist/:userId", s.removeFromWhitelist)

		admin.GET("/thresholds", s.getThresholds)
		admin.PUT("/thresholds", s.setThreshold)

		admin.POST("/bans", s.banKey)
		admin.GET("/bans/:key", s.getBan)
		admin.DELETE("/bans/:key", s.unbanKey)

		admin.POST("/networks", s.addNetwork)

		admin.GET("/bots/fingerprints", s.listFingerprints)
		admin.POST("/bots/fingerprints", s.addFingerprint)
		admin.POST("/bots/fingerprints/:name/allow", s.allowBot)
		admin.POST("/bots/fingerprints/:name/block", s.blockBot)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Sentry",
		"description": "Risk and abuse detection for game economies",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Runtime metrics (goroutine count etc.)
	metrics.StartRuntimeCollector(runCtx, 15*time.Second)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop rate limiter cleanup goroutine and ban timers
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
