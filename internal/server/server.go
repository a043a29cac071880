// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/servilink/servilink/internal/accounts"
	"github.com/servilink/servilink/internal/auth"
	"github.com/servilink/servilink/internal/circuitbreaker"
	"github.com/servilink/servilink/internal/config"
	"github.com/servilink/servilink/internal/gateway"
	"github.com/servilink/servilink/internal/health"
	"github.com/servilink/servilink/internal/logging"
	"github.com/servilink/servilink/internal/metrics"
	"github.com/servilink/servilink/internal/notify"
	"github.com/servilink/servilink/internal/payments"
	"github.com/servilink/servilink/internal/ratelimit"
	"github.com/servilink/servilink/internal/realtime"
	"github.com/servilink/servilink/internal/reconciliation"
	"github.com/servilink/servilink/internal/security"
	"github.com/servilink/servilink/internal/traces"
	"github.com/servilink/servilink/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	gateway        gateway.Gateway
	breaker        *circuitbreaker.Breaker
	paymentsStore  payments.Store
	paymentsSvc    *payments.Service
	accountsSvc    *accounts.Service
	authMgr        *auth.Manager
	dispatcher     *notify.Dispatcher
	notifyStore    notify.Store
	realtimeHub    *realtime.Hub
	reconTimer     *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var accountsStore accounts.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.paymentsStore = payments.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		accountsStore = accounts.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)

		// API keys with Postgres
		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)
	} else {
		s.paymentsStore = payments.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")

		accountsStore = accounts.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
	}

	s.accountsSvc = accounts.NewService(accountsStore)

	// Create gateway if not injected; all processor calls go through a
	// circuit breaker so a processor outage fails fast instead of piling up.
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "op", key, "from", from.String(), "to", to.String())
	})
	if s.gateway == nil {
		s.gateway = gateway.WithBreaker(gateway.NewStripeGateway(cfg.StripeSecretKey), s.breaker)
	}

	// Webhook notification dispatcher
	s.dispatcher = notify.NewDispatcher(s.notifyStore)
	s.logger.Info("webhook notifications enabled")

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Escrow payment service. Lifecycle events fan out to both webhook
	// subscribers and connected WebSocket clients.
	s.paymentsSvc = payments.NewService(s.paymentsStore, s.gateway, s.accountsSvc).
		WithFeeConfig(cfg.FeeConfig()).
		WithCurrency(cfg.Currency).
		WithRefundWindow(cfg.RefundWindow()).
		WithLogger(s.logger).
		WithNotifier(fanoutNotifier{
			notify.NewEmitter(s.dispatcher, s.logger),
			realtime.NewFeed(s.realtimeHub),
		})

	if cfg.TaskServiceURL != "" {
		s.paymentsSvc = s.paymentsSvc.WithTaskCreator(notify.NewTaskClient(cfg.TaskServiceURL, cfg.TaskServiceKey))
		s.logger.Info("task service enabled", "url", cfg.TaskServiceURL)
	}

	// Reconciliation sweeper for payments stuck in pending/processing
	runner := reconciliation.NewRunner(s.paymentsStore, s.paymentsSvc, s.logger)
	s.reconTimer = reconciliation.NewTimer(runner, s.logger).WithInterval(cfg.ReconcileInterval)

	s.logger.Info("API authentication enabled")

	s.setupHealthChecks()

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

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// fanoutNotifier delivers each payment lifecycle event to every sink.
type fanoutNotifier []payments.Notifier

func (f fanoutNotifier) PaymentEvent(ctx context.Context, event string, p *payments.Payment, detail string) {
	for _, n := range f {
		n.PaymentEvent(ctx, event, p, detail)
	}
}

func (s *Server) setupHealthChecks() {
	s.healthChecks = health.NewRegistry()

	s.healthChecks.Register("database", func(ctx context.Context) health.Status {
		if s.db == nil {
			return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
		}
		if err := s.db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	s.healthChecks.Register("gateway", func(ctx context.Context) health.Status {
		// Open breaker on intent creation means the processor is down for
		// the operation that matters most.
		if st := s.breaker.State("create_intent"); st == circuitbreaker.StateOpen {
			return health.Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Name: "gateway", Healthy: true}
	})
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
	limitCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limitCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limitCfg)
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

	// WebSocket for real-time payment event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// Processor webhooks. Signature-verified, never API-key authed: the
	// processor signs its own requests.
	webhookHandler := payments.NewWebhookHandler(s.paymentsSvc, s.cfg.StripeWebhookSecret).WithLogger(s.logger)
	webhookHandler.RegisterRoutes(&s.router.RouterGroup)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.PaymentIDParamMiddleware())

	paymentsHandler := payments.NewHandler(s.paymentsSvc)

	// PUBLIC ROUTES (no auth required)
	// These are the read endpoints
	paymentsHandler.RegisterRoutes(v1)
	v1.GET("/providers/:providerId/account", s.getAccountHandler)

	// AUTH INFO (public)
	authHandler := auth.NewHandler(s.authMgr)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	// These move money or mutate platform state
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	protected.Use(auth.RequireAuth(s.authMgr))
	{
		paymentsHandler.RegisterProtectedRoutes(protected)

		// Provider onboarding
		protected.POST("/providers/:providerId/account", s.linkAccountHandler)

		// Webhook notification subscriptions
		notifyHandler := notify.NewHandler(s.notifyStore, s.dispatcher)
		notifyHandler.RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentClient)
	}

	// ADMIN ROUTES
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr))
	admin.Use(auth.RequireAdmin())
	{
		admin.POST("/reconcile", s.reconcileNowHandler)
		admin.GET("/ws/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, s.realtimeHub.Stats())
		})
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.healthChecks.CheckAll(ctx)

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
	if !ok {
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
		"name":        "ServiLink",
		"description": "Escrow payment engine for service marketplaces",
		"version":     "0.1.0",
		"currency":    s.cfg.Currency,
	})
}

// LinkAccountRequest for connecting a provider to its payout account
type LinkAccountRequest struct {
	ExternalAccountID string `json:"externalAccountId" binding:"required"`
	PayoutsEnabled    bool   `json:"payoutsEnabled"`
}

func (s *Server) linkAccountHandler(c *gin.Context) {
	providerID := c.Param("providerId")

	var req LinkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	acct, err := s.accountsSvc.Link(c.Request.Context(), providerID, req.ExternalAccountID, req.PayoutsEnabled)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidAccountID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account_id",
				"message": "externalAccountId must be a non-empty connected account id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to link account",
		})
		return
	}

	c.JSON(http.StatusOK, acct)
}

func (s *Server) getAccountHandler(c *gin.Context) {
	providerID := c.Param("providerId")

	acct, err := s.accountsSvc.Get(c.Request.Context(), providerID)
	if err != nil {
		if errors.Is(err, accounts.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No payout account linked for this provider",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}

	c.JSON(http.StatusOK, acct)
}

// reconcileNowHandler triggers an immediate reconciliation sweep
func (s *Server) reconcileNowHandler(c *gin.Context) {
	runner := reconciliation.NewRunner(s.paymentsStore, s.paymentsSvc, s.logger)
	result, err := runner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start reconciliation sweeper
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
	}

	// Periodic database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, sweeper)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation sweeper
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation sweeper stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
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
