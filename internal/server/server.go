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
	"github.com/pressly/goose/v3"

	"github.com/rodrigojille/kustodia-sub014/internal/admin"
	"github.com/rodrigojille/kustodia-sub014/internal/auth"
	"github.com/rodrigojille/kustodia-sub014/internal/bankrail"
	"github.com/rodrigojille/kustodia-sub014/internal/circuitbreaker"
	"github.com/rodrigojille/kustodia-sub014/internal/config"
	"github.com/rodrigojille/kustodia-sub014/internal/custodian"
	"github.com/rodrigojille/kustodia-sub014/internal/custody"
	"github.com/rodrigojille/kustodia-sub014/internal/dispute"
	"github.com/rodrigojille/kustodia-sub014/internal/health"
	"github.com/rodrigojille/kustodia-sub014/internal/lockledger"
	"github.com/rodrigojille/kustodia-sub014/internal/logging"
	"github.com/rodrigojille/kustodia-sub014/internal/metrics"
	"github.com/rodrigojille/kustodia-sub014/internal/payment"
	"github.com/rodrigojille/kustodia-sub014/internal/provider"
	"github.com/rodrigojille/kustodia-sub014/internal/ratelimit"
	"github.com/rodrigojille/kustodia-sub014/internal/realtime"
	"github.com/rodrigojille/kustodia-sub014/internal/reconciliation"
	"github.com/rodrigojille/kustodia-sub014/internal/security"
	"github.com/rodrigojille/kustodia-sub014/internal/validation"
	"github.com/rodrigojille/kustodia-sub014/internal/webhooks"
	"github.com/rodrigojille/kustodia-sub014/migrations"
)

const webhookNonceWindow = 5 * time.Minute

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	authMgr       *auth.Manager
	payments      *payment.Engine
	sweeper       *payment.Timer
	disputes      *dispute.Engine
	chainCustody  *custody.ChainContract // nil with ledger custody
	inbox         webhooks.Inbox
	processor     *webhooks.Processor
	emitter       *webhooks.Emitter
	realtimeHub   *realtime.Hub
	reconciler    *reconciliation.Runner
	reconcileLoop *reconciliation.Timer
	rateLimiter   *ratelimit.Limiter
	healthChecks  *health.Registry

	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		paymentStore interface {
			payment.Store
			payment.EscrowStore
			payment.EventStore
			lockledger.Store
		}
		disputeStore dispute.Store
		custodyStore custody.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, fmt.Errorf("failed to set migration dialect: %w", err)
		}
		if err := goose.UpContext(ctx, db, "."); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		paymentStore = payment.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		custodyStore = custody.NewPostgresStore(db)
		s.inbox = webhooks.NewPostgresInbox(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		paymentStore = payment.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		custodyStore = custody.NewMemoryStore()
		s.inbox = webhooks.NewMemoryInbox()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// One breaker for both adapters; entries are keyed by provider name.
	breaker := circuitbreaker.New(5, 30*time.Second)
	rail := bankrail.NewClient(cfg.BankRailURL, cfg.BankRailAPIKey, cfg.BankRailAPISecret, provider.WithBreaker(breaker))
	cust := custodian.NewClient(cfg.CustodianURL, cfg.CustodianAPIKey, cfg.CustodianAPISecret, provider.WithBreaker(breaker))

	var contract custody.Contract
	if cfg.UsesChainCustody() {
		chain, err := custody.NewChainContract(custody.ChainConfig{
			RPCURL:        cfg.ChainRPCURL,
			PrivateKey:    cfg.PrivateKey,
			ChainID:       cfg.ChainID,
			Contract:      cfg.CustodyContract,
			BridgeWallet:  cfg.BridgeWallet,
			TokenDecimals: cfg.TokenDecimals,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect custody contract: %w", err)
		}
		s.chainCustody = chain
		contract = chain
		s.logger.Info("using on-chain custody", "contract", cfg.CustodyContract, "chain_id", cfg.ChainID)
	} else {
		contract = custody.NewLedgerContract(custodyStore)
		s.logger.Info("using ledger custody")
	}

	// Notifications: every state change reaches websocket subscribers; the
	// signed sink is optional.
	if cfg.NotificationSinkURL != "" && cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.NotificationSinkURL); err != nil {
			return nil, fmt.Errorf("NOTIFICATION_SINK_URL: %w", err)
		}
	}
	s.realtimeHub = realtime.NewHub(s.logger)
	s.emitter = webhooks.NewEmitter(cfg.NotificationSinkURL, cfg.NotificationSecret, s.logger).WithFeed(s.realtimeHub)

	engineCfg := payment.DefaultConfig()
	engineCfg.CommissionPercent = cfg.PlatformCommissionPercent
	engineCfg.WithdrawalTimeout = cfg.WithdrawalTimeout
	engineCfg.WithdrawalMaxAttempts = cfg.WithdrawalMaxAttempts
	engineCfg.AdapterMaxAttempts = cfg.AdapterMaxAttempts
	engineCfg.AdapterBaseDelay = cfg.AdapterBaseDelay
	engineCfg.AllowForceExpire = !cfg.IsProduction()

	s.payments = payment.NewEngine(payment.Deps{
		Store:     paymentStore,
		Escrows:   paymentStore,
		Events:    paymentStore,
		Locks:     lockledger.New(paymentStore, cfg.EscrowLockTTL),
		Rail:      rail,
		Custodian: cust,
		Custody:   contract,
		Notifier:  s.emitter,
	}, engineCfg)
	s.sweeper = payment.NewTimer(s.payments, cfg.SweepInterval, cfg.ExecutingStaleAfter, s.logger)
	s.disputes = dispute.NewEngine(disputeStore, s.payments)

	s.processor = webhooks.NewProcessor(s.inbox, s.payments, cfg.WebhookWorkers, s.logger)

	s.reconciler = reconciliation.NewRunner(paymentStore, s.payments, rail, cust, cfg.WithdrawalPollAfter, s.logger).
		WithReplayer(s.processor)
	s.reconcileLoop = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.authMgr = auth.NewManager(cfg.JWTSecret)

	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", health.DatabaseCheck(s.db))
	}

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

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Claims are parsed before rate limiting so users are limited by
	// subject rather than by a shared NAT address.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health", s.healthChecks.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler()
	s.router.GET("/v1/auth/info", authHandler.Info)

	// Provider ingress is authenticated by signature, not JWT. A provider
	// without a configured secret is not mounted at all.
	secrets := make(map[string]string)
	if s.cfg.BankRailWebhookSecret != "" {
		secrets[bankrail.ProviderName] = s.cfg.BankRailWebhookSecret
	}
	if s.cfg.CustodianWebhookSecret != "" {
		secrets[custodian.ProviderName] = s.cfg.CustodianWebhookSecret
	}
	if len(secrets) == 0 {
		s.logger.Warn("no webhook secrets configured; provider ingress rejects every delivery")
	}
	webhooks.NewHandler(s.inbox, s.processor, secrets, webhookNonceWindow).RegisterRoutes(s.router)

	paymentHandler := payment.NewHandler(s.payments)
	disputeHandler := dispute.NewHandler(s.disputes)

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireAuth())
	authHandler.RegisterProtectedRoutes(v1)
	paymentHandler.RegisterProtectedRoutes(v1)
	disputeHandler.RegisterProtectedRoutes(v1)
	realtime.NewHandler(s.realtimeHub, s.payments).RegisterRoutes(v1)

	adminGroup := s.router.Group("/v1/admin")
	adminGroup.Use(auth.RequireAdmin())
	paymentHandler.RegisterAdminRoutes(adminGroup)
	disputeHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithReconciler(s.reconciler).
		WithReports(s.reconcileLoop).
		WithFailedDeliveries(s.inbox).
		WithHub(s.realtimeHub).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.processor.Start(runCtx)

	go s.sweeper.Start(runCtx)
	go s.reconcileLoop.Start(runCtx)
	s.healthChecks.Register("sweeper", health.LoopCheck("sweeper", s.sweeper.Running))
	s.healthChecks.Register("reconciler", health.LoopCheck("reconciler", s.reconcileLoop.Running))

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, timers, workers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.reconcileLoop.Stop()
	s.logger.Info("timers stopped")

	// Queued deliveries finish before the database goes away.
	s.processor.Wait()
	s.emitter.Wait()
	s.logger.Info("webhook workers drained")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.chainCustody != nil {
		s.chainCustody.Close()
	}

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
