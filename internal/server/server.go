// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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
	_ "github.com/lib/pq"

	"github.com/openlearn/subsidyledger/internal/config"
	"github.com/openlearn/subsidyledger/internal/fulfillment"
	"github.com/openlearn/subsidyledger/internal/health"
	"github.com/openlearn/subsidyledger/internal/idgen"
	"github.com/openlearn/subsidyledger/internal/ledger"
	"github.com/openlearn/subsidyledger/internal/logging"
	"github.com/openlearn/subsidyledger/internal/metrics"
	"github.com/openlearn/subsidyledger/internal/pricing"
	"github.com/openlearn/subsidyledger/internal/ratelimit"
	"github.com/openlearn/subsidyledger/internal/reconciler"
	"github.com/openlearn/subsidyledger/internal/security"
	"github.com/openlearn/subsidyledger/internal/subsidy"
	"github.com/openlearn/subsidyledger/internal/traces"
	"github.com/openlearn/subsidyledger/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine

	db *sql.DB

	ledgerSvc     *ledger.Service
	subsidySvc    *subsidy.Service
	reconcilerSvc *reconciler.Service

	prices     subsidy.PriceResolver
	dispatcher subsidy.Dispatcher
	feed       reconciler.ChangeFeed

	reconcileTimer *reconciler.Timer
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error
	ready          atomic.Bool
	health         *health.Registry
	limiter        *ratelimit.Limiter
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPriceResolver sets a custom price resolver (for testing)
func WithPriceResolver(p subsidy.PriceResolver) Option {
	return func(s *Server) {
		s.prices = p
	}
}

// WithDispatcher sets a custom fulfillment dispatcher (for testing)
func WithDispatcher(d subsidy.Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithChangeFeed sets a custom fulfillment change feed (for testing)
func WithChangeFeed(f reconciler.ChangeFeed) Option {
	return func(s *Server) {
		s.feed = f
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, "json"),
		health:  health.NewRegistry(),
		limiter: ratelimit.New(ratelimit.DefaultConfig()),
	}

	// Apply options first (may set clients/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Upstream clients, unless injected for tests.
	if s.prices == nil {
		s.prices = pricing.NewClient(cfg.CatalogURL, cfg.PriceCacheTTL)
	}
	lmsClient := fulfillment.NewClient(cfg.FulfillmentURL, cfg.DispatchTimeout)
	if s.dispatcher == nil {
		s.dispatcher = lmsClient
	}
	if s.feed == nil {
		s.feed = lmsClient
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		ledgerStore  ledger.Store
		subsidyStore subsidy.Store
		reconStore   interface {
			reconciler.WatermarkStore
			reconciler.Lease
		}
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.health.Register("database", db.PingContext)

		lStore := ledger.NewPostgresStore(db)
		if err := lStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lStore

		sStore := subsidy.NewPostgresStore(db)
		if err := sStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subsidy store", "error", err)
		}
		subsidyStore = sStore

		rStore := reconciler.NewPostgresStore(db)
		if err := rStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate reconciler store", "error", err)
		}
		reconStore = rStore
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		ledgerStore = ledger.NewMemoryStore()
		subsidyStore = subsidy.NewMemoryStore()
		reconStore = reconciler.NewMemoryStore()
	}

	s.ledgerSvc = ledger.NewService(ledgerStore, s.logger)
	s.subsidySvc = subsidy.NewService(subsidyStore, s.ledgerSvc, s.prices, s.dispatcher, s.logger)
	s.reconcilerSvc = reconciler.NewService(s.ledgerSvc, s.feed, s.subsidySvc,
		reconStore, reconStore, cfg.ReconcileInterval, cfg.ReconcileMaxPendingAge, s.logger)
	s.reconcileTimer = reconciler.NewTimer(s.reconcilerSvc, cfg.ReconcileInterval, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

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

	// Security headers and CORS
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Per-client rate limiting
	s.router.Use(s.limiter.Middleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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
			requestID = idgen.Hex(8)
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

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	subsidy.NewHandler(s.subsidySvc).RegisterRoutes(v1)

	// Operational trigger for an immediate reconcile pass.
	v1.POST("/reconcile", s.reconcileHandler)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	healthy, checks := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
}

func (s *Server) reconcileHandler(c *gin.Context) {
	res, err := s.reconcilerSvc.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"skipped":      res.Skipped,
		"changes_seen": res.ChangesSeen,
		"committed":    res.Committed,
		"failed":       res.Failed,
		"reversed":     res.Reversed,
		"redispatched": res.Redispatched,
		"flagged":      res.Flagged,
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracerShutdown = shutdownTraces
	}

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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconcile timer
	go s.reconcileTimer.Start(runCtx)

	// Sample db pool stats into Prometheus
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

	// Cancel the context for background goroutines (reconcile timer, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconcile timer stopped")

	s.limiter.Stop()

	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
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
