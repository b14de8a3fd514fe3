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

	"github.com/echopay/fraud-detection/internal/analyzer"
	"github.com/echopay/fraud-detection/internal/anomaly"
	"github.com/echopay/fraud-detection/internal/behavioral"
	"github.com/echopay/fraud-detection/internal/cache"
	"github.com/echopay/fraud-detection/internal/config"
	"github.com/echopay/fraud-detection/internal/graph"
	"github.com/echopay/fraud-detection/internal/health"
	"github.com/echopay/fraud-detection/internal/logging"
	"github.com/echopay/fraud-detection/internal/metrics"
	"github.com/echopay/fraud-detection/internal/ratelimit"
	"github.com/echopay/fraud-detection/internal/realtime"
	"github.com/echopay/fraud-detection/internal/risk"
	"github.com/echopay/fraud-detection/internal/security"
	"github.com/echopay/fraud-detection/internal/traces"
	"github.com/echopay/fraud-detection/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	analyzer     *analyzer.Analyzer
	network      *graph.Service
	refreshTimer *graph.RefreshTimer
	hub          *realtime.Hub
	store        risk.Store
	cache        cache.Cache
	healthReg    *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	traceStop    func(context.Context) error

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

// WithCache sets a custom cache backend (for testing)
func WithCache(c cache.Cache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, cfg.LogFormat),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set cache/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		s.store = risk.NewPostgresStore(db)
		s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})
		s.logger.Info("using PostgreSQL assessment store", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = risk.NewMemoryStore()
		s.logger.Info("using in-memory assessment store (data will not persist)")
	}

	// Initialize cache (Redis if REDIS_ADDR set, otherwise in-memory)
	if s.cache == nil {
		if cfg.RedisAddr != "" {
			redisCache := cache.NewRedis(cache.NewRedisClient(cache.RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}))
			s.cache = redisCache
			s.healthReg.Register("redis", func(ctx context.Context) health.Status {
				if err := redisCache.HealthCheck(ctx); err != nil {
					return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "redis", Healthy: true}
			})
			s.logger.Info("using redis cache", "addr", cfg.RedisAddr)
		} else {
			s.cache = cache.NewMemory()
			s.logger.Info("using in-memory cache")
		}
	}

	// Graph analysis service
	g := graph.New(
		graph.WithMaxNodes(cfg.GraphMaxNodes),
		graph.WithRetention(cfg.GraphRetention),
	)
	serviceCfg := graph.DefaultServiceConfig()
	serviceCfg.SuspicionThreshold = cfg.SuspicionThreshold
	s.network = graph.NewService(g, serviceCfg)

	// Risk engine with configured fusion weights
	engine := risk.NewEngine(s.store, risk.WithWeights(cfg.Weights()))

	// Scoring pipeline
	ensemble := anomaly.NewEnsemble()
	scorer := behavioral.NewHistoryScorer(s.cache)
	s.analyzer = analyzer.New(engine, s.network, ensemble, scorer, s.cache, s.store, s.logger)

	// Real-time alert hub
	s.hub = realtime.NewHub(s.logger)

	// Background graph maintenance, broadcasting suspicious communities
	s.refreshTimer = graph.NewRefreshTimer(s.network, s.logger, cfg.CommunityRefreshEvery, func(cs []graph.Community) {
		s.hub.BroadcastSuspiciousCommunities(cs)
	})

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

	// Security headers and request size cap
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.ForRPS(s.cfg.RateLimitRPS))
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

	// WebSocket for real-time alert streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/analyze", s.analyzeHandler)
		v1.POST("/analyze/batch", s.batchAnalyzeHandler)
		v1.GET("/assessments/:transactionId", s.assessmentsHandler)

		v1.GET("/performance", s.performanceHandler)
		v1.POST("/configuration", s.configurationHandler)

		v1.POST("/decision-rules", s.addDecisionRuleHandler)
		v1.DELETE("/decision-rules/:name", s.removeDecisionRuleHandler)

		v1.POST("/models/update", s.feedbackHandler)
		v1.POST("/models/train", s.trainHandler)

		v1.GET("/network/stats", s.networkStatsHandler)
		v1.GET("/network/communities", s.communitiesHandler)
		v1.GET("/network/subgraph/:wallet", validation.WalletParamMiddleware(), s.subgraphHandler)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op without endpoint)
	stop, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceStop = stop
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
		s.logger.Info("starting fraud detection server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start graph maintenance worker
	go s.refreshTimer.Start(runCtx)

	// Start DB stats collector
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, refresh timer)
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

	// Stop graph refresh timer
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.logger.Info("graph refresh timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceStop != nil {
		if err := s.traceStop(ctx); err != nil {
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

// Analyzer exposes the analysis façade for testing
func (s *Server) Analyzer() *analyzer.Analyzer {
	return s.analyzer
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
