// Package server wires the trust pipeline together and exposes it over HTTP.
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

	"github.com/mbd888/trustpipe/internal/actor"
	"github.com/mbd888/trustpipe/internal/anomaly"
	"github.com/mbd888/trustpipe/internal/bus"
	"github.com/mbd888/trustpipe/internal/config"
	"github.com/mbd888/trustpipe/internal/health"
	"github.com/mbd888/trustpipe/internal/idgen"
	"github.com/mbd888/trustpipe/internal/logging"
	"github.com/mbd888/trustpipe/internal/metrics"
	"github.com/mbd888/trustpipe/internal/ratelimit"
	"github.com/mbd888/trustpipe/internal/realtime"
	"github.com/mbd888/trustpipe/internal/retry"
	"github.com/mbd888/trustpipe/internal/rollup"
	"github.com/mbd888/trustpipe/internal/security"
	"github.com/mbd888/trustpipe/internal/traces"
	"github.com/mbd888/trustpipe/internal/validation"
	"github.com/mbd888/trustpipe/internal/venue"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the pipeline components.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db *sql.DB

	bus          *bus.Bus
	detector     *anomaly.Detector
	venueScorer  *venue.Scorer
	actorScorer  *actor.Scorer
	rollupWorker *rollup.Worker
	hub          *realtime.Hub

	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	ready          atomic.Bool
	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		router: gin.New(),
		checks: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var (
		venueStore venue.Store
		actorStore actor.Store
		snapStore  rollup.SnapshotStore
	)

	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))
		venueStore = venue.NewPostgresStore(db)
		actorStore = actor.NewPostgresStore(db)
		snapStore = rollup.NewPostgresStore(db)
	} else {
		s.logger.Info("no DATABASE_URL set, using in-memory stores")
		venueStore = venue.NewMemoryStore()
		actorStore = actor.NewMemoryStore()
		snapStore = rollup.NewMemoryStore(cfg.SnapshotRetain)
	}

	s.bus = bus.New(cfg.HistorySize, bus.WithLogger(logging.Component(s.logger, "bus")))

	s.detector = anomaly.New(s.bus, cfg.Detection,
		anomaly.WithLogger(logging.Component(s.logger, "anomaly")))
	s.detector.Register()

	s.venueScorer = venue.NewScorer(s.bus, venueStore, cfg.Scoring,
		venue.WithLogger(logging.Component(s.logger, "venue")))
	s.venueScorer.Register()

	s.actorScorer = actor.NewScorer(s.bus, actorStore, cfg.Scoring,
		actor.WithLogger(logging.Component(s.logger, "actor")))
	s.actorScorer.Register()

	s.rollupWorker = rollup.NewWorker(s.bus, snapStore,
		cfg.RollupInterval, cfg.SnapshotCooldown, cfg.SnapshotRetain,
		rollup.WithLogger(logging.Component(s.logger, "rollup")))

	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	s.hub.Attach(s.bus)

	s.registerHealthChecks()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openDB connects with a bounded retry so a restarting database does not
// fail startup.
func openDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := retry.Do(ctx, 5, time.Second, func() error {
		return db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// maskDSN hides the password in a connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "invalid-dsn"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("event-bus", func(_ context.Context) health.Status {
		return health.Status{
			Name:    "event-bus",
			Healthy: true,
			Detail:  fmt.Sprintf("seq=%d", s.bus.Seq()),
		}
	})
	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.FromContext(c.Request.Context()).Error("panic recovered",
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

	// CORS (allow all origins for dashboards - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = idgen.WithPrefix("req_")
		}

		ctx := logging.WithLogger(c.Request.Context(),
			s.logger.With("request_id", requestID))
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

		logger := logging.FromContext(c.Request.Context())

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	venue.NewHandler(s.venueScorer).RegisterRoutes(v1)
	actor.NewHandler(s.actorScorer).RegisterRoutes(v1)
	rollup.NewHandler(s.rollupWorker).RegisterRoutes(v1)

	v1.GET("/events/history", s.eventsHistory)

	ingest := v1.Group("/ingest")
	{
		ingest.POST("/outcome", s.ingestOutcome)
		ingest.POST("/outcomes", s.ingestOutcomeBatch)
		ingest.POST("/events", s.ingestEvent)
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status     string          `json:"status"`
	Subsystems []health.Status `json:"subsystems,omitempty"`
	Sessions   int             `json:"trackedSessions"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:     "ok",
		Subsystems: statuses,
		Sessions:   s.detector.SessionCount(),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.tracesShutdown = shutdown
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Restore snapshot continuity before the worker starts its cadence.
	if err := s.rollupWorker.Reload(runCtx); err != nil {
		s.logger.Warn("could not restore last rollup snapshot", "error", err)
	}
	go s.rollupWorker.Run(runCtx)
	go s.hub.Run(runCtx)

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

	// Cancel background goroutines (rollup worker, hub, stats collector)
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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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

// Bus returns the event bus for adapters embedded in the same process
func (s *Server) Bus() *bus.Bus {
	return s.bus
}
