// Package server wires the validation pipeline into an HTTP service: the
// challenge and key issuance endpoints, the gated score submission endpoint,
// health and metrics, and the realtime feed.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/rfallows/scoregate/internal/abuse"
	"github.com/rfallows/scoregate/internal/challenge"
	"github.com/rfallows/scoregate/internal/config"
	"github.com/rfallows/scoregate/internal/dedup"
	"github.com/rfallows/scoregate/internal/gate"
	"github.com/rfallows/scoregate/internal/health"
	"github.com/rfallows/scoregate/internal/idgen"
	"github.com/rfallows/scoregate/internal/keys"
	"github.com/rfallows/scoregate/internal/ledger"
	"github.com/rfallows/scoregate/internal/logging"
	"github.com/rfallows/scoregate/internal/metrics"
	"github.com/rfallows/scoregate/internal/ratelimit"
	"github.com/rfallows/scoregate/internal/realtime"
	"github.com/rfallows/scoregate/internal/security"
	"github.com/rfallows/scoregate/internal/traces"
	"github.com/rfallows/scoregate/internal/validation"
)

// Server is the scoregate HTTP server.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	issuer  *challenge.Issuer
	manager *keys.Manager
	tracker *abuse.Tracker
	gate    *gate.Service
	janitor *gate.Janitor
	hub     *realtime.Hub
	local   *ledger.Local // nil when committing to an external ledger

	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db  *sql.DB
	rdb *redis.Client

	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Retention windows. Used material must outlive the freshness window it
	// guards, plus skew, so a sweep never resurrects a replayable value.
	nonceRetention := cfg.ChallengeTTL + cfg.ClockSkew
	keyRetention := cfg.KeyFreshness + cfg.ClockSkew

	// Shared state (Redis if REDIS_URL set, otherwise in-process)
	var (
		nonceStore challenge.NonceStore
		keyStore   keys.Store
		dedupCache dedup.Cache
	)
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(ropts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		s.rdb = rdb
		nonceStore = challenge.NewRedisNonceStore(rdb, nonceRetention)
		keyStore = keys.NewRedisStore(rdb, keyRetention)
		dedupCache = dedup.NewRedisCache(rdb, cfg.DedupWindow)
		s.logger.Info("using Redis shared state", "url", maskDSN(cfg.RedisURL))

		s.checks.Register("redis", func(ctx context.Context) health.Status {
			st := health.Status{Name: "redis", Healthy: true}
			if err := rdb.Ping(ctx).Err(); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	} else {
		nonceStore = challenge.NewMemoryNonceStore()
		keyStore = keys.NewMemoryStore()
		dedupCache = dedup.NewMemoryCache()
		s.logger.Info("using in-process stores")
	}

	// Challenge issuance and nonce verification share the temporal secret.
	s.issuer = challenge.NewIssuer(cfg.TemporalSecret, cfg.ChallengeTTL)
	verifier := challenge.NewVerifier(s.issuer, nonceStore, cfg.ChallengeTTL, cfg.ClockSkew)

	s.manager = keys.NewManager(keys.Secrets{
		Temporal: cfg.TemporalSecret,
		Payload:  cfg.PayloadSecret,
		Identity: cfg.IdentitySecret,
	}, keyStore, cfg.KeyFreshness)

	s.tracker = abuse.NewTracker(abuse.Limits{
		SourceRPM:      cfg.SourceRPM,
		IdentityRPM:    cfg.IdentityRPM,
		HourlyScore:    cfg.HourlyScoreLimit,
		HourlyTx:       cfg.HourlyTxLimit,
		MinGap:         cfg.MinRequestGap,
		ScorePerMinute: cfg.AvgScorePerMinute,
		MinSamples:     cfg.MinSamples,
	})

	// Downstream commit target: external ledger if LEDGER_URL is set,
	// otherwise the local receipt ledger (Postgres or in-memory).
	var committer ledger.Committer
	if cfg.LedgerURL != "" {
		if err := security.ValidateEndpointURL(cfg.LedgerURL); err != nil {
			return nil, fmt.Errorf("invalid LEDGER_URL: %w", err)
		}
		committer = ledger.NewRemote(cfg.LedgerURL, cfg.LedgerTimeout)
		s.logger.Info("committing to external ledger", "url", cfg.LedgerURL)
	} else {
		var store ledger.Store
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
			pg := ledger.NewPostgresStore(db)
			if err := pg.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate ledger store", "error", err)
			}
			store = pg
			s.logger.Info("using PostgreSQL ledger", "url", maskDSN(cfg.DatabaseURL))

			s.checks.Register("database", func(ctx context.Context) health.Status {
				st := health.Status{Name: "database", Healthy: true}
				if err := db.PingContext(ctx); err != nil {
					st.Healthy = false
					st.Detail = err.Error()
				}
				return st
			})
			go metrics.StartDBStatsCollector(context.Background(), db, 15*time.Second)
		} else {
			store = ledger.NewMemoryStore()
			s.logger.Info("using in-memory ledger")
		}

		var signer *ledger.Signer
		if cfg.ReceiptSecret != "" {
			signer = ledger.NewSigner(cfg.ReceiptSecret)
		}
		s.local = ledger.NewLocal(store, signer)
		committer = s.local
	}

	s.hub = realtime.NewHub(s.logger)

	s.gate = gate.NewService(verifier, s.manager, s.tracker, dedupCache, committer, cfg.LedgerTimeout).
		WithHub(s.hub)

	s.janitor = gate.NewJanitor(nonceStore, keyStore, dedupCache, s.tracker,
		nonceRetention, keyRetention, cfg.DedupWindow, cfg.SweepInterval, s.logger)

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// maskDSN hides credentials in connection strings for logging
func maskDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return dsn
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Edge rate limiting, per client IP
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitRPM / 6,
		CleanupInterval:   time.Minute,
	})
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
			requestID = idgen.Hex(16)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime feed of accepted submissions
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	{
		v1.POST("/challenge", s.challengeHandler)
		v1.POST("/keys", s.keysHandler)
		v1.POST("/scores",
			security.SessionTokenMiddleware(s.cfg.SessionTokenTTL, s.cfg.ClockSkew),
			s.scoresHandler)

		if s.local != nil {
			v1.GET("/identities/:identity/ledger",
				validation.IdentityParamMiddleware(), s.ledgerHandler)
		}

		admin := v1.Group("", s.adminAuthMiddleware())
		admin.GET("/abuse/:identity",
			validation.IdentityParamMiddleware(), s.abuseSnapshotHandler)
	}
}

// adminAuthMiddleware guards operational endpoints with a shared secret.
// When no ADMIN_SECRET is configured the endpoints are disabled outright.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" || c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "forbidden",
			})
			return
		}
		c.Next()
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

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start maintenance sweeper
	go s.janitor.Start(runCtx)

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

	// Cancel the context for all background goroutines (hub, janitor)
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

	// Stop janitor
	if s.janitor != nil {
		s.janitor.Stop()
		s.logger.Info("janitor stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close Redis connection
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		} else {
			s.logger.Info("redis connection closed")
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
