package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/dhima/ledger-bus/internal/api/handlers"
	"github.com/dhima/ledger-bus/internal/api/middleware"
	"github.com/dhima/ledger-bus/internal/cache"
	"github.com/dhima/ledger-bus/internal/events"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/ratelimit"
	"github.com/dhima/ledger-bus/internal/relay"
	"github.com/dhima/ledger-bus/internal/scheduler"
	"github.com/dhima/ledger-bus/internal/session"
	"github.com/dhima/ledger-bus/internal/storage"
	"github.com/dhima/ledger-bus/pkg/config"
	platformEvents "github.com/dhima/ledger-bus/platform/events"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is reported by /health.
var Version = "1.0.0"

const shutdownTimeout = 30 * time.Second

// Server orchestrates HTTP routing and the background workers of the service.
type Server struct {
	config config.App
	logger logging.Logger
	router *gin.Engine

	store     *storage.SQLStore
	cache     *cache.LedgerCache
	bus       *events.Bus
	relay     *relay.Relay
	engine    *scheduler.Engine
	forwarder *platformEvents.Forwarder
}

// NewServer opens the ledger store and wires the API dependencies together.
func NewServer(ctx context.Context, cfg config.App, logger logging.Logger) (*Server, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	store, err := storage.Open(ctx, storage.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	schemas := events.NewSchemaRegistry()
	if cfg.EventSchemasDir != "" {
		n, err := schemas.LoadDir(cfg.EventSchemasDir)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("event schemas loaded", zap.Int("count", n), zap.String("dir", cfg.EventSchemasDir))
	}

	ledgerCache := cache.NewLedgerCache(store,
		cache.WithPrefix(cfg.CachePrefix),
		cache.WithLookback(cfg.CacheLookback),
		cache.WithLogger(logger.Named("cache")),
	)

	bus := events.NewBus(store, events.Config{
		Source:       cfg.ServiceName,
		CachePrefix:  cfg.CachePrefix,
		PollInterval: cfg.PollInterval,
		PollBatch:    cfg.PollBatch,
		SettleLag:    cfg.PollSettleLag,
		Schemas:      schemas,
	}, logger)

	sessions := session.NewStore(ledgerCache, cfg.SessionTTL)
	wsRelay := relay.New(bus, relay.DefaultTools(bus, ledgerCache), sessions, logger, relay.Config{
		CheckOrigin: originChecker(cfg.CORSOrigins),
	})

	engine := scheduler.NewEngine(logger)
	if err := engine.AddJob(scheduler.CleanupJobName, cfg.CacheCleanupSchedule,
		scheduler.NewCleanupJob(ledgerCache, logger.Named("cleanup"))); err != nil {
		store.Close()
		return nil, err
	}

	server := &Server{
		config: cfg,
		logger: logger,
		store:  store,
		cache:  ledgerCache,
		bus:    bus,
		relay:  wsRelay,
		engine: engine,
	}

	if cfg.KafkaEnabled() {
		publisher := platformEvents.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Zap())
		server.forwarder = platformEvents.NewForwarder(publisher, logger.Zap(), platformEvents.DefaultQueueSize)
		bus.Subscribe(events.Wildcard, forwardTo(server.forwarder))
		logger.Info("kafka forwarding enabled",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	}

	server.setupRouter(ratelimit.New(ledgerCache))
	return server, nil
}

// forwardTo mirrors every bus event onto the Kafka forwarder queue.
func forwardTo(fwd *platformEvents.Forwarder) events.Handler {
	return func(_ context.Context, ev events.Event) error {
		fwd.Enqueue(platformEvents.LedgerEvent{
			EventID:    ev.ID,
			Type:       ev.Type,
			Source:     ev.Source,
			Payload:    ev.Data,
			Metadata:   ev.Metadata,
			OccurredAt: ev.Timestamp,
		})
		return nil
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// setupRouter configures the Gin router with middleware and routes.
func (s *Server) setupRouter(limiter *ratelimit.Limiter) {
	router := gin.New()
	zapLogger := s.logger.Zap()

	// Global middleware (order matters!)
	// 1. Recovery - must be first to catch panics from other middleware
	router.Use(ginzap.RecoveryWithZap(zapLogger, true))

	// 2. Request ID - inject unique ID for tracing
	router.Use(middleware.RequestID())

	// 3. Logging - log all requests with structured fields
	router.Use(ginzap.Ginzap(zapLogger, time.RFC3339, true))

	// 4. CORS - handle cross-origin requests
	router.Use(cors.New(cors.Config{
		AllowOrigins:     s.config.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID", "Retry-After", middleware.RateLimitHeader},
		AllowCredentials: !slices.Contains(s.config.CORSOrigins, "*"),
		MaxAge:           12 * time.Hour,
	}))

	// Health and metrics endpoints (no /api/v1 prefix)
	router.GET("/health", handlers.NewHealthHandler(s.logger, s.store, s.config.ServiceName, Version).Health)
	router.GET("/metrics", handlers.NewMetricsHandler(s.logger, s.metricsSources()).Metrics)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// WebSocket relay
	router.GET("/ws", gin.WrapH(s.relay))

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.RateLimit(limiter, s.config.RateLimitRequests, s.config.RateLimitWindow, s.logger))
	{
		eventHandler := handlers.NewEventHandler(s.logger, s.bus)
		events := v1.Group("/events")
		{
			events.GET("", eventHandler.ListEvents)
			events.POST("", eventHandler.PublishEvent)
		}
	}

	s.router = router
}

func (s *Server) metricsSources() handlers.MetricsSources {
	sources := handlers.MetricsSources{
		Bus:   s.bus.Stats,
		Relay: s.relay.Stats,
		Jobs:  s.engine.Jobs,
	}
	if s.forwarder != nil {
		sources.Forwarder = s.forwarder.Stats
	}
	return sources
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Bus returns the event bus the server publishes through.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Serve runs the HTTP server, the event poller, the scheduler and the Kafka
// forwarder until ctx is done, then shuts them down in that order.
func (s *Server) Serve(ctx context.Context) error {
	addr := ":" + s.config.APIPort
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting API server",
			zap.String("address", addr),
			zap.String("environment", s.config.Environment),
			zap.String("log_level", s.config.LogLevel),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server forced to shutdown", zap.Error(err))
		}
		return s.relay.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return s.bus.Run(gctx) })
	g.Go(func() error { return s.engine.Run(gctx, shutdownTimeout) })
	if s.forwarder != nil {
		g.Go(func() error { return s.forwarder.Run(gctx) })
	}

	err := g.Wait()
	s.Close()
	s.logger.Info("server stopped")
	return err
}

// Close releases the ledger store and flushes the logger.
func (s *Server) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close database connection", zap.Error(err))
	}
	_ = s.logger.Sync()
}
