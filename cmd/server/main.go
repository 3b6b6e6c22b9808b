package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/tradehook/internal/alerts"
	"github.com/ksred/tradehook/internal/auth"
	"github.com/ksred/tradehook/internal/breaker"
	"github.com/ksred/tradehook/internal/broker"
	"github.com/ksred/tradehook/internal/cache"
	"github.com/ksred/tradehook/internal/config"
	"github.com/ksred/tradehook/internal/database"
	"github.com/ksred/tradehook/internal/idempotency"
	"github.com/ksred/tradehook/internal/lifecycle"
	"github.com/ksred/tradehook/internal/lock"
	"github.com/ksred/tradehook/internal/orchestrator"
	"github.com/ksred/tradehook/internal/ratelimit"
	"github.com/ksred/tradehook/internal/rollback"
	"github.com/ksred/tradehook/internal/webhook"
	"github.com/ksred/tradehook/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the signal execution server with graceful
// shutdown support. It wires the cache-backed admission pipeline, the
// per-account locking layer and the execution orchestrator, then serves the
// webhook intake and internal admin routes.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize cache backend. Runtime outages degrade per-component
	// (idempotency and rate limiting fail open, locking fails closed), but a
	// misconfigured cache should stop the process at startup.
	redisClient, err := cache.NewClient(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize redis")
	}

	// Alert sink: structured log always, NATS when configured. The sink is
	// fire-and-forget so a failed NATS connection only costs the extra feed.
	emitter := alerts.Multi{alerts.LogEmitter{}}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			zlog.Warn().Err(err).Msg("NATS unavailable, alerts will only be logged")
		} else {
			natsEmitter, err := alerts.NewNATSEmitter(nc, "tradehook.alerts")
			if err != nil {
				zlog.Warn().Err(err).Msg("JetStream unavailable, alerts will only be logged")
			} else {
				emitter = append(emitter, natsEmitter)
			}
		}
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	guard := idempotency.NewGuard(redisClient, cfg.IdempotencyTTL)
	limiter := ratelimit.NewLimiter(redisClient)
	locks := lock.NewManager(redisClient, cfg.LockLeaseTTL, cfg.LockMaxRetries, cfg.LockRetryDelay)
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		WindowSize:       cfg.BreakerWindowSize,
		MinRequests:      cfg.BreakerMinRequests,
		Cooldown:         cfg.BreakerCooldown,
	})
	coordinator := rollback.NewCoordinator(db)
	brokerClient := broker.NewSimulated()

	lifecycleManager := lifecycle.NewManager(redisClient, db, cfg.HeartbeatTTL, cfg.HeartbeatInterval)

	webhookDB := webhook.NewDatabase(db)
	orchestratorService := orchestrator.NewService(
		orchestrator.NewDatabase(db),
		guard,
		limiter,
		locks,
		breakers,
		coordinator,
		brokerClient,
		emitter,
		webhookDB,
		cfg.DefaultRPSLimit,
	)

	webhookService := webhook.NewService(db, orchestratorService, lifecycleManager, locks, breakers)
	webhookHandlers := webhook.NewGinHandlers(webhookService)

	// Create and start the reconciliation loop
	reconciler := lifecycle.NewReconciler(db, redisClient, emitter, cfg.ReconcileInterval, cfg.StalePendingThreshold)
	reconcilerCtx, reconcilerCancel := context.WithCancel(context.Background())
	defer reconcilerCancel()

	go reconciler.Start(reconcilerCtx)

	// Seed demo data for local development
	if os.Getenv("SEED_DEMO") == "true" {
		if err := seedDemoData(db); err != nil {
			zlog.Warn().Err(err).Msg("Failed to seed demo data")
		}
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, webhookHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop accepting requests, then drain in-flight signal executions
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := lifecycleManager.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("Shutdown deadline reached with executions still in flight")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Webhook intake: public, authenticated per-webhook via shared secret/signature
// - Auth routes: public endpoints for internal token issuance
// - Internal routes: protected by JWT, operational surface for on-call use
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	webhookHandlers *webhook.GinHandlers,
) {
	// Webhook intake
	router.POST("/webhooks/:token", webhookHandlers.ReceiveHandler())

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.JWTAuth(jwtSecret))
		{
			internal.GET("/breakers", webhookHandlers.BreakerStatsHandler())
			internal.POST("/breakers/:strategy_id/reset", webhookHandlers.BreakerResetHandler())
			internal.GET("/locks/:account_id", webhookHandlers.LockInfoHandler())
			internal.DELETE("/locks/:account_id", webhookHandlers.ForceUnlockHandler())
			internal.GET("/webhooks/:token/logs", webhookHandlers.LogsHandler())
		}
	}
}
