package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelane/patientplatform/backend/internal/adapters/cache"
	"github.com/carelane/patientplatform/backend/internal/adapters/database"
	"github.com/carelane/patientplatform/backend/internal/adapters/events"
	"github.com/carelane/patientplatform/backend/internal/adapters/transport"
	"github.com/carelane/patientplatform/backend/internal/api/handlers"
	"github.com/carelane/patientplatform/backend/internal/api/routes"
	"github.com/carelane/patientplatform/backend/internal/application/services"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/payerapi"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/postgres"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/redis"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/notifications"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/observability"
	"github.com/carelane/patientplatform/backend/pkg/config"
	"github.com/carelane/patientplatform/backend/pkg/secrets"
)

func main() {
	// Pull secrets into the environment before configuration is read
	vaultCtx, vaultCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if result, err := secrets.ApplyVaultSecrets(vaultCtx, secrets.VaultConfigFromEnv()); err != nil {
		log.Printf("Warning: Failed to load Vault secrets: %v", err)
	} else if result.Enabled {
		log.Printf("Loaded %d secrets from Vault path %s (%d already set)", result.Loaded, result.Path, result.Skipped)
	}
	vaultCancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger(cfg.OTEL.ServiceName, os.Getenv("APP_ENV"))

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	var shutdown func(context.Context) error
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err = observability.Setup(
			ctx,
			cfg.OTEL.ServiceName,
			cfg.OTEL.ServiceVersion,
			cfg.OTEL.Endpoint,
		)
		if err != nil {
			log.Printf("Warning: Failed to set up OpenTelemetry: %v", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Printf("Error shutting down OpenTelemetry: %v", err)
				}
			}()
			log.Println("OpenTelemetry initialized successfully")
		}
	}

	// Initialize metrics
	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize database client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()
	log.Println("PostgreSQL client initialized successfully")

	// Initialize Redis client; the engine degrades to an in-process
	// cache without it
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Failed to initialize Redis client: %v", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
		log.Println("Redis client initialized successfully")
	}

	// Initialize adapters
	var cacheProvider providers.CacheProvider
	if redisClient != nil {
		cacheProvider = cache.NewRedisAdapter(redisClient.Client())
	} else {
		cacheProvider = cache.NewMemoryAdapter()
		log.Println("Eligibility cache running in-process (Redis unavailable)")
	}
	eligibilityCache := cache.NewEligibilityCache(cacheProvider, metrics)

	stateAdapter := database.NewPatientStateAdapter(pgClient)
	auditAdapter := database.NewAuditAdapter(pgClient)
	alertLedger := database.NewAlertLedgerAdapter(sqlx.NewDb(pgClient.DB(), "postgres"))

	// Initialize event bus for downstream transition consumers
	var eventBus providers.EventBus
	if redisClient != nil {
		eventBus = events.NewRedisEventBus(redisClient)
		log.Println("Event bus initialized successfully")
	} else {
		log.Println("Event bus disabled (Redis not available)")
	}

	// Initialize alert delivery
	var alertSink providers.AlertSink
	webhookSender, err := notifications.NewWebhookAlertSender()
	if err != nil {
		log.Printf("Warning: %v; alerts will be logged only", err)
		alertSink = &notifications.LogAlertSender{}
	} else {
		alertSink = webhookSender
	}

	// Initialize services
	payerClient := payerapi.NewClient(&cfg.Payer)
	verifier := services.NewVerificationClient(transport.NewRealtimeAdapter(payerClient), &cfg.Verification)
	notifier := services.NewNotificationService(auditAdapter, alertSink, alertLedger, eventBus)
	syncService := services.NewSyncService(
		stateAdapter,
		eligibilityCache,
		verifier,
		notifier,
		metrics,
		&cfg.Verification,
	)

	// Background workers
	syncService.StartPeriodicSweeps(ctx, cfg.Verification.SweepInterval)
	syncService.StartWatchdog(ctx, cfg.Verification.PendingMaxAge)

	// Initialize handlers
	eligibilityHandler := handlers.NewEligibilityHandler(syncService, auditAdapter)
	sweepHandler := handlers.NewSweepHandler(syncService)

	// Set up router
	router := routes.NewRouter(eligibilityHandler, sweepHandler, metrics)
	handler := router.SetupRoutes()

	// Create HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}

	// Close event bus
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Printf("Error closing event bus: %v", err)
		}
	}

	log.Println("Server stopped")
}
