package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelane/patientplatform/backend/internal/adapters/cache"
	"github.com/carelane/patientplatform/backend/internal/adapters/database"
	"github.com/carelane/patientplatform/backend/internal/adapters/payload"
	"github.com/carelane/patientplatform/backend/internal/adapters/transport"
	"github.com/carelane/patientplatform/backend/internal/application/services"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/payerapi"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/postgres"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/notifications"
	"github.com/carelane/patientplatform/backend/pkg/config"
	"github.com/carelane/patientplatform/backend/pkg/secrets"
)

// Sweep runs one batch verification pass over every known patient and
// exits. Eligibility comes from a payer batch document: either a local
// file or the payer's batch endpoint for the given date.
func main() {
	var (
		dateFlag = flag.String("date", "", "coverage date in YYYYMMDD form (default today)")
		fileFlag = flag.String("file", "", "path to a local batch document instead of the payer endpoint")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	if result, err := secrets.ApplyVaultSecrets(ctx, secrets.VaultConfigFromEnv()); err != nil {
		log.Printf("Warning: Failed to load Vault secrets: %v", err)
	} else if result.Enabled {
		log.Printf("Loaded %d secrets from Vault path %s", result.Loaded, result.Path)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	asOf := time.Now().UTC()
	if *dateFlag != "" {
		asOf, err = time.Parse(entities.PayerDateFormat, *dateFlag)
		if err != nil {
			log.Fatalf("Invalid -date %q: %v", *dateFlag, err)
		}
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to initialize PostgreSQL client: %v", err)
	}
	defer pgClient.Close()

	batchAdapter, err := loadBatch(ctx, cfg, *fileFlag, asOf)
	if err != nil {
		log.Fatalf("Failed to load batch document: %v", err)
	}
	log.Printf("Loaded batch document for %s", batchAdapter.CoverageDate().Format(entities.PayerDateFormat))

	// A one-shot sweep keeps its cache in-process; each patient is
	// verified at most once per run anyway.
	eligibilityCache := cache.NewEligibilityCache(cache.NewMemoryAdapter(), nil)
	warmCache(ctx, eligibilityCache, batchAdapter, asOf, cfg.Verification.CacheTTL)

	stateAdapter := database.NewPatientStateAdapter(pgClient)
	auditAdapter := database.NewAuditAdapter(pgClient)
	alertLedger := database.NewAlertLedgerAdapter(sqlx.NewDb(pgClient.DB(), "postgres"))

	var alertSink providers.AlertSink
	webhookSender, err := notifications.NewWebhookAlertSender()
	if err != nil {
		log.Printf("Warning: %v; alerts will be logged only", err)
		alertSink = &notifications.LogAlertSender{}
	} else {
		alertSink = webhookSender
	}

	verifier := services.NewVerificationClient(batchAdapter, &cfg.Verification)
	notifier := services.NewNotificationService(auditAdapter, alertSink, alertLedger, nil)
	syncService := services.NewSyncService(
		stateAdapter,
		eligibilityCache,
		verifier,
		notifier,
		nil,
		&cfg.Verification,
	)

	// Classify against the document's own coverage date so a sweep over
	// yesterday's batch reproduces yesterday's statuses.
	summary, err := syncService.RunBatchSweep(ctx, batchAdapter.CoverageDate())
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	fmt.Printf("Sweep complete: %d patients, %d verified, %d transitions, %d failed, %d skipped in %v\n",
		summary.Total, summary.Verified, summary.Transitions, summary.Failed, summary.Skipped,
		summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))

	if summary.Failed > 0 {
		os.Exit(1)
	}
}

// warmCache parses every payload in the batch document into the cache up
// front, so sweep workers read warm entries instead of splitting the
// document again one subscriber at a time. Unparseable payloads are
// skipped here; the sweep reports them per patient.
func warmCache(ctx context.Context, store *cache.EligibilityCacheStore, source providers.BatchPayloadSource, asOf time.Time, ttl time.Duration) {
	payloads, err := source.Payloads(ctx, asOf)
	if err != nil {
		log.Printf("Warning: failed to enumerate batch payloads: %v", err)
		return
	}

	retrievedAt := time.Now().UTC()
	warmed := 0
	for subscriberID, raw := range payloads {
		record, err := payload.Parse(raw, retrievedAt)
		if err != nil {
			continue
		}
		if _, err := store.GetOrFetch(ctx, subscriberID, ttl, func(context.Context) (*entities.EligibilityRecord, error) {
			return record, nil
		}); err == nil {
			warmed++
		}
	}
	log.Printf("Warmed cache with %d of %d batch payloads", warmed, len(payloads))
}

func loadBatch(ctx context.Context, cfg *config.Config, file string, asOf time.Time) (*transport.BatchAdapter, error) {
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		doc, err := payload.ParseBatch(raw)
		if err != nil {
			return nil, err
		}
		return transport.NewBatchAdapter(doc), nil
	}

	return transport.LoadBatch(ctx, payerapi.NewClient(&cfg.Payer), asOf)
}
