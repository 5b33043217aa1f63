package main

import (
	"context"
	"log"
	"os"

	"github.com/carelane/patientplatform/backend/internal/adapters/database"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/postgres"
	"github.com/carelane/patientplatform/backend/pkg/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS patient_eligibility_state (
	patient_id           TEXT PRIMARY KEY,
	subscriber_id        TEXT NOT NULL UNIQUE,
	current_status       TEXT NOT NULL,
	last_transition_at   TIMESTAMPTZ,
	last_verified_at     TIMESTAMPTZ,
	record_retrieved_at  TIMESTAMPTZ,
	pending_verification BOOLEAN NOT NULL DEFAULT FALSE,
	pending_since        TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_patient_state_pending
	ON patient_eligibility_state (pending_since)
	WHERE pending_verification;

CREATE TABLE IF NOT EXISTS eligibility_audit (
	id          TEXT PRIMARY KEY,
	patient_id  TEXT NOT NULL,
	event       TEXT NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL,
	actor       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_eligibility_audit_patient
	ON eligibility_audit (patient_id, created_at DESC);

CREATE TABLE IF NOT EXISTS eligibility_alerts (
	idempotency_key TEXT PRIMARY KEY,
	patient_id      TEXT NOT NULL,
	severity        TEXT NOT NULL,
	message         TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pgClient.Close()

	ctx := context.Background()

	if os.Getenv("RESET_DB") == "true" {
		log.Println("RESET_DB=true detected, dropping tables before migrating")
		_, err := pgClient.DB().ExecContext(ctx, `
			DROP TABLE IF EXISTS
				eligibility_alerts,
				eligibility_audit,
				patient_eligibility_state
			CASCADE
		`)
		if err != nil {
			log.Fatalf("Failed to drop tables: %v", err)
		}
	}

	if _, err := pgClient.DB().ExecContext(ctx, schema); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	log.Println("Schema applied")

	if os.Getenv("SEED_DEMO") != "true" {
		return
	}

	stateRepo := database.NewPatientStateAdapter(pgClient)
	demo := []struct {
		patientID    string
		subscriberID string
	}{
		{"pat-1001", "SUB-88001"},
		{"pat-1002", "SUB-88002"},
		{"pat-1003", "SUB-88003"},
	}

	for _, d := range demo {
		state := &entities.PatientEligibilityState{
			PatientID:     d.patientID,
			SubscriberID:  d.subscriberID,
			CurrentStatus: entities.StatusInquiry,
		}
		if err := stateRepo.Create(ctx, state); err != nil {
			log.Printf("Failed to seed patient %s: %v", d.patientID, err)
		}
	}
	log.Printf("Seeded %d demo patients", len(demo))
}
