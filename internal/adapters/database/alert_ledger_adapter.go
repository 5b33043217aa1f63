package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// AlertLedgerAdapter is the durable record of dispatched alerts, keyed
// by idempotency key. A key claims exactly once; retries of the same
// transition on the same day hit the conflict path and are dropped.
type AlertLedgerAdapter struct {
	db *sqlx.DB
}

// NewAlertLedgerAdapter creates a new alert ledger adapter
func NewAlertLedgerAdapter(db *sqlx.DB) *AlertLedgerAdapter {
	return &AlertLedgerAdapter{db: db}
}

// Claim records the alert under its idempotency key. Returns true when
// this call inserted the key, false when an earlier dispatch already
// holds it.
func (a *AlertLedgerAdapter) Claim(ctx context.Context, alert *entities.Alert) (bool, error) {
	result, err := a.db.ExecContext(ctx, `
		INSERT INTO eligibility_alerts (idempotency_key, patient_id, severity, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		alert.IdempotencyKey, alert.PatientID, string(alert.Severity), alert.Message, time.Now().UTC(),
	)
	if err != nil {
		return false, apperrors.NewInternalError("failed to claim alert idempotency key", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to get rows affected", err)
	}

	return rowsAffected == 1, nil
}

// Release drops the claim so a failed dispatch can be retried.
func (a *AlertLedgerAdapter) Release(ctx context.Context, idempotencyKey string) error {
	if _, err := a.db.ExecContext(ctx,
		`DELETE FROM eligibility_alerts WHERE idempotency_key = $1`, idempotencyKey,
	); err != nil {
		return apperrors.NewInternalError("failed to release alert idempotency key", err)
	}
	return nil
}
