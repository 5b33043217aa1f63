package database

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

const auditTable = "eligibility_audit"

// AuditAdapter persists the append-only audit trail
type AuditAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

var _ providers.AuditSink = (*AuditAdapter)(nil)

// NewAuditAdapter creates a new audit adapter
func NewAuditAdapter(client *postgres.Client) *AuditAdapter {
	return &AuditAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Record appends an audit entry. The table has no update or delete path.
func (a *AuditAdapter) Record(ctx context.Context, entry *entities.AuditEntry) error {
	record := goqu.Record{
		"id":          entry.ID,
		"patient_id":  entry.PatientID,
		"event":       entry.Event,
		"detected_at": entry.DetectedAt,
		"actor":       entry.Actor,
		"created_at":  entry.CreatedAt,
	}

	query, args, err := a.db.Insert(auditTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err = a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to append audit entry", err)
	}

	return nil
}

// ListByPatient returns a patient's audit history, newest first.
func (a *AuditAdapter) ListByPatient(ctx context.Context, patientID string, limit int) ([]*entities.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query, args, err := a.db.Select("id", "patient_id", "event", "detected_at", "actor", "created_at").
		From(auditTable).
		Where(goqu.Ex{"patient_id": patientID}).
		Order(goqu.C("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("failed to list audit entries for patient %s", patientID), err)
	}
	defer rows.Close()

	var entries []*entities.AuditEntry
	for rows.Next() {
		entry := &entities.AuditEntry{}
		if err := rows.Scan(&entry.ID, &entry.PatientID, &entry.Event, &entry.DetectedAt, &entry.Actor, &entry.CreatedAt); err != nil {
			return nil, apperrors.NewInternalError("failed to scan audit entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate audit entries", err)
	}

	return entries, nil
}
