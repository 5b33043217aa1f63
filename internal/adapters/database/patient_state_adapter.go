package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/repositories"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

const patientStateTable = "patient_eligibility_state"

// PatientStateAdapter implements PatientStateRepository
type PatientStateAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewPatientStateAdapter creates a new patient state adapter
func NewPatientStateAdapter(client *postgres.Client) repositories.PatientStateRepository {
	return &PatientStateAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Create inserts the initial state row for a patient
func (a *PatientStateAdapter) Create(ctx context.Context, state *entities.PatientEligibilityState) error {
	now := time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	record := goqu.Record{
		"patient_id":           state.PatientID,
		"subscriber_id":        state.SubscriberID,
		"current_status":       string(state.CurrentStatus),
		"last_transition_at":   nullTime(state.LastTransitionAt),
		"last_verified_at":     nullTime(state.LastVerifiedAt),
		"record_retrieved_at":  nullTime(state.RecordRetrievedAt),
		"pending_verification": state.PendingVerification,
		"pending_since":        nullTime(state.PendingSince),
		"created_at":           state.CreatedAt,
		"updated_at":           state.UpdatedAt,
	}

	query, args, err := a.db.Insert(patientStateTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err = a.client.DB().ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError(fmt.Sprintf("patient %s already has eligibility state", state.PatientID))
		}
		return apperrors.NewInternalError("failed to create patient state", err)
	}

	return nil
}

// GetByPatientID retrieves a patient's eligibility state
func (a *PatientStateAdapter) GetByPatientID(ctx context.Context, patientID string) (*entities.PatientEligibilityState, error) {
	return a.getByField(ctx, "patient_id", patientID)
}

// GetBySubscriberID retrieves eligibility state by insurance subscriber id
func (a *PatientStateAdapter) GetBySubscriberID(ctx context.Context, subscriberID string) (*entities.PatientEligibilityState, error) {
	return a.getByField(ctx, "subscriber_id", subscriberID)
}

func (a *PatientStateAdapter) getByField(ctx context.Context, field, value string) (*entities.PatientEligibilityState, error) {
	query, args, err := a.db.Select(
		"patient_id", "subscriber_id", "current_status",
		"last_transition_at", "last_verified_at", "record_retrieved_at",
		"pending_verification", "pending_since",
		"created_at", "updated_at",
	).From(patientStateTable).
		Where(goqu.Ex{field: value}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	state := &entities.PatientEligibilityState{}
	var status string
	var lastTransition, lastVerified, recordRetrieved, pendingSince sql.NullTime

	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(
		&state.PatientID,
		&state.SubscriberID,
		&status,
		&lastTransition,
		&lastVerified,
		&recordRetrieved,
		&state.PendingVerification,
		&pendingSince,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient state with %s %s not found", field, value))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get patient state", err)
	}

	state.CurrentStatus = entities.PatientStatus(status)
	state.LastTransitionAt = timePtr(lastTransition)
	state.LastVerifiedAt = timePtr(lastVerified)
	state.RecordRetrievedAt = timePtr(recordRetrieved)
	state.PendingSince = timePtr(pendingSince)

	return state, nil
}

// ListPatientIDs returns every patient id with eligibility state
func (a *PatientStateAdapter) ListPatientIDs(ctx context.Context) ([]string, error) {
	query, args, err := a.db.Select("patient_id").
		From(patientStateTable).
		Order(goqu.C("patient_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list patients", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewInternalError("failed to scan patient id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate patients", err)
	}

	return ids, nil
}

// BeginVerification flips the pending flag from false to true. The WHERE
// clause makes the flip a compare-and-set: zero rows affected means
// another verification already holds the flag.
func (a *PatientStateAdapter) BeginVerification(ctx context.Context, patientID string, now time.Time) (bool, error) {
	query, args, err := a.db.Update(patientStateTable).
		Set(goqu.Record{
			"pending_verification": true,
			"pending_since":        now,
			"updated_at":           now,
		}).
		Where(goqu.Ex{
			"patient_id":           patientID,
			"pending_verification": false,
		}).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.NewInternalError("failed to begin verification", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to get rows affected", err)
	}

	return rowsAffected == 1, nil
}

// FinishVerification clears the pending flag unconditionally
func (a *PatientStateAdapter) FinishVerification(ctx context.Context, patientID string) error {
	query, args, err := a.db.Update(patientStateTable).
		Set(goqu.Record{
			"pending_verification": false,
			"pending_since":        nil,
			"updated_at":           time.Now().UTC(),
		}).
		Where(goqu.Ex{"patient_id": patientID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build update query", err)
	}

	if _, err = a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to finish verification", err)
	}

	return nil
}

// CommitTransition writes the new status and verification bookkeeping,
// rejecting the write when a newer record has already been committed.
func (a *PatientStateAdapter) CommitTransition(ctx context.Context, patientID string, status entities.PatientStatus, verifiedAt, recordRetrievedAt time.Time) (bool, error) {
	return a.guardedUpdate(ctx, patientID, recordRetrievedAt, goqu.Record{
		"current_status":      string(status),
		"last_transition_at":  verifiedAt,
		"last_verified_at":    verifiedAt,
		"record_retrieved_at": recordRetrievedAt,
		"updated_at":          time.Now().UTC(),
	})
}

// TouchVerified refreshes verification bookkeeping without a status
// change, under the same staleness guard as CommitTransition.
func (a *PatientStateAdapter) TouchVerified(ctx context.Context, patientID string, verifiedAt, recordRetrievedAt time.Time) (bool, error) {
	return a.guardedUpdate(ctx, patientID, recordRetrievedAt, goqu.Record{
		"last_verified_at":    verifiedAt,
		"record_retrieved_at": recordRetrievedAt,
		"updated_at":          time.Now().UTC(),
	})
}

// guardedUpdate applies the record only while no newer eligibility
// record has been committed for the patient.
func (a *PatientStateAdapter) guardedUpdate(ctx context.Context, patientID string, recordRetrievedAt time.Time, record goqu.Record) (bool, error) {
	query, args, err := a.db.Update(patientStateTable).
		Set(record).
		Where(
			goqu.C("patient_id").Eq(patientID),
			goqu.Or(
				goqu.C("record_retrieved_at").IsNull(),
				goqu.C("record_retrieved_at").Lt(recordRetrievedAt),
			),
		).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.NewInternalError("failed to commit patient state", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to get rows affected", err)
	}

	return rowsAffected == 1, nil
}

// ReleaseStalePending clears pending flags older than the cutoff
func (a *PatientStateAdapter) ReleaseStalePending(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := a.db.Update(patientStateTable).
		Set(goqu.Record{
			"pending_verification": false,
			"pending_since":        nil,
			"updated_at":           time.Now().UTC(),
		}).
		Where(
			goqu.C("pending_verification").IsTrue(),
			goqu.C("pending_since").Lt(cutoff),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to release stale verifications", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to get rows affected", err)
	}

	return int(rowsAffected), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
