package repositories

import (
	"context"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
)

// PatientStateRepository persists per-patient eligibility state. All
// mutation is single-writer-per-patient: the pending-verification flag is
// acquired by compare-and-set and commits are guarded by the committed
// record's retrieval time.
type PatientStateRepository interface {
	GetByPatientID(ctx context.Context, patientID string) (*entities.PatientEligibilityState, error)

	GetBySubscriberID(ctx context.Context, subscriberID string) (*entities.PatientEligibilityState, error)

	// ListPatientIDs returns every patient known to the engine, for the
	// batch sweep.
	ListPatientIDs(ctx context.Context) ([]string, error)

	Create(ctx context.Context, state *entities.PatientEligibilityState) error

	// BeginVerification atomically flips pending_verification from false
	// to true. Returns false when another verification is already in
	// flight for the patient.
	BeginVerification(ctx context.Context, patientID string, now time.Time) (bool, error)

	// FinishVerification clears the pending flag.
	FinishVerification(ctx context.Context, patientID string) error

	// CommitTransition records a status change together with the
	// verification bookkeeping. The update applies only when the new
	// record's retrieval time is later than the committed one; it
	// returns false when rejected as stale.
	CommitTransition(ctx context.Context, patientID string, status entities.PatientStatus, verifiedAt, recordRetrievedAt time.Time) (bool, error)

	// TouchVerified records a verification that produced no transition,
	// under the same staleness guard as CommitTransition.
	TouchVerified(ctx context.Context, patientID string, verifiedAt, recordRetrievedAt time.Time) (bool, error)

	// ReleaseStalePending clears pending flags set before the cutoff and
	// returns how many were cleared. Watchdog recovery for verifications
	// that died without finishing.
	ReleaseStalePending(ctx context.Context, cutoff time.Time) (int, error)
}
