package entities

import "time"

// PatientStatus is a patient's lifecycle state as derived from insurance
// eligibility data.
type PatientStatus string

const (
	StatusInquiry    PatientStatus = "inquiry"
	StatusOnboarding PatientStatus = "onboarding"
	StatusActive     PatientStatus = "active"
	StatusChurned    PatientStatus = "churned"
	// StatusUrgent is reserved for manual escalation; the status mapper
	// never assigns it. Coverage-termination urgency is an alert
	// classification, not a lifecycle state.
	StatusUrgent PatientStatus = "urgent"
)

// Valid reports whether s is one of the five lifecycle states.
func (s PatientStatus) Valid() bool {
	switch s {
	case StatusInquiry, StatusOnboarding, StatusActive, StatusChurned, StatusUrgent:
		return true
	}
	return false
}

// PatientEligibilityState is the durable per-patient state the
// synchronization engine maintains.
type PatientEligibilityState struct {
	PatientID     string        `json:"patient_id" db:"patient_id"`
	SubscriberID  string        `json:"subscriber_id" db:"subscriber_id"`
	CurrentStatus PatientStatus `json:"current_status" db:"current_status"`

	LastTransitionAt *time.Time `json:"last_transition_at,omitempty" db:"last_transition_at"`
	LastVerifiedAt   *time.Time `json:"last_verified_at,omitempty" db:"last_verified_at"`

	// RecordRetrievedAt is the RetrievedAt of the most recently committed
	// eligibility record. Commits are ordered by this value, not by
	// completion order, so a slow older verification can never overwrite
	// a newer result.
	RecordRetrievedAt *time.Time `json:"record_retrieved_at,omitempty" db:"record_retrieved_at"`

	// PendingVerification guards against concurrent duplicate
	// verification for the same patient.
	PendingVerification bool       `json:"pending_verification" db:"pending_verification"`
	PendingSince        *time.Time `json:"pending_since,omitempty" db:"pending_since"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
