package entities

import (
	"time"

	"github.com/google/uuid"
)

// TransitionSource identifies which pipeline detected a transition.
type TransitionSource string

const (
	SourceBatch    TransitionSource = "batch"
	SourceOnDemand TransitionSource = "on_demand"
)

// TransitionEvent is emitted when a patient's lifecycle status changes
// between two consecutive verifications. Events are append-only history
// and are never mutated after creation.
type TransitionEvent struct {
	ID         string           `json:"id" db:"id"`
	PatientID  string           `json:"patient_id" db:"patient_id"`
	FromStatus PatientStatus    `json:"from_status" db:"from_status"`
	ToStatus   PatientStatus    `json:"to_status" db:"to_status"`
	DetectedAt time.Time        `json:"detected_at" db:"detected_at"`
	Source     TransitionSource `json:"source" db:"source"`
}

// NewTransitionEvent creates a transition event with a fresh identifier.
func NewTransitionEvent(patientID string, from, to PatientStatus, detectedAt time.Time, source TransitionSource) *TransitionEvent {
	return &TransitionEvent{
		ID:         uuid.New().String(),
		PatientID:  patientID,
		FromStatus: from,
		ToStatus:   to,
		DetectedAt: detectedAt,
		Source:     source,
	}
}
