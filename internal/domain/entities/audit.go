package entities

import (
	"time"

	"github.com/google/uuid"
)

// AuditActorSystem marks entries produced by the engine itself.
const AuditActorSystem = "system"

// AuditEntry is one append-only compliance record. Audit entries are
// written before alert dispatch and survive alert-delivery failures.
type AuditEntry struct {
	ID         string    `json:"id" db:"id"`
	PatientID  string    `json:"patient_id" db:"patient_id"`
	Event      string    `json:"event" db:"event"`
	DetectedAt time.Time `json:"detected_at" db:"detected_at"`
	Actor      string    `json:"actor" db:"actor"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// NewAuditEntry creates a system audit entry.
func NewAuditEntry(patientID, event string, detectedAt time.Time) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New().String(),
		PatientID:  patientID,
		Event:      event,
		DetectedAt: detectedAt,
		Actor:      AuditActorSystem,
		CreatedAt:  time.Now().UTC(),
	}
}
