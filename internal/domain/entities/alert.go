package entities

import (
	"fmt"
	"time"
)

// AlertSeverity classifies how urgently a transition needs attention.
type AlertSeverity string

const (
	SeverityInfo AlertSeverity = "info"
	SeverityHigh AlertSeverity = "high"
)

// Alert is the notification produced for a status transition.
type Alert struct {
	PatientID      string        `json:"patient_id" db:"patient_id"`
	Severity       AlertSeverity `json:"severity" db:"severity"`
	Message        string        `json:"message" db:"message"`
	IdempotencyKey string        `json:"idempotency_key" db:"idempotency_key"`
}

// ClassifySeverity derives the alert severity for a transition. Losing
// coverage while active is the urgent case; everything else is
// informational.
func ClassifySeverity(from, to PatientStatus) AlertSeverity {
	if from == StatusActive && (to == StatusChurned || to == StatusUrgent) {
		return SeverityHigh
	}
	return SeverityInfo
}

// AlertIdempotencyKey builds the dedup key for a transition alert. A
// retry of the same transition on the same calendar day shares the key
// and must not produce a second alert.
func AlertIdempotencyKey(patientID string, to PatientStatus, detectedAt time.Time) string {
	return fmt.Sprintf("%s:%s:%s", patientID, to, detectedAt.UTC().Format("2006-01-02"))
}

// AlertFromTransition builds the alert for a transition event.
func AlertFromTransition(event *TransitionEvent) *Alert {
	severity := ClassifySeverity(event.FromStatus, event.ToStatus)
	message := fmt.Sprintf("patient status changed from %s to %s", event.FromStatus, event.ToStatus)
	if severity == SeverityHigh {
		message = fmt.Sprintf("coverage lost: patient status changed from %s to %s", event.FromStatus, event.ToStatus)
	}
	return &Alert{
		PatientID:      event.PatientID,
		Severity:       severity,
		Message:        message,
		IdempotencyKey: AlertIdempotencyKey(event.PatientID, event.ToStatus, event.DetectedAt),
	}
}
