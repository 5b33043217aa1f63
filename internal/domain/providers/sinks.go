package providers

import (
	"context"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
)

// AlertSink delivers alerts to the outside world. Delivery retry is the
// sink's own concern; the engine hands each alert over at most once per
// idempotency key.
type AlertSink interface {
	Send(ctx context.Context, alert *entities.Alert) error
}

// AuditSink records append-only audit entries. Entries are authoritative:
// they are written before alert dispatch and kept even when delivery
// fails.
type AuditSink interface {
	Record(ctx context.Context, entry *entities.AuditEntry) error
}
