package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
)

// AlertLedger durably claims alert idempotency keys so a transition
// alerts at most once per day across process restarts.
type AlertLedger interface {
	Claim(ctx context.Context, alert *entities.Alert) (bool, error)
	Release(ctx context.Context, idempotencyKey string) error
}

// NotificationService turns transition events into audit entries and
// alerts. The audit trail is authoritative: it is written before any
// alert is attempted, and an alert delivery failure never removes it.
type NotificationService struct {
	audit    providers.AuditSink
	alerts   providers.AlertSink
	ledger   AlertLedger
	eventBus providers.EventBus

	// sent short-circuits repeat keys without a ledger round trip.
	mu   sync.Mutex
	sent map[string]struct{}
}

// NewNotificationService creates a new notification service. The event
// bus and ledger are optional; without a ledger, deduplication is
// process-local only.
func NewNotificationService(audit providers.AuditSink, alerts providers.AlertSink, ledger AlertLedger, eventBus providers.EventBus) *NotificationService {
	return &NotificationService{
		audit:    audit,
		alerts:   alerts,
		ledger:   ledger,
		eventBus: eventBus,
		sent:     make(map[string]struct{}),
	}
}

// Notify processes one transition: audit first, then at-most-once alert
// dispatch, then best-effort broadcast. Returns an error only when the
// audit write fails; that is the one failure the caller must see.
func (n *NotificationService) Notify(ctx context.Context, event *entities.TransitionEvent) error {
	entry := entities.NewAuditEntry(
		event.PatientID,
		fmt.Sprintf("status transition %s -> %s (%s)", event.FromStatus, event.ToStatus, event.Source),
		event.DetectedAt,
	)
	if err := n.audit.Record(ctx, entry); err != nil {
		return fmt.Errorf("failed to record audit entry for transition %s: %w", event.ID, err)
	}

	n.dispatchAlert(ctx, event)

	if n.eventBus != nil {
		if err := n.eventBus.Publish(ctx, providers.TransitionChannel, event); err != nil {
			log.Printf("Failed to broadcast transition %s: %v", event.ID, err)
		}
		// Consumers watching one chart subscribe to the patient channel
		// instead of filtering the firehose.
		if err := n.eventBus.Publish(ctx, providers.PatientChannel(event.PatientID), event); err != nil {
			log.Printf("Failed to broadcast transition %s for patient %s: %v", event.ID, event.PatientID, err)
		}
	}

	return nil
}

// dispatchAlert sends the transition's alert unless its idempotency key
// was already claimed. A failed send releases the claim so a later
// retry of the transition can alert again.
func (n *NotificationService) dispatchAlert(ctx context.Context, event *entities.TransitionEvent) {
	alert := entities.AlertFromTransition(event)

	n.mu.Lock()
	if _, dup := n.sent[alert.IdempotencyKey]; dup {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if n.ledger != nil {
		claimed, err := n.ledger.Claim(ctx, alert)
		if err != nil {
			log.Printf("Failed to claim alert key %s: %v", alert.IdempotencyKey, err)
			return
		}
		if !claimed {
			n.markSent(alert.IdempotencyKey)
			return
		}
	}

	if err := n.alerts.Send(ctx, alert); err != nil {
		log.Printf("Failed to deliver alert %s for patient %s: %v", alert.IdempotencyKey, alert.PatientID, err)
		if n.ledger != nil {
			if relErr := n.ledger.Release(ctx, alert.IdempotencyKey); relErr != nil {
				log.Printf("Failed to release alert key %s: %v", alert.IdempotencyKey, relErr)
			}
		}
		return
	}

	n.markSent(alert.IdempotencyKey)
}

func (n *NotificationService) markSent(key string) {
	n.mu.Lock()
	n.sent[key] = struct{}{}
	n.mu.Unlock()
}
