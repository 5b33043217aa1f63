package providers

import (
	"context"
	"fmt"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
)

// TransitionChannel is the bus channel carrying status transitions for
// downstream consumers (dashboard refresh, reporting).
const TransitionChannel = "eligibility.transitions"

// PatientChannel returns the bus channel carrying one patient's
// transitions, for consumers watching a single chart.
func PatientChannel(patientID string) string {
	return fmt.Sprintf("%s.%s", TransitionChannel, patientID)
}

// EventBus broadcasts transition events to interested subscribers.
type EventBus interface {
	// Publish publishes an event to all subscribers of a channel
	Publish(ctx context.Context, channel string, event *entities.TransitionEvent) error

	// Subscribe subscribes to events on a channel; the returned channel
	// closes when ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan *entities.TransitionEvent, error)

	// Unsubscribe tears down a channel subscription
	Unsubscribe(ctx context.Context, channel string) error

	// Close closes the event bus and all subscriptions
	Close() error
}
