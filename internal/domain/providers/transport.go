package providers

import (
	"context"
	"time"
)

// EligibilityTransport returns the raw eligibility payload for a
// subscriber. Implementations may issue an interactive request to the
// payer or serve a pre-fetched batch document; callers cannot tell the
// difference. Authentication mechanics are transport-specific.
type EligibilityTransport interface {
	Fetch(ctx context.Context, subscriberID string) ([]byte, error)
}

// BatchPayloadSource enumerates raw per-subscriber payloads for a given
// coverage date, typically from a payer batch file.
type BatchPayloadSource interface {
	Payloads(ctx context.Context, asOf time.Time) (map[string][]byte, error)
}
