package transport

import (
	"context"

	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/payerapi"
)

// RealtimeAdapter serves eligibility payloads straight from the payer
// API, one subscriber per request.
type RealtimeAdapter struct {
	client *payerapi.Client
}

var _ providers.EligibilityTransport = (*RealtimeAdapter)(nil)

// NewRealtimeAdapter creates a transport backed by the live payer API.
func NewRealtimeAdapter(client *payerapi.Client) *RealtimeAdapter {
	return &RealtimeAdapter{client: client}
}

// Fetch retrieves the raw eligibility payload for the subscriber.
func (a *RealtimeAdapter) Fetch(ctx context.Context, subscriberID string) ([]byte, error) {
	return a.client.FetchEligibility(ctx, subscriberID)
}
