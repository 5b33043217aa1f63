package transport

import (
	"context"
	"time"

	"github.com/carelane/patientplatform/backend/internal/adapters/payload"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/clients/payerapi"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// BatchAdapter serves eligibility payloads out of a pre-fetched batch
// document. Subscribers absent from the document are reported as not
// found rather than triggering live calls; a sweep driven by a batch
// file never touches the payer per-subscriber endpoint.
type BatchAdapter struct {
	doc *payload.BatchDocument
}

var _ providers.EligibilityTransport = (*BatchAdapter)(nil)
var _ providers.BatchPayloadSource = (*BatchAdapter)(nil)

// NewBatchAdapter wraps an already parsed batch document.
func NewBatchAdapter(doc *payload.BatchDocument) *BatchAdapter {
	return &BatchAdapter{doc: doc}
}

// LoadBatch fetches the payer batch document for a coverage date and
// builds an adapter over it.
func LoadBatch(ctx context.Context, client *payerapi.Client, asOf time.Time) (*BatchAdapter, error) {
	raw, err := client.FetchBatch(ctx, asOf)
	if err != nil {
		return nil, err
	}
	doc, err := payload.ParseBatch(raw)
	if err != nil {
		return nil, err
	}
	return NewBatchAdapter(doc), nil
}

// CoverageDate returns the date the batch document reports on.
func (a *BatchAdapter) CoverageDate() time.Time {
	return a.doc.CoverageDate
}

// Fetch returns the subscriber's payload from the batch document.
func (a *BatchAdapter) Fetch(_ context.Context, subscriberID string) ([]byte, error) {
	raw, ok := a.doc.Items[subscriberID]
	if !ok {
		return nil, apperrors.NewNotFoundError("subscriber absent from batch document")
	}
	return raw, nil
}

// Payloads returns every per-subscriber payload in the document.
func (a *BatchAdapter) Payloads(_ context.Context, _ time.Time) (map[string][]byte, error) {
	out := make(map[string][]byte, len(a.doc.Items))
	for subscriberID, raw := range a.doc.Items {
		out[subscriberID] = raw
	}
	return out, nil
}
