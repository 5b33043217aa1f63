package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/carelane/patientplatform/backend/internal/adapters/payload"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/pkg/config"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
	"github.com/carelane/patientplatform/backend/pkg/retry"
)

// VerificationClient fetches and parses one subscriber's eligibility,
// retrying transient payer failures. Permanent failures, parse failures
// and missing subscribers abort immediately; a rate-limit hint from the
// payer overrides the computed backoff delay.
type VerificationClient struct {
	transport   providers.EligibilityTransport
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

// NewVerificationClient creates a verification client over the given
// transport.
func NewVerificationClient(transport providers.EligibilityTransport, cfg *config.VerificationConfig) *VerificationClient {
	return &VerificationClient{
		transport:   transport,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		now:         time.Now,
	}
}

// SetClock overrides the client's time source. Test hook.
func (c *VerificationClient) SetClock(now func() time.Time) {
	c.now = now
}

// Verify retrieves the subscriber's eligibility record. The returned
// record's RetrievedAt is the time the payload was obtained, which
// downstream commit ordering keys on.
func (c *VerificationClient) Verify(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error) {
	delay := c.baseDelay
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		raw, err := c.transport.Fetch(ctx, subscriberID)
		if err == nil {
			record, parseErr := payload.Parse(raw, c.now().UTC())
			if parseErr != nil {
				// A malformed payload will not improve on retry.
				return nil, parseErr
			}
			return record, nil
		}

		if apperrors.IsPermanent(err) || apperrors.IsParse(err) || apperrors.IsNotFound(err) {
			return nil, err
		}

		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		wait := retry.Jitter(delay)
		if hint := apperrors.RetryAfterOf(err); hint > 0 {
			wait = hint
		}

		log.Printf("Verification attempt %d for subscriber %s failed, retrying in %v: %v", attempt, subscriberID, wait, err)

		select {
		case <-ctx.Done():
			return nil, apperrors.NewTransientError(
				fmt.Sprintf("verification cancelled after %d attempts", attempt), ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * 2)
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
	}

	return nil, apperrors.NewTransientError(
		fmt.Sprintf("verification failed after %d attempts", c.maxAttempts), lastErr)
}
