package providers

import (
	"context"
	"time"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
)

// CacheProvider defines the interface for raw caching operations
type CacheProvider interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration
	Set(ctx context.Context, key string, value []byte, expirationSeconds int) error

	// Delete removes a value from cache
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache
	Exists(ctx context.Context, key string) (bool, error)
}

// FetchFunc produces a fresh eligibility record when the cache cannot.
type FetchFunc func(ctx context.Context) (*entities.EligibilityRecord, error)

// EligibilityCache is the domain cache for eligibility records, keyed by
// subscriber id.
type EligibilityCache interface {
	// GetOrFetch returns the fresh cached record if present; otherwise it
	// runs fetch exactly once per subscriber even under concurrent
	// callers, stores the result with the given TTL, and returns it.
	// Callers joining an in-flight fetch receive that fetch's result.
	GetOrFetch(ctx context.Context, subscriberID string, ttl time.Duration, fetch FetchFunc) (*entities.EligibilityRecord, error)

	// Invalidate forces the next GetOrFetch for the subscriber to bypass
	// the cache.
	Invalidate(ctx context.Context, subscriberID string) error

	// GetStaleIfPresent returns the cached record regardless of
	// freshness, or nil when none exists. Explicit degraded-mode escape
	// hatch; GetOrFetch never serves stale data.
	GetStaleIfPresent(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error)
}
