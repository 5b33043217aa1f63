package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/domain/providers"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/observability"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// EligibilityCacheStore is the domain cache for eligibility records. It
// layers single-flight fetch collapsing and the freshness invariant on
// top of a raw CacheProvider: N concurrent GetOrFetch calls for one
// subscriber run the underlying fetch at most once, and a stale entry is
// never served as fresh.
type EligibilityCacheStore struct {
	cache   providers.CacheProvider
	group   singleflight.Group
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEligibilityCache creates the domain cache over a raw provider.
// metrics may be nil.
func NewEligibilityCache(cache providers.CacheProvider, metrics *observability.Metrics) *EligibilityCacheStore {
	return &EligibilityCacheStore{
		cache:   cache,
		metrics: metrics,
		now:     time.Now,
	}
}

var _ providers.EligibilityCache = (*EligibilityCacheStore)(nil)

// SetClock overrides the cache's time source. Test hook.
func (s *EligibilityCacheStore) SetClock(now func() time.Time) {
	s.now = now
}

func eligibilityCacheKey(subscriberID string) string {
	return fmt.Sprintf("eligibility:%s", subscriberID)
}

// GetOrFetch returns the fresh cached record for the subscriber, or runs
// fetch exactly once across concurrent callers, stores the result with
// the given TTL, and returns it.
func (s *EligibilityCacheStore) GetOrFetch(ctx context.Context, subscriberID string, ttl time.Duration, fetch providers.FetchFunc) (*entities.EligibilityRecord, error) {
	if record, err := s.lookupFresh(ctx, subscriberID); err != nil {
		return nil, err
	} else if record != nil {
		if s.metrics != nil {
			observability.RecordCacheHit(ctx, s.metrics, subscriberID)
		}
		return record, nil
	}

	if s.metrics != nil {
		observability.RecordCacheMiss(ctx, s.metrics, subscriberID)
	}

	key := eligibilityCacheKey(subscriberID)
	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		// A concurrent flight may have stored a fresh entry between our
		// lookup and joining the group.
		if record, err := s.lookupFresh(ctx, subscriberID); err != nil {
			return nil, err
		} else if record != nil {
			return record, nil
		}

		record, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		entry := entities.CacheEntry{
			Record:    *record,
			ExpiresAt: record.RetrievedAt.Add(ttl),
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to encode cache entry", err)
		}
		if err := s.cache.Set(ctx, key, data, int(ttl.Seconds())); err != nil {
			// The fetched record is still good; a write failure only
			// costs the next caller a re-fetch.
			return record, nil
		}
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*entities.EligibilityRecord), nil
}

// Invalidate forces the next GetOrFetch for the subscriber to bypass the
// cache.
func (s *EligibilityCacheStore) Invalidate(ctx context.Context, subscriberID string) error {
	key := eligibilityCacheKey(subscriberID)
	s.group.Forget(key)
	return s.cache.Delete(ctx, key)
}

// GetStaleIfPresent returns the cached record regardless of freshness, or
// nil when none exists. Degraded-mode escape hatch only.
func (s *EligibilityCacheStore) GetStaleIfPresent(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error) {
	entry, err := s.lookupEntry(ctx, subscriberID)
	if err != nil || entry == nil {
		return nil, err
	}
	return &entry.Record, nil
}

// lookupFresh returns the cached record only when it is fresh; nil on
// miss or staleness.
func (s *EligibilityCacheStore) lookupFresh(ctx context.Context, subscriberID string) (*entities.EligibilityRecord, error) {
	entry, err := s.lookupEntry(ctx, subscriberID)
	if err != nil || entry == nil {
		return nil, err
	}
	if !entry.Fresh(s.now()) {
		return nil, nil
	}
	return &entry.Record, nil
}

func (s *EligibilityCacheStore) lookupEntry(ctx context.Context, subscriberID string) (*entities.CacheEntry, error) {
	data, err := s.cache.Get(ctx, eligibilityCacheKey(subscriberID))
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry entities.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A payload we wrote but cannot read back means the entry can no
		// longer be trusted at all.
		return nil, apperrors.NewCacheCorruptionError(
			fmt.Sprintf("undecodable cache entry for subscriber %s", subscriberID))
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.Record.RetrievedAt) {
		return nil, apperrors.NewCacheCorruptionError(
			fmt.Sprintf("cache entry for subscriber %s has inconsistent expiry", subscriberID))
	}
	return &entry, nil
}
