package entities

import "time"

// PayerDateFormat is the single calendar format eligibility payloads use.
const PayerDateFormat = "20060102"

// CoverageField is one plan-metadata field from an eligibility payload
// (payer name, plan type, group number, ...). The engine stores these
// opaquely and preserves their order.
type CoverageField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EligibilityRecord is the normalized result of one eligibility
// verification. Records are immutable: a later verification for the same
// subscriber supersedes the record, it never mutates it.
type EligibilityRecord struct {
	SubscriberID    string          `json:"subscriber_id"`
	RawStatusCode   string          `json:"raw_status_code"`
	EffectiveDate   *time.Time      `json:"effective_date,omitempty"`
	TerminationDate *time.Time      `json:"termination_date,omitempty"`
	Coverage        []CoverageField `json:"coverage,omitempty"`
	RetrievedAt     time.Time       `json:"retrieved_at"`
}

// CoverageValue returns the value for a named coverage field, if present.
func (r *EligibilityRecord) CoverageValue(name string) (string, bool) {
	for _, f := range r.Coverage {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// CacheEntry wraps an EligibilityRecord with its expiry.
type CacheEntry struct {
	Record    EligibilityRecord `json:"record"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Fresh reports whether the entry may still be served as current.
// An entry is fresh iff now is strictly before ExpiresAt.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
