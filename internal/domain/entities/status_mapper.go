package entities

import "time"

// Raw eligibility status codes from the payer vocabulary.
const (
	RawCodeActiveCoverage = "1"
	RawCodeInactive       = "6"
	RawCodePendingFuture  = "7"
)

// MapStatus maps a normalized eligibility record to a patient lifecycle
// status as of the given date. Pure and total: every code, including
// unknown ones, yields exactly one status.
//
// Unknown codes map to inquiry, never to active: absent positive proof of
// coverage the patient is treated as unverified.
func MapStatus(record *EligibilityRecord, asOf time.Time) PatientStatus {
	switch record.RawStatusCode {
	case RawCodeActiveCoverage:
		// Coverage starting after asOf has not kicked in yet. A coverage
		// start on asOf itself counts as already effective.
		if record.EffectiveDate != nil && dateOf(*record.EffectiveDate).After(dateOf(asOf)) {
			return StatusOnboarding
		}
		if record.TerminationDate != nil && dateOf(*record.TerminationDate).Before(dateOf(asOf)) {
			return StatusChurned
		}
		return StatusActive
	case RawCodeInactive:
		return StatusChurned
	case RawCodePendingFuture:
		return StatusOnboarding
	default:
		return StatusInquiry
	}
}

// dateOf truncates a timestamp to its calendar date in UTC.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
