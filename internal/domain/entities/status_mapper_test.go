package entities

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func datePtr(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestMapStatus(t *testing.T) {
	asOf := time.Date(2026, 3, 15, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		record *EligibilityRecord
		want   PatientStatus
	}{
		{
			name: "Active coverage with no dates",
			record: &EligibilityRecord{
				RawStatusCode: RawCodeActiveCoverage,
			},
			want: StatusActive,
		},
		{
			name: "Active coverage within effective window",
			record: &EligibilityRecord{
				RawStatusCode:   RawCodeActiveCoverage,
				EffectiveDate:   datePtr(2026, 1, 1),
				TerminationDate: datePtr(2026, 12, 31),
			},
			want: StatusActive,
		},
		{
			name: "Active code but coverage starts in the future",
			record: &EligibilityRecord{
				RawStatusCode: RawCodeActiveCoverage,
				EffectiveDate: datePtr(2026, 4, 1),
			},
			want: StatusOnboarding,
		},
		{
			name: "Active code but coverage already terminated",
			record: &EligibilityRecord{
				RawStatusCode:   RawCodeActiveCoverage,
				EffectiveDate:   datePtr(2025, 1, 1),
				TerminationDate: datePtr(2026, 2, 28),
			},
			want: StatusChurned,
		},
		{
			name: "Coverage effective today counts as active",
			record: &EligibilityRecord{
				RawStatusCode: RawCodeActiveCoverage,
				EffectiveDate: datePtr(2026, 3, 15),
			},
			want: StatusActive,
		},
		{
			name: "Coverage terminating today is still active",
			record: &EligibilityRecord{
				RawStatusCode:   RawCodeActiveCoverage,
				TerminationDate: datePtr(2026, 3, 15),
			},
			want: StatusActive,
		},
		{
			name: "Inactive code",
			record: &EligibilityRecord{
				RawStatusCode: RawCodeInactive,
			},
			want: StatusChurned,
		},
		{
			name: "Inactive code ignores a future effective date",
			record: &EligibilityRecord{
				RawStatusCode: RawCodeInactive,
				EffectiveDate: datePtr(2026, 6, 1),
			},
			want: StatusChurned,
		},
		{
			name: "Pending future enrollment code",
			record: &EligibilityRecord{
				RawStatusCode: RawCodePendingFuture,
			},
			want: StatusOnboarding,
		},
		{
			name: "Unknown code maps to inquiry",
			record: &EligibilityRecord{
				RawStatusCode: "X9",
			},
			want: StatusInquiry,
		},
		{
			name: "Empty code maps to inquiry",
			record: &EligibilityRecord{
				RawStatusCode: "",
			},
			want: StatusInquiry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapStatus(tt.record, asOf)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMapStatus_DateComparisonIsCalendarDay(t *testing.T) {
	// An effective timestamp later the same day must not count as
	// future enrollment.
	asOf := time.Date(2026, 3, 15, 1, 0, 0, 0, time.UTC)
	effective := time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)

	record := &EligibilityRecord{
		RawStatusCode: RawCodeActiveCoverage,
		EffectiveDate: &effective,
	}

	assert.Equal(t, StatusActive, MapStatus(record, asOf))
}

func TestMapStatus_NeverProducesUrgent(t *testing.T) {
	asOf := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	codes := []string{RawCodeActiveCoverage, RawCodeInactive, RawCodePendingFuture, "", "99", "urgent"}

	for _, code := range codes {
		record := &EligibilityRecord{
			RawStatusCode:   code,
			TerminationDate: datePtr(2026, 1, 1),
		}
		assert.NotEqual(t, StatusUrgent, MapStatus(record, asOf), "code %q", code)
	}
}
