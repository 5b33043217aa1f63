package entities

import "time"

// SweepSummary is the result of one batch sweep over all patients.
type SweepSummary struct {
	Total       int       `json:"total"`
	Verified    int       `json:"verified"`
	Failed      int       `json:"failed"`
	Transitions int       `json:"transitions"`
	Skipped     int       `json:"skipped"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
