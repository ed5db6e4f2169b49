package vulnsync

import (
	"time"

	"github.com/google/uuid"
)

// RunSummary reports the outcome of one successful sync run.
type RunSummary struct {
	RunID             uuid.UUID     `json:"runId"`
	Windows           int           `json:"windows"`
	Processed         int           `json:"processed"`
	Written           int           `json:"written"`
	Dropped           int           `json:"dropped"`
	EnrichmentMatches int           `json:"enrichmentMatches"`
	Duration          time.Duration `json:"-"`
	DurationSeconds   float64       `json:"durationSeconds"`
}

// SetDuration records d on the summary, rounding the reported seconds to
// milliseconds.
func (s *RunSummary) SetDuration(d time.Duration) {
	s.Duration = d
	s.DurationSeconds = d.Round(time.Millisecond).Seconds()
}
