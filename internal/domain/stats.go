package domain

import "fmt"

// MaxRecordedErrors caps the row-level messages kept on ResultStats.
const MaxRecordedErrors = 20

// ResultStats summarises what a job or sync did to the transaction store.
type ResultStats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Merged  int `json:"merged"`
	Skipped int `json:"skipped"`
	Invalid int `json:"invalid"`
	Removed int `json:"removed"`

	// Total is the number of rows the job expects to process, 0 if unknown.
	Total            int      `json:"total"`
	Processed        int      `json:"processed"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Errors           []string `json:"errors,omitempty"`
}

// Record counts a single decision.
func (s *ResultStats) Record(d MatchDecision) {
	s.Processed++
	switch d.Kind {
	case DecisionCreate:
		s.Created++
	case DecisionMerge:
		if d.Exact {
			s.Updated++
		} else {
			s.Merged++
		}
	case DecisionSkip:
		if d.Reason == SkipInvalid {
			s.Invalid++
		} else {
			s.Skipped++
		}
	}
}

// RecordRowError counts a row that could not be turned into a candidate.
func (s *ResultStats) RecordRowError(err error) {
	s.Processed++
	s.Invalid++
	if len(s.Errors) < MaxRecordedErrors {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Add folds other into s. Total is left alone.
func (s *ResultStats) Add(other ResultStats) {
	s.Created += other.Created
	s.Updated += other.Updated
	s.Merged += other.Merged
	s.Skipped += other.Skipped
	s.Invalid += other.Invalid
	s.Removed += other.Removed
	s.Processed += other.Processed
	for _, e := range other.Errors {
		if len(s.Errors) >= MaxRecordedErrors {
			break
		}
		s.Errors = append(s.Errors, e)
	}
}

// Progress returns completion in percent, 0 when the total is unknown.
func (s ResultStats) Progress() int {
	if s.Total <= 0 {
		return 0
	}
	p := s.Processed * 100 / s.Total
	if p > 100 {
		p = 100
	}
	return p
}

func (s ResultStats) String() string {
	return fmt.Sprintf("created=%d updated=%d merged=%d skipped=%d invalid=%d removed=%d",
		s.Created, s.Updated, s.Merged, s.Skipped, s.Invalid, s.Removed)
}
