package importer

import (
	"fmt"
	"math"
	"strings"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Accepted option ranges. Values outside them are rejected, never clamped.
const (
	MinDedupThreshold = 0
	MaxDedupThreshold = 100
	MinBatchSize      = 1
	MaxBatchSize      = 100
	MinBatchDelayMs   = 100
	MaxBatchDelayMs   = 1000
)

// Options are the caller-tunable knobs of an import. Nil fields take the
// configured defaults.
type Options struct {
	DedupThreshold *float64 `json:"dedupThreshold,omitempty"`
	BatchSize      *int     `json:"batchSize,omitempty"`
	BatchDelayMs   *int     `json:"batchDelayMs,omitempty"`

	// AccountID is used for rows that do not name an account.
	AccountID string `json:"accountId,omitempty"`
}

// Defaults fill in options the caller left out.
type Defaults struct {
	DedupThreshold float64 `yaml:"dedup_threshold"`
	BatchSize      int     `yaml:"batch_size"`
	BatchDelayMs   int     `yaml:"batch_delay_ms"`
}

// DefaultOptions returns the stock defaults: threshold 60, batches of 20,
// 200ms between batches.
func DefaultOptions() Defaults {
	return Defaults{DedupThreshold: 60, BatchSize: 20, BatchDelayMs: 200}
}

// Validate checks the defaults against the accepted ranges.
func (d Defaults) Validate() error {
	o := Options{DedupThreshold: &d.DedupThreshold, BatchSize: &d.BatchSize, BatchDelayMs: &d.BatchDelayMs}
	_, err := o.Resolve(d)
	return err
}

// Resolved is a fully specified, validated option set.
type Resolved struct {
	DedupThreshold float64
	BatchSize      int
	BatchDelayMs   int
	AccountID      string
}

// Resolve merges o over d and validates the result. Every out-of-range
// field is reported in one ValidationError.
func (o Options) Resolve(d Defaults) (Resolved, error) {
	r := Resolved{
		DedupThreshold: d.DedupThreshold,
		BatchSize:      d.BatchSize,
		BatchDelayMs:   d.BatchDelayMs,
		AccountID:      strings.TrimSpace(o.AccountID),
	}
	if o.DedupThreshold != nil {
		r.DedupThreshold = *o.DedupThreshold
	}
	if o.BatchSize != nil {
		r.BatchSize = *o.BatchSize
	}
	if o.BatchDelayMs != nil {
		r.BatchDelayMs = *o.BatchDelayMs
	}

	ve := &domain.ValidationError{}
	if r.DedupThreshold < MinDedupThreshold || r.DedupThreshold > MaxDedupThreshold || math.IsNaN(r.DedupThreshold) {
		ve.Add("dedupThreshold", fmt.Sprintf("must be between %d and %d, got %g", MinDedupThreshold, MaxDedupThreshold, r.DedupThreshold))
	}
	if r.BatchSize < MinBatchSize || r.BatchSize > MaxBatchSize {
		ve.Add("batchSize", fmt.Sprintf("must be between %d and %d, got %d", MinBatchSize, MaxBatchSize, r.BatchSize))
	}
	if r.BatchDelayMs < MinBatchDelayMs || r.BatchDelayMs > MaxBatchDelayMs {
		ve.Add("batchDelayMs", fmt.Sprintf("must be between %d and %d, got %d", MinBatchDelayMs, MaxBatchDelayMs, r.BatchDelayMs))
	}
	if err := ve.OrNil(); err != nil {
		return Resolved{}, err
	}
	return r, nil
}
