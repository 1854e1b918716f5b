// Package dedup scores incoming transactions against stored ones and decides
// whether each should be created, merged into an existing record or skipped.
// Everything here is pure: no I/O, no clocks, no randomness.
package dedup

import (
	"fmt"
	"math"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Config holds the scoring weights. Weights must sum to 100 so that a
// perfect match scores exactly 100.
type Config struct {
	AmountWeight      float64 `yaml:"amount_weight"`
	DateWeight        float64 `yaml:"date_weight"`
	DescriptionWeight float64 `yaml:"description_weight"`

	// DateWindowDays is how far apart two dates may be and still earn credit.
	DateWindowDays int `yaml:"date_window_days"`
}

// DefaultConfig returns the weights used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AmountWeight:      20,
		DateWeight:        30,
		DescriptionWeight: 50,
		DateWindowDays:    3,
	}
}

// Validate checks the weights and window.
func (c Config) Validate() error {
	if c.AmountWeight < 0 || c.DateWeight < 0 || c.DescriptionWeight < 0 {
		return fmt.Errorf("dedup weights must not be negative")
	}
	sum := c.AmountWeight + c.DateWeight + c.DescriptionWeight
	if math.Abs(sum-100) > 1e-9 {
		return fmt.Errorf("dedup weights must sum to 100, got %g", sum)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("dedup date window must not be negative")
	}
	return nil
}

// Engine applies a Config. It is safe for concurrent use.
type Engine struct {
	cfg Config
}

// New returns an engine for cfg. cfg is assumed valid.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Window returns the configured date window in days.
func (e *Engine) Window() int {
	return e.cfg.DateWindowDays
}

// Score compares c with t and returns a value in [0,100]. Amounts must be
// equal for any credit at all; a different amount scores 0.
func (e *Engine) Score(c domain.CandidateTransaction, t domain.Transaction) float64 {
	if !c.Amount.Equal(t.Amount) {
		return 0
	}
	score := e.cfg.AmountWeight
	score += e.cfg.DateWeight * e.dateCredit(c, t)
	score += e.cfg.DescriptionWeight * descriptionCredit(c, t)
	return math.Min(100, math.Max(0, score))
}

// dateCredit is 1 on the same day and decays linearly to 0 just past the window.
func (e *Engine) dateCredit(c domain.CandidateTransaction, t domain.Transaction) float64 {
	diff := dayDiff(c, t)
	if diff > e.cfg.DateWindowDays {
		return 0
	}
	return 1 - float64(diff)/float64(e.cfg.DateWindowDays+1)
}

func dayDiff(c domain.CandidateTransaction, t domain.Transaction) int {
	d := c.Date.DaysSince(t.Date)
	if d < 0 {
		d = -d
	}
	return d
}

// descriptionCredit takes the best pairing of description and merchant name.
func descriptionCredit(c domain.CandidateTransaction, t domain.Transaction) float64 {
	best := 0.0
	for _, a := range []string{c.Description, c.MerchantName} {
		for _, b := range []string{t.Description, t.MerchantName} {
			if s := DescriptionSimilarity(a, b); s > best {
				best = s
			}
		}
	}
	return best
}

// Decide picks the outcome for c against pool.
//
// Order of precedence:
//  1. an invalid candidate is skipped as invalid;
//  2. a record with the same external id is merged, whatever its score;
//  3. among records in the same account with an equal amount and a date
//     inside the window, the highest score wins, ties going to the lowest id;
//  4. a winner with identical amount, date and normalized description is a
//     duplicate and the candidate is skipped (unless the candidate carries an
//     external id, in which case it merges so the id gets attached);
//  5. a winner scoring at least threshold is merged;
//  6. otherwise a new record is created.
func (e *Engine) Decide(c domain.CandidateTransaction, threshold float64, pool []domain.Transaction) domain.MatchDecision {
	if !c.Valid() {
		return domain.Skip("", domain.SkipInvalid)
	}

	if c.ExternalID != "" {
		exactID := ""
		for i := range pool {
			if pool[i].ExternalID == c.ExternalID && (exactID == "" || pool[i].ID < exactID) {
				exactID = pool[i].ID
			}
		}
		if exactID != "" {
			return domain.Merge(exactID, 100, true)
		}
	}

	var best *domain.Transaction
	bestScore := -1.0
	for i := range pool {
		t := &pool[i]
		if !e.eligible(c, t) {
			continue
		}
		s := e.Score(c, *t)
		if s > bestScore || (s == bestScore && t.ID < best.ID) {
			best, bestScore = t, s
		}
	}
	if best == nil {
		return domain.Create()
	}

	if c.ExternalID == "" && isIdentical(c, *best) {
		return domain.Skip(best.ID, domain.SkipDuplicate)
	}
	if bestScore >= threshold {
		return domain.Merge(best.ID, bestScore, false)
	}
	return domain.Create()
}

// eligible gates fuzzy matching: amounts must be equal, dates inside the
// window, accounts the same, and two different external ids never match.
func (e *Engine) eligible(c domain.CandidateTransaction, t *domain.Transaction) bool {
	if t.AccountID != c.AccountID {
		return false
	}
	if !c.Amount.Equal(t.Amount) {
		return false
	}
	if dayDiff(c, *t) > e.cfg.DateWindowDays {
		return false
	}
	if c.ExternalID != "" && t.ExternalID != "" && c.ExternalID != t.ExternalID {
		return false
	}
	return true
}

func isIdentical(c domain.CandidateTransaction, t domain.Transaction) bool {
	return c.Amount.Equal(t.Amount) &&
		c.Date == t.Date &&
		Normalize(c.Description) == Normalize(t.Description)
}
