package domain

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// Source identifies where a canonical transaction came from.
type Source string

const (
	SourceManual     Source = "manual"
	SourceCSV        Source = "csv"
	SourceAggregator Source = "aggregator"
)

// Transaction is a canonical, persisted transaction.
// Amounts are signed: money leaving the account is negative.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	AccountID    string          `json:"accountId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Date         civil.Date      `json:"date"`
	Description  string          `json:"description"`
	MerchantName string          `json:"merchantName,omitempty"`
	Category     string          `json:"category,omitempty"`

	// ExternalID is the aggregator transaction id. Empty for CSV and manual rows.
	ExternalID string `json:"externalId,omitempty"`

	Source    Source    `json:"source"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CandidateTransaction is one incoming row before deduplication.
type CandidateTransaction struct {
	Amount       decimal.Decimal
	Currency     string
	Date         civil.Date
	Description  string
	MerchantName string
	Category     string
	AccountID    string
	ExternalID   string
	Pending      bool
}

// Valid reports whether the candidate carries enough data to be scored.
func (c CandidateTransaction) Valid() bool {
	if !c.Date.IsValid() {
		return false
	}
	if c.AccountID == "" {
		return false
	}
	return strings.TrimSpace(c.Description) != "" || strings.TrimSpace(c.MerchantName) != ""
}

// ToTransaction builds a new canonical record from the candidate.
func (c CandidateTransaction) ToTransaction(id, userID string, source Source, now time.Time) Transaction {
	return Transaction{
		ID:           id,
		UserID:       userID,
		AccountID:    c.AccountID,
		Amount:       c.Amount,
		Currency:     c.Currency,
		Date:         c.Date,
		Description:  strings.TrimSpace(c.Description),
		MerchantName: strings.TrimSpace(c.MerchantName),
		Category:     c.Category,
		ExternalID:   c.ExternalID,
		Source:       source,
		Pending:      c.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MergeInto applies the candidate onto an existing record. Identity, owner,
// source and creation time are preserved; an empty category or merchant on
// the candidate does not clear the stored value.
func (c CandidateTransaction) MergeInto(t Transaction, now time.Time) Transaction {
	t.Amount = c.Amount
	t.Date = c.Date
	if d := strings.TrimSpace(c.Description); d != "" {
		t.Description = d
	}
	if m := strings.TrimSpace(c.MerchantName); m != "" {
		t.MerchantName = m
	}
	if c.Category != "" {
		t.Category = c.Category
	}
	if c.Currency != "" {
		t.Currency = c.Currency
	}
	if c.ExternalID != "" {
		t.ExternalID = c.ExternalID
	}
	t.Pending = c.Pending
	t.UpdatedAt = now
	return t
}

// DecisionKind is the outcome of matching one candidate.
type DecisionKind string

const (
	DecisionCreate DecisionKind = "create"
	DecisionMerge  DecisionKind = "merge"
	DecisionSkip   DecisionKind = "skip"
)

// Skip reasons.
const (
	SkipDuplicate = "duplicate"
	SkipInvalid   = "invalid"
)

// MatchDecision is what the dedup engine decided for a candidate.
type MatchDecision struct {
	Kind       DecisionKind
	ExistingID string
	Reason     string
	Score      float64

	// Exact is set when the merge target was found by external id.
	Exact bool
}

func Create() MatchDecision {
	return MatchDecision{Kind: DecisionCreate}
}

func Merge(existingID string, score float64, exact bool) MatchDecision {
	return MatchDecision{Kind: DecisionMerge, ExistingID: existingID, Score: score, Exact: exact}
}

func Skip(existingID, reason string) MatchDecision {
	return MatchDecision{Kind: DecisionSkip, ExistingID: existingID, Reason: reason}
}
