package bigquery

import (
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// numericScale is the fractional precision of a BigQuery NUMERIC.
const numericScale = 9

// TransactionRow is one row of finance.transactions as read back.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	UserID        string `bigquery:"user_id"`        // REQUIRED
	AccountID     string `bigquery:"account_id"`     // REQUIRED

	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Amount   *big.Rat            `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency bigquery.NullString `bigquery:"currency"` // NULLABLE

	Description  string              `bigquery:"description"`   // REQUIRED
	MerchantName bigquery.NullString `bigquery:"merchant_name"` // NULLABLE
	CategoryName bigquery.NullString `bigquery:"category_name"` // NULLABLE

	ExternalID bigquery.NullString `bigquery:"external_id"` // NULLABLE, aggregator id
	Source     string              `bigquery:"source"`      // REQUIRED
	IsPending  bigquery.NullBool   `bigquery:"is_pending"`

	CreatedTS time.Time              `bigquery:"created_ts"` // REQUIRED
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

// transactionParam is the write-side shape, passed as an ARRAY<STRUCT>
// query parameter. Empty strings are stored as NULL by the MERGE.
type transactionParam struct {
	TransactionID   string     `bigquery:"transaction_id"`
	UserID          string     `bigquery:"user_id"`
	AccountID       string     `bigquery:"account_id"`
	TransactionDate civil.Date `bigquery:"transaction_date"`
	Amount          *big.Rat   `bigquery:"amount"`
	Currency        string     `bigquery:"currency"`
	Description     string     `bigquery:"description"`
	MerchantName    string     `bigquery:"merchant_name"`
	CategoryName    string     `bigquery:"category_name"`
	ExternalID      string     `bigquery:"external_id"`
	Source          string     `bigquery:"source"`
	IsPending       bool       `bigquery:"is_pending"`
	CreatedTS       time.Time  `bigquery:"created_ts"`
	UpdatedTS       time.Time  `bigquery:"updated_ts"`
}

func toParam(t domain.Transaction) transactionParam {
	return transactionParam{
		TransactionID:   t.ID,
		UserID:          t.UserID,
		AccountID:       t.AccountID,
		TransactionDate: t.Date,
		Amount:          t.Amount.Round(numericScale).Rat(),
		Currency:        t.Currency,
		Description:     t.Description,
		MerchantName:    t.MerchantName,
		CategoryName:    t.Category,
		ExternalID:      t.ExternalID,
		Source:          string(t.Source),
		IsPending:       t.Pending,
		CreatedTS:       t.CreatedAt.UTC(),
		UpdatedTS:       t.UpdatedAt.UTC(),
	}
}

// toDomain converts a stored row back into a canonical transaction.
func (r *TransactionRow) toDomain() (domain.Transaction, error) {
	t := domain.Transaction{
		ID:           r.TransactionID,
		UserID:       r.UserID,
		AccountID:    r.AccountID,
		Currency:     r.Currency.StringVal,
		Date:         r.TransactionDate,
		Description:  r.Description,
		MerchantName: r.MerchantName.StringVal,
		Category:     r.CategoryName.StringVal,
		ExternalID:   r.ExternalID.StringVal,
		Source:       domain.Source(r.Source),
		Pending:      r.IsPending.Bool,
		CreatedAt:    r.CreatedTS,
		UpdatedAt:    r.CreatedTS,
	}
	if r.UpdatedTS.Valid {
		t.UpdatedAt = r.UpdatedTS.Timestamp
	}
	if r.Amount == nil {
		return t, fmt.Errorf("transaction %s: amount is NULL", r.TransactionID)
	}
	amount, err := decimal.NewFromString(r.Amount.FloatString(numericScale))
	if err != nil {
		return t, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
	}
	t.Amount = amount
	return t, nil
}
