package bigquery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

func testStore() *Store {
	return NewWithClient(nil, "proj", "finance")
}

func paramNames(params []bigquery.QueryParameter) []string {
	var names []string
	for _, p := range params {
		names = append(names, p.Name)
	}
	return names
}

func TestApplyScriptFullBatch(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	txn := domain.Transaction{
		ID:          "t1",
		UserID:      "u1",
		AccountID:   "acc",
		Amount:      decimal.RequireFromString("-12.50"),
		Date:        civil.Date{Year: 2024, Month: 1, Day: 9},
		Description: "Coffee",
		Source:      domain.SourceCSV,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b := &store.Batch{
		UserID:            "u1",
		Creates:           []domain.Transaction{txn},
		DeleteExternalIDs: []string{"ext-9"},
		Checkpoint:        &store.Checkpoint{JobID: "job-1", BatchIndex: 2, Offset: 40, UpdatedAt: now},
	}

	sql, params, err := testStore().applyScript(b)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "BEGIN TRANSACTION;"))
	assert.True(t, strings.HasSuffix(sql, "COMMIT TRANSACTION;\n"))
	assert.Contains(t, sql, "MERGE `proj.finance.transactions` T")
	assert.Contains(t, sql, "DELETE FROM `proj.finance.transactions`")
	assert.Contains(t, sql, "MERGE `proj.finance.import_checkpoints` T")
	assert.ElementsMatch(t,
		[]string{"user_id", "upserts", "removed_ids", "cp_job_id", "cp_batch_index", "cp_row_offset", "cp_stats", "cp_updated_ts"},
		paramNames(params))

	rows, ok := params[1].Value.([]transactionParam)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "-25/2", rows[0].Amount.String())
	assert.Equal(t, "csv", rows[0].Source)
}

func TestApplyScriptLeavesOutEmptyStatements(t *testing.T) {
	b := &store.Batch{UserID: "u1", DeleteExternalIDs: []string{"ext-1"}}

	sql, params, err := testStore().applyScript(b)
	require.NoError(t, err)

	assert.NotContains(t, sql, "MERGE")
	assert.Contains(t, sql, "DELETE FROM")
	assert.Equal(t, []string{"user_id", "removed_ids"}, paramNames(params))
}

func TestApplyBatchRejectsForeignRows(t *testing.T) {
	b := &store.Batch{
		UserID:  "u1",
		Creates: []domain.Transaction{{ID: "t1", UserID: "u2"}},
	}
	err := testStore().ApplyBatch(context.Background(), b)
	assert.ErrorContains(t, err, "belongs to another user")

	assert.NoError(t, testStore().ApplyBatch(context.Background(), &store.Batch{UserID: "u1"}))
}

func TestTransactionRowToDomain(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	row := TransactionRow{
		TransactionID:   "t1",
		UserID:          "u1",
		AccountID:       "acc",
		TransactionDate: civil.Date{Year: 2024, Month: 1, Day: 2},
		Amount:          big.NewRat(-1999, 100),
		Currency:        bigquery.NullString{StringVal: "USD", Valid: true},
		Description:     "Groceries",
		ExternalID:      bigquery.NullString{StringVal: "plaid-1", Valid: true},
		Source:          "aggregator",
		IsPending:       bigquery.NullBool{Bool: true, Valid: true},
		CreatedTS:       created,
	}

	got, err := row.toDomain()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("-19.99").Equal(got.Amount))
	assert.Equal(t, "plaid-1", got.ExternalID)
	assert.Equal(t, domain.SourceAggregator, got.Source)
	assert.True(t, got.Pending)
	assert.Empty(t, got.MerchantName)
	assert.Equal(t, created, got.UpdatedAt)

	row.Amount = nil
	_, err = row.toDomain()
	assert.Error(t, err)
}

func TestCheckpointRowRoundTrip(t *testing.T) {
	cp := &store.Checkpoint{
		JobID:      "job-1",
		BatchIndex: 3,
		Offset:     60,
		Stats:      domain.ResultStats{Created: 50, Skipped: 10, Processed: 60, Total: 100},
		UpdatedAt:  time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
	}
	row, err := toCheckpointParam(cp)
	require.NoError(t, err)

	got, err := row.toStore()
	require.NoError(t, err)
	assert.Equal(t, cp, got)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), true},
		{"503", &googleapi.Error{Code: 503}, true},
		{"429", &googleapi.Error{Code: 429}, true},
		{"400", &googleapi.Error{Code: 400}, false},
		{"backend", &bigquery.Error{Reason: "backendError"}, true},
		{"invalid query", &bigquery.Error{Reason: "invalidQuery"}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("ApplyBatch", tt.err)
			var te *domain.TransientError
			assert.Equal(t, tt.transient, errors.As(err, &te))
			assert.ErrorContains(t, err, "ApplyBatch")
		})
	}
	assert.NoError(t, classify("x", nil))
}
