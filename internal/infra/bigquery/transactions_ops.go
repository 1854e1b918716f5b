package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

const transactionColumns = `transaction_id, user_id, account_id, transaction_date,
	amount, currency, description, merchant_name, category_name,
	external_id, source, is_pending, created_ts, updated_ts`

// FindCandidates implements store.TransactionStore.
func (s *Store) FindCandidates(ctx context.Context, userID string, from, to civil.Date) ([]domain.Transaction, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE user_id = @user_id
		  AND transaction_date BETWEEN @from_date AND @to_date
		ORDER BY transaction_id
	`, transactionColumns, s.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "from_date", Value: from},
		{Name: "to_date", Value: to},
	}
	return s.readTransactions(ctx, "FindCandidates", q)
}

// FindByExternalIDs implements store.TransactionStore.
func (s *Store) FindByExternalIDs(ctx context.Context, userID string, ids []string) ([]domain.Transaction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := s.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE user_id = @user_id
		  AND external_id IN UNNEST(@external_ids)
		ORDER BY transaction_id
	`, transactionColumns, s.table(transactionsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "external_ids", Value: ids},
	}
	return s.readTransactions(ctx, "FindByExternalIDs", q)
}

func (s *Store) readTransactions(ctx context.Context, op string, q *bigquery.Query) ([]domain.Transaction, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify(op, fmt.Errorf("query read: %w", err))
	}

	var out []domain.Transaction
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(op, fmt.Errorf("iter next: %w", err))
		}
		t, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ApplyBatch implements store.TransactionStore.
func (s *Store) ApplyBatch(ctx context.Context, b *store.Batch) error {
	if b.Empty() {
		return nil
	}
	for _, t := range append(append([]domain.Transaction{}, b.Creates...), b.Updates...) {
		if t.ID == "" {
			return fmt.Errorf("ApplyBatch: transaction without id")
		}
		if t.UserID != b.UserID {
			return fmt.Errorf("ApplyBatch: transaction %s belongs to another user", t.ID)
		}
	}

	sql, params, err := s.applyScript(b)
	if err != nil {
		return fmt.Errorf("ApplyBatch: %w", err)
	}
	return s.run(ctx, "ApplyBatch", sql, params)
}

// applyScript builds the multi-statement transaction for b. Statements
// with nothing to do are left out.
func (s *Store) applyScript(b *store.Batch) (string, []bigquery.QueryParameter, error) {
	var sb strings.Builder
	params := []bigquery.QueryParameter{{Name: "user_id", Value: b.UserID}}

	sb.WriteString("BEGIN TRANSACTION;\n")

	if n := len(b.Creates) + len(b.Updates); n > 0 {
		rows := make([]transactionParam, 0, n)
		for _, t := range b.Creates {
			rows = append(rows, toParam(t))
		}
		for _, t := range b.Updates {
			rows = append(rows, toParam(t))
		}
		sb.WriteString(s.upsertStatement())
		params = append(params, bigquery.QueryParameter{Name: "upserts", Value: rows})
	}

	if len(b.DeleteExternalIDs) > 0 {
		sb.WriteString(s.deleteStatement())
		params = append(params, bigquery.QueryParameter{Name: "removed_ids", Value: b.DeleteExternalIDs})
	}

	if b.Checkpoint != nil {
		cp, err := toCheckpointParam(b.Checkpoint)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(s.checkpointStatement())
		params = append(params,
			bigquery.QueryParameter{Name: "cp_job_id", Value: cp.JobID},
			bigquery.QueryParameter{Name: "cp_batch_index", Value: cp.BatchIndex},
			bigquery.QueryParameter{Name: "cp_row_offset", Value: cp.RowOffset},
			bigquery.QueryParameter{Name: "cp_stats", Value: cp.Stats},
			bigquery.QueryParameter{Name: "cp_updated_ts", Value: cp.UpdatedTS},
		)
	}

	sb.WriteString("COMMIT TRANSACTION;\n")
	return sb.String(), params, nil
}

// upsertStatement merges @upserts by transaction id, or by external id when
// one is present. created_ts is never overwritten.
func (s *Store) upsertStatement() string {
	return fmt.Sprintf(`
MERGE %s T
USING (SELECT * FROM UNNEST(@upserts)) S
ON T.user_id = S.user_id
   AND (T.transaction_id = S.transaction_id
        OR (S.external_id != '' AND T.external_id = S.external_id))
WHEN MATCHED THEN UPDATE SET
  account_id = S.account_id,
  transaction_date = S.transaction_date,
  amount = S.amount,
  currency = NULLIF(S.currency, ''),
  description = S.description,
  merchant_name = NULLIF(S.merchant_name, ''),
  category_name = NULLIF(S.category_name, ''),
  external_id = NULLIF(S.external_id, ''),
  is_pending = S.is_pending,
  updated_ts = S.updated_ts
WHEN NOT MATCHED THEN INSERT (%s)
VALUES (S.transaction_id, S.user_id, S.account_id, S.transaction_date,
  S.amount, NULLIF(S.currency, ''), S.description, NULLIF(S.merchant_name, ''),
  NULLIF(S.category_name, ''), NULLIF(S.external_id, ''), S.source, S.is_pending,
  S.created_ts, S.updated_ts);
`, s.table(transactionsTable), transactionColumns)
}
