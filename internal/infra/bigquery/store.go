// Package bigquery implements store.TransactionStore on BigQuery.
//
// Each ApplyBatch runs as a single multi-statement transaction: upserts,
// deletions and the job checkpoint commit together or not at all.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

const (
	transactionsTable = "transactions"
	checkpointsTable  = "import_checkpoints"
)

// Store is the BigQuery TransactionStore. It holds a shared client to avoid
// opening a connection per operation.
type Store struct {
	client  *bigquery.Client
	project string
	dataset string
}

// New opens a client for project and returns a store over dataset.
func New(ctx context.Context, project, dataset string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("bigquery.New: creating client: %w", err)
	}
	return NewWithClient(client, project, dataset), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *bigquery.Client, project, dataset string) *Store {
	return &Store{client: client, project: project, dataset: dataset}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, name)
}

// run executes a DML statement or script and waits for it to finish.
func (s *Store) run(ctx context.Context, op, sql string, params []bigquery.QueryParameter) error {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return classify(op, fmt.Errorf("run query: %w", err))
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return classify(op, fmt.Errorf("wait for job: %w", err))
	}
	if err := status.Err(); err != nil {
		return classify(op, fmt.Errorf("job error: %w", err))
	}
	return nil
}

// retryable BigQuery job error reasons.
var transientReasons = map[string]bool{
	"backendError":         true,
	"internalError":        true,
	"rateLimitExceeded":    true,
	"jobRateLimitExceeded": true,
}

// classify marks timeouts, throttling and server-side failures as transient
// so the job is retried. Anything else is returned wrapped with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError {
			return domain.Transient(op, err)
		}
	}
	var berr *bigquery.Error
	if errors.As(err, &berr) && transientReasons[berr.Reason] {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ store.TransactionStore = (*Store)(nil)
