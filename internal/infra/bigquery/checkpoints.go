package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-sync/internal/store"
)

// CheckpointRow is one row of finance.import_checkpoints.
type CheckpointRow struct {
	JobID      string    `bigquery:"job_id"`
	BatchIndex int64     `bigquery:"batch_index"`
	RowOffset  int64     `bigquery:"row_offset"`
	Stats      string    `bigquery:"stats"` // JSON-encoded domain.ResultStats
	UpdatedTS  time.Time `bigquery:"updated_ts"`
}

func toCheckpointParam(cp *store.Checkpoint) (CheckpointRow, error) {
	stats, err := json.Marshal(cp.Stats)
	if err != nil {
		return CheckpointRow{}, fmt.Errorf("encode checkpoint stats: %w", err)
	}
	return CheckpointRow{
		JobID:      cp.JobID,
		BatchIndex: int64(cp.BatchIndex),
		RowOffset:  int64(cp.Offset),
		Stats:      string(stats),
		UpdatedTS:  cp.UpdatedAt.UTC(),
	}, nil
}

func (r *CheckpointRow) toStore() (*store.Checkpoint, error) {
	cp := &store.Checkpoint{
		JobID:      r.JobID,
		BatchIndex: int(r.BatchIndex),
		Offset:     int(r.RowOffset),
		UpdatedAt:  r.UpdatedTS,
	}
	if r.Stats != "" {
		if err := json.Unmarshal([]byte(r.Stats), &cp.Stats); err != nil {
			return nil, fmt.Errorf("decode checkpoint stats: %w", err)
		}
	}
	return cp, nil
}

// checkpointStatement upserts the job's checkpoint from the @cp_* parameters.
func (s *Store) checkpointStatement() string {
	return fmt.Sprintf(`
MERGE %s T
USING (SELECT @cp_job_id AS job_id) S
ON T.job_id = S.job_id
WHEN MATCHED THEN UPDATE SET
  batch_index = @cp_batch_index,
  row_offset = @cp_row_offset,
  stats = @cp_stats,
  updated_ts = @cp_updated_ts
WHEN NOT MATCHED THEN INSERT (job_id, batch_index, row_offset, stats, updated_ts)
VALUES (@cp_job_id, @cp_batch_index, @cp_row_offset, @cp_stats, @cp_updated_ts);
`, s.table(checkpointsTable))
}

// LoadCheckpoint implements store.TransactionStore.
func (s *Store) LoadCheckpoint(ctx context.Context, jobID string) (*store.Checkpoint, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT job_id, batch_index, row_offset, stats, updated_ts
		FROM %s
		WHERE job_id = @job_id
		LIMIT 1
	`, s.table(checkpointsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "job_id", Value: jobID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify("LoadCheckpoint", fmt.Errorf("query read: %w", err))
	}

	var row CheckpointRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, classify("LoadCheckpoint", fmt.Errorf("iter next: %w", err))
	}
	return row.toStore()
}
