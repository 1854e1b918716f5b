// Package batch applies deduplication decisions to the transaction store in
// bounded, checkpointed batches.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/dvloznov/finance-sync/internal/dedup"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
)

// Run describes one pass of a job over its rows.
type Run struct {
	JobID     string
	UserID    string
	Source    domain.Source
	Threshold float64
	BatchSize int

	// BatchDelay is the pause between consecutive batches.
	BatchDelay time.Duration

	// Report, if set, is called after every committed batch with the
	// running totals. A domain.ErrLeaseLost from it stops the run.
	Report func(ctx context.Context, stats domain.ResultStats) error
}

// Processor runs candidates through the dedup engine and commits the
// outcome one batch at a time.
type Processor struct {
	store   store.TransactionStore
	engine  *dedup.Engine
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// Option configures a Processor.
type Option func(*Processor)

// WithStoreTimeout bounds every store call. Expiry is a transient failure.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Processor) { p.timeout = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithIDGenerator replaces the transaction id generator, for tests.
func WithIDGenerator(f func() string) Option {
	return func(p *Processor) { p.newID = f }
}

// NewProcessor creates a processor over s.
func NewProcessor(s store.TransactionStore, engine *dedup.Engine, opts ...Option) *Processor {
	p := &Processor{
		store:   s,
		engine:  engine,
		timeout: 30 * time.Second,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process consumes rows in batches of run.BatchSize. Each batch and its
// checkpoint are committed together, so a retried job picks up after the
// last committed batch with its counters intact.
func (p *Processor) Process(ctx context.Context, run Run, rows Rows) (domain.ResultStats, error) {
	log := logger.FromContext(ctx)
	if run.BatchSize <= 0 {
		return domain.ResultStats{}, fmt.Errorf("Process: batch size must be positive")
	}

	var stats domain.ResultStats
	if sized, ok := rows.(Sized); ok {
		stats.Total = sized.Len()
	}

	offset, batchIndex := 0, 0
	var cp *store.Checkpoint
	err := p.call(ctx, "load checkpoint", func(ctx context.Context) error {
		var err error
		cp, err = p.store.LoadCheckpoint(ctx, run.JobID)
		return err
	})
	if err != nil {
		return stats, err
	}
	if cp != nil {
		total := stats.Total
		stats = cp.Stats
		if total > 0 {
			stats.Total = total
		}
		offset = cp.Offset
		batchIndex = cp.BatchIndex + 1
		if err := skip(rows, offset); err != nil {
			return stats, fmt.Errorf("Process: resume at %d: %w", offset, err)
		}
		log.Info().Int("offset", offset).Int("batch", batchIndex).Msg("Resuming from checkpoint")
	}

	first := true
	for {
		chunk, eof, err := read(rows, run.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("Process: read rows: %w", err)
		}
		if len(chunk) == 0 {
			break
		}

		if !first && run.BatchDelay > 0 {
			if err := sleep(ctx, run.BatchDelay); err != nil {
				return stats, domain.Transient("batch delay", err)
			}
		}
		first = false

		b, batchStats, err := p.plan(ctx, run.UserID, run.Source, run.Threshold, chunk)
		if err != nil {
			return stats, err
		}
		next := stats
		next.Errors = append([]string(nil), stats.Errors...)
		next.Add(batchStats)
		b.Checkpoint = &store.Checkpoint{
			JobID:      run.JobID,
			BatchIndex: batchIndex,
			Offset:     offset + len(chunk),
			Stats:      next,
			UpdatedAt:  p.now(),
		}

		if err := p.call(ctx, "apply batch", func(ctx context.Context) error {
			return p.store.ApplyBatch(ctx, b)
		}); err != nil {
			return stats, fmt.Errorf("batch %d: %w", batchIndex, err)
		}

		stats = next
		offset += len(chunk)
		log.Debug().
			Int("batch", batchIndex).
			Int("offset", offset).
			Str("stats", batchStats.String()).
			Msg("Batch committed")
		batchIndex++

		if run.Report != nil {
			if err := run.Report(ctx, stats); err != nil {
				if errors.Is(err, domain.ErrLeaseLost) {
					return stats, err
				}
				log.Warn().Err(err).Msg("Failed to report progress")
			}
		}
		if eof {
			break
		}
	}
	return stats, nil
}

// Apply decides and commits rows plus external-id removals as a single
// atomic batch. The sync engine uses it once per page.
func (p *Processor) Apply(ctx context.Context, userID string, source domain.Source, threshold float64, rows []Row, removals []string) (domain.ResultStats, error) {
	b, stats, err := p.plan(ctx, userID, source, threshold, rows)
	if err != nil {
		return stats, err
	}
	b.DeleteExternalIDs = removals
	stats.Removed = len(removals)
	stats.Total = len(rows)
	if b.Empty() {
		return stats, nil
	}
	if err := p.call(ctx, "apply batch", func(ctx context.Context) error {
		return p.store.ApplyBatch(ctx, b)
	}); err != nil {
		return stats, err
	}
	return stats, nil
}

// plan decides every row of one batch against the stored pool. Records
// created or merged earlier in the batch join the pool, so later rows in
// the same batch are matched against them too.
func (p *Processor) plan(ctx context.Context, userID string, source domain.Source, threshold float64, rows []Row) (*store.Batch, domain.ResultStats, error) {
	var stats domain.ResultStats
	b := &store.Batch{UserID: userID}

	pool, err := p.loadPool(ctx, userID, rows)
	if err != nil {
		return nil, stats, err
	}
	index := make(map[string]int, len(pool))
	for i, t := range pool {
		index[t.ID] = i
	}
	created := make(map[string]int)
	updated := make(map[string]int)
	now := p.now()

	for _, row := range rows {
		if row.Err != nil {
			stats.RecordRowError(&domain.RowError{Line: row.Line, Err: row.Err})
			continue
		}

		d := p.engine.Decide(row.Candidate, threshold, pool)
		stats.Record(d)

		switch d.Kind {
		case domain.DecisionCreate:
			t := row.Candidate.ToTransaction(p.newID(), userID, source, now)
			pool = append(pool, t)
			index[t.ID] = len(pool) - 1
			b.Creates = append(b.Creates, t)
			created[t.ID] = len(b.Creates) - 1

		case domain.DecisionMerge:
			i := index[d.ExistingID]
			merged := row.Candidate.MergeInto(pool[i], now)
			pool[i] = merged
			if ci, ok := created[merged.ID]; ok {
				b.Creates[ci] = merged
			} else if ui, ok := updated[merged.ID]; ok {
				b.Updates[ui] = merged
			} else {
				b.Updates = append(b.Updates, merged)
				updated[merged.ID] = len(b.Updates) - 1
			}

		case domain.DecisionSkip:
			if d.Reason == domain.SkipInvalid && len(stats.Errors) < domain.MaxRecordedErrors {
				stats.Errors = append(stats.Errors, fmt.Sprintf("line %d: missing date, account or description", row.Line))
			}
		}
	}
	return b, stats, nil
}

// loadPool fetches stored transactions that could match any row: those
// dated within the dedup window of the batch's date range, plus any
// carrying one of the batch's external ids.
func (p *Processor) loadPool(ctx context.Context, userID string, rows []Row) ([]domain.Transaction, error) {
	var (
		from, to civil.Date
		have     bool
		extIDs   []string
	)
	for _, r := range rows {
		c := r.Candidate
		if r.Err != nil || !c.Valid() {
			continue
		}
		if !have || c.Date.Before(from) {
			from = c.Date
		}
		if !have || c.Date.After(to) {
			to = c.Date
		}
		have = true
		if c.ExternalID != "" {
			extIDs = append(extIDs, c.ExternalID)
		}
	}
	if !have {
		return nil, nil
	}

	w := p.engine.Window()
	var byDate, byExt []domain.Transaction
	err := p.call(ctx, "find candidates", func(ctx context.Context) error {
		var err error
		byDate, err = p.store.FindCandidates(ctx, userID, from.AddDays(-w), to.AddDays(w))
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(extIDs) > 0 {
		err = p.call(ctx, "find by external id", func(ctx context.Context) error {
			var err error
			byExt, err = p.store.FindByExternalIDs(ctx, userID, extIDs)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool, len(byDate)+len(byExt))
	pool := make([]domain.Transaction, 0, len(byDate)+len(byExt))
	for _, t := range append(byDate, byExt...) {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		pool = append(pool, t)
	}
	return pool, nil
}

// call runs a store operation under the configured timeout.
func (p *Processor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient(op, err)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// read pulls up to n rows. eof is set once the source is exhausted.
func read(rows Rows, n int) ([]Row, bool, error) {
	chunk := make([]Row, 0, n)
	for len(chunk) < n {
		r, err := rows.Next()
		if err == io.EOF {
			return chunk, true, nil
		}
		if err != nil {
			return chunk, false, err
		}
		chunk = append(chunk, r)
	}
	return chunk, false, nil
}

func skip(rows Rows, n int) error {
	for i := 0; i < n; i++ {
		if _, err := rows.Next(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// sleep waits for d without holding up anything but the caller.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
