package importer

import (
	"context"
	"time"

	"github.com/dvloznov/finance-sync/internal/batch"
	"github.com/dvloznov/finance-sync/internal/blobstore"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
)

// Handler runs import jobs: fetch the file, parse it lazily and feed it to
// the batch processor.
type Handler struct {
	blobs     blobstore.StorageService
	processor *batch.Processor
}

// NewHandler creates an import job handler.
func NewHandler(blobs blobstore.StorageService, processor *batch.Processor) *Handler {
	return &Handler{blobs: blobs, processor: processor}
}

// HandleImport implements jobs.ImportHandler.
func (h *Handler) HandleImport(ctx context.Context, run *jobs.Run, p jobs.ImportPayload) (domain.ResultStats, error) {
	log := logger.FromContext(ctx).With().
		Str("file_name", p.FileName).
		Str("source_location", p.SourceLocation).
		Logger()

	data, err := h.blobs.Fetch(ctx, p.SourceLocation)
	if err != nil {
		return domain.ResultStats{}, err
	}

	rows, err := NewReader(data, p.AccountID)
	if err != nil {
		return domain.ResultStats{}, err
	}
	log.Info().
		Str("format", string(rows.Format())).
		Int("rows", rows.Len()).
		Msg("Parsed CSV header")

	stats, err := h.processor.Process(logger.WithContext(ctx, log), batch.Run{
		JobID:      run.Job.ID,
		UserID:     p.UserID,
		Source:     domain.SourceCSV,
		Threshold:  p.DedupThreshold,
		BatchSize:  p.BatchSize,
		BatchDelay: time.Duration(p.BatchDelayMs) * time.Millisecond,
		Report:     run.Report,
	}, rows)
	if err != nil {
		return stats, err
	}

	log.Info().Str("stats", stats.String()).Msg("Import finished")
	return stats, nil
}

var _ jobs.ImportHandler = (*Handler)(nil)
