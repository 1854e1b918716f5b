package aggregator

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

// Handler runs sync jobs through the engine.
type Handler struct {
	engine *SyncEngine
}

// NewHandler creates a sync job handler.
func NewHandler(engine *SyncEngine) *Handler {
	return &Handler{engine: engine}
}

// HandleSync implements jobs.SyncHandler.
func (h *Handler) HandleSync(ctx context.Context, run *jobs.Run, p jobs.SyncPayload) (domain.ResultStats, error) {
	res, err := h.engine.SyncWithProgress(ctx, p.LinkID, p.Initial, run.Report)
	if err != nil {
		var stats domain.ResultStats
		if res != nil {
			stats = res.Stats
		}
		return stats, fmt.Errorf("sync link %s: %w", p.LinkID, err)
	}
	return res.Stats, nil
}

var _ jobs.SyncHandler = (*Handler)(nil)
