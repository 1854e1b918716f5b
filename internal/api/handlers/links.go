package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

// LinkService is the part of aggregator.Service the API uses.
type LinkService interface {
	LinkAccount(ctx context.Context, userID, publicToken string) (string, error)
	TriggerSync(ctx context.Context, userID, itemID string) (*jobs.Job, error)
	Reactivate(ctx context.Context, userID, itemID string) (*jobs.Job, error)
	HandleWebhook(ctx context.Context, itemID, code string) error
	Links(ctx context.Context, userID string) ([]*domain.AggregatorLink, error)
}

// LinksHandler handles aggregator link endpoints.
type LinksHandler struct {
	links LinkService
	log   zerolog.Logger
}

// NewLinksHandler creates a new links handler.
func NewLinksHandler(links LinkService, log zerolog.Logger) *LinksHandler {
	return &LinksHandler{links: links, log: log}
}

// ListLinks handles GET /api/links
func (h *LinksHandler) ListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := h.links.Links(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list links")
		return
	}
	if links == nil {
		links = []*domain.AggregatorLink{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"links": links,
		"count": len(links),
	})
}

// LinkAccount handles POST /api/links
func (h *LinksHandler) LinkAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicToken string `json:"publicToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	itemID, err := h.links.LinkAccount(r.Context(), middleware.UserID(r.Context()), req.PublicToken)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to link account")
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, map[string]string{"itemId": itemID})
}

// TriggerSync handles POST /api/links/:itemId/sync
func (h *LinksHandler) TriggerSync(w http.ResponseWriter, r *http.Request, itemID string) {
	job, err := h.links.TriggerSync(r.Context(), middleware.UserID(r.Context()), itemID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to trigger sync")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"jobId":    job.ID,
	})
}

// Reactivate handles POST /api/links/:itemId/reactivate
func (h *LinksHandler) Reactivate(w http.ResponseWriter, r *http.Request, itemID string) {
	job, err := h.links.Reactivate(r.Context(), middleware.UserID(r.Context()), itemID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to reactivate link")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"jobId":    job.ID,
	})
}

// Webhook handles POST /api/webhooks/aggregator
func (h *LinksHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WebhookType string `json:"webhook_type"`
		WebhookCode string `json:"webhook_code"`
		ItemID      string `json:"item_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ItemID == "" || req.WebhookCode == "" {
		middleware.WriteError(w, http.StatusBadRequest, "item_id and webhook_code are required")
		return
	}

	if err := h.links.HandleWebhook(r.Context(), req.ItemID, req.WebhookCode); err != nil {
		writeServiceError(w, h.log, err, "Failed to handle webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
