// Package handlers is the HTTP surface over the import orchestrator and
// the aggregator link service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/blobstore"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/importer"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

// ImportService is the part of importer.Orchestrator the API uses.
type ImportService interface {
	SubmitImport(ctx context.Context, userID, fileName, sourceLocation string, opts importer.Options) (*jobs.Job, error)
	JobStatus(ctx context.Context, jobID string) (*importer.Status, error)
	ActiveJobs(ctx context.Context, userID string) ([]*jobs.Job, error)
	MarkJobError(ctx context.Context, jobID, reason string) error
}

// ImportsHandler handles import and job endpoints.
type ImportsHandler struct {
	imports ImportService
	blobs   blobstore.StorageService
	locate  func(object string) string
	log     zerolog.Logger
}

// NewImportsHandler creates a new imports handler. locate turns a storage
// object name into the sourceLocation URI uploads are written to.
func NewImportsHandler(imports ImportService, blobs blobstore.StorageService, locate func(string) string, log zerolog.Logger) *ImportsHandler {
	return &ImportsHandler{
		imports: imports,
		blobs:   blobs,
		locate:  locate,
		log:     log,
	}
}

type submitImportRequest struct {
	FileName       string   `json:"fileName"`
	SourceLocation string   `json:"sourceLocation"`
	DedupThreshold *float64 `json:"dedupThreshold"`
	BatchSize      *int     `json:"batchSize"`
	BatchDelayMs   *int     `json:"batchDelayMs"`
	AccountID      string   `json:"accountId"`
}

// SubmitImport handles POST /api/imports
func (h *ImportsHandler) SubmitImport(w http.ResponseWriter, r *http.Request) {
	var req submitImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID := middleware.UserID(r.Context())
	job, err := h.imports.SubmitImport(r.Context(), userID, req.FileName, req.SourceLocation, importer.Options{
		DedupThreshold: req.DedupThreshold,
		BatchSize:      req.BatchSize,
		BatchDelayMs:   req.BatchDelayMs,
		AccountID:      req.AccountID,
	})
	if err != nil {
		h.writeError(w, err, "Failed to submit import")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"jobId":  job.ID,
		"status": string(job.Status),
	})
}

// UploadFile handles POST /api/imports/upload?filename=...
// The body is stored as-is and its sourceLocation returned for SubmitImport.
func (h *ImportsHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(strings.TrimSpace(r.URL.Query().Get("filename")))
	if filename == "" || filename == "." || filename == "/" {
		middleware.WriteError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if h.blobs == nil || h.locate == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Uploads are not configured")
		return
	}

	userID := middleware.UserID(r.Context())
	uri := h.locate(blobstore.ObjectName(userID, filename))
	if err := h.blobs.Upload(r.Context(), uri, r.Body); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Str("uri", uri).Msg("Failed to store upload")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}

	h.log.Info().Str("user_id", userID).Str("uri", uri).Msg("File uploaded")
	middleware.WriteJSON(w, http.StatusCreated, map[string]string{
		"fileName":       filename,
		"sourceLocation": uri,
	})
}

// ActiveJobs handles GET /api/imports/active
func (h *ImportsHandler) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.imports.ActiveJobs(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		h.writeError(w, err, "Failed to list active jobs")
		return
	}

	out := make([]*importer.Status, 0, len(list))
	for _, j := range list {
		out = append(out, importer.StatusOf(j))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

// GetJob handles GET /api/jobs/:id
func (h *ImportsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	st, err := h.imports.JobStatus(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err, "Failed to get job")
		return
	}
	if st.UserID != middleware.UserID(r.Context()) {
		middleware.WriteError(w, http.StatusNotFound, domain.ErrJobNotFound.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, st)
}

// MarkJobError handles POST /api/jobs/:id/error
func (h *ImportsHandler) MarkJobError(w http.ResponseWriter, r *http.Request, jobID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	st, err := h.imports.JobStatus(r.Context(), jobID)
	if err == nil && st.UserID != middleware.UserID(r.Context()) {
		err = domain.ErrJobNotFound
	}
	if err == nil {
		err = h.imports.MarkJobError(r.Context(), jobID, req.Reason)
	}
	if err != nil {
		h.writeError(w, err, "Failed to mark job as error")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"jobId":  jobID,
		"status": string(jobs.StatusError),
	})
}

func (h *ImportsHandler) writeError(w http.ResponseWriter, err error, msg string) {
	writeServiceError(w, h.log, err, msg)
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
// Unclassified errors are logged and hidden behind msg.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error, msg string) {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		middleware.WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Invalid request",
			"fields": ve.Fields,
		})
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrLinkNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrLinkRevoked), errors.Is(err, domain.ErrLinkError), errors.Is(err, domain.ErrJobTerminal):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case domain.IsAuth(err):
		middleware.WriteError(w, http.StatusBadGateway, "Aggregator rejected the credential")
	default:
		log.Error().Err(err).Msg(msg)
		middleware.WriteError(w, http.StatusInternalServerError, msg)
	}
}
