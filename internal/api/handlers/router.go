package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
)

// WebhookPath is served without the user header.
const WebhookPath = "/api/webhooks/aggregator"

// NewRouter registers every endpoint on a new mux. links may be nil when no
// aggregator is configured.
func NewRouter(imports *ImportsHandler, links *LinksHandler) *http.ServeMux {
	mux := http.NewServeMux()

	// Imports endpoints
	mux.HandleFunc("/api/imports", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			imports.SubmitImport(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/imports/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			imports.UploadFile(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/imports/active", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			imports.ActiveJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Jobs endpoints
	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
		jobID, action, _ := strings.Cut(rest, "/")
		if jobID == "" {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			imports.GetJob(w, r, jobID)
		case action == "error" && r.Method == http.MethodPost:
			imports.MarkJobError(w, r, jobID)
		case action == "" || action == "error":
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		default:
			middleware.WriteError(w, http.StatusNotFound, "Not found")
		}
	})

	if links != nil {
		mux.HandleFunc("/api/links", func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				links.ListLinks(w, r)
			case http.MethodPost:
				links.LinkAccount(w, r)
			default:
				middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		})

		mux.HandleFunc("/api/links/", func(w http.ResponseWriter, r *http.Request) {
			rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/links/"), "/")
			itemID, action, _ := strings.Cut(rest, "/")
			if itemID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Item ID is required")
				return
			}
			if r.Method != http.MethodPost {
				middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}
			switch action {
			case "sync":
				links.TriggerSync(w, r, itemID)
			case "reactivate":
				links.Reactivate(w, r, itemID)
			default:
				middleware.WriteError(w, http.StatusNotFound, "Not found")
			}
		})

		mux.HandleFunc(WebhookPath, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				links.Webhook(w, r)
			} else {
				middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			}
		})
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return mux
}
