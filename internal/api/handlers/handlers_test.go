package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/api/middleware"
	"github.com/dvloznov/finance-sync/internal/blobstore"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/importer"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
)

// mockLinks is a LinkService with overridable behavior.
type mockLinks struct {
	LinkAccountFunc   func(ctx context.Context, userID, publicToken string) (string, error)
	TriggerSyncFunc   func(ctx context.Context, userID, itemID string) (*jobs.Job, error)
	ReactivateFunc    func(ctx context.Context, userID, itemID string) (*jobs.Job, error)
	HandleWebhookFunc func(ctx context.Context, itemID, code string) error
	LinksFunc         func(ctx context.Context, userID string) ([]*domain.AggregatorLink, error)
}

func (m *mockLinks) LinkAccount(ctx context.Context, userID, publicToken string) (string, error) {
	return m.LinkAccountFunc(ctx, userID, publicToken)
}

func (m *mockLinks) TriggerSync(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
	return m.TriggerSyncFunc(ctx, userID, itemID)
}

func (m *mockLinks) Reactivate(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
	return m.ReactivateFunc(ctx, userID, itemID)
}

func (m *mockLinks) HandleWebhook(ctx context.Context, itemID, code string) error {
	return m.HandleWebhookFunc(ctx, itemID, code)
}

func (m *mockLinks) Links(ctx context.Context, userID string) ([]*domain.AggregatorLink, error) {
	return m.LinksFunc(ctx, userID)
}

type fixture struct {
	server *httptest.Server
	jobs   *inmemory.Store
	root   string
}

func newFixture(t *testing.T, links LinkService) *fixture {
	t.Helper()
	store := inmemory.NewStore()
	orch := importer.NewOrchestrator(store, importer.DefaultOptions(), 3)
	root := t.TempDir()
	local := blobstore.NewLocalStorageService(root)

	imports := NewImportsHandler(orch, blobstore.NewRouter(nil, local), local.URI, zerolog.Nop())
	var lh *LinksHandler
	if links != nil {
		lh = NewLinksHandler(links, zerolog.Nop())
	}
	h := middleware.Auth("/health", WebhookPath)(NewRouter(imports, lh))

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, jobs: store, root: root}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(middleware.UserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestSubmitImportAndStatus(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/imports", "u1",
		`{"fileName":"jan.csv","sourceLocation":"file:///tmp/jan.csv","batchSize":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	jobID := body["jobId"].(string)

	resp, again := f.do(t, http.MethodPost, "/api/imports", "u1",
		`{"fileName":"jan.csv","sourceLocation":"file:///tmp/jan.csv"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, jobID, again["jobId"], "in-flight file returns the existing job")

	resp, st := f.do(t, http.MethodGet, "/api/jobs/"+jobID, "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", st["status"])
	assert.Equal(t, float64(0), st["progress"])

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/"+jobID, "u2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "other users cannot see the job")

	resp, active := f.do(t, http.MethodGet, "/api/imports/active", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), active["count"])
}

func TestSubmitImportValidation(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/imports", "u1",
		`{"fileName":"jan.csv","sourceLocation":"file:///tmp/jan.csv","dedupThreshold":150,"batchSize":0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	fields := body["fields"].([]interface{})
	assert.Len(t, fields, 2)

	list, err := f.jobs.List(context.Background(), jobs.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected requests are never queued")

	resp, _ = f.do(t, http.MethodPost, "/api/imports", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMarkJobError(t *testing.T) {
	f := newFixture(t, nil)

	_, body := f.do(t, http.MethodPost, "/api/imports", "u1",
		`{"fileName":"jan.csv","sourceLocation":"file:///tmp/jan.csv"}`)
	jobID := body["jobId"].(string)

	resp, _ := f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/error", "u1", `{"reason":"stuck"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, st := f.do(t, http.MethodGet, "/api/jobs/"+jobID, "u1", "")
	assert.Equal(t, "error", st["status"])
	assert.Contains(t, st["failureReason"], "stuck")

	resp, _ = f.do(t, http.MethodPost, "/api/jobs/"+jobID+"/error", "u1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/jobs/missing", "u1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadFile(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/imports/upload?filename=jan.csv", "u1", "date,description,amount\n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	loc := body["sourceLocation"].(string)
	assert.True(t, strings.HasPrefix(loc, "file://"))
	assert.True(t, strings.HasSuffix(loc, "imports/u1/jan.csv"))

	data, err := os.ReadFile(strings.TrimPrefix(loc, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "date,description,amount\n", string(data))

	resp, _ = f.do(t, http.MethodPost, "/api/imports/upload", "u1", "x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLinkEndpoints(t *testing.T) {
	var webhook []string
	links := &mockLinks{
		LinkAccountFunc: func(ctx context.Context, userID, publicToken string) (string, error) {
			if publicToken == "" {
				return "", domain.NewValidationError("publicToken", "required")
			}
			return "item-1", nil
		},
		TriggerSyncFunc: func(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
			switch itemID {
			case "item-1":
				return &jobs.Job{ID: "job-1"}, nil
			case "revoked":
				return nil, domain.ErrLinkRevoked
			}
			return nil, domain.ErrLinkNotFound
		},
		ReactivateFunc: func(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
			return &jobs.Job{ID: "job-2"}, nil
		},
		HandleWebhookFunc: func(ctx context.Context, itemID, code string) error {
			webhook = append(webhook, itemID+":"+code)
			return nil
		},
		LinksFunc: func(ctx context.Context, userID string) ([]*domain.AggregatorLink, error) {
			return []*domain.AggregatorLink{{ID: "l1", UserID: userID, ExternalItemID: "item-1", AccessCredential: "access-1"}}, nil
		},
	}
	f := newFixture(t, links)

	resp, body := f.do(t, http.MethodPost, "/api/links", "u1", `{"publicToken":"public-1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "item-1", body["itemId"])

	resp, _ = f.do(t, http.MethodPost, "/api/links", "u1", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/links/item-1/sync", "u1", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "job-1", body["jobId"])

	resp, _ = f.do(t, http.MethodPost, "/api/links/revoked/sync", "u1", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/links/unknown/sync", "u1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/links/item-1/reactivate", "u1", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job-2", body["jobId"])

	resp, body = f.do(t, http.MethodGet, "/api/links", "u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "access-1")

	resp, _ = f.do(t, http.MethodPost, WebhookPath, "",
		`{"webhook_type":"TRANSACTIONS","webhook_code":"SYNC_UPDATES_AVAILABLE","item_id":"item-1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"item-1:SYNC_UPDATES_AVAILABLE"}, webhook)
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, _ = f.do(t, http.MethodDelete, "/api/imports", "u1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
