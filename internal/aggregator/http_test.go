package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-sync/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPConfig{
		BaseURL:  srv.URL,
		ClientID: "client-1",
		Secret:   "shh",
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestNewHTTPClient_RequiresCredentials(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{ClientID: "id"})
	assert.Error(t, err)
}

func TestHTTPClient_ExchangePublicToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/item/public_token/exchange", r.URL.Path)
		body := decodeBody(t, r)
		assert.Equal(t, "public-1", body["public_token"])
		assert.Equal(t, "client-1", body["client_id"])
		assert.Equal(t, "shh", body["secret"])
		_, _ = w.Write([]byte(`{"access_token":"access-1","item_id":"item-1","request_id":"r1"}`))
	})

	ex, err := c.ExchangePublicToken(context.Background(), "public-1")
	require.NoError(t, err)
	assert.Equal(t, "item-1", ex.ItemID)
	assert.Equal(t, "access-1", ex.AccessToken.Reveal())
	assert.Equal(t, "[redacted]", ex.AccessToken.String())
}

func TestHTTPClient_GetAccounts(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/get", r.URL.Path)
		_, _ = w.Write([]byte(`{"accounts":[
			{"account_id":"a1","name":"Checking","type":"depository","subtype":"checking","mask":"0000",
			 "balances":{"current":110.5,"available":100,"limit":null,"iso_currency_code":"USD"}},
			{"account_id":"a2","name":"Card","type":"credit",
			 "balances":{"current":null,"available":null,"limit":2000,"unofficial_currency_code":"XBT"}}
		]}`))
	})

	accounts, err := c.GetAccounts(context.Background(), "access-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, "a1", accounts[0].ExternalID)
	assert.Equal(t, "USD", accounts[0].Currency)
	assert.True(t, decimal.RequireFromString("110.5").Equal(accounts[0].Current))
	require.NotNil(t, accounts[0].Available)
	assert.True(t, decimal.NewFromInt(100).Equal(*accounts[0].Available))
	assert.Nil(t, accounts[0].Limit)

	assert.Equal(t, "XBT", accounts[1].Currency)
	assert.True(t, accounts[1].Current.IsZero())
	require.NotNil(t, accounts[1].Limit)
}

func TestHTTPClient_SyncTransactions(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []map[string]any
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/sync", r.URL.Path)
		body := decodeBody(t, r)
		mu.Lock()
		calls = append(calls, body)
		mu.Unlock()
		_, _ = w.Write([]byte(`{
			"added":[{"transaction_id":"ext-1","account_id":"a1","amount":42.5,"iso_currency_code":"USD",
			          "date":"2024-01-05","name":"GROCERY","merchant_name":"Grocery Store",
			          "category":["Shops","Supermarkets"],"pending":true}],
			"modified":[{"transaction_id":"ext-3","account_id":"a1","amount":-1000,"date":"2024-01-06","name":"PAYROLL"}],
			"removed":[{"transaction_id":"ext-2"},{}],
			"next_cursor":"c1","has_more":true}`))
	})

	page, err := c.SyncTransactions(context.Background(), "access-1", "", 500)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	_, hasCursor := calls[0]["cursor"]
	assert.False(t, hasCursor)
	assert.Equal(t, float64(500), calls[0]["count"])

	require.Len(t, page.Added, 1)
	a := page.Added[0]
	assert.Equal(t, "ext-1", a.ExternalID)
	assert.True(t, decimal.RequireFromString("-42.50").Equal(a.Amount))
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 5}, a.Date)
	assert.Equal(t, "Supermarkets", a.Category)
	assert.Equal(t, "Grocery Store", a.MerchantName)
	assert.True(t, a.Pending)

	require.Len(t, page.Modified, 1)
	assert.True(t, decimal.NewFromInt(1000).Equal(page.Modified[0].Amount))

	assert.Equal(t, []string{"ext-2"}, page.Removed)
	assert.Equal(t, "c1", page.NextCursor)
	assert.True(t, page.HasMore)

	mu.Unlock()
	_, err = c.SyncTransactions(context.Background(), "access-1", "c1", 500)
	require.NoError(t, err)
	mu.Lock()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[1]["cursor"])
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		auth      bool
		retryable bool
	}{
		{
			name:   "login required",
			status: http.StatusBadRequest,
			body:   `{"error_type":"ITEM_ERROR","error_code":"ITEM_LOGIN_REQUIRED","error_message":"the login details of this item have changed"}`,
			auth:   true,
		},
		{
			name:   "invalid access token",
			status: http.StatusBadRequest,
			body:   `{"error_type":"INVALID_INPUT","error_code":"INVALID_ACCESS_TOKEN","error_message":"bad token"}`,
			auth:   true,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error_type":"RATE_LIMIT_EXCEEDED","error_code":"TRANSACTIONS_LIMIT"}`,
			retryable: true,
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			body:      `internal error`,
			retryable: true,
		},
		{
			name:      "mutation during pagination",
			status:    http.StatusBadRequest,
			body:      `{"error_type":"TRANSACTIONS_ERROR","error_code":"TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION"}`,
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.SyncTransactions(context.Background(), "access-1", "c0", 100)
			require.Error(t, err)
			assert.Equal(t, tt.auth, domain.IsAuth(err))
			if tt.retryable {
				var te *domain.TransientError
				assert.True(t, errors.As(err, &te))
			}
			if tt.auth {
				assert.False(t, domain.IsRetryable(err))
			}
		})
	}
}

func TestHTTPClient_OtherAPIErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_type":"INVALID_REQUEST","error_code":"MISSING_FIELDS","error_message":"count missing","request_id":"r9"}`))
	})

	_, err := c.GetAccounts(context.Background(), "access-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "MISSING_FIELDS", apiErr.ErrorCode)
	assert.Equal(t, "r9", apiErr.RequestID)
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL, ClientID: "id", Secret: "s", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.GetAccounts(context.Background(), "access-1")
	require.Error(t, err)
	var te *domain.TransientError
	assert.True(t, errors.As(err, &te))
}
