package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Aggregator API endpoints.
const (
	SandboxBaseURL    = "https://sandbox.plaid.com"
	ProductionBaseURL = "https://production.plaid.com"
)

// Error codes that mean the stored credential no longer works.
var authErrorCodes = map[string]bool{
	"ITEM_LOGIN_REQUIRED":     true,
	"INVALID_ACCESS_TOKEN":    true,
	"ITEM_LOCKED":             true,
	"ITEM_NOT_FOUND":          true,
	"ACCESS_NOT_GRANTED":      true,
	"USER_PERMISSION_REVOKED": true,
}

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	BaseURL  string
	ClientID string
	// Secret is never logged.
	Secret domain.Secret

	// Timeout bounds each request.
	Timeout time.Duration

	// RateLimit is requests per second; Burst is the bucket size.
	RateLimit float64
	Burst     int

	// HTTPClient overrides the transport, for tests.
	HTTPClient *http.Client
}

// HTTPClient talks to a Plaid-compatible aggregator API.
type HTTPClient struct {
	http     *http.Client
	baseURL  string
	clientID string
	secret   domain.Secret
	limiter  *rate.Limiter
}

// NewHTTPClient creates a client. Credentials are required.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("aggregator client id and secret are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		http:     httpClient,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: cfg.ClientID,
		secret:   cfg.Secret,
		limiter:  rate.NewLimiter(limit, burst),
	}, nil
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ItemID      string `json:"item_id"`
}

// ExchangePublicToken implements Client.
func (c *HTTPClient) ExchangePublicToken(ctx context.Context, publicToken string) (Exchange, error) {
	resp, err := doPost[exchangeResponse](ctx, c, "/item/public_token/exchange", map[string]any{
		"public_token": publicToken,
	})
	if err != nil {
		return Exchange{}, err
	}
	return Exchange{AccessToken: domain.Secret(resp.AccessToken), ItemID: resp.ItemID}, nil
}

type wireAccount struct {
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	OfficialName string `json:"official_name"`
	Type         string `json:"type"`
	Subtype      string `json:"subtype"`
	Mask         string `json:"mask"`
	Balances     struct {
		Available       *decimal.Decimal `json:"available"`
		Current         *decimal.Decimal `json:"current"`
		Limit           *decimal.Decimal `json:"limit"`
		IsoCurrencyCode string           `json:"iso_currency_code"`
		Unofficial      string           `json:"unofficial_currency_code"`
	} `json:"balances"`
}

type accountsResponse struct {
	Accounts []wireAccount `json:"accounts"`
}

// GetAccounts implements Client.
func (c *HTTPClient) GetAccounts(ctx context.Context, accessToken string) ([]Account, error) {
	resp, err := doPost[accountsResponse](ctx, c, "/accounts/get", map[string]any{
		"access_token": accessToken,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		acct := Account{
			ExternalID:   a.AccountID,
			Name:         a.Name,
			OfficialName: a.OfficialName,
			Type:         a.Type,
			Subtype:      a.Subtype,
			Mask:         a.Mask,
			Currency:     firstNonEmpty(a.Balances.IsoCurrencyCode, a.Balances.Unofficial),
			Available:    a.Balances.Available,
			Limit:        a.Balances.Limit,
		}
		if a.Balances.Current != nil {
			acct.Current = *a.Balances.Current
		}
		out = append(out, acct)
	}
	return out, nil
}

type wireTransaction struct {
	TransactionID   string          `json:"transaction_id"`
	AccountID       string          `json:"account_id"`
	Amount          decimal.Decimal `json:"amount"`
	IsoCurrencyCode string          `json:"iso_currency_code"`
	Unofficial      string          `json:"unofficial_currency_code"`
	Date            string          `json:"date"`
	Name            string          `json:"name"`
	MerchantName    string          `json:"merchant_name"`
	Pending         bool            `json:"pending"`
	Category        []string        `json:"category"`
}

type syncResponse struct {
	Added    []wireTransaction `json:"added"`
	Modified []wireTransaction `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"removed"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// SyncTransactions implements Client. The API reports money leaving the
// account as positive; amounts are negated on the way in.
func (c *HTTPClient) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*Page, error) {
	body := map[string]any{
		"access_token": accessToken,
		"count":        count,
	}
	if cursor != "" {
		body["cursor"] = cursor
	}
	resp, err := doPost[syncResponse](ctx, c, "/transactions/sync", body)
	if err != nil {
		return nil, err
	}

	page := &Page{NextCursor: resp.NextCursor, HasMore: resp.HasMore}
	if page.Added, err = convertTransactions(resp.Added); err != nil {
		return nil, err
	}
	if page.Modified, err = convertTransactions(resp.Modified); err != nil {
		return nil, err
	}
	for _, r := range resp.Removed {
		if r.TransactionID != "" {
			page.Removed = append(page.Removed, r.TransactionID)
		}
	}
	return page, nil
}

func convertTransactions(in []wireTransaction) ([]Transaction, error) {
	out := make([]Transaction, 0, len(in))
	for _, t := range in {
		date, err := civil.ParseDate(t.Date)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: bad date %q: %w", t.TransactionID, t.Date, err)
		}
		var category string
		if len(t.Category) > 0 {
			category = t.Category[len(t.Category)-1]
		}
		out = append(out, Transaction{
			ExternalID:   t.TransactionID,
			AccountID:    t.AccountID,
			Amount:       t.Amount.Neg(),
			Currency:     firstNonEmpty(t.IsoCurrencyCode, t.Unofficial),
			Date:         date,
			Name:         t.Name,
			MerchantName: t.MerchantName,
			Category:     category,
			Pending:      t.Pending,
		})
	}
	return out, nil
}

// APIError is an error response the pipeline has no specific handling for.
type APIError struct {
	StatusCode   int
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aggregator API error %d: %s (type=%s, code=%s, request_id=%s)",
		e.StatusCode, e.ErrorMessage, e.ErrorType, e.ErrorCode, e.RequestID)
}

// doPost performs a POST request with JSON body and decodes the response.
func doPost[Resp any](ctx context.Context, c *HTTPClient, path string, body map[string]any) (*Resp, error) {
	op := "POST " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.Transient(op, fmt.Errorf("rate limiter: %w", err))
	}

	body["client_id"] = c.clientID
	body["secret"] = c.secret.Reveal()
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) || ctx.Err() == nil {
			return nil, domain.Transient(op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classify(op, resp)
	}

	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return &out, nil
}

// classify maps an error response onto the pipeline's error taxonomy.
func classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, apiErr); err != nil {
		apiErr.ErrorMessage = strings.TrimSpace(string(raw))
	}

	switch {
	case authErrorCodes[apiErr.ErrorCode] || apiErr.ErrorType == "INVALID_ACCESS_TOKEN":
		return &domain.AuthError{Code: firstNonEmpty(apiErr.ErrorCode, apiErr.ErrorType), Message: apiErr.ErrorMessage}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500,
		apiErr.ErrorType == "RATE_LIMIT_EXCEEDED",
		apiErr.ErrorCode == "TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION":
		return domain.Transient(op, apiErr)
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Client = (*HTTPClient)(nil)
