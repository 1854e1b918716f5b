// Package aggregator keeps canonical transactions in step with an account
// aggregator through its cursor-based sync API.
package aggregator

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Exchange is the result of trading a public link token for a credential.
type Exchange struct {
	AccessToken domain.Secret
	ItemID      string
}

// Account is an account as the aggregator reports it.
type Account struct {
	ExternalID   string
	Name         string
	OfficialName string
	Type         string
	Subtype      string
	Mask         string
	Currency     string
	Current      decimal.Decimal
	Available    *decimal.Decimal
	Limit        *decimal.Decimal
}

// Transaction is an added or modified entry of a sync page. Amount uses
// the canonical sign: outflows are negative.
type Transaction struct {
	ExternalID   string
	AccountID    string
	Amount       decimal.Decimal
	Currency     string
	Date         civil.Date
	Name         string
	MerchantName string
	Category     string
	Pending      bool
}

// Page is one response of the sync endpoint.
type Page struct {
	Added      []Transaction
	Modified   []Transaction
	Removed    []string
	NextCursor string
	HasMore    bool
}

// Client is the subset of the aggregator API the pipeline needs.
// Implementations return domain.AuthError when the credential is no longer
// accepted and domain.TransientError for failures worth retrying.
type Client interface {
	ExchangePublicToken(ctx context.Context, publicToken string) (Exchange, error)
	GetAccounts(ctx context.Context, accessToken string) ([]Account, error)

	// SyncTransactions returns the changes after cursor. An empty cursor
	// starts from the beginning of the item's history.
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*Page, error)
}
