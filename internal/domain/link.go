package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// LinkStatus is the state of an aggregator connection.
type LinkStatus string

const (
	LinkActive  LinkStatus = "active"
	LinkError   LinkStatus = "error"
	LinkRevoked LinkStatus = "revoked"
)

// Secret holds a credential that must never reach logs or API responses.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Reveal returns the raw credential for use on the wire.
func (s Secret) Reveal() string {
	return string(s)
}

// AggregatorLink is one connection to an account aggregator.
type AggregatorLink struct {
	ID               string     `json:"id"`
	UserID           string     `json:"userId"`
	ExternalItemID   string     `json:"itemId"`
	AccessCredential Secret     `json:"-"`
	Cursor           string     `json:"-"`
	Status           LinkStatus `json:"status"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// SyncAccount mirrors an account reported by the aggregator.
type SyncAccount struct {
	ID                string           `json:"id"`
	LinkID            string           `json:"linkId"`
	UserID            string           `json:"userId"`
	ExternalAccountID string           `json:"externalAccountId"`
	Name              string           `json:"name"`
	OfficialName      string           `json:"officialName,omitempty"`
	Type              string           `json:"type"`
	Subtype           string           `json:"subtype,omitempty"`
	Mask              string           `json:"mask,omitempty"`
	Currency          string           `json:"currency,omitempty"`
	CurrentBalance    decimal.Decimal  `json:"currentBalance"`
	AvailableBalance  *decimal.Decimal `json:"availableBalance,omitempty"`
	CreditLimit       *decimal.Decimal `json:"creditLimit,omitempty"`
	RefreshedAt       time.Time        `json:"refreshedAt"`
}
