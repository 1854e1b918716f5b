package jobs

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload variant of a job.
type Kind string

const (
	// KindImport is a CSV file import.
	KindImport Kind = "import"
	// KindSync is one aggregator sync cycle for a link.
	KindSync Kind = "sync"
)

// Payload is the closed set of job arguments. Only types in this package
// implement it, so Dispatch can switch over every variant.
type Payload interface {
	Kind() Kind
	Owner() string
	DedupKey() string
	sealed()
}

// ImportPayload describes a CSV import.
type ImportPayload struct {
	UserID         string  `json:"userId"`
	FileName       string  `json:"fileName"`
	SourceLocation string  `json:"sourceLocation"`
	AccountID      string  `json:"accountId,omitempty"`
	DedupThreshold float64 `json:"dedupThreshold"`
	BatchSize      int     `json:"batchSize"`
	BatchDelayMs   int     `json:"batchDelayMs"`
}

func (ImportPayload) Kind() Kind { return KindImport }
func (p ImportPayload) Owner() string { return p.UserID }
func (p ImportPayload) DedupKey() string { return ImportDedupKey(p.UserID, p.FileName) }
func (ImportPayload) sealed() {}

// ImportDedupKey is the in-flight key for a user's file.
func ImportDedupKey(userID, fileName string) string {
	return "import:" + userID + ":" + fileName
}

// SyncPayload describes an aggregator sync cycle.
type SyncPayload struct {
	UserID string `json:"userId"`
	LinkID string `json:"linkId"`

	// Initial is set for the first sync after linking.
	Initial bool `json:"initial,omitempty"`
}

func (SyncPayload) Kind() Kind { return KindSync }
func (p SyncPayload) Owner() string { return p.UserID }
func (p SyncPayload) DedupKey() string { return "sync:" + p.LinkID }
func (SyncPayload) sealed() {}

// EncodePayload serializes p for storage.
func EncodePayload(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return b, nil
}

// DecodePayload restores a payload stored with EncodePayload.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	switch kind {
	case KindImport:
		var p ImportPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode import payload: %w", err)
		}
		return p, nil
	case KindSync:
		var p SyncPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode sync payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}
