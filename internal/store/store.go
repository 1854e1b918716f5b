// Package store defines the persistence contracts shared by the import and
// sync pipelines.
package store

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Checkpoint records how far a job got. It is written in the same atomic
// step as the batch it describes.
type Checkpoint struct {
	JobID      string             `json:"jobId"`
	BatchIndex int                `json:"batchIndex"`
	Offset     int                `json:"offset"`
	Stats      domain.ResultStats `json:"stats"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Batch is one atomic set of mutations for a single user.
type Batch struct {
	UserID string

	// Creates and Updates are full records. Stores upsert them by id, and
	// by external id when one is present.
	Creates []domain.Transaction
	Updates []domain.Transaction

	// DeleteExternalIDs removes records by aggregator id. Missing ids are ignored.
	DeleteExternalIDs []string

	// Checkpoint, when set, is persisted together with the mutations.
	Checkpoint *Checkpoint
}

// Empty reports whether the batch carries nothing to write.
func (b *Batch) Empty() bool {
	return len(b.Creates) == 0 && len(b.Updates) == 0 && len(b.DeleteExternalIDs) == 0 && b.Checkpoint == nil
}

// TransactionStore is the canonical transaction table.
type TransactionStore interface {
	// FindCandidates returns the user's transactions dated within [from, to].
	FindCandidates(ctx context.Context, userID string, from, to civil.Date) ([]domain.Transaction, error)

	// FindByExternalIDs returns the user's transactions carrying any of ids.
	FindByExternalIDs(ctx context.Context, userID string, ids []string) ([]domain.Transaction, error)

	// ApplyBatch commits every mutation in b or none of them.
	ApplyBatch(ctx context.Context, b *Batch) error

	// LoadCheckpoint returns the last checkpoint for jobID, or nil if none.
	LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)
}

// LinkStore persists aggregator links and their mirrored accounts.
type LinkStore interface {
	CreateLink(ctx context.Context, link *domain.AggregatorLink) error
	GetLink(ctx context.Context, id string) (*domain.AggregatorLink, error)

	// FindLinkByItem looks a link up by the aggregator's item id.
	FindLinkByItem(ctx context.Context, itemID string) (*domain.AggregatorLink, error)
	ListLinks(ctx context.Context, userID string) ([]*domain.AggregatorLink, error)

	// AdvanceCursor stores the cursor after a page has been applied.
	AdvanceCursor(ctx context.Context, linkID, cursor string, syncedAt time.Time) error

	// SetStatus changes the link status and last error.
	SetStatus(ctx context.Context, linkID string, status domain.LinkStatus, lastError string) error

	// TransitionStatus sets status and last error only while the link is
	// still in from. It reports whether the link was updated.
	TransitionStatus(ctx context.Context, linkID string, from, to domain.LinkStatus, lastError string) (bool, error)

	// ReplaceAccounts swaps the link's mirrored accounts for accounts.
	ReplaceAccounts(ctx context.Context, linkID string, accounts []domain.SyncAccount) error
	ListAccounts(ctx context.Context, linkID string) ([]domain.SyncAccount, error)
}
