// Package memory holds map-backed stores for tests and single-process runs.
// Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

// Transactions is an in-memory TransactionStore. It is safe for concurrent use.
type Transactions struct {
	mu          sync.RWMutex
	byID        map[string]domain.Transaction
	byExternal  map[string]string
	checkpoints map[string]store.Checkpoint
}

// NewTransactions creates an empty store.
func NewTransactions() *Transactions {
	return &Transactions{
		byID:        make(map[string]domain.Transaction),
		byExternal:  make(map[string]string),
		checkpoints: make(map[string]store.Checkpoint),
	}
}

// FindCandidates implements store.TransactionStore.
func (s *Transactions) FindCandidates(ctx context.Context, userID string, from, to civil.Date) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range s.byID {
		if t.UserID != userID {
			continue
		}
		if t.Date.Before(from) || t.Date.After(to) {
			continue
		}
		out = append(out, t)
	}
	sortByID(out)
	return out, nil
}

// FindByExternalIDs implements store.TransactionStore.
func (s *Transactions) FindByExternalIDs(ctx context.Context, userID string, ids []string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, ext := range ids {
		id, ok := s.byExternal[ext]
		if !ok {
			continue
		}
		if t := s.byID[id]; t.UserID == userID {
			out = append(out, t)
		}
	}
	sortByID(out)
	return out, nil
}

// ApplyBatch implements store.TransactionStore. A create whose external id
// already exists is folded into the existing record, as an upsert by key.
func (s *Transactions) ApplyBatch(ctx context.Context, b *store.Batch) error {
	for _, t := range append(append([]domain.Transaction{}, b.Creates...), b.Updates...) {
		if t.ID == "" {
			return fmt.Errorf("ApplyBatch: transaction without id")
		}
		if t.UserID != b.UserID {
			return fmt.Errorf("ApplyBatch: transaction %s belongs to another user", t.ID)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range b.Creates {
		s.upsert(t, true)
	}
	for _, t := range b.Updates {
		s.upsert(t, false)
	}
	for _, ext := range b.DeleteExternalIDs {
		id, ok := s.byExternal[ext]
		if !ok || s.byID[id].UserID != b.UserID {
			continue
		}
		delete(s.byID, id)
		delete(s.byExternal, ext)
	}
	if b.Checkpoint != nil {
		s.checkpoints[b.Checkpoint.JobID] = *b.Checkpoint
	}
	return nil
}

func (s *Transactions) upsert(t domain.Transaction, create bool) {
	if t.ExternalID != "" {
		if id, ok := s.byExternal[t.ExternalID]; ok && id != t.ID {
			prev := s.byID[id]
			t.ID = prev.ID
			t.CreatedAt = prev.CreatedAt
		}
	}
	if prev, ok := s.byID[t.ID]; ok {
		if create {
			t.CreatedAt = prev.CreatedAt
		}
		if prev.ExternalID != "" && prev.ExternalID != t.ExternalID {
			delete(s.byExternal, prev.ExternalID)
		}
	}
	s.byID[t.ID] = t
	if t.ExternalID != "" {
		s.byExternal[t.ExternalID] = t.ID
	}
}

// LoadCheckpoint implements store.TransactionStore.
func (s *Transactions) LoadCheckpoint(ctx context.Context, jobID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[jobID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// All returns every stored transaction ordered by id.
func (s *Transactions) All() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transaction, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t)
	}
	sortByID(out)
	return out
}

// Put stores t directly, bypassing batching. Used to seed fixtures.
func (s *Transactions) Put(t domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsert(t, false)
}

func sortByID(ts []domain.Transaction) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

var _ store.TransactionStore = (*Transactions)(nil)
