package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

// Links is an in-memory LinkStore. Values are copied in and out.
type Links struct {
	mu       sync.RWMutex
	links    map[string]domain.AggregatorLink
	accounts map[string][]domain.SyncAccount
}

// NewLinks creates an empty link store.
func NewLinks() *Links {
	return &Links{
		links:    make(map[string]domain.AggregatorLink),
		accounts: make(map[string][]domain.SyncAccount),
	}
}

// CreateLink implements store.LinkStore.
func (s *Links) CreateLink(ctx context.Context, link *domain.AggregatorLink) error {
	if link.ID == "" {
		return fmt.Errorf("link ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.links {
		if l.ExternalItemID == link.ExternalItemID {
			return fmt.Errorf("link for item %s already exists", link.ExternalItemID)
		}
	}
	s.links[link.ID] = *link
	return nil
}

// GetLink implements store.LinkStore.
func (s *Links) GetLink(ctx context.Context, id string) (*domain.AggregatorLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[id]
	if !ok {
		return nil, domain.ErrLinkNotFound
	}
	return &l, nil
}

// FindLinkByItem implements store.LinkStore.
func (s *Links) FindLinkByItem(ctx context.Context, itemID string) (*domain.AggregatorLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.links {
		if l.ExternalItemID == itemID {
			return &l, nil
		}
	}
	return nil, domain.ErrLinkNotFound
}

// ListLinks implements store.LinkStore.
func (s *Links) ListLinks(ctx context.Context, userID string) ([]*domain.AggregatorLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AggregatorLink
	for _, l := range s.links {
		if l.UserID == userID {
			l := l
			out = append(out, &l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AdvanceCursor implements store.LinkStore.
func (s *Links) AdvanceCursor(ctx context.Context, linkID, cursor string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkID]
	if !ok {
		return domain.ErrLinkNotFound
	}
	l.Cursor = cursor
	l.LastSyncedAt = &syncedAt
	l.LastError = ""
	l.UpdatedAt = syncedAt
	s.links[linkID] = l
	return nil
}

// SetStatus implements store.LinkStore.
func (s *Links) SetStatus(ctx context.Context, linkID string, status domain.LinkStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkID]
	if !ok {
		return domain.ErrLinkNotFound
	}
	l.Status = status
	l.LastError = lastError
	l.UpdatedAt = time.Now()
	s.links[linkID] = l
	return nil
}

// TransitionStatus implements store.LinkStore.
func (s *Links) TransitionStatus(ctx context.Context, linkID string, from, to domain.LinkStatus, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkID]
	if !ok {
		return false, domain.ErrLinkNotFound
	}
	if l.Status != from {
		return false, nil
	}
	l.Status = to
	l.LastError = lastError
	l.UpdatedAt = time.Now()
	s.links[linkID] = l
	return true, nil
}

// ReplaceAccounts implements store.LinkStore.
func (s *Links) ReplaceAccounts(ctx context.Context, linkID string, accounts []domain.SyncAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[linkID]; !ok {
		return domain.ErrLinkNotFound
	}
	s.accounts[linkID] = append([]domain.SyncAccount(nil), accounts...)
	return nil
}

// ListAccounts implements store.LinkStore.
func (s *Links) ListAccounts(ctx context.Context, linkID string) ([]domain.SyncAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.SyncAccount(nil), s.accounts[linkID]...), nil
}

var _ store.LinkStore = (*Links)(nil)
