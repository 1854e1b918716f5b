package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
)

// Webhook codes the service reacts to.
const (
	WebhookSyncUpdatesAvailable  = "SYNC_UPDATES_AVAILABLE"
	WebhookDefaultUpdate         = "DEFAULT_UPDATE"
	WebhookInitialUpdate         = "INITIAL_UPDATE"
	WebhookHistoricalUpdate      = "HISTORICAL_UPDATE"
	WebhookItemLoginRequired     = "ITEM_LOGIN_REQUIRED"
	WebhookError                 = "ERROR"
	WebhookUserPermissionRevoked = "USER_PERMISSION_REVOKED"
)

// Service is the entry point for linking accounts and requesting syncs.
// Sync work itself always runs as a queued job.
type Service struct {
	links       store.LinkStore
	client      Client
	jobs        jobs.Store
	maxAttempts int
	notify      func()
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceNotify registers a callback run after a sync job is created.
func WithServiceNotify(f func()) ServiceOption {
	return func(s *Service) { s.notify = f }
}

// WithServiceClock replaces time.Now, for tests.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a link service.
func NewService(links store.LinkStore, client Client, jobStore jobs.Store, maxAttempts int, opts ...ServiceOption) *Service {
	if maxAttempts <= 0 {
		maxAttempts = jobs.DefaultRetryPolicy().MaxAttempts
	}
	s := &Service{
		links:       links,
		client:      client,
		jobs:        jobStore,
		maxAttempts: maxAttempts,
		notify:      func() {},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LinkAccount trades a public token for a credential, stores the new link
// and queues its initial sync. It returns the aggregator's item id.
//
// If queueing fails after the link is stored, calling LinkAccount again for
// the same user queues the initial sync for the existing link, as long as
// that link has never synced.
func (s *Service) LinkAccount(ctx context.Context, userID, publicToken string) (string, error) {
	ve := &domain.ValidationError{}
	if strings.TrimSpace(userID) == "" {
		ve.Add("userId", "required")
	}
	if strings.TrimSpace(publicToken) == "" {
		ve.Add("publicToken", "required")
	}
	if err := ve.OrNil(); err != nil {
		return "", err
	}

	ex, err := s.client.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return "", fmt.Errorf("LinkAccount: exchange public token: %w", err)
	}

	if existing, err := s.links.FindLinkByItem(ctx, ex.ItemID); err == nil {
		if existing.UserID != userID {
			return "", domain.NewValidationError("publicToken", "item is linked to another user")
		}
		if existing.Status != domain.LinkActive || existing.Cursor != "" || existing.LastSyncedAt != nil {
			return "", domain.NewValidationError("publicToken", "item is already linked")
		}
		if _, err := s.enqueue(ctx, existing, true); err != nil {
			return "", err
		}
		return ex.ItemID, nil
	} else if !errors.Is(err, domain.ErrLinkNotFound) {
		return "", fmt.Errorf("LinkAccount: %w", err)
	}

	now := s.now()
	link := &domain.AggregatorLink{
		ID:               uuid.New().String(),
		UserID:           userID,
		ExternalItemID:   ex.ItemID,
		AccessCredential: ex.AccessToken,
		Status:           domain.LinkActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.links.CreateLink(ctx, link); err != nil {
		return "", fmt.Errorf("LinkAccount: store link: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("user_id", userID).
		Str("link_id", link.ID).
		Str("item_id", ex.ItemID).
		Msg("Aggregator account linked")

	if _, err := s.enqueue(ctx, link, true); err != nil {
		return "", err
	}
	return ex.ItemID, nil
}

// TriggerSync queues an incremental sync for the user's item. A sync
// already queued or running for the link is reused.
func (s *Service) TriggerSync(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
	link, err := s.links.FindLinkByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if link.UserID != userID {
		return nil, domain.ErrLinkNotFound
	}
	switch link.Status {
	case domain.LinkRevoked:
		return nil, domain.ErrLinkRevoked
	case domain.LinkError:
		return nil, domain.ErrLinkError
	}
	return s.enqueue(ctx, link, false)
}

// Reactivate puts an errored link back to active after the user has
// re-authenticated it, and queues a sync.
func (s *Service) Reactivate(ctx context.Context, userID, itemID string) (*jobs.Job, error) {
	link, err := s.links.FindLinkByItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if link.UserID != userID {
		return nil, domain.ErrLinkNotFound
	}
	switch link.Status {
	case domain.LinkRevoked:
		return nil, domain.ErrLinkRevoked
	case domain.LinkError:
		ok, err := s.links.TransitionStatus(ctx, link.ID, domain.LinkError, domain.LinkActive, "")
		if err != nil {
			return nil, fmt.Errorf("Reactivate: %w", err)
		}
		if !ok {
			// Revoked since it was read.
			if link, err = s.links.GetLink(ctx, link.ID); err != nil {
				return nil, fmt.Errorf("Reactivate: %w", err)
			}
			if link.Status != domain.LinkActive {
				return nil, domain.ErrLinkRevoked
			}
		}
	}
	return s.enqueue(ctx, link, false)
}

// HandleWebhook reacts to an aggregator notification about an item.
// Unknown codes are ignored.
func (s *Service) HandleWebhook(ctx context.Context, itemID, code string) error {
	log := logger.FromContext(ctx).With().Str("item_id", itemID).Str("code", code).Logger()

	link, err := s.links.FindLinkByItem(ctx, itemID)
	if err != nil {
		return err
	}

	switch code {
	case WebhookSyncUpdatesAvailable, WebhookDefaultUpdate, WebhookInitialUpdate, WebhookHistoricalUpdate:
		if link.Status != domain.LinkActive {
			log.Info().Str("status", string(link.Status)).Msg("Ignoring update for inactive link")
			return nil
		}
		_, err := s.enqueue(ctx, link, false)
		return err

	case WebhookItemLoginRequired, WebhookError:
		log.Warn().Msg("Aggregator reports item needs attention")
		_, err := s.links.TransitionStatus(ctx, link.ID, domain.LinkActive, domain.LinkError, "webhook: "+code)
		return err

	case WebhookUserPermissionRevoked:
		log.Warn().Msg("Aggregator reports access revoked")
		return s.links.SetStatus(ctx, link.ID, domain.LinkRevoked, "webhook: "+code)
	}

	log.Debug().Msg("Ignoring webhook")
	return nil
}

// Links lists the user's links.
func (s *Service) Links(ctx context.Context, userID string) ([]*domain.AggregatorLink, error) {
	return s.links.ListLinks(ctx, userID)
}

func (s *Service) enqueue(ctx context.Context, link *domain.AggregatorLink, initial bool) (*jobs.Job, error) {
	job, created, err := s.jobs.Enqueue(ctx, jobs.NewJob(jobs.SyncPayload{
		UserID:  link.UserID,
		LinkID:  link.ID,
		Initial: initial,
	}, s.maxAttempts, s.now()))
	if err != nil {
		return nil, fmt.Errorf("enqueue sync for link %s: %w", link.ID, err)
	}
	if created {
		log := logger.FromContext(ctx)
		log.Info().
			Str("job_id", job.ID).
			Str("link_id", link.ID).
			Bool("initial", initial).
			Msg("Sync queued")
		s.notify()
	}
	return job, nil
}
