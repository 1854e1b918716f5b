package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-sync/internal/batch"
	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/store"
)

// DefaultPageSize is the number of changes requested per sync page.
const DefaultPageSize = 500

// SyncResult summarises one sync cycle.
type SyncResult struct {
	Stats    domain.ResultStats
	Pages    int
	Accounts int
	Cursor   string
	Initial  bool
}

// SyncEngine runs sync cycles for aggregator links.
type SyncEngine struct {
	links     store.LinkStore
	client    Client
	processor *batch.Processor
	threshold float64
	pageSize  int
	timeout   time.Duration
	now       func() time.Time
}

// EngineOption configures a SyncEngine.
type EngineOption func(*SyncEngine)

// WithPageSize sets how many changes are requested per page.
func WithPageSize(n int) EngineOption {
	return func(e *SyncEngine) { e.pageSize = n }
}

// WithThreshold sets the fuzzy match threshold for entries without an
// existing external id match.
func WithThreshold(t float64) EngineOption {
	return func(e *SyncEngine) { e.threshold = t }
}

// WithCallTimeout bounds every aggregator call. Expiry is a transient failure.
func WithCallTimeout(d time.Duration) EngineOption {
	return func(e *SyncEngine) { e.timeout = d }
}

// WithEngineClock replaces time.Now, for tests.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *SyncEngine) { e.now = now }
}

// NewSyncEngine creates a sync engine.
func NewSyncEngine(links store.LinkStore, client Client, processor *batch.Processor, opts ...EngineOption) *SyncEngine {
	e := &SyncEngine{
		links:     links,
		client:    client,
		processor: processor,
		threshold: 60,
		pageSize:  DefaultPageSize,
		timeout:   30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sync runs one cycle for the link: refresh its accounts, then page
// through changes from the stored cursor. Each page's mutations are
// committed before its cursor is stored, so a crash between the two
// replays the page, which is safe because every mutation is idempotent.
//
// An auth failure moves the link to error. Any other failure leaves the
// link active with its cursor where the last committed page left it.
func (e *SyncEngine) Sync(ctx context.Context, linkID string, initial bool) (*SyncResult, error) {
	return e.SyncWithProgress(ctx, linkID, initial, nil)
}

// SyncWithProgress is Sync with a callback after every committed page.
func (e *SyncEngine) SyncWithProgress(ctx context.Context, linkID string, initial bool, report func(context.Context, domain.ResultStats) error) (*SyncResult, error) {
	link, err := e.links.GetLink(ctx, linkID)
	if err != nil {
		return nil, err
	}
	switch link.Status {
	case domain.LinkRevoked:
		return nil, domain.ErrLinkRevoked
	case domain.LinkError:
		return nil, domain.ErrLinkError
	}

	log := logger.FromContext(ctx).With().
		Str("link_id", link.ID).
		Str("user_id", link.UserID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	res, err := e.run(ctx, link, initial || link.Cursor == "", report)
	if err == nil {
		log.Info().
			Int("pages", res.Pages).
			Int("accounts", res.Accounts).
			Str("stats", res.Stats.String()).
			Msg("Sync completed")
		return res, nil
	}

	if errors.Is(err, domain.ErrLeaseLost) {
		return res, err
	}
	if domain.IsAuth(err) {
		log.Warn().Err(err).Msg("Aggregator rejected credential, link needs re-linking")
		if _, serr := e.links.TransitionStatus(context.WithoutCancel(ctx), link.ID, domain.LinkActive, domain.LinkError, err.Error()); serr != nil {
			log.Error().Err(serr).Msg("Failed to mark link as error")
		}
		return res, err
	}
	// A webhook may have revoked the link while this sync ran; only an
	// active link records the error.
	if _, serr := e.links.TransitionStatus(context.WithoutCancel(ctx), link.ID, domain.LinkActive, domain.LinkActive, err.Error()); serr != nil {
		log.Error().Err(serr).Msg("Failed to record sync error")
	}
	return res, err
}

func (e *SyncEngine) run(ctx context.Context, link *domain.AggregatorLink, initial bool, report func(context.Context, domain.ResultStats) error) (*SyncResult, error) {
	log := logger.FromContext(ctx)
	res := &SyncResult{Cursor: link.Cursor, Initial: initial}
	token := link.AccessCredential.Reveal()

	accounts, err := e.refreshAccounts(ctx, link, token)
	if err != nil {
		return res, err
	}
	res.Accounts = len(accounts)

	cursor := link.Cursor
	for {
		var page *Page
		err := e.call(ctx, "sync transactions", func(ctx context.Context) error {
			var err error
			page, err = e.client.SyncTransactions(ctx, token, cursor, e.pageSize)
			return err
		})
		if err != nil {
			return res, err
		}
		if page.HasMore && page.NextCursor == cursor {
			return res, domain.Transient("sync transactions", fmt.Errorf("cursor did not advance past %q", cursor))
		}

		rows := e.rows(page, accounts)
		var removals []string
		if !initial {
			removals = page.Removed
		}

		stats, err := e.processor.Apply(ctx, link.UserID, domain.SourceAggregator, e.threshold, rows, removals)
		if err != nil {
			return res, fmt.Errorf("apply page %d: %w", res.Pages+1, err)
		}

		if err := e.links.AdvanceCursor(ctx, link.ID, page.NextCursor, e.now()); err != nil {
			return res, domain.Transient("advance cursor", err)
		}
		cursor = page.NextCursor
		res.Cursor = cursor
		res.Pages++
		res.Stats.Add(stats)
		res.Stats.Total += stats.Total

		log.Debug().
			Int("page", res.Pages).
			Int("added", len(page.Added)).
			Int("modified", len(page.Modified)).
			Int("removed", len(removals)).
			Bool("has_more", page.HasMore).
			Msg("Sync page committed")

		if report != nil {
			if err := report(ctx, res.Stats); errors.Is(err, domain.ErrLeaseLost) {
				return res, err
			}
		}
		if !page.HasMore {
			return res, nil
		}
	}
}

// refreshAccounts replaces the link's mirrored accounts with what the
// aggregator reports now, keyed by external account id.
func (e *SyncEngine) refreshAccounts(ctx context.Context, link *domain.AggregatorLink, token string) (map[string]domain.SyncAccount, error) {
	var remote []Account
	err := e.call(ctx, "get accounts", func(ctx context.Context) error {
		var err error
		remote, err = e.client.GetAccounts(ctx, token)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	accounts := make([]domain.SyncAccount, 0, len(remote))
	byExternal := make(map[string]domain.SyncAccount, len(remote))
	for _, a := range remote {
		sa := domain.SyncAccount{
			ID:                AccountID(link.ID, a.ExternalID),
			LinkID:            link.ID,
			UserID:            link.UserID,
			ExternalAccountID: a.ExternalID,
			Name:              a.Name,
			OfficialName:      a.OfficialName,
			Type:              a.Type,
			Subtype:           a.Subtype,
			Mask:              a.Mask,
			Currency:          a.Currency,
			CurrentBalance:    a.Current,
			AvailableBalance:  a.Available,
			CreditLimit:       a.Limit,
			RefreshedAt:       now,
		}
		accounts = append(accounts, sa)
		byExternal[a.ExternalID] = sa
	}
	if err := e.links.ReplaceAccounts(ctx, link.ID, accounts); err != nil {
		return nil, domain.Transient("replace accounts", err)
	}
	return byExternal, nil
}

// rows turns a page's added and modified entries into batch rows. Entries
// for accounts the aggregator did not report are rejected as row errors.
func (e *SyncEngine) rows(page *Page, accounts map[string]domain.SyncAccount) []batch.Row {
	entries := make([]Transaction, 0, len(page.Added)+len(page.Modified))
	entries = append(entries, page.Added...)
	entries = append(entries, page.Modified...)

	rows := make([]batch.Row, 0, len(entries))
	for i, t := range entries {
		row := batch.Row{Line: i + 1}
		acct, ok := accounts[t.AccountID]
		if !ok {
			row.Err = fmt.Errorf("transaction %s: unknown aggregator account %s", t.ExternalID, t.AccountID)
			rows = append(rows, row)
			continue
		}
		currency := t.Currency
		if currency == "" {
			currency = acct.Currency
		}
		row.Candidate = domain.CandidateTransaction{
			Amount:       t.Amount,
			Currency:     currency,
			Date:         t.Date,
			Description:  t.Name,
			MerchantName: t.MerchantName,
			Category:     t.Category,
			AccountID:    acct.ID,
			ExternalID:   t.ExternalID,
			Pending:      t.Pending,
		}
		rows = append(rows, row)
	}
	return rows
}

// call runs an aggregator request under the configured timeout.
func (e *SyncEngine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	err := fn(ctx)
	var te *domain.TransientError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &te) {
		return domain.Transient(op, err)
	}
	return err
}

// AccountID derives the stable id of a mirrored account, so refreshing
// accounts never re-keys transactions that point at them.
func AccountID(linkID, externalAccountID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(linkID+":"+externalAccountID)).String()
}
