// Package postgres implements store.LinkStore on Postgres. Access
// credentials are sealed with a Sealer before they reach the table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/store"
)

const linkColumns = `id, user_id, external_item_id, access_secret, cursor, status,
	last_synced_at, last_error, created_at, updated_at`

const accountColumns = `id, link_id, user_id, external_account_id, name, official_name,
	type, subtype, mask, currency, current_balance, available_balance, credit_limit, refreshed_at`

// uniqueViolation is the Postgres SQLSTATE for a unique constraint.
const uniqueViolation = "23505"

// Links is a Postgres-backed store.LinkStore.
type Links struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	now    func() time.Time
}

// NewLinks creates a link store over an existing pool. The tables must
// exist (see migrations/postgres).
func NewLinks(pool *pgxpool.Pool, sealer *Sealer) *Links {
	return &Links{pool: pool, sealer: sealer, now: time.Now}
}

// CreateLink implements store.LinkStore.
func (s *Links) CreateLink(ctx context.Context, link *domain.AggregatorLink) error {
	if link.ID == "" {
		return fmt.Errorf("CreateLink: link ID is required")
	}
	sealed, err := s.sealer.Seal(link.AccessCredential)
	if err != nil {
		return fmt.Errorf("CreateLink: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO aggregator_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		link.ID, link.UserID, link.ExternalItemID, sealed, link.Cursor, string(link.Status),
		link.LastSyncedAt, link.LastError, link.CreatedAt.UTC(), link.UpdatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("CreateLink: link for item %s already exists", link.ExternalItemID)
	}
	if err != nil {
		return fmt.Errorf("CreateLink: %w", err)
	}
	return nil
}

// GetLink implements store.LinkStore.
func (s *Links) GetLink(ctx context.Context, id string) (*domain.AggregatorLink, error) {
	return s.getOne(ctx, "GetLink", `SELECT `+linkColumns+` FROM aggregator_links WHERE id = $1`, id)
}

// FindLinkByItem implements store.LinkStore.
func (s *Links) FindLinkByItem(ctx context.Context, itemID string) (*domain.AggregatorLink, error) {
	return s.getOne(ctx, "FindLinkByItem", `SELECT `+linkColumns+` FROM aggregator_links WHERE external_item_id = $1`, itemID)
}

func (s *Links) getOne(ctx context.Context, op, sql string, arg string) (*domain.AggregatorLink, error) {
	link, err := s.scanLink(s.pool.QueryRow(ctx, sql, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return link, nil
}

// ListLinks implements store.LinkStore.
func (s *Links) ListLinks(ctx context.Context, userID string) ([]*domain.AggregatorLink, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+linkColumns+` FROM aggregator_links WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListLinks: query: %w", err)
	}
	defer rows.Close()

	var out []*domain.AggregatorLink
	for rows.Next() {
		l, err := s.scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("ListLinks: scan: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListLinks: rows: %w", err)
	}
	return out, nil
}

// AdvanceCursor implements store.LinkStore. A successful page clears the
// last error.
func (s *Links) AdvanceCursor(ctx context.Context, linkID, cursor string, syncedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE aggregator_links SET
			cursor = $2, last_synced_at = $3, last_error = '', updated_at = $3
		WHERE id = $1`,
		linkID, cursor, syncedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("AdvanceCursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// SetStatus implements store.LinkStore.
func (s *Links) SetStatus(ctx context.Context, linkID string, status domain.LinkStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE aggregator_links SET status = $2, last_error = $3, updated_at = $4
		WHERE id = $1`,
		linkID, string(status), lastError, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// TransitionStatus implements store.LinkStore.
func (s *Links) TransitionStatus(ctx context.Context, linkID string, from, to domain.LinkStatus, lastError string) (bool, error) {
	var updated bool
	err := s.pool.QueryRow(ctx, `
		WITH updated AS (
			UPDATE aggregator_links SET status = $3, last_error = $4, updated_at = $5
			WHERE id = $1 AND status = $2
			RETURNING id
		)
		SELECT true FROM updated
		UNION ALL
		SELECT false FROM aggregator_links WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM updated)`,
		linkID, string(from), string(to), lastError, s.now().UTC(),
	).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, domain.ErrLinkNotFound
	}
	if err != nil {
		return false, fmt.Errorf("TransitionStatus: %w", err)
	}
	return updated, nil
}

// ReplaceAccounts implements store.LinkStore.
func (s *Links) ReplaceAccounts(ctx context.Context, linkID string, accounts []domain.SyncAccount) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ReplaceAccounts: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM aggregator_links WHERE id = $1 FOR UPDATE`, linkID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrLinkNotFound
	}
	if err != nil {
		return fmt.Errorf("ReplaceAccounts: lock link: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sync_accounts WHERE link_id = $1`, linkID); err != nil {
		return fmt.Errorf("ReplaceAccounts: clear: %w", err)
	}

	batch := &pgx.Batch{}
	for _, a := range accounts {
		batch.Queue(`INSERT INTO sync_accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			a.ID, linkID, a.UserID, a.ExternalAccountID, a.Name, a.OfficialName,
			a.Type, a.Subtype, a.Mask, a.Currency, a.CurrentBalance,
			nullDecimal(a.AvailableBalance), nullDecimal(a.CreditLimit), a.RefreshedAt.UTC(),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("ReplaceAccounts: insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ReplaceAccounts: commit: %w", err)
	}
	return nil
}

// ListAccounts implements store.LinkStore.
func (s *Links) ListAccounts(ctx context.Context, linkID string) ([]domain.SyncAccount, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM sync_accounts WHERE link_id = $1 ORDER BY external_account_id`, linkID)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: query: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SyncAccount, error) {
		var (
			a                domain.SyncAccount
			available, limit decimal.NullDecimal
		)
		err := row.Scan(
			&a.ID, &a.LinkID, &a.UserID, &a.ExternalAccountID, &a.Name, &a.OfficialName,
			&a.Type, &a.Subtype, &a.Mask, &a.Currency, &a.CurrentBalance, &available, &limit, &a.RefreshedAt,
		)
		if available.Valid {
			a.AvailableBalance = &available.Decimal
		}
		if limit.Valid {
			a.CreditLimit = &limit.Decimal
		}
		return a, err
	})
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func (s *Links) scanLink(row pgx.Row) (*domain.AggregatorLink, error) {
	var (
		l      domain.AggregatorLink
		sealed []byte
		status string
	)
	err := row.Scan(
		&l.ID, &l.UserID, &l.ExternalItemID, &sealed, &l.Cursor, &status,
		&l.LastSyncedAt, &l.LastError, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Status = domain.LinkStatus(status)
	if l.AccessCredential, err = s.sealer.Open(sealed); err != nil {
		return nil, fmt.Errorf("link %s: %w", l.ID, err)
	}
	return &l, nil
}

var _ store.LinkStore = (*Links)(nil)
