package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type postgresMigrator struct {
	conn *pgx.Conn
}

func newPostgresMigrator(ctx context.Context, dsn string) (*postgresMigrator, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return &postgresMigrator{conn: conn}, nil
}

func (m *postgresMigrator) Close() error {
	return m.conn.Close(context.Background())
}

func (m *postgresMigrator) EnsureTable(ctx context.Context) error {
	_, err := m.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			checksum   TEXT NOT NULL DEFAULT '',
			applied_by TEXT NOT NULL DEFAULT ''
		)`)
	return err
}

func (m *postgresMigrator) Applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.conn.Query(ctx,
		`SELECT version, name, applied_at, checksum, applied_by FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AppliedMigration, error) {
		var am AppliedMigration
		err := row.Scan(&am.Version, &am.Name, &am.AppliedAt, &am.Checksum, &am.AppliedBy)
		return am, err
	})
}

func (m *postgresMigrator) Execute(ctx context.Context, migration Migration) error {
	_, err := m.conn.Exec(ctx, migration.SQL)
	return err
}

func (m *postgresMigrator) Record(ctx context.Context, migration Migration, appliedBy string) error {
	_, err := m.conn.Exec(ctx,
		`INSERT INTO schema_migrations (version, name, checksum, applied_by) VALUES ($1, $2, $3, $4)`,
		migration.Version, migration.Name, migration.Checksum, appliedBy)
	return err
}
