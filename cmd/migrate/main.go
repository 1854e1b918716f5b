// Command migrate applies the SQL files under migrations/ to BigQuery (the
// transactions table) or Postgres (jobs and aggregator links), recording
// each applied version in a schema_migrations table.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-sync/internal/logger"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// migrator is one database backend.
type migrator interface {
	EnsureTable(ctx context.Context) error
	Applied(ctx context.Context) ([]AppliedMigration, error)
	Execute(ctx context.Context, m Migration) error
	Record(ctx context.Context, m Migration, appliedBy string) error
	Close() error
}

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

var (
	target        = flag.String("target", "bigquery", "Database to migrate: bigquery or postgres")
	projectID     = flag.String("project", os.Getenv("BQ_PROJECT"), "GCP project ID (bigquery target)")
	datasetID     = flag.String("dataset", envOr("BQ_DATASET", "finance"), "BigQuery dataset ID")
	dsn           = flag.String("dsn", os.Getenv("DB_DSN"), "Postgres connection string (postgres target)")
	appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "", "Path to migrations directory (default migrations/<target>)")
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Parse()

	log := logger.New()
	ctx := context.Background()

	m, replacements, err := open(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("Failed to connect")
	}
	defer m.Close()

	dir := *migrationsDir
	if dir == "" {
		dir = filepath.Join("migrations", *target)
	}
	if err := run(ctx, log, m, dir, replacements); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func open(ctx context.Context) (migrator, map[string]string, error) {
	switch *target {
	case "bigquery":
		if *projectID == "" {
			return nil, nil, fmt.Errorf("-project flag is required for the bigquery target")
		}
		m, err := newBigQueryMigrator(ctx, *projectID, *datasetID)
		return m, map[string]string{"{{PROJECT_ID}}": *projectID, "{{DATASET_ID}}": *datasetID}, err
	case "postgres":
		if *dsn == "" {
			return nil, nil, fmt.Errorf("-dsn flag is required for the postgres target")
		}
		m, err := newPostgresMigrator(ctx, *dsn)
		return m, nil, err
	}
	return nil, nil, fmt.Errorf("unknown target %q", *target)
}

func run(ctx context.Context, log zerolog.Logger, m migrator, dir string, replacements map[string]string) error {
	if err := m.EnsureTable(ctx); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	migrations, err := readMigrations(dir, replacements)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	log.Info().Int("count", len(migrations)).Str("dir", dir).Msg("Found migration files")

	applied, err := m.Applied(ctx)
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}
	log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	todo := pending(migrations, applied)
	for _, migration := range todo {
		mlog := log.With().Int("version", migration.Version).Str("name", migration.Name).Logger()
		mlog.Info().Msg("Applying migration")

		if err := m.Execute(ctx, migration); err != nil {
			return fmt.Errorf("execute %04d_%s: %w", migration.Version, migration.Name, err)
		}
		if err := m.Record(ctx, migration, *appliedBy); err != nil {
			return fmt.Errorf("record %04d_%s: %w", migration.Version, migration.Name, err)
		}
		mlog.Info().Msg("Migration applied")
	}

	if len(todo) == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", len(todo)).Msg("Successfully applied migrations")
	}
	return nil
}

// readMigrations reads all migration files from dir, sorted by version.
// Placeholders in replacements are substituted into the SQL; the checksum
// is taken over the file as written.
func readMigrations(dir string, replacements map[string]string) ([]Migration, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		// Try from the repository root when run from cmd/migrate.
		alt := filepath.Join("..", "..", dir)
		if _, err := os.Stat(alt); err != nil {
			return nil, fmt.Errorf("migrations directory not found: %s", dir)
		}
		dir = alt
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		version, name, ok := parseFilename(file.Name())
		if !ok {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := string(content)
		for placeholder, value := range replacements {
			sql = strings.ReplaceAll(sql, placeholder, value)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseFilename matches 0001_name.sql.
func parseFilename(filename string) (int, string, bool) {
	matches := migrationPattern.FindStringSubmatch(filename)
	if matches == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, "", false
	}
	return version, matches[2], true
}

// pending returns the migrations whose version has not been applied.
func pending(all []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}
	var out []Migration
	for _, m := range all {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out
}
