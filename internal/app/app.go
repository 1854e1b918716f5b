// Package app wires stores, services and the worker pool from a Config.
// The API server, the standalone worker and the operator CLI all start here.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-sync/internal/aggregator"
	"github.com/dvloznov/finance-sync/internal/batch"
	"github.com/dvloznov/finance-sync/internal/blobstore"
	"github.com/dvloznov/finance-sync/internal/config"
	"github.com/dvloznov/finance-sync/internal/dedup"
	infraBQ "github.com/dvloznov/finance-sync/internal/infra/bigquery"
	infraPG "github.com/dvloznov/finance-sync/internal/infra/postgres"
	"github.com/dvloznov/finance-sync/internal/importer"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/jobs/inmemory"
	jobsPG "github.com/dvloznov/finance-sync/internal/jobs/postgres"
	"github.com/dvloznov/finance-sync/internal/store"
	"github.com/dvloznov/finance-sync/internal/store/memory"
)

// App holds the wired components of one process.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Jobs         jobs.Store
	Transactions store.TransactionStore
	Links        store.LinkStore

	Blobs *blobstore.Router
	Local *blobstore.LocalStorageService

	Processor    *batch.Processor
	Orchestrator *importer.Orchestrator

	// Aggregator is nil when no aggregator credentials are configured.
	Aggregator *aggregator.Service

	Worker *jobs.Worker

	closers []func()
}

// New builds every component described by cfg. Postgres backs jobs and
// links when a DSN is set, BigQuery backs transactions when a project is
// set, and the in-memory stores fill in otherwise.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		p, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, p.Close)
		pool = p

		a.Jobs = jobsPG.New(pool, jobsPG.WithRetryPolicy(cfg.Queue.Retry))
	} else {
		a.Log.Warn().Msg("No Postgres DSN configured - jobs are kept in memory")
		a.Jobs = inmemory.NewStore(inmemory.WithRetryPolicy(cfg.Queue.Retry))
	}

	if cfg.BigQuery.Project != "" {
		bq, err := infraBQ.New(ctx, cfg.BigQuery.Project, cfg.BigQuery.Dataset)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = bq.Close() })
		a.Transactions = bq
	} else {
		a.Log.Warn().Msg("No BigQuery project configured - transactions are kept in memory")
		a.Transactions = memory.NewTransactions()
	}

	if err := a.buildLinks(pool); err != nil {
		return err
	}

	a.Local = blobstore.NewLocalStorageService(cfg.Storage.LocalRoot)
	var gcs blobstore.StorageService
	if cfg.Storage.Bucket != "" {
		g, err := blobstore.NewGCSStorageService(ctx)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = g.Close() })
		gcs = g
	}
	a.Blobs = blobstore.NewRouter(gcs, a.Local)

	a.Processor = batch.NewProcessor(a.Transactions, dedup.New(cfg.Dedup),
		batch.WithStoreTimeout(cfg.Timeouts.Store))

	mux := jobs.Mux{Import: importer.NewHandler(a.Blobs, a.Processor)}
	var client aggregator.Client
	if cfg.Aggregator.Enabled() {
		c, err := aggregator.NewHTTPClient(aggregator.HTTPConfig{
			BaseURL:   cfg.Aggregator.BaseURL,
			ClientID:  cfg.Aggregator.ClientID,
			Secret:    cfg.AggregatorSecret(),
			Timeout:   cfg.Timeouts.Aggregator,
			RateLimit: cfg.Aggregator.RateLimit,
			Burst:     cfg.Aggregator.Burst,
		})
		if err != nil {
			return err
		}
		client = c
		engine := aggregator.NewSyncEngine(a.Links, client, a.Processor,
			aggregator.WithPageSize(cfg.Aggregator.PageSize),
			aggregator.WithThreshold(cfg.Import.DedupThreshold),
			aggregator.WithCallTimeout(cfg.Timeouts.Aggregator),
		)
		mux.Sync = aggregator.NewHandler(engine)
	}

	a.Worker = jobs.NewWorker(a.Jobs, mux, jobs.WorkerConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
	}, a.Log)

	a.Orchestrator = importer.NewOrchestrator(a.Jobs, cfg.Import, cfg.Queue.Retry.MaxAttempts,
		importer.WithNotify(a.Worker.Notify))
	if client != nil {
		a.Aggregator = aggregator.NewService(a.Links, client, a.Jobs, cfg.Queue.Retry.MaxAttempts,
			aggregator.WithServiceNotify(a.Worker.Notify))
	}
	return nil
}

func (a *App) buildLinks(pool *pgxpool.Pool) error {
	if pool == nil {
		a.Links = memory.NewLinks()
		return nil
	}
	if a.Config.Postgres.CredentialKey == "" {
		return fmt.Errorf("postgres.credential_key is required with a postgres dsn")
	}
	key, err := a.Config.CredentialKey()
	if err != nil {
		return err
	}
	sealer, err := infraPG.NewSealer(key)
	if err != nil {
		return err
	}
	a.Links = infraPG.NewLinks(pool, sealer)
	return nil
}

// Locate returns the sourceLocation an uploaded object is written to:
// a gs:// URI when a bucket is configured, otherwise a local file:// URI.
func (a *App) Locate(object string) string {
	if a.Config.Storage.Bucket != "" {
		return fmt.Sprintf("gs://%s/%s", a.Config.Storage.Bucket, object)
	}
	return a.Local.URI(object)
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
