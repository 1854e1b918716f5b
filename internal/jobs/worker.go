package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/logger"
)

// Handler runs jobs. There is one method per payload variant.
type Handler interface {
	HandleImport(ctx context.Context, run *Run, p ImportPayload) (domain.ResultStats, error)
	HandleSync(ctx context.Context, run *Run, p SyncPayload) (domain.ResultStats, error)
}

// Run is a claimed job as seen by a handler.
type Run struct {
	Job   *Job
	store Store
	lease time.Duration
}

// NewRun wraps a claimed job. Workers build these; tests may too.
func NewRun(job *Job, store Store, lease time.Duration) *Run {
	return &Run{Job: job, store: store, lease: lease}
}

// Report persists partial stats and renews the lease.
func (r *Run) Report(ctx context.Context, stats domain.ResultStats) error {
	if r.store == nil {
		return nil
	}
	return r.store.Progress(ctx, r.Job.Lease(), stats, r.lease)
}

// Dispatch routes the job to the handler method for its payload.
func Dispatch(ctx context.Context, h Handler, run *Run) (domain.ResultStats, error) {
	switch p := run.Job.Payload.(type) {
	case ImportPayload:
		return h.HandleImport(ctx, run, p)
	case SyncPayload:
		return h.HandleSync(ctx, run, p)
	default:
		return domain.ResultStats{}, fmt.Errorf("unexpected job payload: %T", p)
	}
}

// ImportHandler runs import jobs.
type ImportHandler interface {
	HandleImport(ctx context.Context, run *Run, p ImportPayload) (domain.ResultStats, error)
}

// SyncHandler runs sync jobs.
type SyncHandler interface {
	HandleSync(ctx context.Context, run *Run, p SyncPayload) (domain.ResultStats, error)
}

// Mux composes per-kind handlers. A nil member fails its jobs terminally.
type Mux struct {
	Import ImportHandler
	Sync   SyncHandler
}

func (m Mux) HandleImport(ctx context.Context, run *Run, p ImportPayload) (domain.ResultStats, error) {
	if m.Import == nil {
		return domain.ResultStats{}, domain.NewValidationError("kind", "no import handler registered")
	}
	return m.Import.HandleImport(ctx, run, p)
}

func (m Mux) HandleSync(ctx context.Context, run *Run, p SyncPayload) (domain.ResultStats, error) {
	if m.Sync == nil {
		return domain.ResultStats{}, domain.NewValidationError("kind", "no sync handler registered")
	}
	return m.Sync.HandleSync(ctx, run, p)
}

// WorkerConfig tunes a worker pool.
type WorkerConfig struct {
	// ID names this process in lease records. Defaults to hostname plus a random suffix.
	ID string

	// Concurrency is the number of jobs run in parallel.
	Concurrency int

	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration

	// Lease is how long a claim stays valid without a heartbeat.
	Lease time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ID == "" {
		host, _ := os.Hostname()
		c.ID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

// Worker pulls jobs from a Store and runs them through a Handler.
// Several workers, in one process or many, may share a Store.
type Worker struct {
	store   Store
	handler Handler
	cfg     WorkerConfig
	log     zerolog.Logger

	wake chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewWorker creates a worker pool. Call Start to begin consuming.
func NewWorker(store Store, handler Handler, cfg WorkerConfig, log zerolog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		store:   store,
		handler: handler,
		cfg:     cfg,
		log:     log.With().Str("worker_id", cfg.ID).Logger(),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches Concurrency loops that claim and run jobs until Stop is
// called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(gctx)
			return nil
		})
	}
	w.cancel = cancel
	w.group = g
	w.running = true

	w.log.Info().Int("concurrency", w.cfg.Concurrency).Msg("Worker started")
	return nil
}

// Notify wakes an idle loop so a freshly enqueued job starts without
// waiting for the next poll.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stop stops claiming new jobs and waits for in-flight jobs to complete.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, g := w.cancel, w.group
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info().Msg("Worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to claim job")
		}
		if worked {
			continue
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one job and runs it to completion. It reports
// whether a job was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(ctx, w.cfg.ID, w.cfg.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// In-flight jobs finish even when the pool is stopping.
	w.execute(context.WithoutCancel(ctx), job)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	log := w.log.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("user_id", job.UserID).
		Int("attempt", job.Attempt).
		Logger()
	ctx = logger.WithContext(ctx, log)

	log.Info().Msg("Processing job")

	stopHeartbeat := w.heartbeat(ctx, job.Lease(), log)
	start := time.Now()
	stats, err := w.safeDispatch(ctx, job)
	stopHeartbeat()
	stats.ProcessingTimeMs = time.Since(start).Milliseconds()

	if err == nil {
		if cerr := w.store.Complete(ctx, job.Lease(), stats); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to mark job done")
			return
		}
		log.Info().Str("stats", stats.String()).Msg("Job completed successfully")
		return
	}

	updated, ferr := w.store.Fail(ctx, job.Lease(), err)
	if ferr != nil {
		log.Error().Err(ferr).AnErr("cause", err).Msg("Failed to record job failure")
		return
	}
	if updated.Status == StatusError {
		log.Error().Err(err).Str("reason", updated.FailureReason).Msg("Job failed permanently")
		return
	}
	log.Warn().Err(err).Time("next_run_at", updated.NextRunAt).Msg("Job failed, will retry")
}

// safeDispatch turns a handler panic into a job failure.
func (w *Worker) safeDispatch(ctx context.Context, job *Job) (stats domain.ResultStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return Dispatch(ctx, w.handler, NewRun(job, w.store, w.cfg.Lease))
}

// heartbeat extends the lease at a third of its length until stopped.
func (w *Worker) heartbeat(ctx context.Context, l Lease, log zerolog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.store.Extend(ctx, l, w.cfg.Lease)
				if errors.Is(err, domain.ErrLeaseLost) {
					log.Warn().Msg("Job lease lost, results will be discarded")
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("Failed to extend job lease")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
