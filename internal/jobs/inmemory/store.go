package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
)

// Store is an in-memory implementation of jobs.Store.
// A single mutex serialises every transition, which gives claim its mutual
// exclusion. Data is lost on service restart - for persistence, use the
// postgres store.
type Store struct {
	mu       sync.Mutex
	jobs     map[string]*jobs.Job
	inflight map[string]string
	policy   jobs.RetryPolicy
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p jobs.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a new in-memory job store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:     make(map[string]*jobs.Job),
		inflight: make(map[string]string),
		policy:   jobs.DefaultRetryPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue implements jobs.Store.
func (s *Store) Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, bool, error) {
	if job.Payload == nil {
		return nil, false, fmt.Errorf("job payload is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.DedupKey != "" {
		if id, ok := s.inflight[job.DedupKey]; ok {
			return s.jobs[id].Clone(), false, nil
		}
	}

	now := s.now()
	stored := job.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.MaxAttempts == 0 {
		stored.MaxAttempts = s.policy.MaxAttempts
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.NextRunAt.IsZero() {
		stored.NextRunAt = now
	}
	stored.Status = jobs.StatusQueued
	stored.UpdatedAt = now

	s.jobs[stored.ID] = stored
	if stored.DedupKey != "" {
		s.inflight[stored.DedupKey] = stored.ID
	}
	return stored.Clone(), true, nil
}

// Claim implements jobs.Store. Jobs are handed out oldest NextRunAt first.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*jobs.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == jobs.StatusQueued && !j.NextRunAt.After(now):
			candidates = append(candidates, j)
		case j.Status == jobs.StatusProcessing && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now):
			if j.Attempt >= j.MaxAttempts {
				s.finish(j, s.policy.OnFailure(j, jobs.LeaseExpired{Owner: j.LeaseOwner}, now), now)
				continue
			}
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if !ja.NextRunAt.Equal(jb.NextRunAt) {
			return ja.NextRunAt.Before(jb.NextRunAt)
		}
		if !ja.CreatedAt.Equal(jb.CreatedAt) {
			return ja.CreatedAt.Before(jb.CreatedAt)
		}
		return ja.ID < jb.ID
	})

	j := candidates[0]
	if j.Status == jobs.StatusProcessing {
		j.LastError = jobs.LeaseExpired{Owner: j.LeaseOwner}.Error()
	}
	expires := now.Add(lease)
	j.Status = jobs.StatusProcessing
	j.Attempt++
	j.LeaseOwner = workerID
	j.LeaseToken = uuid.New().String()
	j.LeaseExpiresAt = &expires
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now

	return j.Clone(), nil
}

// held returns the job if l is its current lease.
func (s *Store) held(l jobs.Lease) (*jobs.Job, error) {
	j, ok := s.jobs[l.JobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, l.JobID)
	}
	if j.Status != jobs.StatusProcessing || j.LeaseToken != l.Token {
		return nil, domain.ErrLeaseLost
	}
	return j, nil
}

// Extend implements jobs.Store.
func (s *Store) Extend(ctx context.Context, l jobs.Lease, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(l)
	if err != nil {
		return err
	}
	now := s.now()
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

// Progress implements jobs.Store.
func (s *Store) Progress(ctx context.Context, l jobs.Lease, stats domain.ResultStats, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(l)
	if err != nil {
		return err
	}
	now := s.now()
	expires := now.Add(lease)
	j.Stats = stats
	j.Stats.Errors = append([]string(nil), stats.Errors...)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

// Complete implements jobs.Store.
func (s *Store) Complete(ctx context.Context, l jobs.Lease, stats domain.ResultStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(l)
	if err != nil {
		return err
	}
	now := s.now()
	j.Stats = stats
	j.Stats.Errors = append([]string(nil), stats.Errors...)
	s.finish(j, jobs.Outcome{Status: jobs.StatusDone}, now)
	return nil
}

// Fail implements jobs.Store.
func (s *Store) Fail(ctx context.Context, l jobs.Lease, cause error) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.held(l)
	if err != nil {
		return nil, err
	}
	now := s.now()
	s.finish(j, s.policy.OnFailure(j, cause, now), now)
	return j.Clone(), nil
}

// finish applies o and releases the dedup key once the job is terminal.
func (s *Store) finish(j *jobs.Job, o jobs.Outcome, now time.Time) {
	o.Apply(j, now)
	if j.Status.Terminal() && s.inflight[j.DedupKey] == j.ID {
		delete(s.inflight, j.DedupKey)
	}
}

// Get implements jobs.Store.
func (s *Store) Get(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return j.Clone(), nil
}

// List implements jobs.Store.
func (s *Store) List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*jobs.Job
	for _, j := range s.jobs {
		if f.Matches(j) {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(a, b int) bool {
		if !result[a].CreatedAt.Equal(result[b].CreatedAt) {
			return result[a].CreatedAt.Before(result[b].CreatedAt)
		}
		return result[a].ID < result[b].ID
	})

	// Apply limit and offset
	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []*jobs.Job{}, nil
		}
		result = result[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(result) {
		result = result[:f.Limit]
	}
	return result, nil
}

// MarkError implements jobs.Store.
func (s *Store) MarkError(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if j.Status.Terminal() {
		return domain.ErrJobTerminal
	}
	msg := "marked as error by operator: " + reason
	s.finish(j, jobs.Outcome{Status: jobs.StatusError, FailureReason: msg, LastError: j.LastError}, s.now())
	return nil
}

// Ensure Store implements jobs.Store.
var _ jobs.Store = (*Store)(nil)
