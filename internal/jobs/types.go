package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// Status represents the current status of a job.
type Status string

const (
	// StatusQueued indicates the job is waiting for a worker, possibly until NextRunAt.
	StatusQueued Status = "queued"
	// StatusProcessing indicates a worker holds the job's lease.
	StatusProcessing Status = "processing"
	// StatusDone indicates the job completed successfully.
	StatusDone Status = "done"
	// StatusError indicates the job failed permanently.
	StatusError Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Job is the durable record of one unit of queued work.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// Kind mirrors Payload.Kind() so stores can filter without decoding.
	Kind Kind `json:"kind"`

	// UserID is the owner of the job.
	UserID string `json:"userId"`

	// DedupKey collapses submissions: at most one non-terminal job per key.
	DedupKey string `json:"-"`

	// Payload carries the kind-specific arguments.
	Payload Payload `json:"payload"`

	// Status is the current status of the job.
	Status Status `json:"status"`

	// Attempt counts claims so far; the first run is attempt 1.
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"maxAttempts"`

	// NextRunAt is the earliest time a queued job may be claimed.
	NextRunAt time.Time `json:"nextRunAt"`

	LeaseOwner     string     `json:"-"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`

	// Stats holds progress while running and the final result once done.
	Stats domain.ResultStats `json:"stats"`

	// FailureReason is set when the job ends in StatusError.
	FailureReason string `json:"failureReason,omitempty"`

	// LastError is the most recent attempt's error, kept across retries.
	LastError string `json:"lastError,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// NewJob builds a queued job for p.
func NewJob(p Payload, maxAttempts int, now time.Time) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Kind:        p.Kind(),
		UserID:      p.Owner(),
		DedupKey:    p.DedupKey(),
		Payload:     p,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Lease is the proof a worker holds a claimed job. Every write a worker
// makes is fenced by the token.
type Lease struct {
	JobID   string
	Token   string
	Attempt int
}

// Lease returns the lease of a claimed job.
func (j *Job) Lease() Lease {
	return Lease{JobID: j.ID, Token: j.LeaseToken, Attempt: j.Attempt}
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Stats.Errors = append([]string(nil), j.Stats.Errors...)
	c.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter defines filtering criteria for listing jobs.
type Filter struct {
	// UserID filters jobs by owner.
	UserID string

	// Kind filters jobs by payload kind.
	Kind Kind

	// Statuses keeps jobs in any of the given statuses.
	Statuses []Status

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// Matches reports whether j passes the filter, ignoring paging.
func (f Filter) Matches(j *Job) bool {
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []Status{StatusQueued, StatusProcessing}

// Store is a durable job queue. Implementations must guarantee that at most
// one worker holds a given job at a time, and that a job whose lease lapses
// becomes claimable again.
type Store interface {
	// Enqueue stores job unless a non-terminal job with the same DedupKey
	// exists, in which case that job is returned and created is false.
	Enqueue(ctx context.Context, job *Job) (stored *Job, created bool, err error)

	// Claim leases the next runnable job to workerID, or returns nil, nil.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// Extend pushes the lease expiry out by lease.
	Extend(ctx context.Context, l Lease, lease time.Duration) error

	// Progress records partial stats and extends the lease.
	Progress(ctx context.Context, l Lease, stats domain.ResultStats, lease time.Duration) error

	// Complete marks the job done with its final stats.
	Complete(ctx context.Context, l Lease, stats domain.ResultStats) error

	// Fail records cause and either reschedules the job with backoff or
	// moves it to StatusError. It returns the updated job.
	Fail(ctx context.Context, l Lease, cause error) (*Job, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*Job, error)

	// List retrieves jobs ordered by creation time.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// MarkError is an operator override moving a non-terminal job to
	// StatusError. The current holder, if any, loses its lease.
	MarkError(ctx context.Context, id, reason string) error
}
