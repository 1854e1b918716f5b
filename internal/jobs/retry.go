package jobs

import (
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
)

// RetryPolicy controls how failed jobs are rescheduled.
type RetryPolicy struct {
	// MaxAttempts is the total number of runs, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the wait after the first failure; it doubles each attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Outcome is the state a failed job moves to.
type Outcome struct {
	Status        Status
	NextRunAt     time.Time
	FailureReason string
	LastError     string
}

// OnFailure decides what happens to j after its current attempt failed
// with cause. Non-retryable errors end the job at once with their own
// message; running out of attempts ends it with a JobExhaustedError that
// keeps the last cause.
func (p RetryPolicy) OnFailure(j *Job, cause error, now time.Time) Outcome {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if !domain.IsRetryable(cause) {
		return Outcome{Status: StatusError, FailureReason: msg, LastError: msg}
	}
	if j.Attempt >= j.MaxAttempts {
		exhausted := &domain.JobExhaustedError{Attempts: j.Attempt, Last: msg}
		return Outcome{Status: StatusError, FailureReason: exhausted.Error(), LastError: msg}
	}
	return Outcome{
		Status:    StatusQueued,
		NextRunAt: now.Add(p.Backoff(j.Attempt)),
		LastError: msg,
	}
}

// Apply writes o onto j.
func (o Outcome) Apply(j *Job, now time.Time) {
	j.Status = o.Status
	j.LastError = o.LastError
	j.FailureReason = o.FailureReason
	j.LeaseOwner = ""
	j.LeaseToken = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if o.Status == StatusQueued {
		j.NextRunAt = o.NextRunAt
		return
	}
	j.FinishedAt = &now
}

// LeaseExpired is the cause recorded when a worker vanished mid-job.
type LeaseExpired struct {
	Owner string
}

func (e LeaseExpired) Error() string {
	return "lease held by " + e.Owner + " expired"
}
