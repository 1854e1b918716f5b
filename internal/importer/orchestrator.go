// Package importer accepts CSV import requests, queues them as jobs and
// runs them through the batch processor.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
)

// Status is what a client sees of a job.
type Status struct {
	JobID         string              `json:"jobId"`
	UserID        string              `json:"userId"`
	Kind          jobs.Kind           `json:"kind"`
	Status        jobs.Status         `json:"status"`
	Progress      int                 `json:"progress"`
	Attempt       int                 `json:"attempt"`
	ResultStats   *domain.ResultStats `json:"resultStats,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`
	LastError     string              `json:"lastError,omitempty"`
	NextRunAt     *time.Time          `json:"nextRunAt,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	FinishedAt    *time.Time          `json:"finishedAt,omitempty"`
}

// StatusOf projects a job onto its client-facing status.
func StatusOf(j *jobs.Job) *Status {
	st := &Status{
		JobID:         j.ID,
		UserID:        j.UserID,
		Kind:          j.Kind,
		Status:        j.Status,
		Attempt:       j.Attempt,
		FailureReason: j.FailureReason,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		FinishedAt:    j.FinishedAt,
	}
	switch {
	case j.Status == jobs.StatusDone:
		st.Progress = 100
	case j.Stats.Processed > 0:
		st.Progress = j.Stats.Progress()
	}
	if j.Status == jobs.StatusDone || j.Stats.Processed > 0 {
		stats := j.Stats
		st.ResultStats = &stats
	}
	if j.Status == jobs.StatusQueued && j.Attempt > 0 {
		next := j.NextRunAt
		st.NextRunAt = &next
	}
	return st
}

// Orchestrator is the entry point for import requests.
type Orchestrator struct {
	jobs        jobs.Store
	defaults    Defaults
	maxAttempts int
	notify      func()
	now         func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithNotify registers a callback run after a job is created, typically
// jobs.Worker.Notify for in-process workers.
func WithNotify(f func()) OrchestratorOption {
	return func(o *Orchestrator) { o.notify = f }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator over store. maxAttempts bounds
// retries of each job.
func NewOrchestrator(store jobs.Store, defaults Defaults, maxAttempts int, opts ...OrchestratorOption) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = jobs.DefaultRetryPolicy().MaxAttempts
	}
	o := &Orchestrator{
		jobs:        store,
		defaults:    defaults,
		maxAttempts: maxAttempts,
		notify:      func() {},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitImport validates the request and queues an import job. If the user
// already has a queued or processing job for fileName, that job is returned
// and nothing new is queued.
func (o *Orchestrator) SubmitImport(ctx context.Context, userID, fileName, sourceLocation string, opts Options) (*jobs.Job, error) {
	log := logger.FromContext(ctx)

	ve := &domain.ValidationError{}
	if strings.TrimSpace(userID) == "" {
		ve.Add("userId", "required")
	}
	if strings.TrimSpace(fileName) == "" {
		ve.Add("fileName", "required")
	}
	if strings.TrimSpace(sourceLocation) == "" {
		ve.Add("sourceLocation", "required")
	}
	resolved, err := opts.Resolve(o.defaults)
	var optErr *domain.ValidationError
	if errors.As(err, &optErr) {
		ve.Fields = append(ve.Fields, optErr.Fields...)
	} else if err != nil {
		return nil, err
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}

	payload := jobs.ImportPayload{
		UserID:         userID,
		FileName:       fileName,
		SourceLocation: sourceLocation,
		AccountID:      resolved.AccountID,
		DedupThreshold: resolved.DedupThreshold,
		BatchSize:      resolved.BatchSize,
		BatchDelayMs:   resolved.BatchDelayMs,
	}
	job, created, err := o.jobs.Enqueue(ctx, jobs.NewJob(payload, o.maxAttempts, o.now()))
	if err != nil {
		return nil, fmt.Errorf("SubmitImport: enqueue: %w", err)
	}

	if !created {
		log.Info().
			Str("job_id", job.ID).
			Str("user_id", userID).
			Str("file_name", fileName).
			Str("status", string(job.Status)).
			Msg("Import already in flight, returning existing job")
		return job, nil
	}

	log.Info().
		Str("job_id", job.ID).
		Str("user_id", userID).
		Str("file_name", fileName).
		Float64("dedup_threshold", resolved.DedupThreshold).
		Int("batch_size", resolved.BatchSize).
		Msg("Import queued")
	o.notify()
	return job, nil
}

// JobStatus returns the status of any job by id.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*Status, error) {
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return StatusOf(j), nil
}

// ActiveJobs lists the user's queued and processing import jobs, oldest first.
func (o *Orchestrator) ActiveJobs(ctx context.Context, userID string) ([]*jobs.Job, error) {
	list, err := o.jobs.List(ctx, jobs.Filter{
		UserID:   userID,
		Kind:     jobs.KindImport,
		Statuses: jobs.ActiveStatuses,
	})
	if err != nil {
		return nil, fmt.Errorf("ActiveJobs: %w", err)
	}
	return list, nil
}

// MarkJobError moves a job to error as an operator action. A worker still
// running it loses its lease and cannot complete it.
func (o *Orchestrator) MarkJobError(ctx context.Context, jobID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "no reason given"
	}
	if err := o.jobs.MarkError(ctx, jobID, reason); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Warn().Str("job_id", jobID).Str("reason", reason).Msg("Job marked as error by operator")
	return nil
}
