// Package models defines the persisted data structures of the mail archive.
package models

import "time"

// JobKind identifies the pipeline a job runs.
type JobKind string

const (
	JobKindSync             JobKind = "sync"
	JobKindResummarize      JobKind = "resummarize"
	JobKindRefreshOverviews JobKind = "refresh-overviews"
	JobKindLocalInstall     JobKind = "local-install"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusCancelRequested JobStatus = "cancel_requested"
	JobStatusSucceeded       JobStatus = "succeeded"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCanceled        JobStatus = "canceled"
)

// Active reports whether the status still holds (or may claim) a worker.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCancelRequested:
		return true
	}
	return false
}

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Job is a persisted unit of orchestrated work. The row in the index
// database is the single source of truth: the orchestrator and the worker
// process coordinate exclusively through it.
type Job struct {
	ID              string     `db:"id"`
	Kind            JobKind    `db:"kind"`
	Status          JobStatus  `db:"status"`
	ProgressCurrent float64    `db:"progress_current"`
	ProgressTotal   float64    `db:"progress_total"`
	Message         string     `db:"message"`
	Params          string     `db:"params"`
	WorkerPID       int64      `db:"worker_pid"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Percent returns job progress as 0-100.
func (j *Job) Percent() int {
	if j.ProgressTotal <= 0 {
		return 0
	}
	p := int(j.ProgressCurrent * 100 / j.ProgressTotal)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

// EventLevel classifies a job event for display.
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// JobEvent is one append-only log entry scoped to a job. Events are never
// mutated or deleted; they exist for diagnostics, not control flow.
type JobEvent struct {
	ID    int64      `db:"id"`
	JobID string     `db:"job_id"`
	TS    time.Time  `db:"ts"`
	Level EventLevel `db:"level"`
	Text  string     `db:"text"`
}
