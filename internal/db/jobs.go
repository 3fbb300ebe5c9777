package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// staleJobAge is how long an active job may go without a progress update
// before enqueue treats it as abandoned and fails it.
const staleJobAge = 30 * time.Minute

// CreateJob inserts a queued job row. A job of the same kind that is still
// active blocks the enqueue with ErrJobConflict; active jobs whose worker
// stopped reporting progress are failed first so one crash never wedges the
// queue forever.
func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	if err := c.RecoverStaleJobs(ctx); err != nil {
		return err
	}
	active, err := c.FindActiveJob(ctx, job.Kind)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s (%s)", ErrJobConflict, active.Kind, active.ID)
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Params == "" {
		job.Params = "{}"
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, status, progress_current, progress_total,
			message, params, worker_pid, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, '', ?, 0, ?, ?)`,
		job.ID, job.Kind, job.Status, job.Params, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves one job by ID.
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := c.db.GetContext(ctx, &job, "SELECT * FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

// FindActiveJob returns the most recent queued/running/cancel-requested job
// of the given kind, or nil when none is active.
func (c *Client) FindActiveJob(ctx context.Context, kind models.JobKind) (*models.Job, error) {
	var job models.Job
	err := c.db.GetContext(ctx, &job, `
		SELECT * FROM jobs
		WHERE kind = ? AND status IN (?, ?, ?)
		ORDER BY updated_at DESC LIMIT 1`,
		kind, models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCancelRequested,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active %s job: %w", kind, err)
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []models.Job
	err := c.db.SelectContext(ctx, &jobs,
		"SELECT * FROM jobs ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListActiveJobs returns every job still in a non-terminal status. Used by
// startup reconciliation.
func (c *Client) ListActiveJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	err := c.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCancelRequested,
	)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// RecoverStaleJobs fails active jobs that have not been updated within
// staleJobAge. Returns without error when nothing was stale.
func (c *Client) RecoverStaleJobs(ctx context.Context) error {
	now := time.Now().UTC()
	cutoff := now.Add(-staleJobAge)
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, message = ?, updated_at = ?,
			finished_at = COALESCE(finished_at, ?)
		WHERE status IN (?, ?, ?) AND updated_at < ?`,
		models.JobStatusFailed, "recovered: no progress for 30m", now, now,
		models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCancelRequested,
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	return nil
}

// MarkJobStarted transitions a job to running and records its worker PID.
func (c *Client) MarkJobStarted(ctx context.Context, id string, pid int) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_pid = ?, started_at = ?, updated_at = ?
		WHERE id = ?`,
		models.JobStatusRunning, pid, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", id, err)
	}
	return nil
}

// SetJobStatus updates the job status and message. Terminal statuses also
// stamp finished_at exactly once.
func (c *Client) SetJobStatus(ctx context.Context, id string, status models.JobStatus, message string) error {
	now := time.Now().UTC()
	var err error
	if status.Terminal() {
		_, err = c.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, message = ?, updated_at = ?,
				finished_at = COALESCE(finished_at, ?)
			WHERE id = ?`,
			status, message, now, now, id,
		)
	} else {
		_, err = c.db.ExecContext(ctx,
			"UPDATE jobs SET status = ?, message = ?, updated_at = ? WHERE id = ?",
			status, message, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("set job %s status %s: %w", id, status, err)
	}
	return nil
}

// UpdateJobProgress records progress. Progress only moves forward; a stale
// write from a slow worker cannot roll the bar back.
func (c *Client) UpdateJobProgress(ctx context.Context, id string, current, total float64, message string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE jobs SET progress_current = MAX(progress_current, ?),
			progress_total = ?, message = ?, updated_at = ?
		WHERE id = ?`,
		current, total, message, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job %s progress: %w", id, err)
	}
	return nil
}

// CancelRequested reports whether cancellation has been durably requested
// for the job. Workers poll this between messages and before each stage.
func (c *Client) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return job.Status == models.JobStatusCancelRequested ||
		job.Status == models.JobStatusCanceled, nil
}

// AddEvent appends a job event. Events are append-only.
func (c *Client) AddEvent(ctx context.Context, jobID string, level models.EventLevel, text string) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO job_events (job_id, ts, level, text) VALUES (?, ?, ?, ?)",
		jobID, time.Now().UTC(), level, text,
	)
	if err != nil {
		return fmt.Errorf("add event for job %s: %w", jobID, err)
	}
	return nil
}

// EventsSince returns events for a job with id greater than lastID, oldest
// first. The dashboard polls this incrementally.
func (c *Client) EventsSince(ctx context.Context, jobID string, lastID int64) ([]models.JobEvent, error) {
	var events []models.JobEvent
	err := c.db.SelectContext(ctx, &events,
		"SELECT * FROM job_events WHERE job_id = ? AND id > ? ORDER BY id ASC",
		jobID, lastID,
	)
	if err != nil {
		return nil, fmt.Errorf("events for job %s: %w", jobID, err)
	}
	return events, nil
}
