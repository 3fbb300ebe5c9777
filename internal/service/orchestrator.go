// Package service orchestrates the archive pipelines: job lifecycle,
// worker processes, and the per-message sync stages. Jobs run in separate
// worker processes so a wedged IMAP connection or model call can always be
// killed; the sqlite index is the only channel between orchestrator and
// worker.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// cancelGrace is how long a cancel waits for the worker to stop on its own
// before the process is killed.
const cancelGrace = 10 * time.Second

// Orchestrator owns job enqueueing, worker process supervision, and
// startup crash recovery.
type Orchestrator struct {
	db       *db.Client
	exe      string
	dataRoot string

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewOrchestrator builds an orchestrator that spawns workers by re-invoking
// the current binary with the hidden worker subcommand.
func NewOrchestrator(dbClient *db.Client, dataRoot string) (*Orchestrator, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own binary: %w", err)
	}
	return &Orchestrator{
		db:       dbClient,
		exe:      exe,
		dataRoot: dataRoot,
		procs:    make(map[string]*exec.Cmd),
	}, nil
}

// SyncParams parameterizes a sync job.
type SyncParams struct{}

// ResummarizeParams parameterizes a resummarize job.
type ResummarizeParams struct {
	MinTier string `json:"min_tier"`
}

// InstallParams parameterizes a local-install job.
type InstallParams struct {
	ModelID string `json:"model_id"`
}

// Enqueue creates a job row and spawns its worker process. A second job of
// the same kind while one is active fails with db.ErrJobConflict.
func (o *Orchestrator) Enqueue(ctx context.Context, kind models.JobKind, params any) (*models.Job, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode job params: %w", err)
	}

	job := &models.Job{
		// Short ID for convenience.
		ID:     uuid.New().String()[:8],
		Kind:   kind,
		Params: string(raw),
	}
	if err := o.db.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if err := o.spawn(ctx, job); err != nil {
		_ = o.db.SetJobStatus(ctx, job.ID, models.JobStatusFailed, err.Error())
		return nil, err
	}

	slog.Info("job enqueued", "job_id", job.ID, "kind", kind)
	return job, nil
}

func (o *Orchestrator) spawn(ctx context.Context, job *models.Job) error {
	cmd := exec.Command(o.exe, "worker", "--job-id", job.ID, "--data-root", o.dataRoot)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker for job %s: %w", job.ID, err)
	}

	if err := o.db.MarkJobStarted(ctx, job.ID, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return err
	}

	o.mu.Lock()
	o.procs[job.ID] = cmd
	o.mu.Unlock()

	go o.reap(job.ID, cmd)
	return nil
}

// reap waits for the worker to exit and settles any status the worker
// could not write itself (crash, kill after cancel).
func (o *Orchestrator) reap(jobID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	o.mu.Lock()
	delete(o.procs, jobID)
	o.mu.Unlock()

	ctx := context.Background()
	job, gerr := o.db.GetJob(ctx, jobID)
	if gerr != nil {
		slog.Warn("reap: job lookup failed", "job_id", jobID, "error", gerr)
		return
	}

	switch {
	case job.Status.Terminal():
		// Worker settled its own status.
	case job.Status == models.JobStatusCancelRequested:
		// Canceled becomes durable only after the worker has stopped.
		_ = o.db.AddEvent(ctx, jobID, models.EventInfo, "canceled")
		_ = o.db.SetJobStatus(ctx, jobID, models.JobStatusCanceled, "canceled by user")
		slog.Info("job canceled", "job_id", jobID)
	default:
		msg := "worker exited without status"
		if err != nil {
			msg = fmt.Sprintf("worker exited: %v", err)
		}
		_ = o.db.AddEvent(ctx, jobID, models.EventError, msg)
		_ = o.db.SetJobStatus(ctx, jobID, models.JobStatusFailed, msg)
		slog.Error("worker died without settling job", "job_id", jobID, "error", err)
	}
}

// Cancel requests cancellation. The request is durable immediately; the
// job turns canceled only once the worker has actually stopped. Workers
// that ignore the request are killed after the grace period.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.db.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	if job.Status == models.JobStatusCancelRequested {
		return nil
	}

	if err := o.db.SetJobStatus(ctx, jobID, models.JobStatusCancelRequested, "cancel requested"); err != nil {
		return err
	}
	_ = o.db.AddEvent(ctx, jobID, models.EventInfo, "cancel requested")
	slog.Info("cancel requested", "job_id", jobID)

	go o.enforceCancel(jobID)
	return nil
}

func (o *Orchestrator) enforceCancel(jobID string) {
	ctx := context.Background()

	deadline := time.Now().Add(cancelGrace)
	for time.Now().Before(deadline) {
		job, err := o.db.GetJob(ctx, jobID)
		if err != nil || job.Status.Terminal() {
			return
		}
		// A worker this orchestrator did not spawn has no reap goroutine;
		// once it is gone there is nothing left to wait for.
		if !o.owns(jobID) && !(job.WorkerPID > 0 && workerAlive(int32(job.WorkerPID), jobID)) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	o.mu.Lock()
	cmd := o.procs[jobID]
	o.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Our own child: kill it and let reap settle the status.
		slog.Warn("worker ignored cancel, killing", "job_id", jobID, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		return
	}

	// The worker was spawned by a previous run (e.g. the job was canceled
	// after a serve restart). Hunt down survivors by command line, then
	// settle the terminal status ourselves, since no reap goroutine will.
	if killed := killWorkers(jobID); killed > 0 {
		slog.Warn("killed orphan worker", "job_id", jobID, "count", killed)
	}

	job, err := o.db.GetJob(ctx, jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	_ = o.db.AddEvent(ctx, jobID, models.EventInfo, "canceled")
	_ = o.db.SetJobStatus(ctx, jobID, models.JobStatusCanceled, "canceled by user")
	slog.Info("job canceled", "job_id", jobID)
}

// owns reports whether this orchestrator holds the worker process handle.
func (o *Orchestrator) owns(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.procs[jobID] != nil
}

// Reconcile settles jobs left active by a previous run. A job whose worker
// PID is gone failed exactly once, with a crash recovery event; a job whose
// worker is still alive is left alone.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	active, err := o.db.ListActiveJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range active {
		if job.WorkerPID > 0 && workerAlive(int32(job.WorkerPID), job.ID) {
			slog.Info("active job has live worker, leaving it", "job_id", job.ID, "pid", job.WorkerPID)
			continue
		}

		msg := fmt.Sprintf("crash recovery: worker pid %d is gone", job.WorkerPID)
		if job.WorkerPID == 0 {
			msg = "crash recovery: job never started a worker"
		}
		if err := o.db.AddEvent(ctx, job.ID, models.EventError, "CrashRecovery: "+msg); err != nil {
			return err
		}
		if err := o.db.SetJobStatus(ctx, job.ID, models.JobStatusFailed, msg); err != nil {
			return err
		}
		slog.Warn("recovered crashed job", "job_id", job.ID, "kind", job.Kind)
	}

	return nil
}
