package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/repairer5812/ai-email-summarizer/internal/archive"
	"github.com/repairer5812/ai-email-summarizer/internal/config"
	"github.com/repairer5812/ai-email-summarizer/internal/credential"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/export"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/mailbox"
	"github.com/repairer5812/ai-email-summarizer/internal/metrics"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// RunWorker is the entrypoint of the worker process. It claims the job row,
// runs the pipeline for the job's kind, and settles the final status. The
// orchestrator only steps in when the worker cannot settle itself (crash,
// kill).
func RunWorker(ctx context.Context, jobID, dataRoot string) error {
	dbClient, err := db.Open(config.IndexPath(dataRoot))
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer dbClient.Close()

	job, err := dbClient.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	_ = dbClient.AddEvent(ctx, jobID, models.EventInfo, fmt.Sprintf("worker started (%s)", job.Kind))
	slog.Info("worker started", "job_id", jobID, "kind", job.Kind)

	runErr := dispatch(ctx, dbClient, dataRoot, job)

	canceled, _ := dbClient.CancelRequested(ctx, jobID)
	switch {
	case canceled:
		// Leave the row in cancel_requested; the orchestrator flips it to
		// canceled once this process has exited.
		_ = dbClient.AddEvent(ctx, jobID, models.EventInfo, "worker stopped on cancel")
		return nil
	case runErr != nil:
		_ = dbClient.AddEvent(ctx, jobID, models.EventError, runErr.Error())
		_ = dbClient.SetJobStatus(ctx, jobID, models.JobStatusFailed, runErr.Error())
		slog.Error("job failed", "job_id", jobID, "error", runErr)
		return runErr
	default:
		_ = dbClient.SetJobStatus(ctx, jobID, models.JobStatusSucceeded, "done")
		slog.Info("job succeeded", "job_id", jobID)
		return nil
	}
}

func dispatch(ctx context.Context, dbClient *db.Client, dataRoot string, job *models.Job) error {
	switch job.Kind {
	case models.JobKindSync:
		return runSyncJob(ctx, dbClient, dataRoot, job.ID)

	case models.JobKindResummarize:
		var params ResummarizeParams
		if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return runResummarizeJob(ctx, dbClient, dataRoot, job.ID, params)

	case models.JobKindRefreshOverviews:
		return runOverviewsJob(ctx, dbClient, dataRoot, job.ID)

	case models.JobKindLocalInstall:
		var params InstallParams
		if err := json.Unmarshal([]byte(job.Params), &params); err != nil {
			return fmt.Errorf("decode params: %w", err)
		}
		return runInstallJob(ctx, dbClient, dataRoot, job.ID, params)

	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

func runSyncJob(ctx context.Context, dbClient *db.Client, dataRoot, jobID string) error {
	settings, err := dbClient.LoadSettings(ctx)
	if err != nil {
		return err
	}

	password, err := credential.Get(credential.IMAPKey(settings.IMAPUser, settings.IMAPHost))
	if err != nil {
		return fmt.Errorf("imap password not stored; run setup: %w", err)
	}

	engine, cleanup, err := buildEngine(ctx, dbClient, dataRoot, jobID, settings)
	if err != nil {
		return err
	}
	defer cleanup()

	syncer := &Syncer{
		DB:       dbClient,
		DataRoot: dataRoot,
		Settings: settings,
		Password: password,
		Dial: func(ctx context.Context, cfg mailbox.Config) (MailSession, error) {
			return mailbox.Dial(ctx, cfg)
		},
		Engine:   engine,
		Exporter: export.New(settings.VaultRoot),
		Metrics:  metrics.NewCollector(),
		Localizer: archive.NewLocalizer(resty.New(), archive.Budget{
			MaxTotalBytes: settings.ExternalMaxBytes,
			MaxAssets:     settings.ExternalMaxCount,
			MaxDuration:   time.Duration(settings.ExternalMaxSecs) * time.Second,
			FetchTimeout:  20 * time.Second,
		}),
	}
	return syncer.Run(ctx, jobID)
}

// buildEngine assembles the summarization stack for the configured backend.
// The local backend boots llama-server first; the returned cleanup stops it.
func buildEngine(ctx context.Context, dbClient *db.Client, dataRoot, jobID string, settings db.Settings) (*llm.Engine, func(), error) {
	noop := func() {}

	llmCfg := llm.Config{
		Backend:       settings.LLMBackend,
		CloudProvider: settings.CloudProvider,
	}
	cleanup := noop

	switch settings.LLMBackend {
	case llm.BackendLocal:
		model := llm.GetLocalModel(settings.LocalModelID)
		if !llm.ModelInstalled(dataRoot, model.ID) || !llm.ServerInstalled(dataRoot) {
			return nil, noop, fmt.Errorf("%w: local backend not installed; run 'mailarch models install %s'",
				llm.ErrNotReady, model.ID)
		}
		server := llm.NewLocalServer(dataRoot, model.ID)
		_ = dbClient.AddEvent(ctx, jobID, models.EventInfo, "starting local model server")
		if err := server.Start(ctx); err != nil {
			return nil, noop, fmt.Errorf("start local model server: %w", err)
		}
		llmCfg.Model = model.ID
		llmCfg.LocalBaseURL = server.BaseURL()
		cleanup = server.Stop

	case llm.BackendCloud:
		key, err := credential.Get(credential.CloudKey(settings.CloudProvider))
		if err != nil && settings.CloudProvider != llm.CloudBedrock {
			return nil, noop, fmt.Errorf("%s API key not stored; run setup: %w", settings.CloudProvider, err)
		}
		llmCfg.APIKey = key

	case llm.BackendOllama:
		llmCfg.Model = settings.LocalModelID
		llmCfg.OllamaHost = "http://localhost:11434"
	}

	provider, err := llm.New(ctx, llmCfg)
	if err != nil {
		cleanup()
		return nil, noop, err
	}

	engine := llm.NewEngine(provider, llm.DefaultEngineConfig())
	engine.UserProfile = settings.UserProfile
	return engine, cleanup, nil
}

func runInstallJob(ctx context.Context, dbClient *db.Client, dataRoot, jobID string, params InstallParams) error {
	model := llm.GetLocalModel(params.ModelID)

	// A cancel request aborts the downloads through the context; partial
	// files stay on disk and the next install resumes them.
	dlCtx, stop := context.WithCancel(ctx)
	defer stop()

	progress := func(label string) func(llm.DownloadProgress) {
		return func(p llm.DownloadProgress) {
			_ = dbClient.UpdateJobProgress(ctx, jobID,
				float64(p.Downloaded), float64(p.Total),
				fmt.Sprintf("downloading %s: %d/%d MiB", label, p.Downloaded>>20, p.Total>>20))

			if canceled, _ := dbClient.CancelRequested(ctx, jobID); canceled {
				stop()
			}
		}
	}

	// The local backend needs the inference binary as much as the weights.
	if !llm.ServerInstalled(dataRoot) {
		_ = dbClient.AddEvent(ctx, jobID, models.EventInfo, "downloading llama-server")
		if err := llm.InstallServer(dlCtx, resty.New(), dataRoot, progress("llama-server")); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("install llama-server: %w", err)
		}
	}

	_ = dbClient.AddEvent(ctx, jobID, models.EventInfo,
		fmt.Sprintf("downloading %s (%s)", model.Label, model.HFFile))
	err := llm.InstallModel(dlCtx, resty.New(), dataRoot, model.ID, progress(model.ID))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("install %s: %w", model.ID, err)
	}

	_ = dbClient.AddEvent(ctx, jobID, models.EventInfo, fmt.Sprintf("model %s installed", model.ID))
	return nil
}
