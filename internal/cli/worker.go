package cli

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/config"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

var (
	workerJobID    string
	workerDataRoot string
)

// workerCmd is the hidden entrypoint the orchestrator spawns for each job.
// It runs in its own process so a stuck pipeline can always be killed
// without taking the dashboard down.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerJobID == "" || workerDataRoot == "" {
			return fmt.Errorf("worker requires --job-id and --data-root")
		}

		// Workers share the orchestrator's log file under the data root.
		logger, cleanup := config.SetupLogger(
			filepath.Join(workerDataRoot, "logs", "mailarch.log"), slog.LevelInfo)
		defer func() { _ = cleanup() }()
		slog.SetDefault(logger.With("job_id", workerJobID))

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return service.RunWorker(ctx, workerJobID, workerDataRoot)
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerJobID, "job-id", "", "job to run")
	workerCmd.Flags().StringVar(&workerDataRoot, "data-root", "", "data root directory")
}
