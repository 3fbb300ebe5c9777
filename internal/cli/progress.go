package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

const pollInterval = 500 * time.Millisecond

// followJob polls a job until it reaches a terminal status, streaming its
// events and progress to the terminal. The first Ctrl-C requests a
// cancellation; the command keeps waiting until the cancel has settled.
func followJob(cmd *cobra.Command, o *service.Orchestrator, jobID string) error {
	ctx := cmd.Context()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var lastEventID int64
	lastLine := ""

	for {
		select {
		case <-sigs:
			cmd.Println("\ncancel requested, waiting for the worker to stop...")
			if err := o.Cancel(ctx, jobID); err != nil {
				return err
			}
		case <-time.After(pollInterval):
		}

		events, err := dbClient.EventsSince(ctx, jobID, lastEventID)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "  [%s] %s\n", e.Level, e.Text)
			lastEventID = e.ID
		}

		job, err := dbClient.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		if line := progressLine(job); line != lastLine && line != "" {
			cmd.Println(line)
			lastLine = line
		}

		if job.Status.Terminal() {
			switch job.Status {
			case models.JobStatusSucceeded:
				cmd.Printf("job %s succeeded\n", job.ID)
				return nil
			case models.JobStatusCanceled:
				cmd.Printf("job %s canceled\n", job.ID)
				return nil
			default:
				return fmt.Errorf("job %s failed: %s", job.ID, job.Message)
			}
		}
	}
}

func progressLine(job *models.Job) string {
	if job.ProgressTotal <= 0 {
		return ""
	}
	return fmt.Sprintf("%3d%% %s", job.Percent(), job.Message)
}
