package cli

import (
	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

var syncDetach bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Archive and summarize unread mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		if err := o.Reconcile(cmd.Context()); err != nil {
			return err
		}

		job, err := o.Enqueue(cmd.Context(), models.JobKindSync, service.SyncParams{})
		if err != nil {
			return err
		}

		cmd.Printf("sync job %s started\n", job.ID)
		if syncDetach {
			return nil
		}
		return followJob(cmd, o, job.ID)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncDetach, "detach", false, "enqueue the job and return immediately")
}
