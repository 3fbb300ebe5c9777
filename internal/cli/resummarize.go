package cli

import (
	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

var resummarizeTier string

var resummarizeCmd = &cobra.Command{
	Use:   "resummarize",
	Short: "Re-run summarization for archived messages below a tier",
	Long: `Resummarize reads message bodies from the local archive and replaces
summaries that were produced by a cheaper tier. No mail is fetched and no
read flags change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		if err := o.Reconcile(cmd.Context()); err != nil {
			return err
		}

		job, err := o.Enqueue(cmd.Context(), models.JobKindResummarize,
			service.ResummarizeParams{MinTier: resummarizeTier})
		if err != nil {
			return err
		}

		cmd.Printf("resummarize job %s started\n", job.ID)
		return followJob(cmd, o, job.ID)
	},
}

var overviewsCmd = &cobra.Command{
	Use:   "refresh-overviews",
	Short: "Rebuild daily overviews and daily notes from stored summaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		if err := o.Reconcile(cmd.Context()); err != nil {
			return err
		}

		job, err := o.Enqueue(cmd.Context(), models.JobKindRefreshOverviews, service.SyncParams{})
		if err != nil {
			return err
		}

		cmd.Printf("overview refresh job %s started\n", job.ID)
		return followJob(cmd, o, job.ID)
	},
}

func init() {
	resummarizeCmd.Flags().StringVar(&resummarizeTier, "tier", "",
		"replace summaries below this tier (fast, standard, cloud; default: the configured backend's tier)")
}
