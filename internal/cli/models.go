package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/llm"
	"github.com/repairer5812/ai-email-summarizer/internal/models"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the supported local models",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-12s %-10s %s\n", "ID", "TIER", "INSTALLED", "MODEL")
		for _, m := range llm.LocalModels {
			installed := "no"
			if llm.ModelInstalled(cfg.DataRoot, m.ID) {
				installed = "yes"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %-12s %-10s %s\n", m.ID, m.Tier, installed, m.Label)
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install <model-id>",
	Short: "Download a local model",
	Long: `Install downloads a model from Hugging Face into the data root. An
interrupted download resumes where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model := llm.GetLocalModel(args[0])
		if llm.ModelInstalled(cfg.DataRoot, model.ID) && llm.ServerInstalled(cfg.DataRoot) {
			cmd.Printf("model %s is already installed\n", model.ID)
			return nil
		}

		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		if err := o.Reconcile(cmd.Context()); err != nil {
			return err
		}

		job, err := o.Enqueue(cmd.Context(), models.JobKindLocalInstall,
			service.InstallParams{ModelID: model.ID})
		if err != nil {
			return err
		}

		cmd.Printf("downloading %s (job %s)\n", model.Label, job.ID)
		return followJob(cmd, o, job.ID)
	},
}

func init() {
	modelsCmd.AddCommand(installCmd)
}
