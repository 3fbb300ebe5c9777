// Package cli provides the command-line interface for the mail archive.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/repairer5812/ai-email-summarizer/internal/config"
	"github.com/repairer5812/ai-email-summarizer/internal/db"
	"github.com/repairer5812/ai-email-summarizer/internal/service"
)

var (
	cfgPath string

	cfg        config.Config
	dbClient   *db.Client
	logCleanup func() error

	orch *service.Orchestrator
)

var rootCmd = &cobra.Command{
	Use:   "mailarch",
	Short: "Archive, summarize and export your mailbox",
	Long: `mailarch connects to an IMAP mailbox, archives unread messages locally,
summarizes them with a local or cloud model, and exports markdown notes
into an Obsidian-style vault. A message is marked read on the server only
once its local archive, index entry and summary all exist.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version", "completion", "worker":
			// The worker derives everything from its own flags.
			return nil
		}

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.ParsedLogLevel())
		slog.SetDefault(logger)
		logCleanup = cleanup

		dbClient, err = db.Open(cfg.IndexPath())
		if err != nil {
			return fmt.Errorf("open index database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			_ = dbClient.Close()
		}
		if logCleanup != nil {
			_ = logCleanup()
		}
	},
}

// getOrchestrator lazily builds the job orchestrator for commands that
// enqueue or cancel work.
func getOrchestrator() (*service.Orchestrator, error) {
	if orch != nil {
		return orch, nil
	}
	var err error
	orch, err = service.NewOrchestrator(dbClient, cfg.DataRoot)
	return orch, err
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: $XDG_CONFIG_HOME/mailarch/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resummarizeCmd)
	rootCmd.AddCommand(overviewsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(workerCmd)
}
