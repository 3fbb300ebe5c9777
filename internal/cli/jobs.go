package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List jobs or show one job with its events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showJob(cmd, args[0])
		}
		return listJobs(cmd)
	},
}

func listJobs(cmd *cobra.Command) error {
	jobs, err := dbClient.ListJobs(cmd.Context(), jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		cmd.Println("No jobs found.")
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-18s %-16s %-10s %s\n",
		"ID", "KIND", "STATUS", "PROGRESS", "STARTED")
	for _, job := range jobs {
		started := "-"
		if job.StartedAt != nil {
			started = job.StartedAt.Local().Format("2006-01-02 15:04")
		}
		progress := "-"
		if job.ProgressTotal > 0 {
			progress = fmt.Sprintf("%d%%", job.Percent())
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-18s %-16s %-10s %s\n",
			job.ID, job.Kind, job.Status, progress, started)
	}
	return nil
}

func showJob(cmd *cobra.Command, id string) error {
	job, err := dbClient.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}

	cmd.Printf("Job:      %s (%s)\n", job.ID, job.Kind)
	cmd.Printf("Status:   %s\n", job.Status)
	if job.ProgressTotal > 0 {
		cmd.Printf("Progress: %d%% (%.0f/%.0f)\n", job.Percent(), job.ProgressCurrent, job.ProgressTotal)
	}
	if job.Message != "" {
		cmd.Printf("Message:  %s\n", job.Message)
	}
	cmd.Printf("Created:  %s\n", job.CreatedAt.Local().Format(time.RFC1123))
	if job.FinishedAt != nil {
		cmd.Printf("Finished: %s\n", job.FinishedAt.Local().Format(time.RFC1123))
	}

	events, err := dbClient.EventsSince(cmd.Context(), job.ID, 0)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		cmd.Println("\nEvents:")
		for _, e := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s [%s] %s\n",
				e.TS.Local().Format("15:04:05"), e.Level, e.Text)
		}
	}
	return nil
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := getOrchestrator()
		if err != nil {
			return err
		}
		if err := o.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("cancel requested for job %s\n", args[0])
		return nil
	},
}

func init() {
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to list")
}
