package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion job counts per state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		states := []domain.JobState{
			domain.JobPending,
			domain.JobProcessing,
			domain.JobSucceeded,
			domain.JobFailed,
			domain.JobDeadLetter,
		}
		var deadLettered []*domain.IngestionJob
		for _, state := range states {
			jobs, err := a.jobs.ListByState(ctx, state)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-12s %d\n", string(state)+":", len(jobs))
			if state == domain.JobDeadLetter {
				deadLettered = jobs
			}
		}
		if len(deadLettered) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Dead-lettered documents:")
			for _, job := range deadLettered {
				fmt.Fprintf(out, "  %s (attempts %d): %s\n", job.SourcePath, job.Attempts, job.LastError)
			}
		}
		return nil
	},
}
