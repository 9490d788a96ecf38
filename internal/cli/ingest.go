package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Discover, chunk, embed and index documents from the source directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.coordinator().Ingest(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd, report)
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-run failed ingestion jobs until they succeed or dead-letter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.coordinator().Retry(cmd.Context())
		if err != nil {
			return err
		}
		printReport(cmd, report)
		return nil
	},
}

func printReport(cmd *cobra.Command, report *domain.IngestionReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "discovered:  %d\n", report.Discovered)
	fmt.Fprintf(out, "skipped:     %d\n", report.Skipped)
	fmt.Fprintf(out, "succeeded:   %d\n", report.Succeeded)
	fmt.Fprintf(out, "failed:      %d\n", report.Failed)
	fmt.Fprintf(out, "dead letter: %d\n", report.DeadLetter)
	fmt.Fprintf(out, "duration:    %s\n", report.Duration.Round(time.Millisecond))
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  %s (%s, attempts %d): %s\n", f.SourcePath, f.DocumentID, f.Attempts, f.Error)
	}
}
