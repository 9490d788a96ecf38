package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Answer a question against the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.orchestrator()
		if err != nil {
			return err
		}
		resp, err := o.AnswerQuery(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.Answer)
		if resp.Grounded && len(resp.Sources) > 0 {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Sources:")
			for _, s := range resp.Sources {
				fmt.Fprintf(out, "  %s chunk %d (score %.3f)\n", s.DocumentID, s.Sequence, s.Score)
			}
		}
		return nil
	},
}
