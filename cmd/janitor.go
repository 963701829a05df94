package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newJanitorCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Requeue or fail claims older than janitor.timeout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			j, err := a.Janitor(cmd.Context())
			if err != nil {
				return err
			}
			if !once {
				return j.Run(cmd.Context())
			}
			report, err := j.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d, failed %d\n", len(report.Requeued), len(report.Failed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
