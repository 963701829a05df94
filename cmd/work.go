package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkCmd() *cobra.Command {
	var withJanitor bool
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run worker.concurrency workers until interrupted",
		Long: `Starts the worker pool. With --with-janitor the stale-claim sweeper runs
in the same process. When server.port is set the ops HTTP server runs too.
A worker that loses the task store past its retry budget stops every other
runner and the command exits non-zero.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			d, err := a.Runners(cmd.Context(), withJanitor)
			if err != nil {
				return err
			}
			if err := d.Run(cmd.Context()); err != nil {
				return fmt.Errorf("work: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withJanitor, "with-janitor", false, "also run the janitor loop in this process")
	return cmd
}
