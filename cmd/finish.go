package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/gridcrawler/internal/export"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

func newFinishCmd() *cobra.Command {
	var (
		output string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "finish",
		Short: "Export all results to CSV, then optionally flush the result table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			exp, err := a.Exporter(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			in := bufio.NewReader(cmd.InOrStdin())
			res, flushed, err := exp.Finish(cmd.Context(), output, func(r export.Result) (bool, error) {
				fmt.Fprintf(out, "%s %d rows to %s\n", color.New(color.FgGreen).Sprint("exported"), r.Rows, r.URI)
				if yes {
					return true, nil
				}
				fmt.Fprint(out, color.New(color.FgYellow).Sprint("flush the result table? (y/n): "))
				answer, err := in.ReadString('\n')
				if err != nil && answer == "" {
					return false, err
				}
				answer = strings.ToLower(strings.TrimSpace(answer))
				return answer == "y" || answer == "yes", nil
			})
			if errors.Is(err, harvest.ErrNoRecords) {
				fmt.Fprintln(out, color.New(color.FgYellow).Sprint("no results to export"))
				return err
			}
			if err != nil {
				return fmt.Errorf("finish: %w", err)
			}
			if flushed {
				fmt.Fprintf(out, "%s (%d rows)\n", color.New(color.FgRed).Sprint("result table flushed"), res.Rows)
			} else {
				fmt.Fprintln(out, "result table kept")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "export file name (default output_YYYYMMDD_HHMMSS.csv)")
	cmd.Flags().BoolVar(&yes, "yes", false, "flush without asking")
	return cmd
}
