package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

func newStatsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print task counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			store, err := a.TaskStore(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			return writeStats(cmd.OutOrStdout(), format, stats)
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json or yaml")
	return cmd
}

func writeStats(w io.Writer, format string, stats harvest.QueueStats) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(map[string]int64{
			"pending": stats.Pending,
			"claimed": stats.Claimed,
			"done":    stats.Done,
			"failed":  stats.Failed,
		})
	case "table", "":
		fmt.Fprintf(w, "%-8s %d\n", color.New(color.FgBlue).Sprint("pending"), stats.Pending)
		fmt.Fprintf(w, "%-8s %d\n", color.New(color.FgYellow).Sprint("claimed"), stats.Claimed)
		fmt.Fprintf(w, "%-8s %d\n", color.New(color.FgGreen).Sprint("done"), stats.Done)
		fmt.Fprintf(w, "%-8s %d\n", color.New(color.FgRed).Sprint("failed"), stats.Failed)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
