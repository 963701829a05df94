package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/seeder"
)

func newSeedCmd() *cobra.Command {
	var (
		keywords []string
		city     string
		lat, lng float64
		width    float64
	)
	cmd := &cobra.Command{
		Use:     "seed",
		Short:   "Enqueue one root search square per keyword",
		Example: `  gridcrawler seed --keywords plumber,electrician --lat 30.2672 --lng -97.7431 --width 20000 --city Austin`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if width <= 0 {
				width = a.Config().Seed.WidthMeters
			}
			s, err := a.Seeder(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := s.Seed(cmd.Context(), seeder.Request{
				City:        city,
				Keywords:    keywords,
				Center:      harvest.Point{Lat: lat, Lng: lng},
				WidthMeters: width,
			})
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.ID, t.Keyword)
			}
			a.Logger().Info("seeding complete", zap.Int("tasks", len(tasks)), zap.String("city", city))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "comma-separated search keywords")
	cmd.Flags().StringVar(&city, "city", "", "city label for logs")
	cmd.Flags().Float64Var(&lat, "lat", 0, "center latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "center longitude")
	cmd.Flags().Float64Var(&width, "width", 0, "square width in meters (default seed.width_meters)")
	_ = cmd.MarkFlagRequired("keywords")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}
