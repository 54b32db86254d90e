package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"compass-ng/internal/catalog"
	"compass-ng/internal/geodesy"
)

type bearingOptions struct {
	from        string
	to          string
	country     string
	city        string
	catalogPath string
}

func newBearingCmd() *cobra.Command {
	var opts bearingOptions
	cmd := &cobra.Command{
		Use:   "bearing",
		Short: "Print distance, initial bearing and direction between two points",
		Example: `  compass-ng bearing --from 52.52,13.405 --to 48.8566,2.3522
  compass-ng bearing --from 52.52,13.405 --country France --city Paris`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBearing(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.from, "from", "", "origin as lat,lon")
	cmd.Flags().StringVar(&opts.to, "to", "", "destination as lat,lon")
	cmd.Flags().StringVar(&opts.country, "country", "", "destination country from the catalog")
	cmd.Flags().StringVar(&opts.city, "city", "", "destination city from the catalog")
	cmd.Flags().StringVar(&opts.catalogPath, "catalog", "", "destination catalog YAML (built-in when empty)")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func runBearing(w io.Writer, opts bearingOptions) error {
	from, err := geodesy.ParsePair(opts.from)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}

	var dest catalog.Destination
	switch {
	case strings.TrimSpace(opts.to) != "":
		if opts.country != "" || opts.city != "" {
			return fmt.Errorf("--to cannot be combined with --country/--city")
		}
		p, err := geodesy.ParsePair(opts.to)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		dest = catalog.Destination{Label: catalog.CustomLabel(p), Point: p}
	case opts.country != "" && opts.city != "":
		cat, err := catalog.Load(opts.catalogPath)
		if err != nil {
			return err
		}
		dest, err = cat.Lookup(opts.country, opts.city)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("either --to or both --country and --city are required")
	}

	bearing := geodesy.InitialBearingDegrees(from, dest.Point)
	fmt.Fprintf(w, "destination: %s\n", dest.Label)
	fmt.Fprintf(w, "distance_km: %.1f\n", geodesy.DistanceKm(from, dest.Point))
	fmt.Fprintf(w, "bearing_deg: %.1f\n", bearing)
	fmt.Fprintf(w, "direction: %s\n", geodesy.DirectionText(bearing))
	return nil
}
