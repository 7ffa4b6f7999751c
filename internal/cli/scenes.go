package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// ScenesOptions holds flags for the scenes command.
type ScenesOptions struct {
	*RootOptions
	Query ScenesQuery
}

// NewScenesCommand creates the scenes command.
func NewScenesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenes",
		Short: "Search the scene catalog for a location",
		Long: `Search the scene catalog for scenes covering a location.

Examples:
  passoverctl scenes --lat 42.59 --lon -83.2 --start 2024-09-01 --end 2024-10-18
  passoverctl scenes --lat 42.59 --lon -83.2 --max-cloud 20 --format yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Scenes(cmd.Context(), opts.Query)
			if err != nil {
				return requestError("scene search failed", err)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) { writeScenesText(w, res) })
		},
	}

	f := cmd.Flags()
	f.Float64Var(&opts.Query.Latitude, "lat", 0, "latitude in degrees (required)")
	_ = cmd.MarkFlagRequired("lat")
	f.Float64Var(&opts.Query.Longitude, "lon", 0, "longitude in degrees (required)")
	_ = cmd.MarkFlagRequired("lon")
	f.StringVar(&opts.Query.Start, "start", "", "first acquisition date, YYYY-MM-DD (default 30 days before end)")
	f.StringVar(&opts.Query.End, "end", "", "last acquisition date, YYYY-MM-DD (default today)")
	f.Float64Var(&opts.Query.MaxCloud, "max-cloud", 0, "maximum cloud cover percent")
	f.IntVar(&opts.Query.Limit, "limit", 0, "maximum number of scenes")
	f.StringVar(&opts.Query.Dataset, "dataset", "", "catalog dataset name")

	return cmd
}

func writeScenesText(w io.Writer, res *ScenesResult) {
	if len(res.Scenes) == 0 {
		fmt.Fprintln(w, "No scenes found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DISPLAY ID\tACQUIRED\tCLOUD")
	for _, s := range res.Scenes {
		date := s.AcquisitionDate
		if len(date) >= 10 {
			date = date[:10]
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\n", s.DisplayID, date, s.CloudCover)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d scenes\n", res.Count)
}
