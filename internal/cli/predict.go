package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

// PredictOptions holds flags for the predict command.
type PredictOptions struct {
	*RootOptions
	Latitude  float64
	Longitude float64
	Days      int
}

// NewPredictCommand creates the predict command.
func NewPredictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PredictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict the next passes over a location",
		Long: `Predict when each tracked satellite next rises above the minimum
elevation over a location. The daemon widens the search window until every
satellite has at least one pass.

Examples:
  passoverctl predict --lat 42.59 --lon -83.2
  passoverctl predict --lat 42.59 --lon -83.2 --days 5 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(opts, cmd)
		},
	}

	cmd.Flags().Float64Var(&opts.Latitude, "lat", 0, "observer latitude in degrees (required)")
	_ = cmd.MarkFlagRequired("lat")
	cmd.Flags().Float64Var(&opts.Longitude, "lon", 0, "observer longitude in degrees (required)")
	_ = cmd.MarkFlagRequired("lon")
	cmd.Flags().IntVar(&opts.Days, "days", 2, "initial search window in days")

	return cmd
}

func runPredict(opts *PredictOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	out.VerboseLog("predicting passes over %v, %v from %s", opts.Latitude, opts.Longitude, opts.Server)

	res, err := opts.client().Predict(cmd.Context(), opts.Latitude, opts.Longitude, opts.Days)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return WrapExitError(ExitFailure, "no passes found", err)
		}
		return requestError("pass prediction failed", err)
	}

	return out.Success(res, func(w io.Writer) { writePredictText(w, res) })
}

func writePredictText(w io.Writer, res *PredictResult) {
	noun := "windows"
	if res.Windows == 1 {
		noun = "window"
	}
	fmt.Fprintf(w, "Searched %d %s: %s to %s\n", res.Windows, noun, res.Start, res.End)

	names := make([]string, 0, len(res.Passes))
	for name := range res.Passes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		fmt.Fprintln(w, name)
		for _, t := range res.Passes[name] {
			fmt.Fprintf(w, "  %s\n", t)
		}
	}
}
