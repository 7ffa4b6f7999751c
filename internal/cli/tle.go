package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewTLECommand creates the tle command group.
func NewTLECommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tle",
		Short: "Inspect and refresh the daemon's orbital elements",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fetch",
		Short: "Download a fresh TLE dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().FetchTLE(cmd.Context())
			if err != nil {
				return requestError("TLE fetch failed", err)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) { writeTLEText(w, res) })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the loaded TLE dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().TLEMetadata(cmd.Context())
			if err != nil {
				return requestError("TLE metadata query failed", err)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) { writeTLEText(w, res) })
		},
	})

	return cmd
}

func writeTLEText(w io.Writer, res *TLEResult) {
	fmt.Fprintf(w, "%d satellites from %s\n", res.Satellites, res.Source)
	fmt.Fprintf(w, "  fetched: %s\n", res.FetchedAt)
	fmt.Fprintf(w, "  epochs:  %s to %s\n", res.EpochMin, res.EpochMax)
}
