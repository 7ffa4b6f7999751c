package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// NewCachedCommand creates the cached command.
func NewCachedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cached <product-id>",
		Short: "Report whether a product is already extracted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Cached(cmd.Context(), args[0])
			if err != nil {
				return requestError("cache check failed", err)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) {
				if res.Cached {
					fmt.Fprintf(w, "%s: cached\n", res.ID)
				} else {
					fmt.Fprintf(w, "%s: not cached\n", res.ID)
				}
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <product-id>",
		Short: "Show a product's acquisition state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return requestError("status query failed", err)
			}
			return opts.formatter(cmd).Success(res, func(w io.Writer) { writeStatusText(w, res) })
		},
	}
}

// AcquireOptions holds flags for the acquire command.
type AcquireOptions struct {
	*RootOptions
	Wait     bool
	Interval time.Duration
}

// NewAcquireCommand creates the acquire command.
func NewAcquireCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AcquireOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "acquire <product-id>",
		Short: "Schedule a product download and extraction",
		Long: `Schedule the download and extraction of an archived product.
Requests for a product that is already being acquired are merged.

With --wait the command polls until the acquisition finishes and exits
non-zero if it failed.

Examples:
  passoverctl acquire LC08_L2SP_020031_20241001_20241005_02_T1
  passoverctl acquire LC08_L2SP_020031_20241001_20241005_02_T1 --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAcquire(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVarP(&opts.Wait, "wait", "w", false, "poll until the acquisition finishes")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 2*time.Second, "poll interval with --wait")

	return cmd
}

func runAcquire(opts *AcquireOptions, cmd *cobra.Command, id string) error {
	out := opts.formatter(cmd)
	client := opts.client()

	res, err := client.Acquire(cmd.Context(), id)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return WrapExitError(ExitFailure, "acquisition not scheduled", err)
		}
		return requestError("acquire request failed", err)
	}

	if !opts.Wait {
		return out.Success(res, func(w io.Writer) {
			fmt.Fprintf(w, "%s: scheduled\n", res.ID)
		})
	}

	out.VerboseLog("%s: scheduled, polling every %s", id, opts.Interval)
	st, err := waitForAcquisition(cmd.Context(), client, id, opts.Interval, out)
	if err != nil {
		return err
	}

	if err := out.Success(st, func(w io.Writer) { writeStatusText(w, st) }); err != nil {
		return err
	}
	if st.Status == "failed" {
		return NewExitError(ExitFailure, fmt.Sprintf("acquisition of %s failed: %s", id, st.Error))
	}
	return nil
}

// waitForAcquisition polls the status route until the product leaves the
// in-progress states.
func waitForAcquisition(ctx context.Context, client *Client, id string, interval time.Duration, out *OutputFormatter) (*StatusResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		st, err := client.Status(ctx, id)
		if err != nil {
			return nil, requestError("status query failed", err)
		}
		if !st.Known {
			return nil, NewExitError(ExitFailure, fmt.Sprintf("daemon has no record of %s", id))
		}
		if !st.InProgress {
			return st, nil
		}
		if st.Status != last {
			out.VerboseLog("%s: %s", id, st.Status)
			last = st.Status
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, WrapExitError(ExitFailure, "stopped waiting", ctx.Err())
		}
	}
}

func writeStatusText(w io.Writer, st *StatusResult) {
	if !st.Known {
		fmt.Fprintf(w, "%s: unknown\n", st.ID)
		return
	}

	fmt.Fprintf(w, "%s: %s", st.ID, st.Status)
	switch {
	case st.Status == "failed" && st.Error != "":
		fmt.Fprintf(w, " (%s)", st.Error)
	case st.FromCache:
		fmt.Fprint(w, " (already extracted)")
	case st.Extracted:
		fmt.Fprintf(w, " (%d files)", st.Files)
	case st.Status == "completed":
		fmt.Fprint(w, " (no package found)")
	}
	fmt.Fprintln(w)

	if st.Destination != "" {
		fmt.Fprintf(w, "  destination: %s\n", st.Destination)
	}
}
