package cli

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "text" | "json" | "yaml"
	Server  string
	Token   string
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for passoverctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "passoverctl",
		Short: "Query Landsat passes and manage product acquisitions",
		Long: `passoverctl talks to a passoverd instance.

It predicts when the tracked satellites next pass over a location,
schedules and follows product acquisitions, and searches the scene catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.Server == "" {
				return NewExitError(ExitCommandError, "--server is required")
			}
			return nil
		},
	}

	server := os.Getenv("PASSOVER_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "passoverd base URL ($PASSOVER_SERVER)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("PASSOVER_AUTH_TOKEN"), "bearer token ($PASSOVER_AUTH_TOKEN)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "per-request timeout")

	cmd.AddCommand(NewPredictCommand(opts))
	cmd.AddCommand(NewCachedCommand(opts))
	cmd.AddCommand(NewAcquireCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewScenesCommand(opts))
	cmd.AddCommand(NewTLECommand(opts))

	return cmd
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Server, o.Token, o.Timeout)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// requestError classifies a daemon call failure.
func requestError(message string, err error) *ExitError {
	return WrapExitError(ExitCommandError, message, err)
}
