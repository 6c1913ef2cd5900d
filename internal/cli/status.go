package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/tracker"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and connection state",
		Long: `Show the client id, opt-out flag, number of queued hits and the state
of the connection to the relay.

Example:
  beacon status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(rootOpts, cmd)
		},
	}
}

func showStatus(opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	e.cfg.Dispatch.Period = 0
	// Offline and not dry-run, so reading status delivers nothing.
	e.cfg.Dispatch.DryRun = false

	a, err := e.open(tracker.WithOffline())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := a.Status(ctx)
	closeErr := e.close(a)
	if err != nil {
		return e.out.Fail(ExitFailure, CodeDelivery, "failed to read status", err)
	}
	if closeErr != nil {
		return closeErr
	}

	return e.out.Success(formatStatus(st), st)
}

func formatStatus(st tracker.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "client id:       %s\n", st.ClientID)
	fmt.Fprintf(&b, "opted out:       %t\n", st.OptOut)
	fmt.Fprintf(&b, "queued hits:     %d\n", st.Queued)
	fmt.Fprintf(&b, "buffered hits:   %d\n", st.Buffered)
	fmt.Fprintf(&b, "connection:      %s\n", st.State)
	fmt.Fprintf(&b, "dispatch period: %s", st.Period)
	return b.String()
}
