package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/tracker"
)

// ClearOptions holds flags for the clear command.
type ClearOptions struct {
	*RootOptions
	OptOut bool
	OptIn  bool
}

// ClearResult is the JSON payload of the clear command.
type ClearResult struct {
	Cleared int  `json:"cleared"`
	OptOut  bool `json:"opt_out"`
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClearOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every undelivered hit",
		Long: `Drop every hit not yet delivered. With --opt-out the app is also opted
out, so later hits are discarded until --opt-in.

Example:
  beacon clear
  beacon clear --opt-out`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearHits(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.OptOut, "opt-out", false, "also opt the app out of telemetry")
	cmd.Flags().BoolVar(&opts.OptIn, "opt-in", false, "opt the app back in after clearing")
	cmd.MarkFlagsMutuallyExclusive("opt-out", "opt-in")

	return cmd
}

func clearHits(opts *ClearOptions, cmd *cobra.Command) error {
	e, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	e.cfg.Dispatch.Period = 0

	a, err := e.open(tracker.WithOffline())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	before, err := a.Status(ctx)
	if err != nil {
		_ = e.close(a)
		return e.out.Fail(ExitFailure, CodeDelivery, "failed to read queue", err)
	}

	switch {
	case opts.OptOut:
		a.SetAppOptOut(true)
	case opts.OptIn:
		a.ClearHits()
		a.SetAppOptOut(false)
	default:
		a.ClearHits()
	}

	after, err := a.Status(ctx)
	if err != nil {
		_ = e.close(a)
		return e.out.Fail(ExitFailure, CodeDelivery, "failed to read queue", err)
	}
	if err := e.close(a); err != nil {
		return err
	}

	cleared := before.Queued + before.Buffered - after.Queued - after.Buffered
	text := fmt.Sprintf("cleared %d hits", cleared)
	if after.OptOut {
		text += " (opted out)"
	}
	return e.out.Success(text, ClearResult{Cleared: cleared, OptOut: after.OptOut})
}
