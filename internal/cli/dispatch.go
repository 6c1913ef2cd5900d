package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/tracker"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	DryRun bool
}

// DispatchResult is the JSON payload of the dispatch command.
type DispatchResult struct {
	Before int  `json:"queued_before"`
	After  int  `json:"queued_after"`
	DryRun bool `json:"dry_run"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver queued hits now",
		Long: `Deliver one batch of queued hits to the collector and report how many
remain. With --dry-run the batch is logged and deleted instead of sent.

Example:
  beacon dispatch
  beacon dispatch --dry-run --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatchHits(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log hits instead of sending them")

	return cmd
}

func dispatchHits(opts *DispatchOptions, cmd *cobra.Command) error {
	e, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	// The command dispatches explicitly; no timer needed.
	e.cfg.Dispatch.Period = 0
	if opts.DryRun {
		e.cfg.Dispatch.DryRun = true
	}

	// Start offline so the startup dispatch of leftovers cannot run
	// before the queue is counted.
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
	a.UpdateConnectivity(true)
	a.Dispatch()
	after, err := a.Status(ctx)
	if err != nil {
		_ = e.close(a)
		return e.out.Fail(ExitFailure, CodeDelivery, "failed to read queue", err)
	}
	if err := e.close(a); err != nil {
		return err
	}

	return e.out.Success(
		fmt.Sprintf("dispatched %d hits, %d still queued", before.Queued-after.Queued, after.Queued),
		DispatchResult{Before: before.Queued, After: after.Queued, DryRun: e.cfg.Dispatch.DryRun},
	)
}
