package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/tracker"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	TrackingID string
	Fields     []string
	Dispatch   bool
	NoThrottle bool
}

// SendResult is the JSON payload of the send command.
type SendResult struct {
	HitType    string            `json:"hit_type"`
	TrackingID string            `json:"tracking_id"`
	Fields     map[string]string `json:"fields"`
	Dispatched bool              `json:"dispatched"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <hit-type>",
		Short: "Queue one hit",
		Long: `Queue one hit of the given type (appview, event, timing, social, exception, ...).

Fields use their semantic names; a name starting with & is sent as a raw
wire parameter. The hit is stored durably and delivered on the next
dispatch, or immediately with --dispatch.

Example:
  beacon send event --tid UA-123-1 --field eventCategory=video --field eventAction=play
  beacon send appview --tid UA-123-1 --field description=Home --dispatch`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendHit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TrackingID, "tid", "", "tracking id (required)")
	cmd.Flags().StringArrayVarP(&opts.Fields, "field", "f", nil, "hit field as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Dispatch, "dispatch", false, "dispatch queued hits after sending")
	cmd.Flags().BoolVar(&opts.NoThrottle, "no-throttle", false, "disable the per-tracker rate limit")
	_ = cmd.MarkFlagRequired("tid")

	return cmd
}

func parseFields(raw []string) (map[string]string, error) {
	fields := make(map[string]string, len(raw))
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("field %q: want name=value", kv)
		}
		fields[name] = value
	}
	return fields, nil
}

func sendHit(opts *SendOptions, hitType string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	fields, err := parseFields(opts.Fields)
	if err != nil {
		return out.Fail(ExitCommandError, CodeArgument, "invalid --field", err)
	}

	e, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	// Start offline so the startup dispatch of leftovers only runs when
	// --dispatch asks for it.
	a, err := e.open(tracker.WithOffline())
	if err != nil {
		return err
	}

	t, err := a.Tracker(opts.TrackingID)
	if err != nil {
		_ = e.close(a)
		return e.out.Fail(ExitCommandError, CodeArgument, "invalid tracking id", err)
	}
	if opts.NoThrottle {
		t.SetRateLimiting(false)
	}
	if err := t.Send(hitType, fields); err != nil {
		_ = e.close(a)
		return e.out.Fail(ExitFailure, CodeDelivery, "failed to send hit", err)
	}
	if opts.Dispatch {
		a.UpdateConnectivity(true)
		a.Dispatch()
	}
	if err := e.close(a); err != nil {
		return err
	}

	return e.out.Success(
		fmt.Sprintf("queued %s hit for %s", hitType, opts.TrackingID),
		SendResult{HitType: hitType, TrackingID: opts.TrackingID, Fields: fields, Dispatched: opts.Dispatch},
	)
}
