package dispatch

import (
	"context"
	"log/slog"

	"github.com/roach88/beacon/internal/clock"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/wire"
)

// Noop is the dry-run transport. It never touches the network and reports
// every hit it is given (up to MaxHitsPerDispatch) as handled, which
// deletes them from the queue.
type Noop struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNoop creates a dry-run transport. Nil arguments take defaults.
func NewNoop(c clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Noop {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{clock: c, logger: logger, metrics: m}
}

// OkToDispatch always succeeds.
func (d *Noop) OkToDispatch() bool { return true }

// Dispatch logs each hit the way Network would have sent it.
func (d *Noop) Dispatch(ctx context.Context, hits []wire.Hit) int {
	limit := min(len(hits), MaxHitsPerDispatch)
	if limit == 0 {
		return 0
	}
	d.logger.Info("hits not actually being sent, dispatch is disabled", "count", limit)

	now := clock.Millis(d.clock)
	for _, hit := range hits[:limit] {
		if !d.logger.Enabled(ctx, slog.LevelDebug) {
			break
		}
		params := hit.Wire(now)
		var msg string
		switch {
		case params == "":
			msg = "hit couldn't be read, wouldn't be sent"
		case len(params) <= MaxGetLength:
			msg = "GET would be sent"
		case len(params) > MaxPostLength:
			msg = "would be too big"
		default:
			msg = "POST would be sent"
		}
		d.logger.Debug(msg, "hit_id", hit.ID, "path", hit.Path, "params", params)
	}

	d.metrics.HitsDispatched(TransportNoop, limit)
	return limit
}
