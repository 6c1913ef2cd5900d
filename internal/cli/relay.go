package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/dispatch"
	"github.com/roach88/beacon/internal/metrics"
	"github.com/roach88/beacon/internal/relay"
	"github.com/roach88/beacon/internal/store"
	"github.com/roach88/beacon/internal/version"
)

// relayDatabase is the relay's queue file, kept apart from the
// producers' own fallback queue.
const relayDatabase = "relay.db"

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Socket   string
	Database string
	Metrics  string
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the shared delivery daemon",
		Long: `Run the relay daemon. Producers with relay.enabled connect to its unix
socket and hand hits over instead of keeping their own queue; the relay
stores them and delivers them on its dispatch schedule.

The daemon runs until SIGINT or SIGTERM.

Example:
  beacon relay
  beacon relay --socket /run/beacon.sock --metrics :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Socket, "socket", "", "unix socket path (default relay.socket)")
	cmd.Flags().StringVar(&opts.Database, "database", "", "queue database (default <data_dir>/"+relayDatabase+")")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "Prometheus listen address (default metrics.listen)")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	e, err := opts.setup(cmd)
	if err != nil {
		return err
	}
	cfg := e.cfg

	socket := cfg.Relay.Socket
	if opts.Socket != "" {
		socket = opts.Socket
	}
	database := filepath.Join(cfg.DataDir, relayDatabase)
	if opts.Database != "" {
		database = opts.Database
	}
	listen := cfg.Metrics.Listen
	if opts.Metrics != "" {
		listen = opts.Metrics
	}

	if err := os.MkdirAll(filepath.Dir(socket), 0o700); err != nil {
		return e.out.Fail(ExitCommandError, CodeStartup, "failed to create socket dir", err)
	}

	var m *metrics.Metrics
	if listen != "" {
		m = metrics.New(nil)
		if err := m.Register(); err != nil {
			return e.out.Fail(ExitCommandError, CodeStartup, "failed to register metrics", err)
		}
	}

	srv := relay.NewServer(socket,
		relay.WithServerLogger(e.logger),
		relay.WithServerMetrics(m),
		relay.WithDispatchPeriod(cfg.Dispatch.Period),
	)

	var d store.Dispatcher
	if cfg.Dispatch.DryRun {
		d = dispatch.NewNoop(nil, e.logger, m)
	} else {
		d = dispatch.NewNetwork(
			dispatch.WithHTTPClient(&http.Client{Timeout: cfg.Dispatch.Timeout}),
			dispatch.WithUserAgent(dispatch.DefaultUserAgent(version.Product, version.Version).String()),
			dispatch.WithFallbackURL(cfg.Dispatch.SecureURL),
			dispatch.WithNetworkLogger(e.logger),
			dispatch.WithNetworkMetrics(m),
		)
	}

	queue, err := store.Open(database,
		store.WithLogger(e.logger),
		store.WithMetrics(m),
		store.WithCapacity(cfg.Queue.Capacity),
		store.WithListener(srv),
		store.WithRedispatch(srv.Dispatch),
		store.WithDispatcher(d),
	)
	if err != nil {
		return e.out.Fail(ExitCommandError, CodeStartup, "failed to open relay queue", err)
	}
	defer queue.Close()

	ctx, cancel := signalContext(cmd, e.logger)
	defer cancel()

	var metricsSrv *http.Server
	if listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("metrics server failed", "error", err)
			}
		}()
		e.logger.Info("metrics listening", "addr", listen)
	}

	serveErr := srv.Serve(ctx, queue)

	if metricsSrv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = metricsSrv.Shutdown(shutdownCtx)
		stop()
	}
	if serveErr != nil {
		return e.out.Fail(ExitFailure, CodeStartup, "relay stopped", serveErr)
	}

	return e.out.Success(fmt.Sprintf("relay on %s stopped", socket), map[string]string{
		"socket":   socket,
		"database": database,
	})
}
