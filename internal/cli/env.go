package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/config"
	"github.com/roach88/beacon/internal/tracker"
)

// shutdownTimeout bounds how long a command waits for the pipeline to
// persist in-memory hits on exit.
const shutdownTimeout = 10 * time.Second

// env is what every pipeline command needs: output, logging and config.
type env struct {
	out    *OutputFormatter
	logger *slog.Logger
	cfg    *config.Config
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// setup loads the configuration and builds the logger. Logs go to the
// command's stderr so JSON output on stdout stays parseable.
func (o *RootOptions) setup(cmd *cobra.Command) (*env, error) {
	out := o.formatter(cmd)

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, out.Fail(ExitCommandError, CodeConfig, "failed to load config", err)
	}
	out.VerboseLog("data dir: %s", cfg.DataDir)

	level := parseLevel(cfg.Log.Level)
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return &env{out: out, logger: logger, cfg: cfg}, nil
}

// open starts a pipeline from the loaded configuration.
func (e *env) open(opts ...tracker.Option) (*tracker.Analytics, error) {
	opts = append([]tracker.Option{tracker.WithLogger(e.logger)}, opts...)
	a, err := tracker.New(e.cfg, opts...)
	if err != nil {
		return nil, e.out.Fail(ExitCommandError, CodeStartup, "failed to start pipeline", err)
	}
	return a, nil
}

// close shuts the pipeline down, persisting buffered hits.
func (e *env) close(a *tracker.Analytics) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		return e.out.Fail(ExitFailure, CodeDelivery, "pipeline did not shut down cleanly", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or
// when the command's own context ends (tests cancel it directly).
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
