package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/signalreplay/internal/api"
	"github.com/gyaneshwarpardhi/signalreplay/internal/broker"
	"github.com/gyaneshwarpardhi/signalreplay/internal/config"
	"github.com/gyaneshwarpardhi/signalreplay/internal/engine"
	"github.com/gyaneshwarpardhi/signalreplay/internal/sequence"
	"github.com/gyaneshwarpardhi/signalreplay/internal/telemetry"
	"github.com/gyaneshwarpardhi/signalreplay/internal/tracker"
)

// flagValues mirrors the command-line flags. Only flags the user set
// override the configuration file and environment.
type flagValues struct {
	configPath  string
	file        string
	address     string
	port        int
	infinite    bool
	onChange    bool
	delayOnSkip bool
	watch       bool
	logLevel    string
	logFormat   string
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	statusAddr  string
	monitor     bool
	waitHealthy bool
}

func newRootCommand(stderr io.Writer) *cobra.Command {
	def := config.Default()
	fv := &flagValues{}

	cmd := &cobra.Command{
		Use:   "signalreplay",
		Short: "Replay a CSV script of vehicle signal updates into a data broker",
		Long: `signalreplay reads a CSV sequence of (field, signal, value, delay) rows and
pushes each update to a vehicle signal broker, waiting the given number of
seconds after each row. Transient broker failures are retried with backoff.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(fv.configPath)
			if err != nil {
				return wrapExit(ExitUsage, "load config", err)
			}
			fv.apply(cmd.Flags(), &cfg)
			if err := config.Validate(&cfg); err != nil {
				return wrapExit(ExitUsage, "invalid config", err)
			}
			return run(cmd.Context(), cfg, config.NewLogger(stderr, cfg.Log))
		},
	}

	f := cmd.Flags()
	f.StringVar(&fv.configPath, "config", "", "optional config file (.yaml, .yml or .toml)")
	f.StringVarP(&fv.file, "file", "f", def.Sequence.File, "CSV sequence file")
	f.StringVar(&fv.address, "address", def.Broker.Address, "broker address")
	f.IntVar(&fv.port, "port", def.Broker.Port, "broker port")
	f.BoolVar(&fv.infinite, "infinite", false, "restart the sequence after the last row, until interrupted")
	f.BoolVar(&fv.onChange, "on-change", false, "skip updates whose value equals the last applied one")
	f.BoolVar(&fv.delayOnSkip, "delay-on-skip", false, "still wait the row delay when an update is skipped")
	f.BoolVar(&fv.watch, "watch", false, "reload the sequence file when it changes (used from the next loop)")
	f.StringVar(&fv.logLevel, "log-level", def.Log.Level, "log level (debug|info|warn|error)")
	f.StringVar(&fv.logFormat, "log-format", def.Log.Format, "log format (text|json)")
	f.IntVar(&fv.maxAttempts, "max-attempts", def.Retry.MaxAttempts, "broker call attempts per event, first try included")
	f.DurationVar(&fv.baseDelay, "base-delay", def.Retry.BaseDelay(), "first retry backoff")
	f.Float64Var(&fv.multiplier, "multiplier", def.Retry.Multiplier, "backoff multiplier")
	f.StringVar(&fv.statusAddr, "status-addr", "", "listen address of the HTTP status server (empty disables it)")
	f.BoolVar(&fv.monitor, "monitor", false, "subscribe to broker changes of the replayed signals")
	f.BoolVar(&fv.waitHealthy, "wait-healthy", false, "wait for the broker health check before replaying")

	return cmd
}

func (fv *flagValues) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := fs.Changed
	if set("file") {
		cfg.Sequence.File = fv.file
	}
	if set("watch") {
		cfg.Sequence.Watch = fv.watch
	}
	if set("address") {
		cfg.Broker.Address = fv.address
	}
	if set("port") {
		cfg.Broker.Port = fv.port
	}
	if set("wait-healthy") {
		cfg.Broker.WaitHealthy = fv.waitHealthy
	}
	if set("infinite") {
		cfg.Replay.Infinite = fv.infinite
	}
	if set("on-change") {
		cfg.Replay.OnChange = fv.onChange
	}
	if set("delay-on-skip") {
		cfg.Replay.DelayOnSkip = fv.delayOnSkip
	}
	if set("max-attempts") {
		cfg.Retry.MaxAttempts = fv.maxAttempts
	}
	if set("base-delay") {
		cfg.Retry.BaseDelayMs = int(fv.baseDelay / time.Millisecond)
		if cfg.Retry.MaxDelayMs < cfg.Retry.BaseDelayMs {
			cfg.Retry.MaxDelayMs = cfg.Retry.BaseDelayMs
		}
	}
	if set("multiplier") {
		cfg.Retry.Multiplier = fv.multiplier
	}
	if set("status-addr") {
		cfg.Status.Addr = fv.statusAddr
	}
	if set("monitor") {
		cfg.Monitor.Enabled = fv.monitor
	}
	if set("log-level") {
		cfg.Log.Level = fv.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = fv.logFormat
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// ── Load sequence ────────────────────────────────────────────────────────
	loader, err := sequence.NewLoader(cfg.Sequence.File, logger)
	if err != nil {
		return wrapExit(ExitUsage, "load sequence", err)
	}
	logger.Info("sequence loaded", "path", loader.Path(), "events", len(loader.Sequence()))

	if cfg.Sequence.Watch {
		stopWatch, err := loader.Watch()
		if err != nil {
			logger.Warn("sequence watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── Status listener ──────────────────────────────────────────────────────
	var lis net.Listener
	if cfg.Status.Addr != "" {
		lis, err = net.Listen("tcp", cfg.Status.Addr)
		if err != nil {
			return wrapExit(ExitUsage, "status server", err)
		}
		defer lis.Close()
	}

	// ── Tracing ──────────────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	// ── Broker ───────────────────────────────────────────────────────────────
	client, err := broker.Dial(ctx, broker.Options{
		Address:       cfg.Broker.Address,
		Port:          cfg.Broker.Port,
		CallTimeout:   cfg.Broker.CallTimeout(),
		WaitHealthy:   cfg.Broker.WaitHealthy,
		HealthTimeout: cfg.Broker.HealthTimeout(),
		ResolveTypes:  cfg.Broker.ResolveTypes,
		Logger:        logger,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return failure(err)
	}
	defer client.Close()

	// ── Driver ───────────────────────────────────────────────────────────────
	driver := engine.New(client, loader, tracker.New(cfg.Replay.OnChange), engine.Options{
		Infinite:    cfg.Replay.Infinite,
		DelayOnSkip: cfg.Replay.DelayOnSkip,
		Retry:       engine.RetryPolicyFromConfig(cfg.Retry),
	}, engine.WithLogger(logger))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return driver.Run(gctx)
	})

	if cfg.Monitor.Enabled {
		mon := engine.NewMonitor(client, loader.Sequence(), logger)
		g.Go(func() error {
			if err := mon.Run(gctx); err != nil {
				logger.Warn("broker monitor stopped", "err", err)
			}
			logger.Info("broker monitor finished", "observed", mon.Observed())
			return nil
		})
	}

	// ── HTTP status server ───────────────────────────────────────────────────
	if lis != nil {
		srv := &http.Server{
			Handler:      api.New(driver, loader, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server starting", "addr", lis.Addr().String())
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", "err", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				logger.Warn("status server shutdown", "err", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return failure(err)
	}
	return nil
}

// failure reports a broker-side failure with its kind.
func failure(err error) error {
	if k := broker.KindOf(err); k != 0 {
		return wrapExit(ExitFailure, fmt.Sprintf("replay failed (%s)", k), err)
	}
	return wrapExit(ExitFailure, "replay failed", err)
}
