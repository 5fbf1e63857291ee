// Package main is the entry point for the chamicore-bmc command line tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"git.cscs.ch/openchami/chamicore-bmc/internal/config"
	"git.cscs.ch/openchami/chamicore-bmc/internal/events"
	"git.cscs.ch/openchami/chamicore-bmc/internal/metrics"
	"git.cscs.ch/openchami/chamicore-bmc/internal/telemetry"
	"git.cscs.ch/openchami/chamicore-bmc/pkg/mejo"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// app carries the per-invocation state shared by subcommands.
type app struct {
	cfg       config.Config
	client    *mejo.Client
	logger    zerolog.Logger
	collector *metrics.Collector
	publisher *events.Publisher
	shutdown  telemetry.ShutdownFunc
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{logger: zerolog.Nop()}
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "chamicore-bmc",
		Short:         "Drive jobs and power on a managed endpoint",
		Long:          "Submit settings, actions, and firmware updates to a BMC and wait for the resulting jobs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.open(cmd.Context())
		},
	}

	root.AddCommand(
		powerCmd(a),
		settingsCmd(a),
		actionCmd(a),
		updateCmd(a),
		jobsCmd(a),
		controllerCmd(a),
		downloadCmd(a),
		sessionCmd(a),
		versionCmd(),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.cfg = cfg

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "bmc").Str("version", version).Logger()
	}
	a.logger = log.Logger
	logger := a.logger.With().Str("component", "main").Logger()
	logger.Debug().Str("version", version).Str("commit", commit).Str("host", cfg.Host).Msg("starting chamicore-bmc")

	provider, shutdown, err := telemetry.Setup(ctx, telemetry.Config{Enabled: cfg.TracesEnabled, ServiceName: "chamicore-bmc"})
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	opts := []mejo.Option{mejo.WithLogger(a.logger), mejo.WithTracerProvider(provider)}
	if cfg.PushgatewayURL != "" {
		a.collector = metrics.NewCollector()
		opts = append(opts, mejo.WithJobObserver(a.collector))
	}
	if cfg.NATSURL != "" {
		publisher, err := events.NewPublisher(events.Config{
			URL:    cfg.NATSURL,
			Source: cfg.Host,
			Stream: events.StreamConfig{Name: cfg.NATSStream},
		}, a.logger)
		if err != nil {
			return err
		}
		a.publisher = publisher
		opts = append(opts, mejo.WithJobObserver(publisher))
	}
	opts = append(opts, mejo.WithResetObserver(resetObservers{collector: a.collector, publisher: a.publisher}))

	client, err := mejo.New(cfg.Client(), opts...)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

// close flushes metrics, events, and spans. It runs after every command,
// including failed ones.
func (a *app) close(ctx context.Context) {
	logger := a.logger.With().Str("component", "main").Logger()
	if a.collector != nil {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := a.collector.Push(pushCtx, a.cfg.PushgatewayURL, "chamicore-bmc", a.cfg.Host); err != nil {
			logger.Warn().Err(err).Msg("failed to push metrics")
		}
		cancel()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close event publisher")
		}
	}
	if a.shutdown != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shut down OpenTelemetry")
		}
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chamicore-bmc version %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
