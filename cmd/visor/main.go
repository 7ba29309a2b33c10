// Command visor is the CLI entry point for the check-orchestration
// engine: it loads a check config, runs it once against a chosen event
// trigger, prints a human or NDJSON trace of the run, and exits 0 on
// success, 1 when any critical issue is present, 2 on a config error,
// and 3 on an internal fault. With -schedule it instead runs the
// long-lived Schedule Daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/visor-run/visor/internal/config"
	"github.com/visor-run/visor/internal/domain"
	"github.com/visor-run/visor/internal/runner"
	"github.com/visor-run/visor/internal/schedule"
	"github.com/visor-run/visor/internal/telemetry"
)

const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", "checks.yaml", "Path to the check config YAML file")
		event        = flag.String("event", "manual", "Event trigger to run (manual, pr_opened, pr_updated, pr_closed, issue_opened, issue_comment, scheduled)")
		tags         = flag.String("tags", "", "Comma-separated list of tags to restrict the run to")
		maxParallel  = flag.Int("max-parallel", 4, "Maximum concurrent checks per wave")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		ndjsonPath   = flag.String("telemetry", "", "Append NDJSON run-event trace to this file")
		schedulerOn  = flag.Bool("schedule", false, "Run the schedule daemon instead of a one-shot run")
		scheduleDSN  = flag.String("schedule-db", "visor-schedules.db", "Schedule store DSN (sqlite file path, or postgres:// DSN)")
		nodeID       = flag.String("node-id", "", "Node identity for schedule-lock ownership (defaults to hostname)")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Str("config", *configPath).Msg("failed to load config")
		return exitConfig
	}

	ctrl := runner.New(logger)

	if *schedulerOn {
		return runScheduler(ctrl, cfg, logger, *scheduleDSN, *nodeID)
	}
	return runOnce(ctrl, cfg, logger, *event, *tags, *maxParallel, *ndjsonPath)
}

func runOnce(ctrl *runner.Controller, cfg *domain.Config, logger zerolog.Logger, event, tagsCSV string, maxParallel int, ndjsonPath string) int {
	ctx, cancel := signalContext()
	defer cancel()

	var sink runner.EventSink
	if ndjsonPath != "" {
		fs, err := telemetry.NewFileSink(ndjsonPath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to open telemetry file")
			return exitInternal
		}
		defer fs.Close()
		sink = fs.Sink()
	}

	summary, err := ctrl.Run(ctx, runner.Options{
		Config:      cfg,
		Event:       domain.EventTrigger(event),
		Tags:        splitCSV(tagsCSV),
		MaxParallel: maxParallel,
		EventSink:   sink,
	})
	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		return exitInternal
	}

	logger.Info().
		Int("checks", len(summary.Checks)).
		Int("issues", len(summary.Issues)).
		Int64("duration_ms", summary.Stats.DurationMs).
		Int("success", summary.Stats.SuccessCount).
		Int("failure", summary.Stats.FailureCount).
		Msg("run complete")

	for _, iss := range summary.Issues {
		logger.Info().
			Str("rule", iss.RuleID).
			Str("severity", string(iss.Severity)).
			Str("file", iss.File).
			Int("line", iss.Line).
			Msg(iss.Message)
	}

	if summary.HasCriticalIssue() {
		return exitFailure
	}
	return exitSuccess
}

func runScheduler(ctrl *runner.Controller, cfg *domain.Config, logger zerolog.Logger, dsn, nodeID string) int {
	ctx, cancel := signalContext()
	defer cancel()

	backend, err := openScheduleBackend(dsn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open schedule store")
		return exitConfig
	}
	if err := backend.Initialize(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to initialize schedule store schema")
		return exitInternal
	}
	defer backend.Shutdown(context.Background())

	for _, def := range cfg.Schedules {
		if _, err := backend.Create(ctx, def); err != nil {
			logger.Warn().Err(err).Str("schedule", def.ID).Msg("failed to register schedule from config")
		}
	}

	if nodeID == "" {
		if h, err := os.Hostname(); err == nil {
			nodeID = h
		} else {
			nodeID = "visor-node"
		}
	}

	daemon := schedule.New(backend, func(ctx context.Context, workflowRef string, inputs map[string]any) error {
		_, err := ctrl.Run(ctx, runner.Options{
			ConfigPath: workflowRef,
			Event:      domain.EventScheduled,
			Inputs:     inputs,
		})
		return err
	}, logger, schedule.Options{NodeID: nodeID})

	logger.Info().Str("node_id", nodeID).Msg("schedule daemon starting")
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("schedule daemon exited")
		return exitInternal
	}
	return exitSuccess
}

func openScheduleBackend(dsn string) (schedule.Backend, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return schedule.NewPostgresBackend(dsn), nil
	}
	return schedule.NewSQLiteBackend(dsn)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
