package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cqrs-engine/internal/backend"
	"github.com/example/cqrs-engine/internal/config"
	"github.com/example/cqrs-engine/internal/eventstore"
)

func main() {
	var (
		configPath   = flag.String("config", "config.yaml", "path to the YAML config file")
		source       = flag.String("source", "", "source backend: memory, postgres, or dynamodb")
		target       = flag.String("target", "", "target backend: memory, postgres, or dynamodb")
		batchSize    = flag.Int("batch", 0, "events per copy batch (overrides config)")
		dryRun       = flag.Bool("dry-run", false, "count without writing to the target")
		validateOnly = flag.Bool("validate-only", false, "compare source and target without copying")
		rollback     = flag.Bool("rollback-on-failure", false, "delete migrated streams from the target when the run fails")
	)
	flag.Parse()

	if err := run(*configPath, *source, *target, *batchSize, *dryRun, *validateOnly, *rollback); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, source, target string, batchSize int, dryRun, validateOnly, rollbackOnFailure bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if source == "" || target == "" {
		return fmt.Errorf("both -source and -target are required")
	}
	if source == target {
		return fmt.Errorf("source and target must differ")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	sourceBackend, err := newBackend(ctx, source, cfg, logger)
	if err != nil {
		return fmt.Errorf("source backend: %w", err)
	}
	defer sourceBackend.Disconnect(context.WithoutCancel(ctx))

	targetBackend, err := newBackend(ctx, target, cfg, logger)
	if err != nil {
		return fmt.Errorf("target backend: %w", err)
	}
	defer targetBackend.Disconnect(context.WithoutCancel(ctx))

	migCfg := cfg.Migration
	if batchSize > 0 {
		migCfg.BatchSize = batchSize
	}
	migCfg.DryRun = dryRun

	migrator := backend.NewMigrator(sourceBackend, targetBackend, migCfg, logger)
	migrator.OnProgress(func(p backend.MigrationProgress) {
		logger.Info("migration progress",
			"streams", fmt.Sprintf("%d/%d (%.1f%%)", p.MigratedStreams, p.TotalStreams, p.StreamsPercent()),
			"events", fmt.Sprintf("%d/%d (%.1f%%)", p.MigratedEvents, p.TotalEvents, p.EventsPercent()),
			"snapshots", p.MigratedSnapshots,
			"skipped", p.SkippedStreams,
			"errors", len(p.Errors))
	})

	if validateOnly {
		result, err := migrator.Validate(ctx)
		if err != nil {
			return err
		}
		logger.Info("validation finished",
			"valid", result.Valid,
			"source_events", result.SourceEvents,
			"target_events", result.TargetEvents,
			"sampled_streams", result.SampledStreams)
		for _, mismatch := range result.Mismatches {
			logger.Warn("validation mismatch", "detail", mismatch)
		}
		if !result.Valid {
			return fmt.Errorf("source and target diverge")
		}
		return nil
	}

	progress, err := migrator.Migrate(ctx)
	if err != nil {
		if rollbackOnFailure {
			logger.Warn("rolling back migrated streams", "count", progress.MigratedStreams)
			if rbErr := migrator.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				logger.Error("rollback failed", "error", rbErr)
			}
		}
		return err
	}

	logger.Info("migration run finished",
		"status", string(progress.Status),
		"streams", progress.MigratedStreams,
		"events", progress.MigratedEvents,
		"snapshots", progress.MigratedSnapshots,
		"skipped", progress.SkippedStreams,
		"errors", len(progress.Errors),
		"dry_run", dryRun)
	return nil
}

// newBackend builds and connects the named backend from the shared
// config sections.
func newBackend(ctx context.Context, kind string, cfg *config.Config, logger *slog.Logger) (eventstore.Backend, error) {
	var b eventstore.Backend
	switch kind {
	case "memory":
		b = eventstore.NewMemoryBackend()
	case "postgres":
		pg, err := backend.NewPostgresBackend(cfg.Postgres.Build(), logger)
		if err != nil {
			return nil, err
		}
		b = pg
	case "dynamodb":
		b = backend.NewDynamoBackend(cfg.DynamoDB, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q (memory, postgres, dynamodb)", kind)
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
