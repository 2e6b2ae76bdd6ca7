package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/cqrs-engine/internal/config"
	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/example/cqrs-engine/internal/kafka"
	"github.com/example/cqrs-engine/internal/metrics"
	"github.com/example/cqrs-engine/internal/readmodel"
)

// The projector tails the Kafka event feed and maintains read-model
// statistics, for deployments where projections run out of process
// instead of subscribing to the store directly.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if len(cfg.Kafka.Brokers) == 0 {
		logger.Error("kafka brokers are required for the projector")
		os.Exit(1)
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

	rm := readmodel.NewStore()
	consumer := kafka.NewConsumer(cfg.Kafka, logger)
	defer consumer.Close()

	logger.Info("projector started",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.GroupID)

	err = consumer.Consume(ctx, func(ctx context.Context, event eventstore.Event) error {
		apply(rm, event)
		metrics.ProjectionEvents.WithLabelValues("kafka-statistics", "processed").Inc()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("projector stopped")
}

func apply(rm *readmodel.Store, event eventstore.Event) {
	now := time.Now().UTC()
	rm.Upsert(readmodel.EventTypeStats, event.EventType, func(current any, found bool) any {
		count := int64(0)
		if found {
			count = current.(readmodel.TypeCount).Count
		}
		return readmodel.TypeCount{Type: event.EventType, Count: count + 1, UpdatedAt: now}
	})
	if event.AggregateType != "" {
		rm.Upsert(readmodel.AggregateTypeStats, event.AggregateType, func(current any, found bool) any {
			count := int64(0)
			if found {
				count = current.(readmodel.TypeCount).Count
			}
			return readmodel.TypeCount{Type: event.AggregateType, Count: count + 1, UpdatedAt: now}
		})
	}
}
