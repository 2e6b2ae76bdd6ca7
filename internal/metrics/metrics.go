package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_events_appended_total",
		Help: "Total number of events appended, labelled by aggregate type.",
	}, []string{"aggregate_type"})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_version_conflicts_total",
		Help: "Total number of appends rejected by the optimistic concurrency check.",
	})

	SnapshotsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_snapshots_created_total",
		Help: "Total number of snapshots written by the interval policy.",
	})

	SubscriberNotifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cqrs_subscriber_notify_duration_ms",
		Help:    "Time spent notifying synchronous subscribers per append, in milliseconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250},
	})

	SubscriberErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_subscriber_errors_total",
		Help: "Total number of subscriber callback failures (logged, never propagated).",
	})

	CommandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_commands_executed_total",
		Help: "Total number of commands executed, labelled by type and outcome.",
	}, []string{"command_type", "outcome"})

	CommandRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_command_retries_total",
		Help: "Total number of command re-dispatches performed by the retry middleware.",
	})

	QueriesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_queries_executed_total",
		Help: "Total number of queries executed, labelled by type and outcome.",
	}, []string{"query_type", "outcome"})

	QueryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_query_cache_hits_total",
		Help: "Total number of query results served from cache, labelled by type.",
	}, []string{"query_type"})

	QueryCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_query_cache_misses_total",
		Help: "Total number of query cache lookups that missed, labelled by type.",
	}, []string{"query_type"})

	ProjectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cqrs_projection_events_total",
		Help: "Total number of events processed, labelled by projection and status.",
	}, []string{"projection", "status"})

	ProjectionLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cqrs_projection_position",
		Help: "Last processed global position per projection.",
	}, []string{"projection"})

	MigrationEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_migration_events_total",
		Help: "Total number of events copied by the backend migrator.",
	})

	MigrationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cqrs_migration_errors_total",
		Help: "Total number of per-stream migration failures.",
	})
)
