package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// Repository loads and saves one aggregate type against an event store.
// The constructor function produces an empty aggregate ready to replay;
// snapshot state is unmarshalled straight into it, so the concrete type's
// exported fields define the snapshot shape.
type Repository[T Aggregate] struct {
	store        *eventstore.EventStore
	newAggregate func(id string) T
	logger       *slog.Logger
}

// NewRepository returns a repository over store for aggregates built by
// newAggregate.
func NewRepository[T Aggregate](store *eventstore.EventStore, newAggregate func(id string) T, logger *slog.Logger) *Repository[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository[T]{store: store, newAggregate: newAggregate, logger: logger}
}

// GetByID rebuilds the aggregate from its latest snapshot plus newer
// events. A stream with no events and no snapshot returns the zero value
// and found=false, not an error.
func (r *Repository[T]) GetByID(ctx context.Context, id string) (T, bool, error) {
	return r.load(ctx, id, true)
}

// GetByIDFromEvents rebuilds the aggregate by replaying the full event
// stream, ignoring snapshots. Use it to audit a stream or when a
// snapshot is suspected stale.
func (r *Repository[T]) GetByIDFromEvents(ctx context.Context, id string) (T, bool, error) {
	return r.load(ctx, id, false)
}

func (r *Repository[T]) load(ctx context.Context, id string, useSnapshot bool) (T, bool, error) {
	var zero T
	agg := r.newAggregate(id)

	var snapshot *eventstore.Snapshot
	if useSnapshot {
		var err error
		snapshot, err = r.store.GetSnapshot(ctx, id, eventstore.AnyVersion)
		if err != nil {
			return zero, false, fmt.Errorf("get snapshot: %w", err)
		}
	}

	fromSeq := int64(0)
	if snapshot != nil {
		if err := json.Unmarshal(snapshot.State, agg); err != nil {
			return zero, false, fmt.Errorf("restore snapshot: %w", err)
		}
		agg.restoreVersion(snapshot.SequenceNumber)
		fromSeq = snapshot.SequenceNumber
	}

	events, err := r.store.GetEvents(ctx, id, fromSeq, 0)
	if err != nil {
		return zero, false, fmt.Errorf("get events: %w", err)
	}
	if snapshot == nil && len(events) == 0 {
		return zero, false, nil
	}

	if err := agg.LoadFromHistory(events); err != nil {
		return zero, false, fmt.Errorf("replay %s: %w", id, err)
	}
	return agg, true, nil
}

// Save appends the aggregate's uncommitted events with the optimistic
// concurrency check derived from the version the aggregate was loaded
// at. On success the pending queue is cleared and a snapshot is taken
// when the store's interval policy says so.
func (r *Repository[T]) Save(ctx context.Context, agg T) error {
	pending := agg.UncommittedEvents()
	if len(pending) == 0 {
		return nil
	}

	expected := agg.CurrentVersion() - int64(len(pending))
	version, err := r.store.Append(ctx, agg.AggregateID(), pending, expected)
	if err != nil {
		return err
	}
	agg.ClearUncommitted()
	agg.restoreVersion(version)

	if _, err := r.store.CreateSnapshotIfNeeded(ctx, agg.AggregateID(), agg, agg.AggregateType()); err != nil {
		// Snapshots are an optimization; the events are durable already.
		r.logger.Warn("snapshot creation failed",
			"aggregate_id", agg.AggregateID(), "error", err)
	}
	return nil
}

// Exists reports whether the aggregate's stream exists.
func (r *Repository[T]) Exists(ctx context.Context, id string) (bool, error) {
	return r.store.StreamExists(ctx, id)
}

// Delete removes the aggregate's stream and snapshots.
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAggregate(ctx, id)
}
