package backend

import (
	"context"
	"log/slog"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// DualBackend writes to two backends and reads from the secondary with
// fallback to the primary. It is the cutover aid for a live migration:
// point writes at both stores, move reads to the new store, then drop
// the old one.
//
// The primary is authoritative. A write that succeeds on the primary but
// fails on the secondary is logged and reported as success; the migrator's
// Validate pass catches the divergence later.
type DualBackend struct {
	primary   eventstore.Backend
	secondary eventstore.Backend
	logger    *slog.Logger
}

// NewDualBackend wraps the two backends. Reads prefer secondary.
func NewDualBackend(primary, secondary eventstore.Backend, logger *slog.Logger) *DualBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &DualBackend{primary: primary, secondary: secondary, logger: logger}
}

func (d *DualBackend) Connect(ctx context.Context) error {
	if err := d.primary.Connect(ctx); err != nil {
		return err
	}
	return d.secondary.Connect(ctx)
}

func (d *DualBackend) Disconnect(ctx context.Context) error {
	err := d.primary.Disconnect(ctx)
	if serr := d.secondary.Disconnect(ctx); err == nil {
		err = serr
	}
	return err
}

func (d *DualBackend) HealthCheck(ctx context.Context) error {
	if err := d.primary.HealthCheck(ctx); err != nil {
		return err
	}
	return d.secondary.HealthCheck(ctx)
}

func (d *DualBackend) AppendEvents(ctx context.Context, aggregateID string, events []eventstore.Event, expectedVersion int64) (int64, error) {
	version, err := d.primary.AppendEvents(ctx, aggregateID, events, expectedVersion)
	if err != nil {
		return 0, err
	}
	if _, serr := d.secondary.AppendEvents(ctx, aggregateID, events, expectedVersion); serr != nil {
		d.logger.Warn("secondary append failed",
			"aggregate_id", aggregateID, "error", serr)
	}
	return version, nil
}

// read runs fn against the secondary and falls back to the primary when
// the secondary errors.
func dualRead[T any](d *DualBackend, fn func(eventstore.Backend) (T, error)) (T, error) {
	out, err := fn(d.secondary)
	if err == nil {
		return out, nil
	}
	d.logger.Warn("secondary read failed, falling back to primary", "error", err)
	return fn(d.primary)
}

func (d *DualBackend) GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]eventstore.Event, error) {
	return dualRead(d, func(b eventstore.Backend) ([]eventstore.Event, error) {
		return b.GetEvents(ctx, aggregateID, fromSeq, toSeq)
	})
}

func (d *DualBackend) GetAllEvents(ctx context.Context, opts eventstore.AllEventsOptions) ([]eventstore.Event, error) {
	return dualRead(d, func(b eventstore.Backend) ([]eventstore.Event, error) {
		return b.GetAllEvents(ctx, opts)
	})
}

func (d *DualBackend) GetEventsByType(ctx context.Context, eventType string, opts eventstore.TypeQueryOptions) ([]eventstore.Event, error) {
	return dualRead(d, func(b eventstore.Backend) ([]eventstore.Event, error) {
		return b.GetEventsByType(ctx, eventType, opts)
	})
}

func (d *DualBackend) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]eventstore.Event, error) {
	return dualRead(d, func(b eventstore.Backend) ([]eventstore.Event, error) {
		return b.GetEventsByCorrelationID(ctx, correlationID)
	})
}

func (d *DualBackend) ListStreams(ctx context.Context, opts eventstore.ListStreamsOptions) ([]eventstore.StreamInfo, error) {
	return dualRead(d, func(b eventstore.Backend) ([]eventstore.StreamInfo, error) {
		return b.ListStreams(ctx, opts)
	})
}

func (d *DualBackend) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	return dualRead(d, func(b eventstore.Backend) (bool, error) {
		return b.StreamExists(ctx, aggregateID)
	})
}

func (d *DualBackend) GetStreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	// Version checks must see the authoritative store.
	return d.primary.GetStreamVersion(ctx, aggregateID)
}

func (d *DualBackend) DeleteStream(ctx context.Context, aggregateID string) error {
	if err := d.primary.DeleteStream(ctx, aggregateID); err != nil {
		return err
	}
	if err := d.secondary.DeleteStream(ctx, aggregateID); err != nil {
		d.logger.Warn("secondary delete failed",
			"aggregate_id", aggregateID, "error", err)
	}
	return nil
}

func (d *DualBackend) SaveSnapshot(ctx context.Context, snapshot *eventstore.Snapshot) error {
	if err := d.primary.SaveSnapshot(ctx, snapshot); err != nil {
		return err
	}
	if err := d.secondary.SaveSnapshot(ctx, snapshot); err != nil {
		d.logger.Warn("secondary snapshot write failed",
			"aggregate_id", snapshot.AggregateID, "error", err)
	}
	return nil
}

func (d *DualBackend) GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*eventstore.Snapshot, error) {
	return dualRead(d, func(b eventstore.Backend) (*eventstore.Snapshot, error) {
		return b.GetSnapshot(ctx, aggregateID, maxVersion)
	})
}

func (d *DualBackend) DeleteSnapshots(ctx context.Context, aggregateID string) error {
	if err := d.primary.DeleteSnapshots(ctx, aggregateID); err != nil {
		return err
	}
	if err := d.secondary.DeleteSnapshots(ctx, aggregateID); err != nil {
		d.logger.Warn("secondary snapshot delete failed",
			"aggregate_id", aggregateID, "error", err)
	}
	return nil
}

func (d *DualBackend) GetStatistics(ctx context.Context) (*eventstore.Statistics, error) {
	return d.primary.GetStatistics(ctx)
}

func (d *DualBackend) TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error) {
	deleted, err := d.primary.TruncateStream(ctx, aggregateID, fromSeq)
	if err != nil {
		return 0, err
	}
	if _, serr := d.secondary.TruncateStream(ctx, aggregateID, fromSeq); serr != nil {
		d.logger.Warn("secondary truncate failed",
			"aggregate_id", aggregateID, "error", serr)
	}
	return deleted, nil
}
