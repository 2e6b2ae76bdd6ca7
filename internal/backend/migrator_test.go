package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cqrs-engine/internal/eventstore"
)

func mustEvent(t *testing.T, eventType, aggregateID string, data any) eventstore.Event {
	t.Helper()
	e, err := eventstore.NewEvent(eventType, aggregateID, "Order", data)
	require.NoError(t, err)
	return e
}

func seedStreams(t *testing.T, b eventstore.Backend, streams, eventsPerStream int) {
	t.Helper()
	ctx := context.Background()
	for s := 0; s < streams; s++ {
		aggregateID := fmt.Sprintf("order-%03d", s)
		events := make([]eventstore.Event, eventsPerStream)
		for i := range events {
			events[i] = mustEvent(t, "OrderUpdated", aggregateID, map[string]any{"step": i})
		}
		_, err := b.AppendEvents(ctx, aggregateID, events, 0)
		require.NoError(t, err)
	}
}

func TestMigratorCopiesAllStreams(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 5, 7)

	m := NewMigrator(source, target, MigrationConfig{BatchSize: 3}, nil)
	progress, err := m.Migrate(ctx)
	require.NoError(t, err)

	assert.Equal(t, MigrationCompleted, progress.Status)
	assert.Equal(t, int64(5), progress.MigratedStreams)
	assert.Equal(t, int64(35), progress.MigratedEvents)
	assert.Empty(t, progress.Errors)

	for s := 0; s < 5; s++ {
		aggregateID := fmt.Sprintf("order-%03d", s)
		version, err := target.GetStreamVersion(ctx, aggregateID)
		require.NoError(t, err)
		assert.Equal(t, int64(7), version)

		events, err := target.GetEvents(ctx, aggregateID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 7)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.SequenceNumber)
		}
	}
}

func TestMigratorPreservesEventIdentity(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 1, 4)

	m := NewMigrator(source, target, MigrationConfig{BatchSize: 10}, nil)
	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	src, err := source.GetEvents(ctx, "order-000", 0, 0)
	require.NoError(t, err)
	tgt, err := target.GetEvents(ctx, "order-000", 0, 0)
	require.NoError(t, err)
	require.Len(t, tgt, len(src))
	for i := range src {
		assert.Equal(t, src[i].ID, tgt[i].ID)
		assert.Equal(t, src[i].EventType, tgt[i].EventType)
		assert.JSONEq(t, string(src[i].Data), string(tgt[i].Data))
	}
}

func TestMigratorCopiesSnapshots(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 1, 5)

	snap, err := eventstore.NewSnapshot("order-000", "Order", 5, json.RawMessage(`{"total":42}`))
	require.NoError(t, err)
	require.NoError(t, source.SaveSnapshot(ctx, snap))

	m := NewMigrator(source, target, MigrationConfig{MigrateSnapshots: true}, nil)
	_, err = m.Migrate(ctx)
	require.NoError(t, err)

	got, err := target.GetSnapshot(ctx, "order-000", eventstore.AnyVersion)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(5), got.SequenceNumber)
	assert.JSONEq(t, `{"total":42}`, string(got.State))
}

func TestMigratorSkipsExistingTargetStreams(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 3, 2)

	// Pre-populate one stream on the target with different content.
	_, err := target.AppendEvents(ctx, "order-001",
		[]eventstore.Event{mustEvent(t, "Existing", "order-001", nil)}, 0)
	require.NoError(t, err)

	m := NewMigrator(source, target, MigrationConfig{}, nil)
	progress, err := m.Migrate(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), progress.MigratedStreams)
	assert.Equal(t, int64(1), progress.SkippedStreams)

	version, err := target.GetStreamVersion(ctx, "order-001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestMigratorDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 2, 3)

	m := NewMigrator(source, target, MigrationConfig{DryRun: true}, nil)
	progress, err := m.Migrate(ctx)
	require.NoError(t, err)

	assert.Equal(t, MigrationCompleted, progress.Status)
	assert.Equal(t, int64(2), progress.MigratedStreams)
	assert.Equal(t, int64(6), progress.MigratedEvents)

	stats, err := target.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
	assert.Zero(t, stats.TotalStreams)
}

func TestMigratorProgressCallback(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 1, 10)

	m := NewMigrator(source, target, MigrationConfig{BatchSize: 4}, nil)
	var calls []int64
	m.OnProgress(func(p MigrationProgress) {
		calls = append(calls, p.MigratedEvents)
	})

	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	// 10 events in batches of 4: callbacks at 4, 8, 10.
	assert.Equal(t, []int64{4, 8, 10}, calls)
}

func TestMigratorValidate(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 3, 4)

	m := NewMigrator(source, target, MigrationConfig{}, nil)
	_, err := m.Migrate(ctx)
	require.NoError(t, err)

	result, err := m.Validate(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(12), result.SourceEvents)
	assert.Equal(t, int64(12), result.TargetEvents)
	assert.Empty(t, result.Mismatches)

	// Diverge the target and validate again.
	_, err = target.AppendEvents(ctx, "rogue-stream",
		[]eventstore.Event{mustEvent(t, "Rogue", "rogue-stream", nil)}, 0)
	require.NoError(t, err)

	result, err = m.Validate(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Mismatches)
}

func TestMigratorRollback(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 2, 3)

	// A stream the migration did not create must survive the rollback.
	_, err := target.AppendEvents(ctx, "keep-me",
		[]eventstore.Event{mustEvent(t, "Kept", "keep-me", nil)}, 0)
	require.NoError(t, err)

	m := NewMigrator(source, target, MigrationConfig{}, nil)
	_, err = m.Migrate(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Rollback(ctx))
	assert.Equal(t, MigrationRolledBack, m.Progress().Status)

	stats, err := target.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalStreams)

	exists, err := target.StreamExists(ctx, "keep-me")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigratorStopOnError(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	seedStreams(t, source, 2, 2)

	// Disconnected target fails every write.
	target := eventstore.NewMemoryBackend()

	m := NewMigrator(source, target, MigrationConfig{StopOnError: true}, nil)
	progress, err := m.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, MigrationFailed, progress.Status)
	assert.NotEmpty(t, progress.Errors)
}

func TestMigratorProgressTotalsAndPercentages(t *testing.T) {
	ctx := context.Background()
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(ctx))
	require.NoError(t, target.Connect(ctx))
	seedStreams(t, source, 4, 5)

	snap, err := eventstore.NewSnapshot("order-000", "Order", 5, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, source.SaveSnapshot(ctx, snap))

	m := NewMigrator(source, target, MigrationConfig{BatchSize: 5, MigrateSnapshots: true}, nil)

	var sawTotals bool
	m.OnProgress(func(p MigrationProgress) {
		sawTotals = sawTotals || (p.TotalStreams == 4 && p.TotalEvents == 20)
	})

	progress, err := m.Migrate(ctx)
	require.NoError(t, err)

	// Totals come from the source statistics taken at the start of the
	// run, so every callback already carries them.
	assert.True(t, sawTotals)
	assert.Equal(t, int64(4), progress.TotalStreams)
	assert.Equal(t, int64(20), progress.TotalEvents)
	assert.Equal(t, int64(1), progress.MigratedSnapshots)
	assert.InDelta(t, 100.0, progress.StreamsPercent(), 0.01)
	assert.InDelta(t, 100.0, progress.EventsPercent(), 0.01)

	half := MigrationProgress{TotalStreams: 4, TotalEvents: 20, MigratedStreams: 1, SkippedStreams: 1, MigratedEvents: 5}
	assert.InDelta(t, 50.0, half.StreamsPercent(), 0.01)
	assert.InDelta(t, 25.0, half.EventsPercent(), 0.01)
	assert.Zero(t, MigrationProgress{}.EventsPercent())
}

func TestMigratorContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := eventstore.NewMemoryBackend()
	target := eventstore.NewMemoryBackend()
	require.NoError(t, source.Connect(context.Background()))
	require.NoError(t, target.Connect(context.Background()))
	seedStreams(t, source, 3, 2)

	cancel()
	m := NewMigrator(source, target, MigrationConfig{}, nil)
	_, err := m.Migrate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
