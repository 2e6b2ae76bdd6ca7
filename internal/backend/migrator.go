package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/example/cqrs-engine/internal/metrics"
)

// MigrationStatus is the lifecycle state of a migration run.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationRunning    MigrationStatus = "running"
	MigrationPaused     MigrationStatus = "paused"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// MigrationConfig controls batching and failure handling.
type MigrationConfig struct {
	// BatchSize is the number of events copied per append to the target.
	BatchSize int `yaml:"batch_size"`
	// StreamPageSize is the number of streams listed per page from the source.
	StreamPageSize int `yaml:"stream_page_size"`
	// StreamPrefix restricts the migration to matching aggregate IDs.
	StreamPrefix string `yaml:"stream_prefix"`
	// DryRun walks the source and reports what would be copied without
	// writing to the target.
	DryRun bool `yaml:"dry_run"`
	// StopOnError aborts at the first stream failure. When false, failed
	// streams are recorded and the run continues, up to MaxErrors.
	StopOnError bool `yaml:"stop_on_error"`
	// MaxErrors aborts the run once this many stream failures accumulate.
	// Zero means unlimited.
	MaxErrors int `yaml:"max_errors"`
	// MigrateSnapshots copies the latest snapshot of each stream.
	MigrateSnapshots bool `yaml:"migrate_snapshots"`
	// ValidationSampleSize is how many streams Validate picks for
	// event-by-event ID comparison. Zero means every stream.
	ValidationSampleSize int `yaml:"validation_sample_size"`
}

// DefaultMigrationConfig returns conservative batching defaults.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		BatchSize:        100,
		StreamPageSize:   50,
		MigrateSnapshots: true,
	}
}

// MigrationError records a failure on a single stream without stopping
// the whole run.
type MigrationError struct {
	StreamID string    `json:"stream_id"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// MigrationProgress is a point-in-time report of a migration run.
// Totals come from the source's statistics, taken once when the run
// starts; with a stream prefix configured they cover the whole source,
// so the percentages are an upper bound on the remaining work.
type MigrationProgress struct {
	Status             MigrationStatus  `json:"status"`
	TotalStreams       int64            `json:"total_streams"`
	TotalEvents        int64            `json:"total_events"`
	MigratedStreams    int64            `json:"migrated_streams"`
	MigratedEvents     int64            `json:"migrated_events"`
	MigratedSnapshots  int64            `json:"migrated_snapshots"`
	SkippedStreams     int64            `json:"skipped_streams"`
	Errors             []MigrationError `json:"errors,omitempty"`
	StartedAt          *time.Time       `json:"started_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
}

// StreamsPercent reports migrated streams as a percentage of the total,
// 0 when the total is unknown.
func (p MigrationProgress) StreamsPercent() float64 {
	if p.TotalStreams == 0 {
		return 0
	}
	return float64(p.MigratedStreams+p.SkippedStreams) / float64(p.TotalStreams) * 100
}

// EventsPercent reports migrated events as a percentage of the total.
func (p MigrationProgress) EventsPercent() float64 {
	if p.TotalEvents == 0 {
		return 0
	}
	return float64(p.MigratedEvents) / float64(p.TotalEvents) * 100
}

// ValidationResult compares source and target after a migration.
type ValidationResult struct {
	Valid          bool     `json:"valid"`
	SourceStreams  int64    `json:"source_streams"`
	TargetStreams  int64    `json:"target_streams"`
	SourceEvents   int64    `json:"source_events"`
	TargetEvents   int64    `json:"target_events"`
	SampledStreams int64    `json:"sampled_streams"`
	Mismatches     []string `json:"mismatches,omitempty"`
}

// ProgressFunc is invoked after every copied batch. A snapshot of the
// progress is passed, so the callback may retain it.
type ProgressFunc func(MigrationProgress)

// Migrator copies every stream from a source backend to a target
// backend. Streams are copied whole, in pages, with events appended in
// batches. A stream already present on the target is skipped, which
// makes a rerun after a partial failure resume where it left off.
//
// The source must be quiescent for the copy to be exact; the migrator
// never locks the source.
type Migrator struct {
	source eventstore.Backend
	target eventstore.Backend
	cfg    MigrationConfig
	logger *slog.Logger

	onProgress ProgressFunc

	mu       sync.Mutex
	progress MigrationProgress
	paused   bool
	migrated []string
}

// NewMigrator returns a migrator between the two connected backends.
func NewMigrator(source, target eventstore.Backend, cfg MigrationConfig, logger *slog.Logger) *Migrator {
	def := DefaultMigrationConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = def.StreamPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		source: source,
		target: target,
		cfg:    cfg,
		logger: logger,
		progress: MigrationProgress{
			Status: MigrationPending,
		},
	}
}

// OnProgress registers a callback invoked after each copied batch.
// Must be called before Migrate.
func (m *Migrator) OnProgress(fn ProgressFunc) {
	m.onProgress = fn
}

// Progress returns a copy of the current progress.
func (m *Migrator) Progress() MigrationProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Migrator) snapshotLocked() MigrationProgress {
	p := m.progress
	p.Errors = append([]MigrationError(nil), m.progress.Errors...)
	return p
}

// Pause requests a stop at the next stream boundary. In-flight batches
// of the current stream finish first, so no stream is ever half paused.
func (m *Migrator) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.progress.Status == MigrationRunning {
		m.paused = true
	}
}

// Resume clears a pause request. The paused Migrate call returns when it
// observes the pause; call Migrate again to continue.
func (m *Migrator) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	if m.progress.Status == MigrationPaused {
		m.progress.Status = MigrationPending
	}
}

func (m *Migrator) recordError(streamID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Errors = append(m.progress.Errors, MigrationError{
		StreamID: streamID,
		Message:  err.Error(),
		Time:     time.Now(),
	})
	metrics.MigrationErrors.Inc()
}

func (m *Migrator) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.progress.Errors)
}

// Migrate runs the copy. It returns the final progress; a run that ends
// with recorded errors but completed all streams still reports
// MigrationCompleted with the errors attached.
func (m *Migrator) Migrate(ctx context.Context) (MigrationProgress, error) {
	m.mu.Lock()
	if m.progress.Status == MigrationRunning {
		m.mu.Unlock()
		return m.Progress(), fmt.Errorf("migration already running")
	}
	now := time.Now()
	if m.progress.StartedAt == nil {
		m.progress.StartedAt = &now
	}
	m.progress.Status = MigrationRunning
	m.progress.CompletedAt = nil
	m.mu.Unlock()

	stats, err := m.source.GetStatistics(ctx)
	if err != nil {
		m.mu.Lock()
		m.progress.Status = MigrationFailed
		m.mu.Unlock()
		return m.Progress(), fmt.Errorf("source statistics: %w", err)
	}
	m.mu.Lock()
	m.progress.TotalStreams = stats.TotalStreams
	m.progress.TotalEvents = stats.TotalEvents
	m.mu.Unlock()

	m.logger.Info("migration started",
		"total_streams", stats.TotalStreams,
		"total_events", stats.TotalEvents,
		"batch_size", m.cfg.BatchSize, "dry_run", m.cfg.DryRun)

	err = m.run(ctx)

	m.mu.Lock()
	switch {
	case err == nil && m.paused:
		m.progress.Status = MigrationPaused
	case err == nil:
		done := time.Now()
		m.progress.CompletedAt = &done
		m.progress.Status = MigrationCompleted
	default:
		m.progress.Status = MigrationFailed
	}
	final := m.snapshotLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("migration failed", "error", err)
		return final, err
	}
	m.logger.Info("migration finished",
		"status", string(final.Status),
		"streams", final.MigratedStreams,
		"events", final.MigratedEvents,
		"errors", len(final.Errors))
	return final, nil
}

func (m *Migrator) run(ctx context.Context) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := m.source.ListStreams(ctx, eventstore.ListStreamsOptions{
			Prefix: m.cfg.StreamPrefix,
			Limit:  m.cfg.StreamPageSize,
			Offset: offset,
		})
		if err != nil {
			return fmt.Errorf("list source streams: %w", err)
		}
		if len(streams) == 0 {
			return nil
		}
		offset += len(streams)

		for _, stream := range streams {
			if err := ctx.Err(); err != nil {
				return err
			}
			m.mu.Lock()
			paused := m.paused
			m.mu.Unlock()
			if paused {
				return nil
			}

			if err := m.migrateStream(ctx, stream); err != nil {
				m.recordError(stream.StreamID, err)
				if m.cfg.StopOnError {
					return fmt.Errorf("stream %s: %w", stream.StreamID, err)
				}
				if m.cfg.MaxErrors > 0 && m.errorCount() >= m.cfg.MaxErrors {
					return fmt.Errorf("aborted after %d stream errors", m.errorCount())
				}
			}
		}
	}
}

func (m *Migrator) migrateStream(ctx context.Context, stream eventstore.StreamInfo) error {
	exists, err := m.target.StreamExists(ctx, stream.StreamID)
	if err != nil {
		return fmt.Errorf("check target stream: %w", err)
	}
	if exists {
		m.mu.Lock()
		m.progress.SkippedStreams++
		m.mu.Unlock()
		m.logger.Debug("stream already on target, skipping", "stream", stream.StreamID)
		return nil
	}

	var copied int64
	fromSeq := int64(0)
	first := true
	for {
		events, err := m.source.GetEvents(ctx, stream.StreamID, fromSeq, fromSeq+int64(m.cfg.BatchSize))
		if err != nil {
			return fmt.Errorf("read source events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		if !m.cfg.DryRun {
			// The first batch asserts the stream is absent on the target;
			// later batches extend whatever the earlier batches wrote.
			expected := eventstore.AnyVersion
			if first {
				expected = 0
			}
			if _, err := m.target.AppendEvents(ctx, stream.StreamID, events, expected); err != nil {
				return fmt.Errorf("append to target: %w", err)
			}
		}
		first = false
		copied += int64(len(events))
		fromSeq = events[len(events)-1].SequenceNumber

		m.mu.Lock()
		m.progress.MigratedEvents += int64(len(events))
		snap := m.snapshotLocked()
		m.mu.Unlock()
		metrics.MigrationEvents.Add(float64(len(events)))
		if m.onProgress != nil {
			m.onProgress(snap)
		}
	}

	if m.cfg.MigrateSnapshots && !m.cfg.DryRun {
		snap, err := m.source.GetSnapshot(ctx, stream.StreamID, eventstore.AnyVersion)
		if err != nil {
			return fmt.Errorf("read source snapshot: %w", err)
		}
		if snap != nil {
			if err := m.target.SaveSnapshot(ctx, snap); err != nil {
				return fmt.Errorf("write target snapshot: %w", err)
			}
			m.mu.Lock()
			m.progress.MigratedSnapshots++
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	m.progress.MigratedStreams++
	if !m.cfg.DryRun {
		m.migrated = append(m.migrated, stream.StreamID)
	}
	m.mu.Unlock()

	m.logger.Debug("stream migrated", "stream", stream.StreamID, "events", copied)
	return nil
}

// Validate compares stream and event counts between source and target,
// and for a sample of streams compares event IDs one by one.
func (m *Migrator) Validate(ctx context.Context) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	srcStats, err := m.source.GetStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("source statistics: %w", err)
	}
	tgtStats, err := m.target.GetStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("target statistics: %w", err)
	}
	result.SourceStreams = srcStats.TotalStreams
	result.TargetStreams = tgtStats.TotalStreams
	result.SourceEvents = srcStats.TotalEvents
	result.TargetEvents = tgtStats.TotalEvents

	if m.cfg.StreamPrefix == "" {
		if srcStats.TotalStreams != tgtStats.TotalStreams {
			result.Valid = false
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("stream count: source=%d target=%d", srcStats.TotalStreams, tgtStats.TotalStreams))
		}
		if srcStats.TotalEvents != tgtStats.TotalEvents {
			result.Valid = false
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("event count: source=%d target=%d", srcStats.TotalEvents, tgtStats.TotalEvents))
		}
	}

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		streams, err := m.source.ListStreams(ctx, eventstore.ListStreamsOptions{
			Prefix: m.cfg.StreamPrefix,
			Limit:  m.cfg.StreamPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("list source streams: %w", err)
		}
		if len(streams) == 0 {
			break
		}
		offset += len(streams)

		for _, stream := range streams {
			if m.cfg.ValidationSampleSize > 0 && result.SampledStreams >= int64(m.cfg.ValidationSampleSize) {
				return result, nil
			}
			result.SampledStreams++
			if err := m.validateStream(ctx, stream.StreamID, result); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func (m *Migrator) validateStream(ctx context.Context, streamID string, result *ValidationResult) error {
	srcEvents, err := m.source.GetEvents(ctx, streamID, 0, 0)
	if err != nil {
		return fmt.Errorf("read source stream %s: %w", streamID, err)
	}
	tgtEvents, err := m.target.GetEvents(ctx, streamID, 0, 0)
	if err != nil {
		return fmt.Errorf("read target stream %s: %w", streamID, err)
	}

	if len(srcEvents) != len(tgtEvents) {
		result.Valid = false
		result.Mismatches = append(result.Mismatches,
			fmt.Sprintf("stream %s: source has %d events, target has %d", streamID, len(srcEvents), len(tgtEvents)))
		return nil
	}
	for i := range srcEvents {
		if srcEvents[i].ID != tgtEvents[i].ID || srcEvents[i].SequenceNumber != tgtEvents[i].SequenceNumber {
			result.Valid = false
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("stream %s seq %d: event mismatch", streamID, srcEvents[i].SequenceNumber))
		}
	}
	return nil
}

// Rollback deletes from the target every stream this migrator copied.
// Streams skipped because they already existed on the target are left
// alone.
func (m *Migrator) Rollback(ctx context.Context) error {
	m.mu.Lock()
	migrated := append([]string(nil), m.migrated...)
	m.mu.Unlock()

	for _, streamID := range migrated {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.target.DeleteStream(ctx, streamID); err != nil {
			return fmt.Errorf("rollback stream %s: %w", streamID, err)
		}
		m.logger.Debug("stream rolled back", "stream", streamID)
	}

	m.mu.Lock()
	m.migrated = nil
	m.progress.Status = MigrationRolledBack
	m.mu.Unlock()
	m.logger.Info("migration rolled back", "streams", len(migrated))
	return nil
}
