package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is the in-memory reference implementation of Backend. It
// is the default for tests and embedded use. The version-check-and-append
// sequence is serialized under a single mutex, so concurrent writers to
// the same aggregate are safe here, at the cost of serializing appends to
// different aggregates as well.
type MemoryBackend struct {
	mu        sync.RWMutex
	events    map[string][]Event // aggregateID -> ordered events
	streams   map[string]*streamRecord
	snapshots map[string][]*Snapshot // aggregateID -> snapshots, ascending seq
	log       []Event                // global append order
	connected bool
}

type streamRecord struct {
	aggregateType string
	version       int64
	createdAt     time.Time
	updatedAt     time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:    make(map[string][]Event),
		streams:   make(map[string]*streamRecord),
		snapshots: make(map[string][]*Snapshot),
	}
}

func (m *MemoryBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

func (m *MemoryBackend) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *MemoryBackend) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryBackend) AppendEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	rec := m.streams[aggregateID]
	var current int64
	if rec != nil {
		current = rec.version
	}

	if expectedVersion != AnyVersion && current != expectedVersion {
		return 0, &VersionConflictError{
			AggregateID: aggregateID,
			Expected:    expectedVersion,
			Actual:      current,
		}
	}

	if len(events) == 0 {
		return current, nil
	}

	now := time.Now().UTC()
	if rec == nil {
		rec = &streamRecord{
			aggregateType: events[0].AggregateType,
			createdAt:     now,
		}
		m.streams[aggregateID] = rec
	}

	next := current
	for i := range events {
		next++
		events[i].AggregateID = aggregateID
		events[i].SequenceNumber = next
		m.events[aggregateID] = append(m.events[aggregateID], events[i])
		m.log = append(m.log, events[i])
	}
	rec.version = next
	rec.updatedAt = now

	return next, nil
}

func (m *MemoryBackend) GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.events[aggregateID] {
		if e.SequenceNumber <= fromSeq {
			continue
		}
		if toSeq > 0 && e.SequenceNumber > toSeq {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryBackend) GetAllEvents(ctx context.Context, opts AllEventsOptions) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := m.log
	if len(opts.EventTypes) > 0 {
		want := make(map[string]bool, len(opts.EventTypes))
		for _, t := range opts.EventTypes {
			want[t] = true
		}
		filtered = nil
		for _, e := range m.log {
			if want[e.EventType] {
				filtered = append(filtered, e)
			}
		}
	}

	from := int(opts.FromPosition)
	if from >= len(filtered) {
		return nil, nil
	}
	end := len(filtered)
	if opts.MaxCount > 0 && from+opts.MaxCount < end {
		end = from + opts.MaxCount
	}
	out := make([]Event, end-from)
	copy(out, filtered[from:end])
	return out, nil
}

func (m *MemoryBackend) GetEventsByType(ctx context.Context, eventType string, opts TypeQueryOptions) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.log {
		if e.EventType != eventType {
			continue
		}
		ts := e.Metadata.Timestamp
		if opts.From != nil && ts.Before(*opts.From) {
			continue
		}
		if opts.To != nil && ts.After(*opts.To) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.log {
		if e.Metadata.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ListStreams(ctx context.Context, opts ListStreamsOptions) ([]StreamInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []StreamInfo
	skipped := 0
	for _, id := range ids {
		rec := m.streams[id]
		if opts.Prefix != "" && !strings.HasPrefix(id, opts.Prefix) {
			continue
		}
		if opts.AggregateType != "" && rec.aggregateType != opts.AggregateType {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		created, updated := rec.createdAt, rec.updatedAt
		out = append(out, StreamInfo{
			StreamID:      id,
			AggregateType: rec.aggregateType,
			Version:       rec.version,
			EventCount:    int64(len(m.events[id])),
			CreatedAt:     &created,
			UpdatedAt:     &updated,
		})
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.streams[aggregateID]
	return ok, nil
}

func (m *MemoryBackend) GetStreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.streams[aggregateID]; ok {
		return rec.version, nil
	}
	return 0, nil
}

func (m *MemoryBackend) DeleteStream(ctx context.Context, aggregateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, aggregateID)
	delete(m.streams, aggregateID)
	delete(m.snapshots, aggregateID)
	m.dropFromLog(aggregateID, 0)
	return nil
}

func (m *MemoryBackend) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := m.snapshots[snapshot.AggregateID]
	for i, s := range snaps {
		if s.SequenceNumber == snapshot.SequenceNumber {
			snaps[i] = snapshot
			return nil
		}
	}
	snaps = append(snaps, snapshot)
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].SequenceNumber < snaps[j].SequenceNumber
	})
	m.snapshots[snapshot.AggregateID] = snaps
	return nil
}

func (m *MemoryBackend) GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[aggregateID]
	for i := len(snaps) - 1; i >= 0; i-- {
		if maxVersion == AnyVersion || snaps[i].SequenceNumber <= maxVersion {
			return snaps[i], nil
		}
	}
	return nil, nil
}

func (m *MemoryBackend) DeleteSnapshots(ctx context.Context, aggregateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, aggregateID)
	return nil
}

func (m *MemoryBackend) GetStatistics(ctx context.Context) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Statistics{
		TotalStreams:   int64(len(m.streams)),
		EventTypes:     make(map[string]int64),
		AggregateTypes: make(map[string]int64),
	}
	for _, e := range m.log {
		stats.TotalEvents++
		stats.EventTypes[e.EventType]++
	}
	for _, rec := range m.streams {
		if rec.aggregateType != "" {
			stats.AggregateTypes[rec.aggregateType]++
		}
	}
	for _, snaps := range m.snapshots {
		stats.TotalSnapshots += int64(len(snaps))
	}
	return stats, nil
}

func (m *MemoryBackend) TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []Event
	var deleted int64
	for _, e := range m.events[aggregateID] {
		if e.SequenceNumber >= fromSeq {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.events[aggregateID] = kept
	m.dropFromLog(aggregateID, fromSeq)

	newVersion := fromSeq - 1
	if newVersion <= 0 {
		delete(m.streams, aggregateID)
		delete(m.events, aggregateID)
	} else if rec, ok := m.streams[aggregateID]; ok {
		rec.version = newVersion
		rec.updatedAt = time.Now().UTC()
	}
	return deleted, nil
}

// dropFromLog removes an aggregate's events at or above fromSeq from the
// global log. Caller holds the write lock.
func (m *MemoryBackend) dropFromLog(aggregateID string, fromSeq int64) {
	kept := m.log[:0]
	for _, e := range m.log {
		if e.AggregateID == aggregateID && e.SequenceNumber >= fromSeq {
			continue
		}
		kept = append(kept, e)
	}
	m.log = kept
}
