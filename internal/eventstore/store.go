package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/metrics"
	"github.com/google/uuid"
)

// DefaultSnapshotInterval is the number of events since the last snapshot
// after which CreateSnapshotIfNeeded writes a new one.
const DefaultSnapshotInterval = 100

// Subscriber receives every successfully appended event. A subscriber
// error is logged and counted, never propagated to the writer.
type Subscriber func(Event) error

// SubscriptionID identifies a registered subscriber for Unsubscribe.
type SubscriptionID string

// Options configures an EventStore.
type Options struct {
	// Backend hosts persistence; nil selects the in-memory backend.
	Backend Backend

	// SnapshotInterval overrides DefaultSnapshotInterval when > 0.
	SnapshotInterval int64

	Logger *slog.Logger
}

// EventStore is the write-path core: it owns the append-only per-aggregate
// sequence, optimistic concurrency checks, snapshot storage, and subscriber
// notification. Persistence is delegated to a Backend; notification stays
// local so embedded and backed stores behave identically.
type EventStore struct {
	backend          Backend
	snapshotInterval int64
	logger           *slog.Logger

	mu       sync.RWMutex
	syncSubs map[SubscriptionID]Subscriber
	asyncSub map[SubscriptionID]*asyncSubscription
}

// asyncSubscription is an ordered delivery queue with one worker, so an
// asynchronous subscriber still sees events in append order.
type asyncSubscription struct {
	ch   chan Event
	stop chan struct{}
}

// New returns an event store over the in-memory backend.
func New() *EventStore {
	return NewWithOptions(Options{})
}

// NewWithOptions returns an event store configured by opts.
func NewWithOptions(opts Options) *EventStore {
	b := opts.Backend
	if b == nil {
		mem := NewMemoryBackend()
		mem.Connect(context.Background())
		b = mem
	}
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStore{
		backend:          b,
		snapshotInterval: interval,
		logger:           logger,
		syncSubs:         make(map[SubscriptionID]Subscriber),
		asyncSub:         make(map[SubscriptionID]*asyncSubscription),
	}
}

// Backend returns the store's backend, for migration tooling.
func (s *EventStore) Backend() Backend { return s.backend }

// Append atomically appends events to an aggregate's stream and returns
// the new version. Sequence numbers are assigned here and never mutated
// afterward. expectedVersion other than AnyVersion enforces the optimistic
// concurrency check. The call does not complete until every synchronous
// subscriber has been notified.
func (s *EventStore) Append(ctx context.Context, aggregateID string, events []Event, expectedVersion int64) (int64, error) {
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Metadata.Timestamp.IsZero() {
			events[i].Metadata = NewEventMetadata()
		}
	}

	newVersion, err := s.backend.AppendEvents(ctx, aggregateID, events, expectedVersion)
	if err != nil {
		if IsVersionConflict(err) {
			metrics.VersionConflicts.Inc()
		}
		return 0, err
	}

	for _, e := range events {
		if e.AggregateType != "" {
			metrics.EventsAppended.WithLabelValues(e.AggregateType).Inc()
		} else {
			metrics.EventsAppended.WithLabelValues("unknown").Inc()
		}
		s.notify(e)
	}

	s.logger.Debug("appended events",
		"aggregate_id", aggregateID, "count", len(events), "version", newVersion)
	return newVersion, nil
}

func (s *EventStore) notify(e Event) {
	s.mu.RLock()
	syncSubs := make([]Subscriber, 0, len(s.syncSubs))
	for _, cb := range s.syncSubs {
		syncSubs = append(syncSubs, cb)
	}
	asyncSubs := make([]*asyncSubscription, 0, len(s.asyncSub))
	for _, sub := range s.asyncSub {
		asyncSubs = append(asyncSubs, sub)
	}
	s.mu.RUnlock()

	start := time.Now()
	for _, cb := range syncSubs {
		s.invoke(cb, e)
	}
	metrics.SubscriberNotifyDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)

	for _, sub := range asyncSubs {
		select {
		case sub.ch <- e:
		case <-sub.stop:
		}
	}
}

func (s *EventStore) invoke(cb Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SubscriberErrors.Inc()
			s.logger.Warn("event subscriber panic", "event_type", e.EventType, "panic", r)
		}
	}()
	if err := cb(e); err != nil {
		metrics.SubscriberErrors.Inc()
		s.logger.Warn("event subscriber error", "event_type", e.EventType, "err", err)
	}
}

// Subscribe registers a synchronous subscriber invoked inline on every
// append. Long-running callbacks add latency directly to writers.
func (s *EventStore) Subscribe(cb Subscriber) SubscriptionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := SubscriptionID(uuid.New().String())
	s.syncSubs[id] = cb
	return id
}

// SubscribeAsync registers a subscriber fed from a dedicated ordered
// queue off the write path. The queue holds 256 events; a writer blocks
// once it fills, so a stalled subscriber eventually backpressures
// appends rather than losing events.
func (s *EventStore) SubscribeAsync(cb Subscriber) SubscriptionID {
	sub := &asyncSubscription{
		ch:   make(chan Event, 256),
		stop: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case e := <-sub.ch:
				s.invoke(cb, e)
			case <-sub.stop:
				return
			}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := SubscriptionID(uuid.New().String())
	s.asyncSub[id] = sub
	return id
}

// Unsubscribe removes a subscriber. For asynchronous subscriptions the
// queue worker exits; events still queued are discarded.
func (s *EventStore) Unsubscribe(id SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncSubs, id)
	if sub, ok := s.asyncSub[id]; ok {
		close(sub.stop)
		delete(s.asyncSub, id)
	}
}

// GetEvents returns events with sequence_number > fromSeq (and <= toSeq
// when toSeq > 0), ascending.
func (s *EventStore) GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error) {
	return s.backend.GetEvents(ctx, aggregateID, fromSeq, toSeq)
}

// GetAllEvents scans the global ordered stream for projection catch-up.
func (s *EventStore) GetAllEvents(ctx context.Context, opts AllEventsOptions) ([]Event, error) {
	return s.backend.GetAllEvents(ctx, opts)
}

func (s *EventStore) GetEventsByType(ctx context.Context, eventType string, opts TypeQueryOptions) ([]Event, error) {
	return s.backend.GetEventsByType(ctx, eventType, opts)
}

func (s *EventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error) {
	return s.backend.GetEventsByCorrelationID(ctx, correlationID)
}

func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return s.backend.SaveSnapshot(ctx, snapshot)
}

// GetSnapshot returns the latest snapshot at or below maxVersion, or nil.
func (s *EventStore) GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*Snapshot, error) {
	return s.backend.GetSnapshot(ctx, aggregateID, maxVersion)
}

// GetEventsAfterSnapshot returns the events not yet summarized by the
// latest snapshot, or the full stream when no snapshot exists.
func (s *EventStore) GetEventsAfterSnapshot(ctx context.Context, aggregateID string) ([]Event, error) {
	snap, err := s.backend.GetSnapshot(ctx, aggregateID, AnyVersion)
	if err != nil {
		return nil, err
	}
	var from int64
	if snap != nil {
		from = snap.SequenceNumber
	}
	return s.backend.GetEvents(ctx, aggregateID, from, 0)
}

// CreateSnapshotIfNeeded writes a snapshot of state only when the number
// of events since the last snapshot has reached the configured interval.
// Returns the snapshot, or nil when none was due.
func (s *EventStore) CreateSnapshotIfNeeded(ctx context.Context, aggregateID string, state any, aggregateType string) (*Snapshot, error) {
	version, err := s.backend.GetStreamVersion(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}

	var lastSnapSeq int64
	if snap, err := s.backend.GetSnapshot(ctx, aggregateID, AnyVersion); err != nil {
		return nil, err
	} else if snap != nil {
		lastSnapSeq = snap.SequenceNumber
	}

	if version-lastSnapSeq < s.snapshotInterval {
		return nil, nil
	}

	snapshot, err := NewSnapshot(aggregateID, aggregateType, version, state)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	metrics.SnapshotsCreated.Inc()
	s.logger.Debug("snapshot created", "aggregate_id", aggregateID, "sequence", version)
	return snapshot, nil
}

// DeleteAggregate removes an aggregate's stream and snapshots.
func (s *EventStore) DeleteAggregate(ctx context.Context, aggregateID string) error {
	return s.backend.DeleteStream(ctx, aggregateID)
}

// TruncateStream deletes events from fromSeq onward and rewinds the
// stream's recorded version.
func (s *EventStore) TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error) {
	return s.backend.TruncateStream(ctx, aggregateID, fromSeq)
}

func (s *EventStore) ListStreams(ctx context.Context, opts ListStreamsOptions) ([]StreamInfo, error) {
	return s.backend.ListStreams(ctx, opts)
}

func (s *EventStore) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	return s.backend.StreamExists(ctx, aggregateID)
}

func (s *EventStore) GetStreamVersion(ctx context.Context, aggregateID string) (int64, error) {
	return s.backend.GetStreamVersion(ctx, aggregateID)
}

func (s *EventStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	return s.backend.GetStatistics(ctx)
}
