package eventstore

import (
	"context"
	"time"
)

// AnyVersion disables the optimistic concurrency check on append.
const AnyVersion int64 = -1

// ListStreamsOptions filters and pages a stream listing.
type ListStreamsOptions struct {
	Prefix        string
	AggregateType string
	Limit         int
	Offset        int
}

// AllEventsOptions selects a page of the global, position-ordered stream.
type AllEventsOptions struct {
	FromPosition int64
	MaxCount     int
	EventTypes   []string
}

// TypeQueryOptions bounds a by-type lookup.
type TypeQueryOptions struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

// Backend is the capability contract any persistence technology must
// satisfy to host an event store. Implementations must be behaviorally
// indistinguishable to callers: the full operation set returns equivalent
// results regardless of the physical design underneath.
type Backend interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// AppendEvents atomically appends events to one aggregate's stream,
	// assigning contiguous sequence numbers currentVersion+1..+len(events).
	// expectedVersion other than AnyVersion enforces the optimistic
	// concurrency check; conflicts surface as *VersionConflictError.
	AppendEvents(ctx context.Context, aggregateID string, events []Event, expectedVersion int64) (int64, error)

	// GetEvents returns events with sequence_number > fromSeq (and <= toSeq
	// when toSeq > 0), ascending.
	GetEvents(ctx context.Context, aggregateID string, fromSeq, toSeq int64) ([]Event, error)

	// GetAllEvents scans the global ordered stream, for projection catch-up.
	GetAllEvents(ctx context.Context, opts AllEventsOptions) ([]Event, error)

	GetEventsByType(ctx context.Context, eventType string, opts TypeQueryOptions) ([]Event, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]Event, error)

	ListStreams(ctx context.Context, opts ListStreamsOptions) ([]StreamInfo, error)
	StreamExists(ctx context.Context, aggregateID string) (bool, error)
	GetStreamVersion(ctx context.Context, aggregateID string) (int64, error)
	DeleteStream(ctx context.Context, aggregateID string) error

	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// GetSnapshot returns the latest snapshot at or below maxVersion
	// (any version when maxVersion is AnyVersion), or nil if none exists.
	GetSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*Snapshot, error)
	DeleteSnapshots(ctx context.Context, aggregateID string) error

	GetStatistics(ctx context.Context) (*Statistics, error)

	// TruncateStream deletes events with sequence_number >= fromSeq and
	// rewinds the stream's recorded version. Returns the deleted count.
	TruncateStream(ctx context.Context, aggregateID string, fromSeq int64) (int64, error)
}
