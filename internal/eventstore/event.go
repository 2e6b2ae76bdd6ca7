package eventstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the schema version of an event payload.
type EventVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// DefaultEventVersion is assigned to events created without an explicit version.
var DefaultEventVersion = EventVersion{Major: 1, Minor: 0}

// Less reports whether v precedes other, major first.
func (v EventVersion) Less(other EventVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// EventMetadata carries contextual information attached to an event.
type EventMetadata struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Source        string            `json:"source,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       EventVersion      `json:"version"`
	Custom        map[string]string `json:"custom,omitempty"`
}

// NewEventMetadata returns metadata stamped with the current time and the
// default schema version.
func NewEventMetadata() EventMetadata {
	return EventMetadata{
		Timestamp: time.Now().UTC(),
		Version:   DefaultEventVersion,
	}
}

// Event is an immutable fact recorded in an aggregate's stream.
//
// SequenceNumber is assigned by the store at append time and is never
// mutated afterward.
type Event struct {
	ID             string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	SequenceNumber int64           `json:"sequence_number"`
	Data           json.RawMessage `json:"data"`
	Metadata       EventMetadata   `json:"metadata"`
}

// NewEvent builds an unsequenced event. The payload is marshalled to JSON;
// a marshal failure is reported by Append, not here, so callers may also
// pass pre-encoded json.RawMessage data.
func NewEvent(eventType, aggregateID, aggregateType string, data any) (Event, error) {
	raw, err := marshalData(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Data:          raw,
		Metadata:      NewEventMetadata(),
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		return json.Marshal(data)
	}
}

// UnmarshalData decodes the event payload into v.
func (e Event) UnmarshalData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// ToJSON returns the JSON encoding of the event.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON decodes an event previously encoded with ToJSON.
func EventFromJSON(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Snapshot is a point-in-time materialized aggregate state. Its
// SequenceNumber equals the sequence number of the last event it
// summarizes; replay applies only events strictly after it.
type Snapshot struct {
	SnapshotID     string          `json:"snapshot_id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	SequenceNumber int64           `json:"sequence_number"`
	State          json.RawMessage `json:"state"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewSnapshot builds a snapshot for an aggregate at the given sequence number.
func NewSnapshot(aggregateID, aggregateType string, sequenceNumber int64, state any) (*Snapshot, error) {
	raw, err := marshalData(state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SnapshotID:     uuid.New().String(),
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		SequenceNumber: sequenceNumber,
		State:          raw,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// StreamInfo summarizes one aggregate's stream.
type StreamInfo struct {
	StreamID      string     `json:"stream_id"`
	AggregateType string     `json:"aggregate_type"`
	Version       int64      `json:"version"`
	EventCount    int64      `json:"event_count"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Statistics reports store-wide counts and per-type histograms.
type Statistics struct {
	TotalEvents    int64            `json:"total_events"`
	TotalStreams   int64            `json:"total_streams"`
	TotalSnapshots int64            `json:"total_snapshots"`
	EventTypes     map[string]int64 `json:"event_types"`
	AggregateTypes map[string]int64 `json:"aggregate_types"`
	SizeBytes      int64            `json:"size_bytes,omitempty"`
}
