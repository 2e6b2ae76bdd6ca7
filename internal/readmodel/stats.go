package readmodel

import (
	"context"
	"time"

	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/example/cqrs-engine/internal/projection"
)

// Collections written by the statistics projection.
const (
	EventTypeStats     = "stats_by_event_type"
	AggregateTypeStats = "stats_by_aggregate_type"
)

// TypeCount is one counter row in a statistics collection.
type TypeCount struct {
	Type      string    `json:"type"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewStatsProjection returns a projection that maintains per-event-type
// and per-aggregate-type counters in the read model store. It handles
// every event type through the catch-all handler.
func NewStatsProjection(store *eventstore.EventStore, rm *Store, opts projection.Options) *projection.Projection {
	if opts.Reset == nil {
		opts.Reset = func() {
			rm.Clear(EventTypeStats)
			rm.Clear(AggregateTypeStats)
		}
	}
	p := projection.New("event-statistics", store, opts)
	p.OnAny(func(ctx context.Context, event eventstore.Event) error {
		bump(rm, EventTypeStats, event.EventType)
		if event.AggregateType != "" {
			bump(rm, AggregateTypeStats, event.AggregateType)
		}
		return nil
	})
	return p
}

func bump(rm *Store, collection, key string) {
	rm.Upsert(collection, key, func(current any, found bool) any {
		count := int64(0)
		if found {
			count = current.(TypeCount).Count
		}
		return TypeCount{Type: key, Count: count + 1, UpdatedAt: time.Now().UTC()}
	})
}
