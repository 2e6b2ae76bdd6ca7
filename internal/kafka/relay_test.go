package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// capturingPublisher records published events in order.
type capturingPublisher struct {
	mu     sync.Mutex
	events []eventstore.Event
	fail   error
	closed bool
}

func (c *capturingPublisher) Publish(ctx context.Context, event eventstore.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, event)
	return nil
}

func (c *capturingPublisher) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *capturingPublisher) published() []eventstore.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]eventstore.Event(nil), c.events...)
}

func appendEvent(t *testing.T, store *eventstore.EventStore, aggregateID, eventType string) {
	t.Helper()
	e, err := eventstore.NewEvent(eventType, aggregateID, "Order", nil)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), aggregateID,
		[]eventstore.Event{e}, eventstore.AnyVersion)
	require.NoError(t, err)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRelayForwardsAppendedEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	pub := &capturingPublisher{}

	relay := NewRelay(store, pub, nil)
	relay.Start(ctx)

	appendEvent(t, store, "order-1", "OrderPlaced")
	appendEvent(t, store, "order-1", "OrderShipped")
	waitFor(t, func() bool { return len(pub.published()) == 2 })

	events := pub.published()
	assert.Equal(t, "OrderPlaced", events[0].EventType)
	assert.Equal(t, "OrderShipped", events[1].EventType)
	assert.Equal(t, "order-1", events[0].AggregateID)

	require.NoError(t, relay.Stop())
	assert.True(t, pub.closed)

	// After Stop nothing is forwarded.
	appendEvent(t, store, "order-2", "OrderPlaced")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.published(), 2)
}

func TestRelayPublishFailureDoesNotBlockAppends(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	pub := &capturingPublisher{fail: errors.New("broker down")}

	relay := NewRelay(store, pub, nil)
	relay.Start(ctx)
	defer relay.Stop()

	appendEvent(t, store, "order-1", "OrderPlaced")

	// The event is durable in the store even though publishing failed.
	events, err := store.GetEvents(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, pub.published())
}