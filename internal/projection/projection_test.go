package projection

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

func appendEvent(t *testing.T, store *eventstore.EventStore, aggregateID, eventType string, data any) {
	t.Helper()
	e, err := eventstore.NewEvent(eventType, aggregateID, "Order", data)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), aggregateID,
		[]eventstore.Event{e}, eventstore.AnyVersion)
	require.NoError(t, err)
}

// counter is a threadsafe read model for tests.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter { return &counter{n: make(map[string]int)} }

func (c *counter) inc(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[key]++
}

func (c *counter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[key]
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
	t.Fatal("condition not reached in time")
}

func TestProjectionCatchesUpFromHistory(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	for i := 0; i < 5; i++ {
		appendEvent(t, store, "order-1", "OrderPlaced", map[string]int{"i": i})
	}

	model := newCounter()
	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 5, model.get("placed"))
	assert.Equal(t, int64(5), p.Position())
}

func TestProjectionFollowsLiveEvents(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	appendEvent(t, store, "order-2", "OrderPlaced", nil)

	waitFor(t, func() bool { return model.get("placed") == 2 })
	assert.Equal(t, int64(2), p.Position())
}

func TestProjectionIgnoresUnregisteredEventTypes(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	appendEvent(t, store, "order-1", "SomethingElse", nil)

	model := newCounter()
	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Equal(t, 1, model.get("placed"))
	// Unhandled events still advance the position.
	assert.Equal(t, int64(2), p.Position())
}

func TestProjectionSurvivesHandlerErrors(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	appendEvent(t, store, "order-1", "Bad", nil)
	appendEvent(t, store, "order-1", "Good", nil)

	model := newCounter()
	p := New("orders", store, Options{})
	p.On("Bad", func(ctx context.Context, e eventstore.Event) error {
		return errors.New("poison")
	})
	p.On("Good", func(ctx context.Context, e eventstore.Event) error {
		model.inc("good")
		return nil
	})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, 1, model.get("good"))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Contains(t, stats.LastError, "poison")
	assert.Equal(t, int64(2), stats.Position)
}

func TestProjectionPauseAndResume(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	p.Pause()
	assert.Equal(t, StatePaused, p.State())

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, model.get("placed"))

	p.Resume()
	waitFor(t, func() bool { return model.get("placed") == 1 })
	assert.Equal(t, StateRunning, p.State())
}

func TestProjectionRestartResumesFromPosition(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	require.NoError(t, p.Start(ctx))
	p.Stop()
	assert.Equal(t, StateStopped, p.State())

	appendEvent(t, store, "order-2", "OrderPlaced", nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	// Only the event appended while stopped is new; no double-apply.
	assert.Equal(t, 2, model.get("placed"))
	assert.Equal(t, int64(2), p.Position())
}

func TestProjectionRebuild(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, 2, model.get("placed"))

	require.NoError(t, p.Rebuild(ctx))
	defer p.Stop()
	assert.Equal(t, 4, model.get("placed"))
	assert.Equal(t, int64(2), p.Position())
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	m := NewManager(store, nil)

	orders := New("orders", store, Options{})
	audit := New("audit", store, Options{})
	require.NoError(t, m.Register(orders))
	require.NoError(t, m.Register(audit))
	assert.Error(t, m.Register(New("orders", store, Options{})))

	require.NoError(t, m.StartAll(ctx))
	assert.Equal(t, StateRunning, orders.State())
	assert.Equal(t, StateRunning, audit.State())

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "audit", status[0].Name)
	assert.Equal(t, "orders", status[1].Name)

	m.StopAll()
	assert.Equal(t, StateStopped, orders.State())
	assert.Equal(t, StateStopped, audit.State())
}

func TestManagerLagging(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	m := NewManager(store, nil)

	stale := New("stale", store, Options{})
	fresh := New("fresh", store, Options{})
	require.NoError(t, m.Register(stale))
	require.NoError(t, m.Register(fresh))

	for i := 0; i < 20; i++ {
		appendEvent(t, store, "order-1", "OrderPlaced", nil)
	}

	// Lag is measured between projections, not against the store: two
	// projections at the same position are never lagging, however many
	// events the store holds.
	lagging, err := m.Lagging(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, lagging)

	// fresh catches up to 20, stale stays at 0.
	require.NoError(t, fresh.CatchUp(ctx, 0))
	lagging, err = m.Lagging(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lagging, 1)
	assert.Equal(t, "stale", lagging[0].Name)

	// Once caught up no one lags.
	require.NoError(t, stale.CatchUp(ctx, 16))
	lagging, err = m.Lagging(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, lagging)
}

func TestProjectionCatchUpStandalone(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})
	for i := 0; i < 4; i++ {
		appendEvent(t, store, "order-1", "OrderPlaced", nil)
	}

	require.NoError(t, p.CatchUp(ctx, 2))
	assert.Equal(t, StateStopped, p.State())
	assert.Equal(t, 2, model.get("placed"))
	assert.Equal(t, int64(4), p.Position())

	// Events appended afterward are not followed; no live subscription.
	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, model.get("placed"))

	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	assert.Error(t, p.CatchUp(ctx, 0))
}

func TestProjectionReset(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	cleared := false
	p := New("orders", store, Options{Reset: func() {
		cleared = true
		model.mu.Lock()
		model.n = make(map[string]int)
		model.mu.Unlock()
	}})
	p.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		model.inc("placed")
		return nil
	})

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, 1, model.get("placed"))

	p.Reset()
	assert.True(t, cleared)
	assert.Equal(t, StateStopped, p.State())
	assert.Zero(t, p.Position())
	assert.Equal(t, 0, model.get("placed"))

	require.NoError(t, p.Start(ctx))
	defer p.Stop()
	assert.Equal(t, 1, model.get("placed"))
}

func TestProjectionErrorState(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	model := newCounter()

	p := New("orders", store, Options{})
	p.On("Bad", func(ctx context.Context, e eventstore.Event) error {
		return errors.New("poison")
	})
	p.On("Good", func(ctx context.Context, e eventstore.Event) error {
		model.inc("good")
		return nil
	})
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	appendEvent(t, store, "order-1", "Bad", nil)
	waitFor(t, func() bool { return p.State() == StateError })

	// The next handled event clears the error state.
	appendEvent(t, store, "order-1", "Good", nil)
	waitFor(t, func() bool { return p.State() == StateRunning })
	assert.Equal(t, 1, model.get("good"))
}

func TestManagerCatchUpAllAndResetAll(t *testing.T) {
	ctx := context.Background()
	store := eventstore.New()
	m := NewManager(store, nil)

	orders := newCounter()
	audit := newCounter()
	po := New("orders", store, Options{Reset: func() {
		orders.mu.Lock()
		orders.n = make(map[string]int)
		orders.mu.Unlock()
	}})
	po.On("OrderPlaced", func(ctx context.Context, e eventstore.Event) error {
		orders.inc("placed")
		return nil
	})
	pa := New("audit", store, Options{})
	pa.OnAny(func(ctx context.Context, e eventstore.Event) error {
		audit.inc("all")
		return nil
	})
	require.NoError(t, m.Register(po))
	require.NoError(t, m.Register(pa))

	appendEvent(t, store, "order-1", "OrderPlaced", nil)
	appendEvent(t, store, "order-1", "OrderShipped", nil)

	require.NoError(t, m.CatchUpAll(ctx))
	assert.Equal(t, 1, orders.get("placed"))
	assert.Equal(t, 2, audit.get("all"))
	assert.Equal(t, StateStopped, po.State())

	m.ResetAll()
	assert.Zero(t, po.Position())
	assert.Zero(t, pa.Position())
	assert.Equal(t, 0, orders.get("placed"))
}
