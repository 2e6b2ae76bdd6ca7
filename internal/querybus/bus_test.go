package querybus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustQuery(t *testing.T, queryType string, params any) Query {
	t.Helper()
	q, err := NewQuery(queryType, params)
	require.NoError(t, err)
	return q
}

func TestExecuteReturnsHandlerResult(t *testing.T) {
	bus := NewBus(nil)
	bus.RegisterHandler("GetOrder", func(ctx context.Context, q Query) (any, error) {
		var params struct {
			OrderID string `json:"order_id"`
		}
		require.NoError(t, q.UnmarshalParams(&params))
		return map[string]string{"order_id": params.OrderID, "status": "shipped"}, nil
	})

	q := mustQuery(t, "GetOrder", map[string]string{"order_id": "o-1"})
	result, err := bus.Execute(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, q.ID, result.QueryID)
	assert.False(t, result.FromCache)
	assert.Equal(t, "shipped", result.Result.(map[string]string)["status"])
}

func TestExecuteNoHandler(t *testing.T) {
	bus := NewBus(nil)
	_, err := bus.Execute(context.Background(), mustQuery(t, "Nope", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestNotFoundIsNilResult(t *testing.T) {
	bus := NewBus(nil)
	bus.RegisterHandler("GetOrder", func(ctx context.Context, q Query) (any, error) {
		return nil, nil
	})

	result, err := bus.Execute(context.Background(), mustQuery(t, "GetOrder", nil))
	require.NoError(t, err)
	assert.Nil(t, result.Result)
}

func TestCacheHitShortCircuits(t *testing.T) {
	bus := NewBus(nil)
	bus.AttachCache(NewCache(CacheConfig{DefaultTTL: time.Minute}))

	calls := 0
	bus.RegisterHandler("GetOrder", func(ctx context.Context, q Query) (any, error) {
		calls++
		return "fresh", nil
	})

	params := map[string]string{"order_id": "o-1"}
	first, err := bus.Execute(context.Background(), mustQuery(t, "GetOrder", params))
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := bus.Execute(context.Background(), mustQuery(t, "GetOrder", params))
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, "fresh", second.Result)
	assert.Equal(t, 1, calls)

	// Different params miss.
	_, err = bus.Execute(context.Background(),
		mustQuery(t, "GetOrder", map[string]string{"order_id": "o-2"}))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSkipCacheForcesHandler(t *testing.T) {
	bus := NewBus(nil)
	bus.AttachCache(NewCache(CacheConfig{DefaultTTL: time.Minute}))

	calls := 0
	bus.RegisterHandler("GetOrder", func(ctx context.Context, q Query) (any, error) {
		calls++
		return calls, nil
	})

	q := mustQuery(t, "GetOrder", nil)
	_, err := bus.Execute(context.Background(), q)
	require.NoError(t, err)

	q.SkipCache = true
	result, err := bus.Execute(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, 2, calls)
}

func TestCacheKeyCanonicalizesParams(t *testing.T) {
	a := CacheKey("GetOrder", json.RawMessage(`{"a":1,"b":2}`))
	b := CacheKey("GetOrder", json.RawMessage(`{ "b": 2, "a": 1 }`))
	assert.Equal(t, a, b)

	c := CacheKey("GetOrder", json.RawMessage(`{"a":1,"b":3}`))
	assert.NotEqual(t, a, c)

	d := CacheKey("GetInvoice", json.RawMessage(`{"a":1,"b":2}`))
	assert.NotEqual(t, a, d)
}

func TestCacheTTLOverrideExpires(t *testing.T) {
	cache := NewCache(CacheConfig{
		DefaultTTL:   time.Minute,
		TTLOverrides: map[string]time.Duration{"Volatile": 10 * time.Millisecond},
	})

	q := mustQuery(t, "Volatile", nil)
	cache.Put(q, "v")
	_, ok := cache.Get(q)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(q)
	assert.False(t, ok)
}

func TestCacheInvalidation(t *testing.T) {
	cache := NewCache(CacheConfig{DefaultTTL: time.Minute})

	q1 := mustQuery(t, "GetOrder", map[string]string{"id": "1"})
	q2 := mustQuery(t, "GetOrder", map[string]string{"id": "2"})
	q3 := mustQuery(t, "GetInvoice", map[string]string{"id": "1"})
	cache.Put(q1, "a")
	cache.Put(q2, "b")
	cache.Put(q3, "c")

	cache.Invalidate("GetOrder", q1.Params)
	_, ok := cache.Get(q1)
	assert.False(t, ok)
	_, ok = cache.Get(q2)
	assert.True(t, ok)

	cache.InvalidateType("GetOrder")
	_, ok = cache.Get(q2)
	assert.False(t, ok)
	_, ok = cache.Get(q3)
	assert.True(t, ok)

	cache.InvalidateAll()
	_, ok = cache.Get(q3)
	assert.False(t, ok)
	assert.Zero(t, cache.Stats().Entries)
}

func TestCacheStats(t *testing.T) {
	cache := NewCache(CacheConfig{DefaultTTL: time.Minute})
	q := mustQuery(t, "GetOrder", nil)

	_, _ = cache.Get(q)
	cache.Put(q, "v")
	_, _ = cache.Get(q)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheEviction(t *testing.T) {
	cache := NewCache(CacheConfig{DefaultTTL: time.Minute, MaxEntries: 2})
	cache.Put(mustQuery(t, "A", map[string]int{"n": 1}), 1)
	cache.Put(mustQuery(t, "A", map[string]int{"n": 2}), 2)
	cache.Put(mustQuery(t, "A", map[string]int{"n": 3}), 3)

	stats := cache.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	bus := NewBus(nil)
	limiter := NewRateLimiter(2)
	now := time.Now()
	limiter.clock = func() time.Time { return now }
	bus.Use(limiter)
	bus.RegisterHandler("Hot", func(ctx context.Context, q Query) (any, error) {
		return "ok", nil
	})
	bus.RegisterHandler("Cold", func(ctx context.Context, q Query) (any, error) {
		return "ok", nil
	})

	for i := 0; i < 2; i++ {
		_, err := bus.Execute(context.Background(), mustQuery(t, "Hot", nil))
		require.NoError(t, err)
	}
	_, err := bus.Execute(context.Background(), mustQuery(t, "Hot", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other query types have their own budget.
	_, err = bus.Execute(context.Background(), mustQuery(t, "Cold", nil))
	require.NoError(t, err)

	// The window rolls: a second later the budget is back.
	now = now.Add(1100 * time.Millisecond)
	_, err = bus.Execute(context.Background(), mustQuery(t, "Hot", nil))
	require.NoError(t, err)
}

func TestMiddlewareOnErrorObservesFailure(t *testing.T) {
	bus := NewBus(nil)
	var seen error
	bus.Use(&funcMiddleware{
		onError: func(ctx context.Context, q Query, err error) { seen = err },
	})
	bus.RegisterHandler("Bad", func(ctx context.Context, q Query) (any, error) {
		return nil, errors.New("read model unavailable")
	})

	_, err := bus.Execute(context.Background(), mustQuery(t, "Bad", nil))
	require.Error(t, err)
	assert.Equal(t, err, seen)
}

type funcMiddleware struct {
	before  func(ctx context.Context, q *Query) error
	after   func(ctx context.Context, q Query, result *QueryResult)
	onError func(ctx context.Context, q Query, err error)
}

func (m *funcMiddleware) Before(ctx context.Context, q *Query) error {
	if m.before != nil {
		return m.before(ctx, q)
	}
	return nil
}

func (m *funcMiddleware) After(ctx context.Context, q Query, result *QueryResult) {
	if m.after != nil {
		m.after(ctx, q, result)
	}
}

func (m *funcMiddleware) OnError(ctx context.Context, q Query, err error) {
	if m.onError != nil {
		m.onError(ctx, q, err)
	}
}
