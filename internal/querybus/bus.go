package querybus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/metrics"
)

// Bus routes queries to their registered handlers. An attached Cache is
// consulted after the Before hooks; a hit short-circuits the handler and
// comes back marked FromCache.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []Middleware
	cache       *Cache
}

// NewBus returns an empty query bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a query type to its handler. Registering a type
// twice replaces the earlier handler.
func (b *Bus) RegisterHandler(queryType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[queryType]; exists {
		b.logger.Warn("replacing query handler", "query_type", queryType)
	}
	b.handlers[queryType] = handler
}

// Use appends a middleware. Before hooks run in registration order,
// After and OnError in reverse.
func (b *Bus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// AttachCache enables result caching.
func (b *Bus) AttachCache(c *Cache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = c
}

// Cache returns the attached cache, nil when none.
func (b *Bus) Cache() *Cache {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cache
}

// Execute dispatches one query. Unlike the command bus, failures here
// are returned as errors; reads have no partial-success story.
func (b *Bus) Execute(ctx context.Context, q Query) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	b.mu.RLock()
	handler, hasHandler := b.handlers[q.Type]
	middlewares := append([]Middleware(nil), b.middlewares...)
	cache := b.cache
	b.mu.RUnlock()

	fail := func(err error) (*QueryResult, error) {
		for i := len(middlewares) - 1; i >= 0; i-- {
			middlewares[i].OnError(ctx, q, err)
		}
		metrics.QueriesExecuted.WithLabelValues(q.Type, "failure").Inc()
		return nil, err
	}

	for _, m := range middlewares {
		if err := m.Before(ctx, &q); err != nil {
			return fail(err)
		}
	}

	if !hasHandler {
		return fail(fmt.Errorf("no handler registered for query type %q", q.Type))
	}

	result := &QueryResult{QueryID: q.ID}

	if cache != nil && !q.SkipCache {
		if value, ok := cache.Get(q); ok {
			result.Result = value
			result.FromCache = true
			result.ExecutionTime = time.Since(start)
			for i := len(middlewares) - 1; i >= 0; i-- {
				middlewares[i].After(ctx, q, result)
			}
			metrics.QueriesExecuted.WithLabelValues(q.Type, "success").Inc()
			return result, nil
		}
	}

	value, err := handler(ctx, q)
	if err != nil {
		return fail(err)
	}

	if cache != nil && !q.SkipCache {
		cache.Put(q, value)
	}

	result.Result = value
	result.ExecutionTime = time.Since(start)
	for i := len(middlewares) - 1; i >= 0; i-- {
		middlewares[i].After(ctx, q, result)
	}
	metrics.QueriesExecuted.WithLabelValues(q.Type, "success").Inc()
	b.logger.Debug("query executed",
		"query_type", q.Type, "query_id", q.ID,
		"from_cache", result.FromCache, "duration", result.ExecutionTime)
	return result, nil
}
