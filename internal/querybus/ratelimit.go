package querybus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a middleware enforcing a per-query-type limit over a
// rolling one second window. Queries over the limit fail with
// ErrRateLimited; nothing is queued.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	seen  map[string][]time.Time
	clock func() time.Time
}

// NewRateLimiter allows limit queries per type per second.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: time.Second,
		seen:   make(map[string][]time.Time),
		clock:  time.Now,
	}
}

func (r *RateLimiter) Before(ctx context.Context, q *Query) error {
	if r.limit <= 0 {
		return nil
	}

	now := r.clock()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	stamps := r.seen[q.Type]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}
	if len(live) >= r.limit {
		r.seen[q.Type] = live
		return fmt.Errorf("%w: %d per second for %q", ErrRateLimited, r.limit, q.Type)
	}
	r.seen[q.Type] = append(live, now)
	return nil
}

func (r *RateLimiter) After(ctx context.Context, q Query, result *QueryResult) {}

func (r *RateLimiter) OnError(ctx context.Context, q Query, err error) {}
