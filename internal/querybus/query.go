package querybus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Query is a read request. Type selects the handler; Params are the
// handler's input and also feed the cache key.
type Query struct {
	ID       string          `json:"query_id"`
	Type     string          `json:"query_type"`
	Params   json.RawMessage `json:"params"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	IssuedAt time.Time       `json:"issued_at"`

	// SkipCache forces a handler execution even when a cache is attached.
	SkipCache bool `json:"-"`
}

// NewQuery builds a query with a fresh ID. params may be nil, a
// json.RawMessage, or any marshalable value.
func NewQuery(queryType string, params any) (Query, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Query{}, fmt.Errorf("encode query params: %w", err)
	}
	return Query{
		ID:       uuid.New().String(),
		Type:     queryType,
		Params:   raw,
		Metadata: make(map[string]any),
		IssuedAt: time.Now().UTC(),
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}

// UnmarshalParams decodes the query parameters into v.
func (q Query) UnmarshalParams(v any) error {
	return json.Unmarshal(q.Params, v)
}

// QueryResult is the outcome of one query. A handler that finds nothing
// returns a nil Result with no error; absence is a value here, not a
// failure.
type QueryResult struct {
	QueryID       string        `json:"query_id"`
	Result        any           `json:"result"`
	FromCache     bool          `json:"from_cache"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Handler executes one query type.
type Handler func(ctx context.Context, q Query) (any, error)

// Middleware wraps query dispatch.
type Middleware interface {
	Before(ctx context.Context, q *Query) error
	After(ctx context.Context, q Query, result *QueryResult)
	OnError(ctx context.Context, q Query, err error)
}

// ErrRateLimited is returned when the rate limit middleware rejects a
// query.
var ErrRateLimited = errors.New("query rate limit exceeded")
