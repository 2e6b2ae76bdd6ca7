package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by backend operations before Connect.
	ErrNotConnected = errors.New("backend not connected")

	// ErrStreamNotFound is returned by administrative operations that
	// require an existing stream. Read operations report an empty result
	// instead, so callers can distinguish "empty" from "broken".
	ErrStreamNotFound = errors.New("stream not found")
)

// VersionConflictError reports an optimistic concurrency violation.
// The store never retries these; retry policy belongs to the caller.
type VersionConflictError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, actual %d",
		e.AggregateID, e.Expected, e.Actual)
}

// IsVersionConflict reports whether err is a version conflict.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// ConnectionError reports an unreachable backend. It is fatal to the
// calling operation and retried only by an explicit caller-side policy.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryError reports a malformed or failed operation against a backend.
type QueryError struct {
	Backend string
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
