package commandbus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/example/cqrs-engine/internal/metrics"
)

// RetryPolicy controls the retrying executor.
type RetryPolicy struct {
	// MaxRetries is the number of re-dispatches after the first attempt.
	MaxRetries int
	// BaseDelay is the first backoff; each retry doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// RetryAll retries every failure. When false only version conflicts
	// and connection errors are retried, since those are the transient
	// kinds; validation and handler logic failures repeat identically.
	RetryAll bool
}

// DefaultRetryPolicy retries conflicts three times starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
	}
}

// Retrier wraps a Bus and re-dispatches failed commands with exponential
// backoff. Each attempt is recorded in the command's retry_count
// metadata so handlers can observe it.
//
// The store itself never retries a conflicted append; this wrapper is
// where a caller opts into retry-on-conflict, re-running the whole
// handler so it reloads fresh aggregate state.
type Retrier struct {
	bus    *Bus
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetrier wraps bus with the policy.
func NewRetrier(bus *Bus, policy RetryPolicy, logger *slog.Logger) *Retrier {
	def := DefaultRetryPolicy()
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{bus: bus, policy: policy, logger: logger}
}

func (r *Retrier) shouldRetry(result *CommandResult) bool {
	if result.Success {
		return false
	}
	if r.policy.RetryAll {
		return true
	}
	return result.failureKind == failureConflict || result.failureKind == failureConnection
}

// Execute dispatches the command, retrying per policy.
func (r *Retrier) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	if cmd.Metadata == nil {
		cmd.Metadata = make(map[string]any)
	}

	delay := r.policy.BaseDelay
	var result *CommandResult
	var err error
	for attempt := 0; ; attempt++ {
		cmd.Metadata["retry_count"] = attempt
		result, err = r.bus.Execute(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if !r.shouldRetry(result) || attempt >= r.policy.MaxRetries {
			return result, nil
		}

		metrics.CommandRetries.Inc()
		r.logger.Debug("retrying command",
			"command_type", cmd.Type, "command_id", cmd.ID,
			"attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
}

// failureKind classifies a failed result for retry decisions.
type failureKind int

const (
	failureNone failureKind = iota
	failureGeneric
	failureConflict
	failureConnection
)

func classifyFailure(err error) failureKind {
	if err == nil {
		return failureNone
	}
	if eventstore.IsVersionConflict(err) {
		return failureConflict
	}
	var connErr *eventstore.ConnectionError
	if errors.As(err, &connErr) {
		return failureConnection
	}
	return failureGeneric
}
