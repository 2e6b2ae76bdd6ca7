package commandbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/metrics"
)

// Bus routes commands to their registered handlers through a middleware
// pipeline: Before hooks, then per-type validators, then the handler,
// then After hooks. Any failure short-circuits into the OnError hooks
// and a Success=false result.
type Bus struct {
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[string]Handler
	validators  map[string][]Validator
	middlewares []Middleware
}

// NewBus returns an empty command bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:     logger,
		handlers:   make(map[string]Handler),
		validators: make(map[string][]Validator),
	}
}

// RegisterHandler binds a command type to its handler. Registering a
// type twice replaces the earlier handler.
func (b *Bus) RegisterHandler(commandType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[commandType]; exists {
		b.logger.Warn("replacing command handler", "command_type", commandType)
	}
	b.handlers[commandType] = handler
}

// RegisterValidator adds a validator for a command type. Validators run
// in registration order after the Before hooks.
func (b *Bus) RegisterValidator(commandType string, v Validator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validators[commandType] = append(b.validators[commandType], v)
}

// Use appends a middleware. Before hooks run in registration order,
// After and OnError hooks in reverse.
func (b *Bus) Use(m Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, m)
}

// HasHandler reports whether a handler is registered for the type.
func (b *Bus) HasHandler(commandType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[commandType]
	return ok
}

// Execute dispatches one command and always returns a result. A command
// that fails validation or handling comes back with Success=false and
// the error message; the error return is reserved for a cancelled
// context.
func (b *Bus) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &CommandResult{CommandID: cmd.ID}

	b.mu.RLock()
	handler, hasHandler := b.handlers[cmd.Type]
	validators := append([]Validator(nil), b.validators[cmd.Type]...)
	middlewares := append([]Middleware(nil), b.middlewares...)
	b.mu.RUnlock()

	fail := func(err error) (*CommandResult, error) {
		result.Success = false
		result.Error = err.Error()
		result.failureKind = classifyFailure(err)
		result.ExecutionTime = time.Since(start)
		for i := len(middlewares) - 1; i >= 0; i-- {
			middlewares[i].OnError(ctx, cmd, err)
		}
		metrics.CommandsExecuted.WithLabelValues(cmd.Type, "failure").Inc()
		b.logger.Debug("command failed",
			"command_type", cmd.Type, "command_id", cmd.ID, "error", err)
		return result, nil
	}

	for i, m := range middlewares {
		short, err := m.Before(ctx, &cmd)
		if err != nil {
			return fail(fmt.Errorf("middleware rejected command: %w", err))
		}
		if short != nil {
			// Short-circuit: the middleware answered the command itself.
			// Only the Before hooks that already ran see it in After.
			short.CommandID = cmd.ID
			short.ExecutionTime = time.Since(start)
			for j := i; j >= 0; j-- {
				middlewares[j].After(ctx, cmd, short)
			}
			metrics.CommandsExecuted.WithLabelValues(cmd.Type, "short_circuit").Inc()
			b.logger.Debug("command short-circuited by middleware",
				"command_type", cmd.Type, "command_id", cmd.ID)
			return short, nil
		}
	}

	if !hasHandler {
		return fail(fmt.Errorf("no handler registered for command type %q", cmd.Type))
	}

	for _, v := range validators {
		if err := v(cmd); err != nil {
			return fail(fmt.Errorf("validation failed: %w", err))
		}
	}

	out, err := handler(ctx, cmd)
	if err != nil {
		return fail(err)
	}

	result.Success = true
	result.Result = out.Value
	result.EventsProduced = out.Events
	result.ExecutionTime = time.Since(start)
	for i := len(middlewares) - 1; i >= 0; i-- {
		middlewares[i].After(ctx, cmd, result)
	}
	metrics.CommandsExecuted.WithLabelValues(cmd.Type, "success").Inc()
	b.logger.Debug("command executed",
		"command_type", cmd.Type, "command_id", cmd.ID,
		"duration", result.ExecutionTime)
	return result, nil
}

// ExecuteBatch dispatches commands in order. With stopOnFailure set the
// batch ends at the first Success=false result; otherwise every command
// is dispatched regardless of earlier failures. The returned slice
// holds a result per dispatched command, including failing ones.
func (b *Bus) ExecuteBatch(ctx context.Context, cmds []Command, stopOnFailure bool) ([]*CommandResult, error) {
	results := make([]*CommandResult, 0, len(cmds))
	for _, cmd := range cmds {
		result, err := b.Execute(ctx, cmd)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if stopOnFailure && !result.Success {
			break
		}
	}
	return results, nil
}
