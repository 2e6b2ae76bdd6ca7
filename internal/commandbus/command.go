package commandbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// Command is a request to change state. Type selects the handler;
// AggregateID names the stream the handler will touch, when there is
// one. Metadata carries cross-cutting values such as the correlation ID
// and the retry counter.
type Command struct {
	ID          string          `json:"command_id"`
	Type        string          `json:"command_type"`
	AggregateID string          `json:"aggregate_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	IssuedAt    time.Time       `json:"issued_at"`
}

// NewCommand builds a command with a fresh ID. data may be nil, a
// json.RawMessage, or any marshalable value.
func NewCommand(commandType, aggregateID string, data any) (Command, error) {
	raw, err := marshalPayload(data)
	if err != nil {
		return Command{}, fmt.Errorf("encode command data: %w", err)
	}
	return Command{
		ID:          uuid.New().String(),
		Type:        commandType,
		AggregateID: aggregateID,
		Data:        raw,
		Metadata:    make(map[string]any),
		IssuedAt:    time.Now().UTC(),
	}, nil
}

func marshalPayload(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		return json.Marshal(data)
	}
}

// UnmarshalData decodes the command payload into v.
func (c Command) UnmarshalData(v any) error {
	return json.Unmarshal(c.Data, v)
}

// RetryCount returns the number of retries recorded in metadata.
func (c Command) RetryCount() int {
	switch n := c.Metadata["retry_count"].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// CommandResult reports the outcome of one dispatch. A failed command is
// a Success=false result, not a Go error; errors from Execute itself are
// reserved for bus misuse.
type CommandResult struct {
	CommandID      string             `json:"command_id"`
	Success        bool               `json:"success"`
	Result         any                `json:"result,omitempty"`
	Error          string             `json:"error,omitempty"`
	EventsProduced []eventstore.Event `json:"events_produced,omitempty"`
	ExecutionTime  time.Duration      `json:"execution_time"`

	// failureKind classifies the failure for retry decisions.
	failureKind failureKind
}

// HandlerResult is what a command handler returns on success.
type HandlerResult struct {
	// Value is an arbitrary handler payload echoed into the result.
	Value any
	// Events are the domain events the handler appended, for callers
	// that want them without a store round trip.
	Events []eventstore.Event
}

// Handler executes one command type.
type Handler func(ctx context.Context, cmd Command) (HandlerResult, error)

// Validator checks a command before it reaches the handler. A non-nil
// error fails the command without invoking the handler.
type Validator func(cmd Command) error

// Middleware wraps dispatch. Before may mutate the command, abort it
// with an error, or short-circuit the pipeline by returning a non-nil
// result, in which case the handler and later middlewares never run.
// After observes the result of a successful pipeline; OnError observes a
// failure after it has been recorded.
type Middleware interface {
	Before(ctx context.Context, cmd *Command) (*CommandResult, error)
	After(ctx context.Context, cmd Command, result *CommandResult)
	OnError(ctx context.Context, cmd Command, err error)
}
