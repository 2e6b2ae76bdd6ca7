package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/cqrs-engine/internal/eventstore"
	"github.com/example/cqrs-engine/internal/metrics"
)

// State is a projection's lifecycle state.
type State string

const (
	StateStopped    State = "stopped"
	StateCatchingUp State = "catching_up"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	// StateError means the most recently processed event's handler
	// failed. The projection keeps running; the next handled event
	// clears it.
	StateError State = "error"
)

// EventHandler applies one event to the projection's read model.
type EventHandler func(ctx context.Context, event eventstore.Event) error

// Stats is a point-in-time view of a projection.
type Stats struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	Position        int64      `json:"position"`
	EventsProcessed int64      `json:"events_processed"`
	Errors          int64      `json:"errors"`
	LastError       string     `json:"last_error,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
}

// Projection consumes the store's global event sequence and maintains a
// read model through per-event-type handlers. Event types without a
// handler are counted into the position but otherwise ignored.
//
// Start subscribes to live events before catching up from the stored
// history, buffering whatever arrives meanwhile, so no event published
// during the catch-up can be lost. Events seen both in the catch-up
// scan and the live buffer are deduplicated by event ID.
//
// A handler error is recorded and skipped; one poisonous event does not
// stop the projection.
type Projection struct {
	name      string
	store     *eventstore.EventStore
	batchSize int
	reset     func()
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]EventHandler
	fallback EventHandler
	state    State
	stats    Stats

	live   chan eventstore.Event
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	subID  eventstore.SubscriptionID
}

// Options configures a projection.
type Options struct {
	// BatchSize is the catch-up page size.
	BatchSize int
	Logger    *slog.Logger
	// LiveBufferSize caps live events queued while the projection is
	// catching up or paused. A full buffer drops the oldest queued event
	// and counts it as an error; the next rebuild repairs the read model.
	LiveBufferSize int
	// Reset clears the projection's read model. Rebuild calls it before
	// replaying history.
	Reset func()
}

// New returns a stopped projection.
func New(name string, store *eventstore.EventStore, opts Options) *Projection {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LiveBufferSize <= 0 {
		opts.LiveBufferSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Projection{
		name:      name,
		store:     store,
		batchSize: opts.BatchSize,
		reset:     opts.Reset,
		logger:    opts.Logger.With("projection", name),
		handlers:  make(map[string]EventHandler),
		state:     StateStopped,
		stats:     Stats{Name: name, State: StateStopped},
		live:      make(chan eventstore.Event, opts.LiveBufferSize),
	}
}

// Name returns the projection's name.
func (p *Projection) Name() string { return p.name }

// On registers the handler for an event type, replacing any earlier one.
func (p *Projection) On(eventType string, handler EventHandler) *Projection {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[eventType] = handler
	return p
}

// OnAny registers a fallback handler for event types with no dedicated
// handler, for projections that consume every event.
func (p *Projection) OnAny(handler EventHandler) *Projection {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = handler
	return p
}

// State returns the current lifecycle state.
func (p *Projection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a copy of the counters.
func (p *Projection) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.State = p.state
	return stats
}

// Position returns the number of global events the projection has
// consumed.
func (p *Projection) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Position
}

// Start subscribes, catches up from the stored history, and then follows
// live events until Stop. It returns once the catch-up has finished and
// the projection is running.
func (p *Projection) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return fmt.Errorf("projection %s already started", p.name)
	}
	p.state = StateCatchingUp
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.wake = make(chan struct{}, 1)
	p.mu.Unlock()

	// Subscribe before reading history so nothing appended during the
	// catch-up is missed; those events wait in the live buffer.
	p.subID = p.store.SubscribeAsync(func(event eventstore.Event) error {
		select {
		case p.live <- event:
		default:
			<-p.live
			p.live <- event
			p.recordError(fmt.Errorf("live buffer full, dropped oldest event"))
		}
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return nil
	})

	seen, err := p.catchUp(ctx)
	if err != nil {
		p.store.Unsubscribe(p.subID)
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		close(p.done)
		return err
	}

	p.mu.Lock()
	p.state = StateRunning
	p.mu.Unlock()
	p.logger.Info("projection caught up", "position", p.Position())

	go p.run(ctx, seen)
	return nil
}

// CatchUp processes the stored history from fromPosition to the current
// end of the global sequence, without subscribing to live events. The
// projection must be stopped; it is stopped again when the call returns.
func (p *Projection) CatchUp(ctx context.Context, fromPosition int64) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return fmt.Errorf("projection %s must be stopped to catch up", p.name)
	}
	p.state = StateCatchingUp
	p.stats.Position = fromPosition
	p.mu.Unlock()

	_, err := p.catchUp(ctx)

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.logger.Info("catch up finished", "position", p.Position())
	return nil
}

// Reset stops the projection, clears the read model through the
// configured Reset hook, and zeroes position and counters. The
// projection stays stopped; Start or CatchUp re-reads history.
func (p *Projection) Reset() {
	p.Stop()
	if p.reset != nil {
		p.reset()
	}
	p.mu.Lock()
	p.stats = Stats{Name: p.name, State: StateStopped}
	p.mu.Unlock()
	p.logger.Info("projection reset")
}

// catchUp pages through the global sequence from the stored position and
// returns the IDs it processed, for deduplication against the live
// buffer.
func (p *Projection) catchUp(ctx context.Context) (map[string]bool, error) {
	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		from := p.stats.Position
		p.mu.Unlock()

		events, err := p.store.GetAllEvents(ctx, eventstore.AllEventsOptions{
			FromPosition: from,
			MaxCount:     p.batchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("catch up %s: %w", p.name, err)
		}
		if len(events) == 0 {
			return seen, nil
		}
		for _, event := range events {
			p.apply(ctx, event)
			seen[event.ID] = true
		}
	}
}

// run drains the live buffer, skipping events the catch-up already
// applied, then follows new arrivals until Stop.
func (p *Projection) run(ctx context.Context, seen map[string]bool) {
	defer close(p.done)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case event := <-p.live:
			if seen != nil && seen[event.ID] {
				delete(seen, event.ID)
				if len(seen) == 0 {
					seen = nil
				}
				continue
			}
			p.waitWhilePaused()
			select {
			case <-p.stop:
				return
			default:
			}
			p.apply(ctx, event)
		}
	}
}

func (p *Projection) waitWhilePaused() {
	for {
		p.mu.Lock()
		paused := p.state == StatePaused
		p.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-p.stop:
			return
		case <-p.wake:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// apply runs the handler for the event, if any, and always advances the
// position.
func (p *Projection) apply(ctx context.Context, event eventstore.Event) {
	p.mu.Lock()
	handler := p.handlers[event.EventType]
	if handler == nil {
		handler = p.fallback
	}
	p.mu.Unlock()

	if handler != nil {
		if err := handler(ctx, event); err != nil {
			p.recordError(fmt.Errorf("handle %s: %w", event.EventType, err))
			metrics.ProjectionEvents.WithLabelValues(p.name, "error").Inc()
			p.mu.Lock()
			if p.state == StateRunning {
				p.state = StateError
			}
			p.mu.Unlock()
		} else {
			metrics.ProjectionEvents.WithLabelValues(p.name, "processed").Inc()
			p.mu.Lock()
			if p.state == StateError {
				p.state = StateRunning
			}
			p.mu.Unlock()
		}
	} else {
		metrics.ProjectionEvents.WithLabelValues(p.name, "skipped").Inc()
	}

	now := time.Now()
	p.mu.Lock()
	p.stats.Position++
	p.stats.EventsProcessed++
	p.stats.LastProcessedAt = &now
	position := p.stats.Position
	p.mu.Unlock()
	metrics.ProjectionLag.WithLabelValues(p.name).Set(float64(position))
}

func (p *Projection) recordError(err error) {
	p.logger.Warn("projection error", "error", err)
	p.mu.Lock()
	p.stats.Errors++
	p.stats.LastError = err.Error()
	p.mu.Unlock()
}

// Pause stops applying live events; they keep queueing in the buffer and
// are applied on Resume.
func (p *Projection) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		p.state = StatePaused
		p.logger.Info("projection paused")
	}
}

// Resume continues a paused projection.
func (p *Projection) Resume() {
	p.mu.Lock()
	if p.state == StatePaused {
		p.state = StateRunning
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.logger.Info("projection resumed")
}

// Stop unsubscribes and waits for the worker to exit. Queued live events
// that were not yet applied are dropped; a later Start catches up from
// the stored position and re-reads them.
func (p *Projection) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.mu.Unlock()

	p.store.Unsubscribe(p.subID)
	close(p.stop)
	<-p.done

	// Drain whatever the subscriber queued before unsubscribe landed.
	for {
		select {
		case <-p.live:
		default:
			p.logger.Info("projection stopped", "position", p.Position())
			return
		}
	}
}

// Rebuild resets the projection and starts it again so every handler
// re-reads the full history.
func (p *Projection) Rebuild(ctx context.Context) error {
	p.Reset()
	return p.Start(ctx)
}
