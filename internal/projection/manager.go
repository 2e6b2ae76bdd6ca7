package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/example/cqrs-engine/internal/eventstore"
)

// Manager owns a set of projections over one store: group start/stop,
// status reporting, and lag detection.
type Manager struct {
	store  *eventstore.EventStore
	logger *slog.Logger

	mu          sync.RWMutex
	projections map[string]*Projection
}

// NewManager returns an empty manager for the store.
func NewManager(store *eventstore.EventStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:       store,
		logger:      logger,
		projections: make(map[string]*Projection),
	}
}

// Register adds a projection. Registering the same name twice is an
// error; stop and remove the old one first.
func (m *Manager) Register(p *Projection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projections[p.Name()]; exists {
		return fmt.Errorf("projection %q already registered", p.Name())
	}
	m.projections[p.Name()] = p
	return nil
}

// Remove stops and deletes a projection.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	p := m.projections[name]
	delete(m.projections, name)
	m.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Get returns the named projection, nil when absent.
func (m *Manager) Get(name string) *Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projections[name]
}

func (m *Manager) all() []*Projection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Projection, 0, len(m.projections))
	for _, p := range m.projections {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll starts every stopped projection. The first failure stops the
// rollout and is returned; already-started projections keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, p := range m.all() {
		if p.State() != StateStopped {
			continue
		}
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start projection %s: %w", p.Name(), err)
		}
	}
	m.logger.Info("projections started", "count", len(m.all()))
	return nil
}

// StopAll stops every projection.
func (m *Manager) StopAll() {
	for _, p := range m.all() {
		p.Stop()
	}
	m.logger.Info("projections stopped")
}

// Rebuild rebuilds the named projection from scratch.
func (m *Manager) Rebuild(ctx context.Context, name string) error {
	p := m.Get(name)
	if p == nil {
		return fmt.Errorf("projection %q not registered", name)
	}
	m.logger.Info("rebuilding projection", "projection", name)
	return p.Rebuild(ctx)
}

// Status returns the stats of every projection, sorted by name.
func (m *Manager) Status() []Stats {
	projections := m.all()
	out := make([]Stats, 0, len(projections))
	for _, p := range projections {
		out = append(out, p.Stats())
	}
	return out
}

// Lagging returns the projections whose position trails the
// furthest-ahead registered projection by more than maxLag events. When
// every projection sits at the same position none is lagging, however
// far the store itself has moved on.
func (m *Manager) Lagging(ctx context.Context, maxLag int64) ([]Stats, error) {
	all := m.all()
	var maxPosition int64
	for _, p := range all {
		if pos := p.Position(); pos > maxPosition {
			maxPosition = pos
		}
	}

	var lagging []Stats
	for _, p := range all {
		s := p.Stats()
		if maxPosition-s.Position > maxLag {
			lagging = append(lagging, s)
		}
	}
	return lagging, nil
}

// CatchUpAll runs a standalone catch-up on every stopped projection,
// each from its own stored position. The first failure stops the
// rollout.
func (m *Manager) CatchUpAll(ctx context.Context) error {
	for _, p := range m.all() {
		if p.State() != StateStopped {
			continue
		}
		if err := p.CatchUp(ctx, p.Position()); err != nil {
			return fmt.Errorf("catch up projection %s: %w", p.Name(), err)
		}
	}
	m.logger.Info("projections caught up")
	return nil
}

// ResetAll resets every projection. Running projections are stopped
// first and stay stopped.
func (m *Manager) ResetAll() {
	for _, p := range m.all() {
		p.Reset()
	}
	m.logger.Info("projections reset")
}
