package sim

import (
	"fmt"
	"sync"
)

// BackendID identifies one backend within a balancer's fixed set.
type BackendID string

// Health is the administrative state of a backend.
type Health int

const (
	// Healthy backends are eligible for selection.
	Healthy Health = iota
	// Unhealthy backends are skipped by every strategy.
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// BackendSnapshot is the observable state of one backend at one instant.
type BackendSnapshot struct {
	ID          BackendID
	Health      Health
	ActiveCalls int
}

// LoadBalancer distributes calls over a fixed backend set. Implementations
// are safe for concurrent use.
//
// Selection never mutates connection counters; callers account for a
// dispatched call with OnCallStart and for its completion with OnCallEnd.
type LoadBalancer interface {
	// Select picks a healthy backend per the strategy, or returns
	// ErrNoHealthyBackend when every backend is unhealthy.
	Select() (BackendID, error)

	// OnCallStart increments the backend's active-call counter.
	OnCallStart(id BackendID) error

	// OnCallEnd decrements the backend's active-call counter. Decrementing
	// a zero counter returns a CounterUnderflowError and changes nothing.
	OnCallEnd(id BackendID) error

	// SetHealth marks the backend healthy or unhealthy. Health changes
	// leave the active-call counter untouched.
	SetHealth(id BackendID, health Health) error

	// Snapshot returns all backends in configured order.
	Snapshot() []BackendSnapshot
}

// NewLoadBalancer creates a balancer for the configured strategy. It returns
// a ConfigurationError if cfg is invalid.
func NewLoadBalancer(cfg BalancerConfig) (LoadBalancer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	table := newBackendTable(cfg.Backends)
	switch cfg.Strategy {
	case StrategyRoundRobin:
		return &roundRobin{backendTable: table}, nil
	default:
		return &leastConnections{backendTable: table}, nil
	}
}

// MustNewLoadBalancer is like NewLoadBalancer but panics on invalid
// configuration. Intended for tests and fixed setups.
func MustNewLoadBalancer(cfg BalancerConfig) LoadBalancer {
	lb, err := NewLoadBalancer(cfg)
	if err != nil {
		panic(err)
	}
	return lb
}

type backendState struct {
	id     BackendID
	health Health
	active int
}

// backendTable holds the shared backend bookkeeping both strategies build on.
// The slice preserves configured order; the map serves id lookups.
type backendTable struct {
	mu       sync.Mutex
	backends []*backendState
	index    map[BackendID]*backendState
}

func newBackendTable(cfgs []BackendConfig) *backendTable {
	t := &backendTable{
		backends: make([]*backendState, 0, len(cfgs)),
		index:    make(map[BackendID]*backendState, len(cfgs)),
	}
	for _, c := range cfgs {
		b := &backendState{id: BackendID(c.ID), health: c.Health}
		t.backends = append(t.backends, b)
		t.index[b.id] = b
	}
	return t
}

func (t *backendTable) OnCallStart(id BackendID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.index[id]
	if !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	b.active++
	return nil
}

func (t *backendTable) OnCallEnd(id BackendID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.index[id]
	if !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	if b.active == 0 {
		return &CounterUnderflowError{Backend: id}
	}
	b.active--
	return nil
}

func (t *backendTable) SetHealth(id BackendID, health Health) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.index[id]
	if !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	b.health = health
	return nil
}

func (t *backendTable) Snapshot() []BackendSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]BackendSnapshot, 0, len(t.backends))
	for _, b := range t.backends {
		out = append(out, BackendSnapshot{ID: b.id, Health: b.health, ActiveCalls: b.active})
	}
	return out
}

// roundRobin rotates through healthy backends. The cursor advances one slot
// past each selection, so an unhealthy backend costs no turn and a backend
// turning healthy rejoins the rotation immediately.
type roundRobin struct {
	*backendTable
	cursor int
}

func (r *roundRobin) Select() (BackendID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.backends)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		if r.backends[idx].health == Healthy {
			r.cursor = (idx + 1) % n
			return r.backends[idx].id, nil
		}
	}
	return "", ErrNoHealthyBackend
}

// leastConnections picks the healthy backend with the fewest active calls,
// breaking ties toward the earliest configured backend.
type leastConnections struct {
	*backendTable
}

func (l *leastConnections) Select() (BackendID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	best := -1
	for i, b := range l.backends {
		if b.health != Healthy {
			continue
		}
		if best == -1 || b.active < l.backends[best].active {
			best = i
		}
	}
	if best == -1 {
		return "", ErrNoHealthyBackend
	}
	return l.backends[best].id, nil
}
