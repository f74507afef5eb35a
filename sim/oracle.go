package sim

import (
	"fmt"
	"sync"
)

// BreakerOracle is a reference implementation of CircuitBreaker used to
// cross-check the engines. It keeps the full outcome history and recomputes
// window counts by scanning, trading speed for obviousness. It shares no
// window code with the engines.
type BreakerOracle struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	history        []timedOutcome
	windowFloor    int // history index where the current window logically begins
	state          CircuitState
	now            int64
	openedAt       int64
	trialsInFlight int
	trialSuccesses int
}

type timedOutcome struct {
	at      int64
	outcome CallOutcome
}

// NewBreakerOracle creates a reference breaker for the configured policy.
func NewBreakerOracle(cfg BreakerConfig) (*BreakerOracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &BreakerOracle{cfg: cfg, state: StateClosed, openedAt: -1}, nil
}

func (o *BreakerOracle) RecordOutcome(outcome CallOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, timedOutcome{at: o.now, outcome: outcome})
	switch o.state {
	case StateClosed:
		total, failures := o.windowCounts()
		if total >= o.cfg.MinSamples && thresholdMet(o.cfg, failures, total) {
			o.open()
		}
	case StateHalfOpen:
		if o.trialsInFlight > 0 {
			o.trialsInFlight--
		}
		if outcome.CountsAsFailure() {
			o.open()
			return
		}
		o.trialSuccesses++
		if o.trialSuccesses >= o.cfg.TrialSuccesses {
			o.state = StateClosed
			o.windowFloor = len(o.history)
			o.trialsInFlight = 0
			o.trialSuccesses = 0
		}
	case StateOpen:
	}
}

func (o *BreakerOracle) AllowCall() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default:
		if o.trialsInFlight < o.cfg.TrialConcurrency {
			o.trialsInFlight++
			return true
		}
		return false
	}
}

func (o *BreakerOracle) State() CircuitState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *BreakerOracle) AdvanceTime(delta int64) {
	if delta < 0 {
		panic(fmt.Sprintf("BreakerOracle.AdvanceTime: negative delta %d", delta))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += delta
	if o.state == StateOpen && o.now-o.openedAt >= o.cfg.CoolDown {
		o.state = StateHalfOpen
		o.trialsInFlight = 0
		o.trialSuccesses = 0
	}
}

func (o *BreakerOracle) Snapshot() BreakerSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	total, failures := o.windowCounts()
	return BreakerSnapshot{
		State:          o.state,
		WindowTotal:    total,
		WindowFailures: failures,
		TrialsInFlight: o.trialsInFlight,
		TrialSuccesses: o.trialSuccesses,
		OpenedAt:       o.openedAt,
	}
}

func (o *BreakerOracle) open() {
	o.state = StateOpen
	o.openedAt = o.now
	o.trialsInFlight = 0
	o.trialSuccesses = 0
}

// windowCounts scans the live portion of the history. For the count policy
// the window is the last WindowSize entries since the floor; for the time
// policy it is every entry whose bucket period still overlaps the window.
// Callers hold o.mu.
func (o *BreakerOracle) windowCounts() (int, int) {
	live := o.history[o.windowFloor:]
	if o.cfg.Policy == BreakerPolicyCount {
		if len(live) > o.cfg.WindowSize {
			live = live[len(live)-o.cfg.WindowSize:]
		}
		return len(live), countFailures(live)
	}
	width := o.cfg.WindowDuration / int64(o.cfg.BucketCount)
	total, failures := 0, 0
	for _, entry := range live {
		bucketStart := (entry.at / width) * width
		if o.now-bucketStart < o.cfg.WindowDuration {
			total++
			if entry.outcome.CountsAsFailure() {
				failures++
			}
		}
	}
	return total, failures
}

func countFailures(entries []timedOutcome) int {
	n := 0
	for _, entry := range entries {
		if entry.outcome.CountsAsFailure() {
			n++
		}
	}
	return n
}

// BalancerOracle is a reference implementation of LoadBalancer used to
// cross-check the engines. It models the backend set with plain maps and
// rescans on every operation, sharing no bookkeeping with the engines.
type BalancerOracle struct {
	mu       sync.Mutex
	strategy string
	order    []BackendID
	health   map[BackendID]Health
	active   map[BackendID]int
	cursor   int
}

// NewBalancerOracle creates a reference balancer for the configured strategy.
func NewBalancerOracle(cfg BalancerConfig) (*BalancerOracle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &BalancerOracle{
		strategy: cfg.Strategy,
		order:    make([]BackendID, 0, len(cfg.Backends)),
		health:   make(map[BackendID]Health, len(cfg.Backends)),
		active:   make(map[BackendID]int, len(cfg.Backends)),
	}
	for _, b := range cfg.Backends {
		id := BackendID(b.ID)
		o.order = append(o.order, id)
		o.health[id] = b.Health
		o.active[id] = 0
	}
	return o, nil
}

func (o *BalancerOracle) Select() (BackendID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strategy == StrategyRoundRobin {
		n := len(o.order)
		for i := 0; i < n; i++ {
			idx := (o.cursor + i) % n
			if o.health[o.order[idx]] == Healthy {
				o.cursor = (idx + 1) % n
				return o.order[idx], nil
			}
		}
		return "", ErrNoHealthyBackend
	}
	var best BackendID
	found := false
	for _, id := range o.order {
		if o.health[id] != Healthy {
			continue
		}
		if !found || o.active[id] < o.active[best] {
			best = id
			found = true
		}
	}
	if !found {
		return "", ErrNoHealthyBackend
	}
	return best, nil
}

func (o *BalancerOracle) OnCallStart(id BackendID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.health[id]; !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	o.active[id]++
	return nil
}

func (o *BalancerOracle) OnCallEnd(id BackendID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.health[id]; !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	if o.active[id] == 0 {
		return &CounterUnderflowError{Backend: id}
	}
	o.active[id]--
	return nil
}

func (o *BalancerOracle) SetHealth(id BackendID, health Health) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.health[id]; !ok {
		return fmt.Errorf("unknown backend %q", id)
	}
	o.health[id] = health
	return nil
}

func (o *BalancerOracle) Snapshot() []BackendSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]BackendSnapshot, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, BackendSnapshot{ID: id, Health: o.health[id], ActiveCalls: o.active[id]})
	}
	return out
}
