package sim

import (
	"fmt"

	"github.com/resilience-sim/resilience-sim/sim/internal/util"
)

// Invariant names carried by InvariantViolation. Each names the property
// that must hold, not the event that broke it.
const (
	// InvariantOpenRejects: an Open breaker admits no calls.
	InvariantOpenRejects = "open-rejects"
	// InvariantClosedAdmits: a Closed breaker rejects no calls.
	InvariantClosedAdmits = "closed-admits"
	// InvariantTrialConcurrency: HalfOpen trials stay within the configured budget.
	InvariantTrialConcurrency = "trial-concurrency"
	// InvariantWindowBound: window counts stay within policy bounds.
	InvariantWindowBound = "window-bound"
	// InvariantSelectHealthy: selection returns healthy backends only.
	InvariantSelectHealthy = "select-healthy"
	// InvariantCounterNonnegative: active-call counters never go negative.
	InvariantCounterNonnegative = "counter-nonnegative"
	// InvariantCounterConservation: each counter equals its starts minus ends.
	InvariantCounterConservation = "counter-conservation"
	// InvariantRoundRobinCycle: round-robin visits each healthy backend once per cycle.
	InvariantRoundRobinCycle = "round-robin-cycle"
	// InvariantLeastConnMinimality: least-connections picks a minimal-load backend.
	InvariantLeastConnMinimality = "least-connections-minimality"
	// InvariantOracleDivergence: engine and oracle observations stay identical.
	InvariantOracleDivergence = "oracle-divergence"
	// InvariantEngineError: an engine operation failed where the model says it cannot.
	InvariantEngineError = "engine-error"
)

// BreakerChecker validates breaker snapshots against the admission and
// window invariants. It holds no state beyond the configuration, so one
// checker serves a whole run.
type BreakerChecker struct {
	cfg BreakerConfig
}

// NewBreakerChecker creates a checker for breakers built from cfg.
func NewBreakerChecker(cfg BreakerConfig) *BreakerChecker {
	return &BreakerChecker{cfg: cfg}
}

// Check validates one observed step. before and after are the snapshots
// around the event; allowed carries the admission result for call attempts
// and is nil for every other event kind. The first violated invariant is
// returned, nil if all hold.
func (c *BreakerChecker) Check(step int, before, after BreakerSnapshot, allowed *bool) *InvariantViolation {
	if allowed != nil {
		if before.State == StateOpen && *allowed {
			return &InvariantViolation{
				Name:   InvariantOpenRejects,
				Step:   step,
				Detail: "call admitted while the breaker was open",
			}
		}
		if before.State == StateClosed && !*allowed {
			return &InvariantViolation{
				Name:   InvariantClosedAdmits,
				Step:   step,
				Detail: "call rejected while the breaker was closed",
			}
		}
	}
	if after.TrialsInFlight < 0 || after.TrialsInFlight > c.cfg.TrialConcurrency {
		return &InvariantViolation{
			Name:   InvariantTrialConcurrency,
			Step:   step,
			Detail: fmt.Sprintf("trials in flight %d outside [0, %d]", after.TrialsInFlight, c.cfg.TrialConcurrency),
		}
	}
	if after.WindowFailures < 0 || after.WindowFailures > after.WindowTotal {
		return &InvariantViolation{
			Name:   InvariantWindowBound,
			Step:   step,
			Detail: fmt.Sprintf("window failures %d outside [0, %d]", after.WindowFailures, after.WindowTotal),
		}
	}
	if c.cfg.Policy == BreakerPolicyCount && after.WindowTotal > c.cfg.WindowSize {
		return &InvariantViolation{
			Name:   InvariantWindowBound,
			Step:   step,
			Detail: fmt.Sprintf("window holds %d outcomes, size is %d", after.WindowTotal, c.cfg.WindowSize),
		}
	}
	return nil
}

// BalancerChecker validates balancer observations. It keeps its own
// start/end tallies per backend, so counter conservation is checked against
// bookkeeping the engine never sees.
type BalancerChecker struct {
	cfg    BalancerConfig
	starts map[BackendID]int
	ends   map[BackendID]int
	cycle  []BackendID // selections since the cycle last reset (round-robin only)
}

// NewBalancerChecker creates a checker for balancers built from cfg.
func NewBalancerChecker(cfg BalancerConfig) *BalancerChecker {
	return &BalancerChecker{
		cfg:    cfg,
		starts: make(map[BackendID]int, len(cfg.Backends)),
		ends:   make(map[BackendID]int, len(cfg.Backends)),
	}
}

// ObserveSelect validates one successful selection against the backend
// snapshots taken before it.
func (c *BalancerChecker) ObserveSelect(step int, before []BackendSnapshot, chosen BackendID) *InvariantViolation {
	var chosenSnap *BackendSnapshot
	for i := range before {
		if before[i].ID == chosen {
			chosenSnap = &before[i]
			break
		}
	}
	if chosenSnap == nil {
		return &InvariantViolation{
			Name:   InvariantSelectHealthy,
			Step:   step,
			Detail: fmt.Sprintf("selected backend %q is not in the configured set", chosen),
		}
	}
	if chosenSnap.Health != Healthy {
		return &InvariantViolation{
			Name:   InvariantSelectHealthy,
			Step:   step,
			Detail: fmt.Sprintf("selected backend %q while unhealthy", chosen),
		}
	}
	switch c.cfg.Strategy {
	case StrategyLeastConnections:
		for _, b := range before {
			if b.Health == Healthy && b.ActiveCalls < chosenSnap.ActiveCalls {
				return &InvariantViolation{
					Name:   InvariantLeastConnMinimality,
					Step:   step,
					Detail: fmt.Sprintf("selected %q with %d active calls while %q had %d", chosen, chosenSnap.ActiveCalls, b.ID, b.ActiveCalls),
				}
			}
		}
	case StrategyRoundRobin:
		healthy := 0
		for _, b := range before {
			if b.Health == Healthy {
				healthy++
			}
		}
		c.cycle = append(c.cycle, chosen)
		if len(c.cycle) >= healthy {
			if !util.Distinct(c.cycle) {
				return &InvariantViolation{
					Name:   InvariantRoundRobinCycle,
					Step:   step,
					Detail: fmt.Sprintf("backend repeated within a cycle of %d healthy backends: %v", healthy, c.cycle),
				}
			}
			c.cycle = c.cycle[:0]
		}
	}
	return nil
}

// ObserveNoHealthy validates an ErrNoHealthyBackend return: every backend
// must actually have been unhealthy at selection time.
func (c *BalancerChecker) ObserveNoHealthy(step int, before []BackendSnapshot) *InvariantViolation {
	for _, b := range before {
		if b.Health == Healthy {
			return &InvariantViolation{
				Name:   InvariantSelectHealthy,
				Step:   step,
				Detail: fmt.Sprintf("no-healthy reported while backend %q was healthy", b.ID),
			}
		}
	}
	c.cycle = c.cycle[:0]
	return nil
}

// ObserveStart records a dispatched call in the checker's own tally.
func (c *BalancerChecker) ObserveStart(id BackendID) {
	c.starts[id]++
}

// ObserveEnd records a completed call in the checker's own tally.
func (c *BalancerChecker) ObserveEnd(id BackendID) {
	c.ends[id]++
}

// ObserveHealthChange resets the round-robin cycle; distinctness is only
// required while the healthy set holds still.
func (c *BalancerChecker) ObserveHealthChange(BackendID) {
	c.cycle = c.cycle[:0]
}

// CheckCounters validates every backend counter against the checker's own
// start/end tallies.
func (c *BalancerChecker) CheckCounters(step int, snaps []BackendSnapshot) *InvariantViolation {
	for _, b := range snaps {
		if b.ActiveCalls < 0 {
			return &InvariantViolation{
				Name:   InvariantCounterNonnegative,
				Step:   step,
				Detail: fmt.Sprintf("backend %q has %d active calls", b.ID, b.ActiveCalls),
			}
		}
		if want := c.starts[b.ID] - c.ends[b.ID]; b.ActiveCalls != want {
			return &InvariantViolation{
				Name:   InvariantCounterConservation,
				Step:   step,
				Detail: fmt.Sprintf("backend %q has %d active calls, starts minus ends is %d", b.ID, b.ActiveCalls, want),
			}
		}
	}
	return nil
}
