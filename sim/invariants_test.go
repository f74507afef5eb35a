package sim

import "testing"

func boolPtr(v bool) *bool { return &v }

func TestBreakerChecker_OpenRejects(t *testing.T) {
	c := NewBreakerChecker(validCountBreakerConfig())
	before := BreakerSnapshot{State: StateOpen}
	after := before

	v := c.Check(7, before, after, boolPtr(true))
	if v == nil || v.Name != InvariantOpenRejects {
		t.Errorf("expected an open-rejects violation, got %+v", v)
	}
	if v != nil && v.Step != 7 {
		t.Errorf("expected the violation to carry step 7, got %d", v.Step)
	}
}

func TestBreakerChecker_ClosedAdmits(t *testing.T) {
	c := NewBreakerChecker(validCountBreakerConfig())
	before := BreakerSnapshot{State: StateClosed}

	v := c.Check(3, before, before, boolPtr(false))
	if v == nil || v.Name != InvariantClosedAdmits {
		t.Errorf("expected a closed-admits violation, got %+v", v)
	}
}

func TestBreakerChecker_TrialConcurrencyBound(t *testing.T) {
	cfg := validCountBreakerConfig()
	c := NewBreakerChecker(cfg)

	after := BreakerSnapshot{State: StateHalfOpen, TrialsInFlight: cfg.TrialConcurrency + 1}
	v := c.Check(1, BreakerSnapshot{State: StateHalfOpen}, after, nil)
	if v == nil || v.Name != InvariantTrialConcurrency {
		t.Errorf("expected a trial-concurrency violation, got %+v", v)
	}
}

func TestBreakerChecker_WindowBounds(t *testing.T) {
	cfg := validCountBreakerConfig()
	c := NewBreakerChecker(cfg)

	tests := []struct {
		name  string
		after BreakerSnapshot
	}{
		{
			name:  "failures exceed total",
			after: BreakerSnapshot{State: StateClosed, WindowTotal: 2, WindowFailures: 3},
		},
		{
			name:  "total exceeds window size",
			after: BreakerSnapshot{State: StateClosed, WindowTotal: cfg.WindowSize + 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Check(1, BreakerSnapshot{State: StateClosed}, tt.after, nil)
			if v == nil || v.Name != InvariantWindowBound {
				t.Errorf("expected a window-bound violation, got %+v", v)
			}
		})
	}
}

func TestBreakerChecker_PassesConsistentSnapshots(t *testing.T) {
	c := NewBreakerChecker(validCountBreakerConfig())
	before := BreakerSnapshot{State: StateClosed, WindowTotal: 3, WindowFailures: 1, OpenedAt: -1}
	after := BreakerSnapshot{State: StateClosed, WindowTotal: 4, WindowFailures: 1, OpenedAt: -1}

	if v := c.Check(1, before, after, boolPtr(true)); v != nil {
		t.Errorf("expected no violation, got %+v", v)
	}
}

func TestBreakerChecker_NilAllowedSkipsAdmissionRules(t *testing.T) {
	// Non-admission events carry no admission result; an Open before-state
	// alone is not a violation.
	c := NewBreakerChecker(validCountBreakerConfig())
	before := BreakerSnapshot{State: StateOpen, WindowTotal: 5, WindowFailures: 5}

	if v := c.Check(1, before, before, nil); v != nil {
		t.Errorf("expected no violation without an admission result, got %+v", v)
	}
}

func TestBalancerChecker_SelectOutsideConfiguredSet(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))
	before := []BackendSnapshot{{ID: "a", Health: Healthy}}

	v := c.ObserveSelect(1, before, "ghost")
	if v == nil || v.Name != InvariantSelectHealthy {
		t.Errorf("expected a select-healthy violation, got %+v", v)
	}
}

func TestBalancerChecker_SelectUnhealthyBackend(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))
	before := []BackendSnapshot{
		{ID: "a", Health: Unhealthy},
		{ID: "b", Health: Healthy},
	}

	v := c.ObserveSelect(1, before, "a")
	if v == nil || v.Name != InvariantSelectHealthy {
		t.Errorf("expected a select-healthy violation, got %+v", v)
	}
}

func TestBalancerChecker_LeastConnectionsMinimality(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyLeastConnections))
	before := []BackendSnapshot{
		{ID: "a", Health: Healthy, ActiveCalls: 3},
		{ID: "b", Health: Healthy, ActiveCalls: 1},
	}

	v := c.ObserveSelect(1, before, "a")
	if v == nil || v.Name != InvariantLeastConnMinimality {
		t.Errorf("expected a least-connections-minimality violation, got %+v", v)
	}
}

func TestBalancerChecker_LeastConnectionsIgnoresUnhealthyLighterBackend(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyLeastConnections))
	before := []BackendSnapshot{
		{ID: "a", Health: Unhealthy, ActiveCalls: 0},
		{ID: "b", Health: Healthy, ActiveCalls: 4},
	}

	if v := c.ObserveSelect(1, before, "b"); v != nil {
		t.Errorf("expected no violation, got %+v", v)
	}
}

func TestBalancerChecker_RoundRobinCycleRepeat(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))
	before := []BackendSnapshot{
		{ID: "a", Health: Healthy},
		{ID: "b", Health: Healthy},
	}

	if v := c.ObserveSelect(1, before, "a"); v != nil {
		t.Fatalf("expected the first selection to pass, got %+v", v)
	}
	v := c.ObserveSelect(2, before, "a")
	if v == nil || v.Name != InvariantRoundRobinCycle {
		t.Errorf("expected a round-robin-cycle violation, got %+v", v)
	}
}

func TestBalancerChecker_RoundRobinCompleteCyclesPass(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))
	before := []BackendSnapshot{
		{ID: "a", Health: Healthy},
		{ID: "b", Health: Healthy},
	}

	for step, id := range []BackendID{"a", "b", "a", "b"} {
		if v := c.ObserveSelect(step, before, id); v != nil {
			t.Errorf("step %d: expected a clean cycle, got %+v", step, v)
		}
	}
}

func TestBalancerChecker_HealthChangeResetsCycle(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))
	before := []BackendSnapshot{
		{ID: "a", Health: Healthy},
		{ID: "b", Health: Healthy},
	}

	if v := c.ObserveSelect(1, before, "a"); v != nil {
		t.Fatalf("expected the first selection to pass, got %+v", v)
	}
	c.ObserveHealthChange("b")

	// The repeat is legal because the cycle restarted at the flip.
	if v := c.ObserveSelect(2, before, "a"); v != nil {
		t.Errorf("expected no violation after a cycle reset, got %+v", v)
	}
}

func TestBalancerChecker_ObserveNoHealthy(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyRoundRobin))

	allDown := []BackendSnapshot{
		{ID: "a", Health: Unhealthy},
		{ID: "b", Health: Unhealthy},
	}
	if v := c.ObserveNoHealthy(1, allDown); v != nil {
		t.Errorf("expected no violation with every backend down, got %+v", v)
	}

	oneUp := []BackendSnapshot{
		{ID: "a", Health: Unhealthy},
		{ID: "b", Health: Healthy},
	}
	v := c.ObserveNoHealthy(2, oneUp)
	if v == nil || v.Name != InvariantSelectHealthy {
		t.Errorf("expected a select-healthy violation, got %+v", v)
	}
}

func TestBalancerChecker_CounterConservation(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyLeastConnections))
	c.ObserveStart("a")
	c.ObserveStart("a")
	c.ObserveEnd("a")

	good := []BackendSnapshot{{ID: "a", Health: Healthy, ActiveCalls: 1}}
	if v := c.CheckCounters(1, good); v != nil {
		t.Errorf("expected matching tallies to pass, got %+v", v)
	}

	bad := []BackendSnapshot{{ID: "a", Health: Healthy, ActiveCalls: 2}}
	v := c.CheckCounters(2, bad)
	if v == nil || v.Name != InvariantCounterConservation {
		t.Errorf("expected a counter-conservation violation, got %+v", v)
	}
}

func TestBalancerChecker_CounterNonnegative(t *testing.T) {
	c := NewBalancerChecker(threeBackends(StrategyLeastConnections))

	snaps := []BackendSnapshot{{ID: "a", Health: Healthy, ActiveCalls: -1}}
	v := c.CheckCounters(1, snaps)
	if v == nil || v.Name != InvariantCounterNonnegative {
		t.Errorf("expected a counter-nonnegative violation, got %+v", v)
	}
}
