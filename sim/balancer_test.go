package sim

import (
	"errors"
	"sync"
	"testing"
)

// mustNewBalancer builds a balancer and fails the test on configuration errors.
func mustNewBalancer(t *testing.T, cfg BalancerConfig) LoadBalancer {
	t.Helper()
	lb, err := NewLoadBalancer(cfg)
	if err != nil {
		t.Fatalf("NewLoadBalancer: %v", err)
	}
	return lb
}

// selectN performs n selections and fails the test on any error.
func selectN(t *testing.T, lb LoadBalancer, n int) []BackendID {
	t.Helper()
	picks := make([]BackendID, 0, n)
	for i := 0; i < n; i++ {
		id, err := lb.Select()
		if err != nil {
			t.Fatalf("Select %d: %v", i, err)
		}
		picks = append(picks, id)
	}
	return picks
}

func threeBackends(strategy string) BalancerConfig {
	return NewBalancerConfig(strategy, []BackendConfig{
		NewBackendConfig("a", Healthy),
		NewBackendConfig("b", Healthy),
		NewBackendConfig("c", Healthy),
	})
}

func TestRoundRobin_CyclesInConfiguredOrder(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))

	picks := selectN(t, lb, 4)
	want := []BackendID{"a", "b", "c", "a"}
	for i, id := range want {
		if picks[i] != id {
			t.Errorf("selection %d: expected %s, got %s", i, id, picks[i])
		}
	}
}

func TestRoundRobin_SkipsUnhealthyBackend(t *testing.T) {
	// GIVEN backends [a, b, c] with b unhealthy
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))
	if err := lb.SetHealth("b", Unhealthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}

	// THEN selections alternate a, c, a, c, a, c
	picks := selectN(t, lb, 6)
	want := []BackendID{"a", "c", "a", "c", "a", "c"}
	for i, id := range want {
		if picks[i] != id {
			t.Errorf("selection %d: expected %s, got %s", i, id, picks[i])
		}
	}
}

func TestRoundRobin_CursorAdvancesOneSlotPastSelection(t *testing.T) {
	// GIVEN [a, b, c] with b unhealthy, so the first pick is a
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))
	if err := lb.SetHealth("b", Unhealthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if picks := selectN(t, lb, 1); picks[0] != "a" {
		t.Fatalf("expected first pick a, got %s", picks[0])
	}

	// WHEN b recovers before the next selection
	if err := lb.SetHealth("b", Healthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}

	// THEN the cursor sits one past a, so b is picked rather than skipped ahead
	if picks := selectN(t, lb, 1); picks[0] != "b" {
		t.Errorf("expected the recovered b to be picked next, got %s", picks[0])
	}
}

func TestRoundRobin_HealthFlipExcludesOnNextSelect(t *testing.T) {
	cfg := NewBalancerConfig(StrategyRoundRobin, []BackendConfig{
		NewBackendConfig("a", Healthy),
		NewBackendConfig("b", Healthy),
	})
	lb := mustNewBalancer(t, cfg)

	if picks := selectN(t, lb, 1); picks[0] != "a" {
		t.Fatalf("expected first pick a, got %s", picks[0])
	}
	if err := lb.SetHealth("a", Unhealthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}

	// Every later selection lands on b until a recovers.
	picks := selectN(t, lb, 3)
	for i, id := range picks {
		if id != "b" {
			t.Errorf("selection %d: expected b while a is unhealthy, got %s", i, id)
		}
	}
}

func TestBalancer_NoHealthyBackend(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))
	for _, id := range []BackendID{"a", "b", "c"} {
		if err := lb.SetHealth(id, Unhealthy); err != nil {
			t.Fatalf("SetHealth: %v", err)
		}
	}

	_, err := lb.Select()
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Errorf("expected ErrNoHealthyBackend, got %v", err)
	}
}

func TestBalancer_SelectDoesNotMutateCounters(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))

	selectN(t, lb, 5)
	for _, snap := range lb.Snapshot() {
		if snap.ActiveCalls != 0 {
			t.Errorf("expected Select to leave %s at 0 active calls, got %d", snap.ID, snap.ActiveCalls)
		}
	}
}

func TestLeastConnections_TieBreaksByConfiguredOrder(t *testing.T) {
	// GIVEN two backends with equal load
	cfg := NewBalancerConfig(StrategyLeastConnections, []BackendConfig{
		NewBackendConfig("a", Healthy),
		NewBackendConfig("b", Healthy),
	})
	lb := mustNewBalancer(t, cfg)

	// THEN the tie goes to the earlier backend
	if picks := selectN(t, lb, 1); picks[0] != "a" {
		t.Fatalf("expected the tie to go to a, got %s", picks[0])
	}

	// WHEN a call starts on a
	if err := lb.OnCallStart("a"); err != nil {
		t.Fatalf("OnCallStart: %v", err)
	}

	// THEN b is now strictly less loaded
	if picks := selectN(t, lb, 1); picks[0] != "b" {
		t.Errorf("expected b at lower load, got %s", picks[0])
	}
}

func TestLeastConnections_PicksMinimumActive(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyLeastConnections))
	starts := map[BackendID]int{"a": 2, "b": 1, "c": 2}
	for id, n := range starts {
		for i := 0; i < n; i++ {
			if err := lb.OnCallStart(id); err != nil {
				t.Fatalf("OnCallStart(%s): %v", id, err)
			}
		}
	}

	if picks := selectN(t, lb, 1); picks[0] != "b" {
		t.Errorf("expected the least loaded b, got %s", picks[0])
	}
}

func TestLeastConnections_SkipsUnhealthyEvenAtZeroLoad(t *testing.T) {
	// GIVEN an idle but unhealthy a and a busy healthy b
	cfg := NewBalancerConfig(StrategyLeastConnections, []BackendConfig{
		NewBackendConfig("a", Unhealthy),
		NewBackendConfig("b", Healthy),
	})
	lb := mustNewBalancer(t, cfg)
	for i := 0; i < 5; i++ {
		if err := lb.OnCallStart("b"); err != nil {
			t.Fatalf("OnCallStart: %v", err)
		}
	}

	if picks := selectN(t, lb, 1); picks[0] != "b" {
		t.Errorf("expected the unhealthy a to be skipped, got %s", picks[0])
	}
}

func TestBalancer_CounterUnderflow(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))

	err := lb.OnCallEnd("a")
	var uerr *CounterUnderflowError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected a CounterUnderflowError, got %v", err)
	}
	if uerr.Backend != "a" {
		t.Errorf("expected the error to name backend a, got %s", uerr.Backend)
	}

	// The failed decrement must not move the counter.
	for _, snap := range lb.Snapshot() {
		if snap.ID == "a" && snap.ActiveCalls != 0 {
			t.Errorf("expected a to stay at 0 active calls, got %d", snap.ActiveCalls)
		}
	}
}

func TestBalancer_UnknownBackendErrors(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyRoundRobin))

	if err := lb.OnCallStart("ghost"); err == nil {
		t.Errorf("expected OnCallStart on an unknown backend to error")
	}
	if err := lb.OnCallEnd("ghost"); err == nil {
		t.Errorf("expected OnCallEnd on an unknown backend to error")
	}
	if err := lb.SetHealth("ghost", Unhealthy); err == nil {
		t.Errorf("expected SetHealth on an unknown backend to error")
	}
}

func TestBalancer_SetHealthPreservesCounters(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyLeastConnections))
	for i := 0; i < 2; i++ {
		if err := lb.OnCallStart("a"); err != nil {
			t.Fatalf("OnCallStart: %v", err)
		}
	}

	// Flipping health in either direction leaves in-flight counts alone.
	if err := lb.SetHealth("a", Unhealthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if err := lb.SetHealth("a", Healthy); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	for _, snap := range lb.Snapshot() {
		if snap.ID == "a" && snap.ActiveCalls != 2 {
			t.Errorf("expected a to keep 2 active calls across flips, got %d", snap.ActiveCalls)
		}
	}
}

func TestBalancer_SnapshotInConfiguredOrder(t *testing.T) {
	lb := mustNewBalancer(t, threeBackends(StrategyLeastConnections))

	snaps := lb.Snapshot()
	want := []BackendID{"a", "b", "c"}
	if len(snaps) != len(want) {
		t.Fatalf("expected %d snapshots, got %d", len(want), len(snaps))
	}
	for i, id := range want {
		if snaps[i].ID != id {
			t.Errorf("snapshot %d: expected %s, got %s", i, id, snaps[i].ID)
		}
	}
}

func TestNewLoadBalancer_InvalidConfig(t *testing.T) {
	cfg := NewBalancerConfig(StrategyRoundRobin, nil)
	lb, err := NewLoadBalancer(cfg)
	if lb != nil {
		t.Errorf("expected nil balancer on invalid config")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestMustNewLoadBalancer_PanicsOnInvalid(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected MustNewLoadBalancer to panic on invalid config")
		}
	}()
	MustNewLoadBalancer(NewBalancerConfig("random", threeBackends(StrategyRoundRobin).Backends))
}

func TestBalancer_ParallelCallsConserveCounters(t *testing.T) {
	// Each worker pairs every start with an end, so counters must return
	// to zero once all workers finish (run with -race).
	lb := mustNewBalancer(t, threeBackends(StrategyLeastConnections))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id, err := lb.Select()
				if err != nil {
					t.Errorf("Select: %v", err)
					return
				}
				if err := lb.OnCallStart(id); err != nil {
					t.Errorf("OnCallStart: %v", err)
					return
				}
				for _, snap := range lb.Snapshot() {
					if snap.ActiveCalls < 0 {
						t.Errorf("negative active calls on %s", snap.ID)
					}
				}
				if err := lb.OnCallEnd(id); err != nil {
					t.Errorf("OnCallEnd: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, snap := range lb.Snapshot() {
		if snap.ActiveCalls != 0 {
			t.Errorf("expected %s to drain to 0 active calls, got %d", snap.ID, snap.ActiveCalls)
		}
	}
}
