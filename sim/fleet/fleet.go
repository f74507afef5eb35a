// Package fleet composes a load balancer with one circuit breaker per
// backend: selection picks the backend, that backend's breaker gates the
// call. The whole composition runs under the same swarm driver as the
// single-engine harnesses.
package fleet

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/resilience-sim/resilience-sim/sim"
)

// Config groups the fleet harness parameters. The breaker configuration is
// shared: every backend gets its own breaker built from it.
type Config struct {
	Balancer sim.BalancerConfig
	Breaker  sim.BreakerConfig
	Gen      sim.GenConfig
}

// Harness drives the balancer-plus-breakers composition in lockstep with
// per-component oracles. It implements sim.Harness.
type Harness struct {
	cfg             Config
	ctx             *sim.SimContext
	balancer        sim.LoadBalancer
	balancerOracle  *sim.BalancerOracle
	balancerChecker *sim.BalancerChecker
	breakers        map[sim.BackendID]sim.CircuitBreaker
	breakerOracles  map[sim.BackendID]*sim.BreakerOracle
	breakerCheckers map[sim.BackendID]*sim.BreakerChecker
	pending         *sim.PendingCalls
	ids             []sim.BackendID // configured order, used for every per-backend iteration
}

// NewHarness creates a fleet harness with fresh engines, oracles and
// checkers built from cfg.
func NewHarness(cfg Config, ctx *sim.SimContext) (*Harness, error) {
	if err := cfg.Gen.Validate(); err != nil {
		return nil, err
	}
	balancer, err := sim.NewLoadBalancer(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	balancerOracle, err := sim.NewBalancerOracle(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	h := &Harness{
		cfg:             cfg,
		ctx:             ctx,
		balancer:        balancer,
		balancerOracle:  balancerOracle,
		balancerChecker: sim.NewBalancerChecker(cfg.Balancer),
		breakers:        make(map[sim.BackendID]sim.CircuitBreaker),
		breakerOracles:  make(map[sim.BackendID]*sim.BreakerOracle),
		breakerCheckers: make(map[sim.BackendID]*sim.BreakerChecker),
		pending:         sim.NewPendingCalls(),
	}
	for _, b := range cfg.Balancer.Backends {
		id := sim.BackendID(b.ID)
		breaker, err := sim.NewCircuitBreaker(cfg.Breaker)
		if err != nil {
			return nil, err
		}
		oracle, err := sim.NewBreakerOracle(cfg.Breaker)
		if err != nil {
			return nil, err
		}
		h.breakers[id] = breaker
		h.breakerOracles[id] = oracle
		h.breakerCheckers[id] = sim.NewBreakerChecker(cfg.Breaker)
		h.ids = append(h.ids, id)
	}
	return h, nil
}

func (h *Harness) Name() string { return sim.HarnessFleet }

func (h *Harness) Step(step int, kind sim.EventKind, m *sim.Metrics) (sim.Event, error) {
	balancerBefore := h.balancer.Snapshot()
	breakerBefore := h.breakerSnapshots()
	ev := sim.Event{Step: step, Kind: kind}
	var gated sim.BackendID
	var allowed *bool

	switch kind {
	case sim.KindCallAttempt:
		gotID, gotErr := h.balancer.Select()
		wantID, wantErr := h.balancerOracle.Select()
		if (gotErr == nil) != (wantErr == nil) || gotID != wantID {
			return ev, divergence(step, fmt.Sprintf("Select: engine=(%q, %v) oracle=(%q, %v)", gotID, gotErr, wantID, wantErr))
		}
		if gotErr != nil {
			if !errors.Is(gotErr, sim.ErrNoHealthyBackend) {
				return ev, gotErr
			}
			logrus.Warnf("[step %07d] selection found no healthy backend", step)
			m.NoHealthy++
			m.Failures++
			if v := h.balancerChecker.ObserveNoHealthy(step, balancerBefore); v != nil {
				return ev, v
			}
			break
		}
		ev.Target = gotID
		m.Selections[string(gotID)]++
		if v := h.balancerChecker.ObserveSelect(step, balancerBefore, gotID); v != nil {
			return ev, v
		}
		// The chosen backend's breaker has the final say on admission.
		got := h.breakers[gotID].AllowCall()
		want := h.breakerOracles[gotID].AllowCall()
		if got != want {
			return ev, divergence(step, fmt.Sprintf("AllowCall(%s): engine=%t oracle=%t", gotID, got, want))
		}
		gated, allowed = gotID, &got
		ev.Admitted = got
		if !got {
			m.CallsRejected++
			break
		}
		if err := h.balancer.OnCallStart(gotID); err != nil {
			return ev, err
		}
		if err := h.balancerOracle.OnCallStart(gotID); err != nil {
			return ev, err
		}
		h.balancerChecker.ObserveStart(gotID)
		m.CallsAdmitted++
		outcome := sim.DrawOutcome(h.ctx.RNG.ForSubsystem(sim.SubsystemOutcome), h.cfg.Gen)
		latency := sim.DrawRange(h.ctx.RNG.ForSubsystem(sim.SubsystemLatency), h.cfg.Gen.LatencyMin, h.cfg.Gen.LatencyMax)
		h.pending.Open(sim.OpenCall{
			Target:   gotID,
			Outcome:  outcome,
			Latency:  latency,
			Deadline: h.ctx.Clock.Now() + latency,
		})
	case sim.KindOutcomeDelivered:
		call, ok := h.pending.Complete()
		if !ok {
			ev.Noop = true
			m.NoopEvents++
			break
		}
		ev.Target = call.Target
		ev.Outcome = call.Outcome
		ev.Latency = call.Latency
		if err := h.completeCall(call); err != nil {
			return ev, err
		}
		m.CountOutcome(call.Outcome, call.Latency)
	case sim.KindTimeAdvance:
		delta := sim.DrawRange(h.ctx.RNG.ForSubsystem(sim.SubsystemTimeDelta), h.cfg.Gen.TickMin, h.cfg.Gen.TickMax)
		ev.Delta = delta
		h.ctx.Clock.Advance(delta)
		for _, id := range h.ids {
			h.breakers[id].AdvanceTime(delta)
			h.breakerOracles[id].AdvanceTime(delta)
		}
		m.TimeAdvanced += delta
	case sim.KindHealthFlip:
		r := h.ctx.RNG.ForSubsystem(sim.SubsystemHealth)
		target := h.ids[r.Intn(len(h.ids))]
		next := sim.Unhealthy
		for _, b := range balancerBefore {
			if b.ID == target && b.Health == sim.Unhealthy {
				next = sim.Healthy
			}
		}
		ev.Target = target
		ev.Health = next
		if err := h.balancer.SetHealth(target, next); err != nil {
			return ev, err
		}
		if err := h.balancerOracle.SetHealth(target, next); err != nil {
			return ev, err
		}
		h.balancerChecker.ObserveHealthChange(target)
		m.HealthFlips++
	}
	return ev, h.afterStep(step, breakerBefore, gated, allowed, m)
}

// completeCall closes one call on the balancer and feeds the outcome into
// the target backend's breaker, engine and oracle in lockstep.
func (h *Harness) completeCall(call sim.OpenCall) error {
	if err := h.balancer.OnCallEnd(call.Target); err != nil {
		return err
	}
	if err := h.balancerOracle.OnCallEnd(call.Target); err != nil {
		return err
	}
	h.balancerChecker.ObserveEnd(call.Target)
	h.breakers[call.Target].RecordOutcome(call.Outcome)
	h.breakerOracles[call.Target].RecordOutcome(call.Outcome)
	return nil
}

// afterStep cross-checks the balancer and every breaker against their
// oracles and invariants. gated and allowed carry the admission decision
// for the backend whose breaker was consulted this step, if any.
func (h *Harness) afterStep(step int, breakerBefore map[sim.BackendID]sim.BreakerSnapshot,
	gated sim.BackendID, allowed *bool, m *sim.Metrics) error {
	balancerAfter := h.balancer.Snapshot()
	if !backendSnapshotsEqual(balancerAfter, h.balancerOracle.Snapshot()) {
		return divergence(step, fmt.Sprintf("balancer snapshot: engine=%+v oracle=%+v", balancerAfter, h.balancerOracle.Snapshot()))
	}
	if v := h.balancerChecker.CheckCounters(step, balancerAfter); v != nil {
		return v
	}
	for _, id := range h.ids {
		after := h.breakers[id].Snapshot()
		before := breakerBefore[id]
		if before.State != after.State {
			m.CountTransition(before.State, after.State)
		}
		if oracleAfter := h.breakerOracles[id].Snapshot(); after != oracleAfter {
			return divergence(step, fmt.Sprintf("breaker %s snapshot: engine=%+v oracle=%+v", id, after, oracleAfter))
		}
		var a *bool
		if id == gated {
			a = allowed
		}
		if v := h.breakerCheckers[id].Check(step, before, after, a); v != nil {
			return v
		}
	}
	return nil
}

func (h *Harness) Finalize(step int, m *sim.Metrics) error {
	for {
		call, ok := h.pending.Complete()
		if !ok {
			return nil
		}
		breakerBefore := h.breakerSnapshots()
		if err := h.completeCall(call); err != nil {
			return err
		}
		m.CountOutcome(call.Outcome, call.Latency)
		m.DrainedCalls++
		if err := h.afterStep(step, breakerBefore, "", nil, m); err != nil {
			return err
		}
	}
}

func (h *Harness) Summary() map[string]string {
	out := make(map[string]string)
	for _, b := range h.balancer.Snapshot() {
		out[string(b.ID)] = fmt.Sprintf("%s active=%d breaker=%s", b.Health, b.ActiveCalls, h.breakers[b.ID].State())
	}
	out["pending_calls"] = strconv.Itoa(h.pending.Len())
	return out
}

func (h *Harness) breakerSnapshots() map[sim.BackendID]sim.BreakerSnapshot {
	snaps := make(map[sim.BackendID]sim.BreakerSnapshot, len(h.ids))
	for _, id := range h.ids {
		snaps[id] = h.breakers[id].Snapshot()
	}
	return snaps
}

func divergence(step int, detail string) *sim.InvariantViolation {
	return &sim.InvariantViolation{Name: sim.InvariantOracleDivergence, Step: step, Detail: detail}
}

func backendSnapshotsEqual(a, b []sim.BackendSnapshot) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
