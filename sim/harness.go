package sim

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DrawOutcome draws a call outcome from r using the configured failure and
// timeout rates. The remaining probability mass is success.
func DrawOutcome(r *rand.Rand, gen GenConfig) CallOutcome {
	f := r.Float64()
	switch {
	case f < gen.FailureRate:
		return OutcomeFailure
	case f < gen.FailureRate+gen.TimeoutRate:
		return OutcomeTimeout
	default:
		return OutcomeSuccess
	}
}

// DrawRange draws an int64 uniformly from [min, max].
func DrawRange(r *rand.Rand, min, max int64) int64 {
	if min == max {
		return min
	}
	return min + r.Int63n(max-min+1)
}

func divergence(step int, detail string) *InvariantViolation {
	return &InvariantViolation{Name: InvariantOracleDivergence, Step: step, Detail: detail}
}

// BreakerHarness drives one circuit breaker engine in lockstep with its
// oracle. Admitted calls wait in a pending set; their outcomes feed the
// window when an outcome-delivered event picks them up.
type BreakerHarness struct {
	gen     GenConfig
	ctx     *SimContext
	engine  CircuitBreaker
	oracle  *BreakerOracle
	checker *BreakerChecker
	pending *PendingCalls
}

// NewBreakerHarness creates a harness with a fresh engine, oracle and
// checker built from cfg.
func NewBreakerHarness(cfg BreakerConfig, gen GenConfig, ctx *SimContext) (*BreakerHarness, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	engine, err := NewCircuitBreaker(cfg)
	if err != nil {
		return nil, err
	}
	oracle, err := NewBreakerOracle(cfg)
	if err != nil {
		return nil, err
	}
	return &BreakerHarness{
		gen:     gen,
		ctx:     ctx,
		engine:  engine,
		oracle:  oracle,
		checker: NewBreakerChecker(cfg),
		pending: NewPendingCalls(),
	}, nil
}

func (h *BreakerHarness) Name() string { return HarnessBreaker }

func (h *BreakerHarness) Step(step int, kind EventKind, m *Metrics) (Event, error) {
	before := h.engine.Snapshot()
	ev := Event{Step: step, Kind: kind}
	var allowed *bool

	switch kind {
	case KindCallAttempt:
		got := h.engine.AllowCall()
		want := h.oracle.AllowCall()
		allowed = &got
		ev.Admitted = got
		if got != want {
			return ev, divergence(step, fmt.Sprintf("AllowCall: engine=%t oracle=%t", got, want))
		}
		if got {
			m.CallsAdmitted++
			outcome := DrawOutcome(h.ctx.RNG.ForSubsystem(SubsystemOutcome), h.gen)
			latency := DrawRange(h.ctx.RNG.ForSubsystem(SubsystemLatency), h.gen.LatencyMin, h.gen.LatencyMax)
			h.pending.Open(OpenCall{
				Outcome:  outcome,
				Latency:  latency,
				Deadline: h.ctx.Clock.Now() + latency,
			})
		} else {
			m.CallsRejected++
		}
	case KindOutcomeDelivered:
		call, ok := h.pending.Complete()
		if !ok {
			// Nothing in flight: feed a synthetic outcome directly so
			// outcome-heavy swarms still exercise the window.
			outcome := DrawOutcome(h.ctx.RNG.ForSubsystem(SubsystemOutcome), h.gen)
			latency := DrawRange(h.ctx.RNG.ForSubsystem(SubsystemLatency), h.gen.LatencyMin, h.gen.LatencyMax)
			call = OpenCall{Outcome: outcome, Latency: latency, Deadline: h.ctx.Clock.Now()}
		}
		ev.Outcome = call.Outcome
		ev.Latency = call.Latency
		h.engine.RecordOutcome(call.Outcome)
		h.oracle.RecordOutcome(call.Outcome)
		m.CountOutcome(call.Outcome, call.Latency)
	case KindTimeAdvance:
		delta := DrawRange(h.ctx.RNG.ForSubsystem(SubsystemTimeDelta), h.gen.TickMin, h.gen.TickMax)
		ev.Delta = delta
		h.ctx.Clock.Advance(delta)
		h.engine.AdvanceTime(delta)
		h.oracle.AdvanceTime(delta)
		m.TimeAdvanced += delta
	case KindHealthFlip:
		// A lone breaker has no backends to flip.
		ev.Noop = true
		m.NoopEvents++
	}
	return ev, h.afterStep(step, before, allowed, m)
}

// afterStep counts transitions and cross-checks engine against oracle and
// invariants once the event has been applied to both.
func (h *BreakerHarness) afterStep(step int, before BreakerSnapshot, allowed *bool, m *Metrics) error {
	after := h.engine.Snapshot()
	if before.State != after.State {
		m.CountTransition(before.State, after.State)
	}
	if oracleAfter := h.oracle.Snapshot(); after != oracleAfter {
		return divergence(step, fmt.Sprintf("snapshot: engine=%+v oracle=%+v", after, oracleAfter))
	}
	return errOrNil(h.checker.Check(step, before, after, allowed))
}

func (h *BreakerHarness) Finalize(step int, m *Metrics) error {
	for {
		call, ok := h.pending.Complete()
		if !ok {
			return nil
		}
		before := h.engine.Snapshot()
		h.engine.RecordOutcome(call.Outcome)
		h.oracle.RecordOutcome(call.Outcome)
		m.CountOutcome(call.Outcome, call.Latency)
		m.DrainedCalls++
		if err := h.afterStep(step, before, nil, m); err != nil {
			return err
		}
	}
}

func (h *BreakerHarness) Summary() map[string]string {
	snap := h.engine.Snapshot()
	return map[string]string{
		"state":           snap.State.String(),
		"window_total":    strconv.Itoa(snap.WindowTotal),
		"window_failures": strconv.Itoa(snap.WindowFailures),
		"pending_calls":   strconv.Itoa(h.pending.Len()),
	}
}

// BalancerHarness drives one load balancer engine in lockstep with its
// oracle. Selections open calls against the chosen backend; deliveries and
// the final drain close them, so counters must conserve throughout.
type BalancerHarness struct {
	cfg     BalancerConfig
	gen     GenConfig
	ctx     *SimContext
	engine  LoadBalancer
	oracle  *BalancerOracle
	checker *BalancerChecker
	pending *PendingCalls
	ids     []BackendID // configured order, the draw space for health flips
}

// NewBalancerHarness creates a harness with a fresh engine, oracle and
// checker built from cfg.
func NewBalancerHarness(cfg BalancerConfig, gen GenConfig, ctx *SimContext) (*BalancerHarness, error) {
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	engine, err := NewLoadBalancer(cfg)
	if err != nil {
		return nil, err
	}
	oracle, err := NewBalancerOracle(cfg)
	if err != nil {
		return nil, err
	}
	ids := make([]BackendID, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		ids = append(ids, BackendID(b.ID))
	}
	return &BalancerHarness{
		cfg:     cfg,
		gen:     gen,
		ctx:     ctx,
		engine:  engine,
		oracle:  oracle,
		checker: NewBalancerChecker(cfg),
		pending: NewPendingCalls(),
		ids:     ids,
	}, nil
}

func (h *BalancerHarness) Name() string { return HarnessBalancer }

func (h *BalancerHarness) Step(step int, kind EventKind, m *Metrics) (Event, error) {
	before := h.engine.Snapshot()
	ev := Event{Step: step, Kind: kind}

	switch kind {
	case KindCallAttempt:
		gotID, gotErr := h.engine.Select()
		wantID, wantErr := h.oracle.Select()
		if !selectionsMatch(gotID, gotErr, wantID, wantErr) {
			return ev, divergence(step, fmt.Sprintf("Select: engine=(%q, %v) oracle=(%q, %v)", gotID, gotErr, wantID, wantErr))
		}
		if gotErr != nil {
			if !errors.Is(gotErr, ErrNoHealthyBackend) {
				return ev, gotErr
			}
			// All backends down counts as a failed call, not an error.
			logrus.Warnf("[step %07d] selection found no healthy backend", step)
			m.NoHealthy++
			m.Failures++
			if v := h.checker.ObserveNoHealthy(step, before); v != nil {
				return ev, v
			}
			break
		}
		ev.Target = gotID
		ev.Admitted = true
		if v := h.checker.ObserveSelect(step, before, gotID); v != nil {
			return ev, v
		}
		if err := h.engine.OnCallStart(gotID); err != nil {
			return ev, err
		}
		if err := h.oracle.OnCallStart(gotID); err != nil {
			return ev, err
		}
		h.checker.ObserveStart(gotID)
		m.CallsAdmitted++
		m.Selections[string(gotID)]++
		outcome := DrawOutcome(h.ctx.RNG.ForSubsystem(SubsystemOutcome), h.gen)
		latency := DrawRange(h.ctx.RNG.ForSubsystem(SubsystemLatency), h.gen.LatencyMin, h.gen.LatencyMax)
		h.pending.Open(OpenCall{
			Target:   gotID,
			Outcome:  outcome,
			Latency:  latency,
			Deadline: h.ctx.Clock.Now() + latency,
		})
	case KindOutcomeDelivered:
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
	case KindTimeAdvance:
		delta := DrawRange(h.ctx.RNG.ForSubsystem(SubsystemTimeDelta), h.gen.TickMin, h.gen.TickMax)
		ev.Delta = delta
		h.ctx.Clock.Advance(delta)
		m.TimeAdvanced += delta
	case KindHealthFlip:
		r := h.ctx.RNG.ForSubsystem(SubsystemHealth)
		target := h.ids[r.Intn(len(h.ids))]
		next := Unhealthy
		for _, b := range before {
			if b.ID == target && b.Health == Unhealthy {
				next = Healthy
			}
		}
		ev.Target = target
		ev.Health = next
		if err := h.engine.SetHealth(target, next); err != nil {
			return ev, err
		}
		if err := h.oracle.SetHealth(target, next); err != nil {
			return ev, err
		}
		h.checker.ObserveHealthChange(target)
		m.HealthFlips++
	}
	return ev, h.afterStep(step)
}

// completeCall closes one call on engine, oracle and checker.
func (h *BalancerHarness) completeCall(call OpenCall) error {
	if err := h.engine.OnCallEnd(call.Target); err != nil {
		return err
	}
	if err := h.oracle.OnCallEnd(call.Target); err != nil {
		return err
	}
	h.checker.ObserveEnd(call.Target)
	return nil
}

// afterStep cross-checks the full backend state against the oracle and the
// counter invariants once the event has been applied to both.
func (h *BalancerHarness) afterStep(step int) error {
	after := h.engine.Snapshot()
	oracleAfter := h.oracle.Snapshot()
	if !backendSnapshotsEqual(after, oracleAfter) {
		return divergence(step, fmt.Sprintf("snapshot: engine=%+v oracle=%+v", after, oracleAfter))
	}
	return errOrNil(h.checker.CheckCounters(step, after))
}

func (h *BalancerHarness) Finalize(step int, m *Metrics) error {
	for {
		call, ok := h.pending.Complete()
		if !ok {
			return nil
		}
		if err := h.completeCall(call); err != nil {
			return err
		}
		m.CountOutcome(call.Outcome, call.Latency)
		m.DrainedCalls++
		if err := h.afterStep(step); err != nil {
			return err
		}
	}
}

func (h *BalancerHarness) Summary() map[string]string {
	out := make(map[string]string)
	for _, b := range h.engine.Snapshot() {
		out[string(b.ID)] = fmt.Sprintf("%s active=%d", b.Health, b.ActiveCalls)
	}
	out["pending_calls"] = strconv.Itoa(h.pending.Len())
	return out
}

// selectionsMatch reports whether engine and oracle selections agree: same
// backend on success, and no-healthy only together.
func selectionsMatch(gotID BackendID, gotErr error, wantID BackendID, wantErr error) bool {
	if (gotErr == nil) != (wantErr == nil) {
		return false
	}
	if gotErr != nil {
		return errors.Is(gotErr, ErrNoHealthyBackend) == errors.Is(wantErr, ErrNoHealthyBackend)
	}
	return gotID == wantID
}

func backendSnapshotsEqual(a, b []BackendSnapshot) bool {
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

// errOrNil lifts a typed violation into a plain error without the typed-nil
// trap of returning v directly.
func errOrNil(v *InvariantViolation) error {
	if v == nil {
		return nil
	}
	return v
}
