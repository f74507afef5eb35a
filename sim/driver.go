package sim

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/resilience-sim/resilience-sim/sim/internal/digest"
)

// SimContext bundles the deterministic primitives one run shares: the
// virtual clock and the partitioned RNG. Harnesses draw payloads from the
// same context the driver draws event kinds from, so a seed fixes the
// whole run.
type SimContext struct {
	Clock *VirtualClock
	RNG   *PartitionedRNG
}

// NewSimContext creates a context with a fresh clock and an RNG rooted at seed.
func NewSimContext(seed int64) *SimContext {
	return &SimContext{
		Clock: NewVirtualClock(),
		RNG:   NewPartitionedRNG(NewSimulationKey(seed)),
	}
}

// Harness is one system under test driven by the event swarm. The driver
// draws what happens; the harness decides how the event plays out against
// its engines, oracles and checkers.
type Harness interface {
	// Name identifies the harness in logs and reports.
	Name() string

	// Step executes one event of the given kind. The returned Event is
	// recorded even when an error is returned; a non-nil error stops the
	// run and is reported as an invariant violation.
	Step(step int, kind EventKind, m *Metrics) (Event, error)

	// Finalize completes every in-flight call after the last step so the
	// run ends with conserved counters.
	Finalize(step int, m *Metrics) error

	// Summary reports the end-of-run engine state for the report.
	Summary() map[string]string
}

// Driver runs the randomized event swarm against a harness. A driver is
// single-use: Run may be called once.
type Driver struct {
	cfg     DriverConfig
	ctx     *SimContext
	harness Harness
	history []Event
	digest  string
	metrics *Metrics
	hasRun  bool
}

// NewDriver creates a driver for one run. It panics on nil ctx or harness
// and returns a ConfigurationError if cfg is invalid.
func NewDriver(cfg DriverConfig, ctx *SimContext, harness Harness) (*Driver, error) {
	if ctx == nil {
		panic("NewDriver: nil context")
	}
	if harness == nil {
		panic("NewDriver: nil harness")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, ctx: ctx, harness: harness, metrics: NewMetrics()}, nil
}

// Run executes the configured number of steps, then drains in-flight calls.
// On an invariant violation the run stops and both the report and the
// returned error carry the violation. Run panics if called twice.
func (d *Driver) Run() (*RunReport, error) {
	if d.hasRun {
		panic("Driver.Run: already run")
	}
	d.hasRun = true

	logrus.Infof("starting %s run: seed=%d steps=%d", d.harness.Name(), d.cfg.Seed, d.cfg.Steps)
	for step := 0; step < d.cfg.Steps; step++ {
		kind := d.drawKind()
		d.metrics.EventCounts[kind.String()]++
		ev, err := d.harness.Step(step, kind, d.metrics)
		d.history = append(d.history, ev)
		d.digest = digest.Chain(d.digest, ev.Record())
		logrus.Debugf("[step %07d] %s", step, ev.Record())
		if err != nil {
			v := asViolation(step, err)
			logrus.Errorf("[step %07d] %s", step, v.Error())
			return d.buildReport(v), v
		}
	}
	if err := d.harness.Finalize(d.cfg.Steps, d.metrics); err != nil {
		v := asViolation(d.cfg.Steps, err)
		logrus.Errorf("finalize: %s", v.Error())
		return d.buildReport(v), v
	}
	logrus.Infof("run complete: steps=%d digest=%s", len(d.history), d.digest)
	return d.buildReport(nil), nil
}

// drawKind picks the next event kind from the configured weights.
func (d *Driver) drawKind() EventKind {
	r := d.ctx.RNG.ForSubsystem(SubsystemEventKind)
	n := r.Intn(d.cfg.Weights.total())
	w := d.cfg.Weights
	if n < w.CallAttempt {
		return KindCallAttempt
	}
	n -= w.CallAttempt
	if n < w.OutcomeDelivered {
		return KindOutcomeDelivered
	}
	n -= w.OutcomeDelivered
	if n < w.TimeAdvance {
		return KindTimeAdvance
	}
	return KindHealthFlip
}

func (d *Driver) buildReport(violation *InvariantViolation) *RunReport {
	history := make([]string, 0, len(d.history))
	for _, ev := range d.history {
		history = append(history, ev.Record())
	}
	truncated := false
	if d.cfg.HistoryLimit > 0 && len(history) > d.cfg.HistoryLimit {
		// The tail is what explains a violation, so truncation drops the head.
		history = history[len(history)-d.cfg.HistoryLimit:]
		truncated = true
	}
	return NewRunReport(d.harness.Name(), d.cfg.Seed, len(d.history), d.digest,
		d.harness.Summary(), violation, history, truncated, d.metrics)
}

// asViolation normalizes harness errors: invariant violations pass through,
// anything else becomes an engine-error violation at the failing step.
func asViolation(step int, err error) *InvariantViolation {
	var v *InvariantViolation
	if errors.As(err, &v) {
		return v
	}
	return &InvariantViolation{Name: InvariantEngineError, Step: step, Detail: err.Error()}
}
