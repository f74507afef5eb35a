package sim

import (
	"fmt"
	"sync"
)

// CircuitBreaker tracks call outcomes over a sliding window and decides
// whether new calls may proceed. Implementations are safe for concurrent use.
//
// Time is virtual: the breaker only moves through time via AdvanceTime, so
// runs with the same inputs reproduce the same transitions.
type CircuitBreaker interface {
	// RecordOutcome feeds one completed call into the window. Recording
	// happens in every state; state transitions are evaluated afterwards.
	RecordOutcome(outcome CallOutcome)

	// AllowCall reports whether a new call may proceed right now. In
	// HalfOpen a true return reserves one trial slot.
	AllowCall() bool

	// State returns the current circuit state.
	State() CircuitState

	// AdvanceTime moves the breaker's clock forward by delta ticks and
	// applies any time-driven transition (Open -> HalfOpen after the
	// cool-down). Panics if delta is negative.
	AdvanceTime(delta int64)

	// Snapshot returns the externally observable breaker state.
	Snapshot() BreakerSnapshot
}

// BreakerSnapshot is the observable state of a breaker at one instant.
// Snapshots are plain values and compare with ==.
type BreakerSnapshot struct {
	State          CircuitState
	WindowTotal    int
	WindowFailures int
	TrialsInFlight int
	TrialSuccesses int
	OpenedAt       int64
}

// windowStore is the sliding-window half of a breaker: the count policy
// keeps the last K outcomes, the time policy keeps bucketed counters.
type windowStore interface {
	record(now int64, outcome CallOutcome)
	counts(now int64) (total, failures int)
	clear()
}

// NewCircuitBreaker creates a breaker for the configured policy. It returns
// a ConfigurationError if cfg is invalid.
func NewCircuitBreaker(cfg BreakerConfig) (CircuitBreaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var win windowStore
	switch cfg.Policy {
	case BreakerPolicyCount:
		win = &countWindow{slots: make([]CallOutcome, cfg.WindowSize)}
	case BreakerPolicyTime:
		win = newTimeWindow(cfg.WindowDuration, cfg.BucketCount)
	}
	return &breaker{cfg: cfg, win: win, state: StateClosed, openedAt: -1}, nil
}

// MustNewCircuitBreaker is like NewCircuitBreaker but panics on invalid
// configuration. Intended for tests and fixed setups.
func MustNewCircuitBreaker(cfg BreakerConfig) CircuitBreaker {
	cb, err := NewCircuitBreaker(cfg)
	if err != nil {
		panic(err)
	}
	return cb
}

// thresholdMet reports whether the windowed failures trip the configured
// threshold. Strict flips the comparison from at-least to strictly-greater.
func thresholdMet(cfg BreakerConfig, failures, total int) bool {
	if cfg.FailureThreshold > 0 {
		if cfg.Strict {
			return failures > cfg.FailureThreshold
		}
		return failures >= cfg.FailureThreshold
	}
	ratio := float64(failures) / float64(total)
	if cfg.Strict {
		return ratio > cfg.FailureRatio
	}
	return ratio >= cfg.FailureRatio
}

// breaker implements the circuit state machine over a windowStore.
type breaker struct {
	mu             sync.Mutex
	cfg            BreakerConfig
	win            windowStore
	state          CircuitState
	now            int64
	openedAt       int64 // tick of the most recent open, -1 before the first
	trialsInFlight int
	trialSuccesses int
}

func (b *breaker) RecordOutcome(outcome CallOutcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.win.record(b.now, outcome)
	switch b.state {
	case StateClosed:
		total, failures := b.win.counts(b.now)
		if total >= b.cfg.MinSamples && thresholdMet(b.cfg, failures, total) {
			b.open()
		}
	case StateHalfOpen:
		// Outcomes from calls admitted before the open can still arrive,
		// so the trial counter floors at zero.
		if b.trialsInFlight > 0 {
			b.trialsInFlight--
		}
		if outcome.CountsAsFailure() {
			b.open()
			return
		}
		b.trialSuccesses++
		if b.trialSuccesses >= b.cfg.TrialSuccesses {
			b.state = StateClosed
			b.win.clear()
			b.trialsInFlight = 0
			b.trialSuccesses = 0
		}
	case StateOpen:
		// Window statistics only; Open never transitions on an outcome.
	}
}

func (b *breaker) AllowCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default:
		if b.trialsInFlight < b.cfg.TrialConcurrency {
			b.trialsInFlight++
			return true
		}
		return false
	}
}

func (b *breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) AdvanceTime(delta int64) {
	if delta < 0 {
		panic(fmt.Sprintf("CircuitBreaker.AdvanceTime: negative delta %d", delta))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now += delta
	if b.state == StateOpen && b.now-b.openedAt >= b.cfg.CoolDown {
		b.state = StateHalfOpen
		b.trialsInFlight = 0
		b.trialSuccesses = 0
	}
}

func (b *breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	total, failures := b.win.counts(b.now)
	return BreakerSnapshot{
		State:          b.state,
		WindowTotal:    total,
		WindowFailures: failures,
		TrialsInFlight: b.trialsInFlight,
		TrialSuccesses: b.trialSuccesses,
		OpenedAt:       b.openedAt,
	}
}

// open transitions to Open at the current tick. Callers hold b.mu.
func (b *breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now
	b.trialsInFlight = 0
	b.trialSuccesses = 0
}

// countWindow retains the last len(slots) outcomes in a FIFO ring.
type countWindow struct {
	slots    []CallOutcome
	next     int
	occupied int
	failures int
}

func (w *countWindow) record(_ int64, outcome CallOutcome) {
	if w.occupied == len(w.slots) {
		if w.slots[w.next].CountsAsFailure() {
			w.failures--
		}
	} else {
		w.occupied++
	}
	w.slots[w.next] = outcome
	if outcome.CountsAsFailure() {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.slots)
}

func (w *countWindow) counts(_ int64) (int, int) {
	return w.occupied, w.failures
}

func (w *countWindow) clear() {
	w.next = 0
	w.occupied = 0
	w.failures = 0
}

// timeWindow aggregates outcomes into fixed-width buckets covering the
// window duration. Expiry is lazy and whole-bucket: a bucket counts while
// now - start < duration, and a ring slot is reset the first time a record
// lands in a newer period for that slot. A start of -1 marks an unused slot.
type timeWindow struct {
	width    int64
	duration int64
	buckets  []outcomeBucket
}

type outcomeBucket struct {
	start    int64
	total    int
	failures int
}

func newTimeWindow(duration int64, bucketCount int) *timeWindow {
	w := &timeWindow{
		width:    duration / int64(bucketCount),
		duration: duration,
		buckets:  make([]outcomeBucket, bucketCount),
	}
	w.clear()
	return w
}

func (w *timeWindow) record(now int64, outcome CallOutcome) {
	start := (now / w.width) * w.width
	idx := int((now / w.width) % int64(len(w.buckets)))
	if w.buckets[idx].start != start {
		w.buckets[idx] = outcomeBucket{start: start}
	}
	w.buckets[idx].total++
	if outcome.CountsAsFailure() {
		w.buckets[idx].failures++
	}
}

func (w *timeWindow) counts(now int64) (int, int) {
	total, failures := 0, 0
	for _, b := range w.buckets {
		if b.start >= 0 && now-b.start < w.duration {
			total += b.total
			failures += b.failures
		}
	}
	return total, failures
}

func (w *timeWindow) clear() {
	for i := range w.buckets {
		w.buckets[i] = outcomeBucket{start: -1}
	}
}
