package sim

// CallOutcome classifies one completed simulated call. Produced by the
// driver when a call finishes; consumed by engines to update their
// statistics.
type CallOutcome int

const (
	// OutcomeSuccess is a call that completed normally.
	OutcomeSuccess CallOutcome = iota
	// OutcomeFailure is a call that completed with an error.
	OutcomeFailure
	// OutcomeTimeout is a call that exceeded its simulated deadline.
	// Timeout is simulated data, not real blocking.
	OutcomeTimeout
)

// String returns the string representation of a CallOutcome.
func (o CallOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CountsAsFailure reports whether the outcome counts against a breaker's
// failure statistics. Timeouts count as failures.
func (o CallOutcome) CountsAsFailure() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// CircuitState is the admission state of a circuit breaker. It is owned
// exclusively by the breaker instance and mutated only by its own
// transition logic.
type CircuitState int

const (
	// StateClosed is the normal operating state: calls pass through and
	// outcomes are tracked in the window.
	StateClosed CircuitState = iota
	// StateOpen rejects all calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe calls to decide
	// whether to close again or reopen.
	StateHalfOpen
)

// String returns the string representation of a CircuitState.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
