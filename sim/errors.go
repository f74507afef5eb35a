package sim

import (
	"errors"
	"fmt"
)

// ErrNoHealthyBackend is returned by Select when every backend is Unhealthy.
// It is an ordinary per-event result: drivers record it as a failed attempt
// and continue the run.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// ConfigurationError reports an invalid configuration value. Constructors
// return it before any simulation step runs.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// InvariantViolation reports a structural property failure or an oracle
// divergence at a specific step. It always halts the run that raised it and
// is surfaced with the seed and event history so the scenario can be
// reproduced exactly.
type InvariantViolation struct {
	Name   string `json:"name"`
	Step   int    `json:"step"`
	Detail string `json:"detail"`
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated at step %d: %s", e.Name, e.Step, e.Detail)
}

// CounterUnderflowError reports OnCallEnd without a matching prior
// OnCallStart on that backend. It indicates a driver or event-generation
// bug and is propagated, never clamped away.
type CounterUnderflowError struct {
	Backend BackendID
}

func (e *CounterUnderflowError) Error() string {
	return fmt.Sprintf("connection counter underflow for backend %q", e.Backend)
}
