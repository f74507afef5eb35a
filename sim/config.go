package sim

import "fmt"

// Breaker policy names accepted by NewCircuitBreaker.
const (
	BreakerPolicyCount = "count"
	BreakerPolicyTime  = "time"
)

// Balancer strategy names accepted by NewLoadBalancer.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
)

// Harness names accepted by the CLI and scenario bundles.
const (
	HarnessBreaker  = "breaker"
	HarnessBalancer = "balancer"
	HarnessFleet    = "fleet"
)

// IsValidBreakerPolicy reports whether name is a known breaker policy.
func IsValidBreakerPolicy(name string) bool {
	return name == BreakerPolicyCount || name == BreakerPolicyTime
}

// IsValidBalancerStrategy reports whether name is a known balancer strategy.
func IsValidBalancerStrategy(name string) bool {
	return name == StrategyRoundRobin || name == StrategyLeastConnections
}

// IsValidHarness reports whether name is a known harness kind.
func IsValidHarness(name string) bool {
	return name == HarnessBreaker || name == HarnessBalancer || name == HarnessFleet
}

// BreakerConfig groups circuit breaker parameters.
// Exactly one of FailureThreshold (absolute count) and FailureRatio must be
// set; Strict flips the trip comparison from at-least to strictly-greater.
type BreakerConfig struct {
	Policy           string  // "count" or "time"
	WindowSize       int     // count policy: outcomes retained (must be > 0)
	WindowDuration   int64   // time policy: ticks covered by the window (must be > 0)
	BucketCount      int     // time policy: buckets the window divides into evenly
	FailureThreshold int     // absolute windowed failure count that trips Closed -> Open (0 = use ratio)
	FailureRatio     float64 // windowed failure ratio in (0,1] that trips Closed -> Open (0 = use count)
	MinSamples       int     // below this many windowed outcomes the breaker never trips
	Strict           bool    // true: trip on >, false: trip on >=
	CoolDown         int64   // ticks spent Open before probing begins (must be > 0)
	TrialConcurrency int     // max in-flight HalfOpen trials (must be > 0)
	TrialSuccesses   int     // successes required to close from HalfOpen (must be > 0)
}

// NewBreakerConfig creates a BreakerConfig with all fields explicitly set.
// This is the canonical constructor; parameter order matches struct field order.
func NewBreakerConfig(policy string, windowSize int, windowDuration int64, bucketCount int,
	failureThreshold int, failureRatio float64, minSamples int, strict bool,
	coolDown int64, trialConcurrency, trialSuccesses int) BreakerConfig {
	return BreakerConfig{
		Policy:           policy,
		WindowSize:       windowSize,
		WindowDuration:   windowDuration,
		BucketCount:      bucketCount,
		FailureThreshold: failureThreshold,
		FailureRatio:     failureRatio,
		MinSamples:       minSamples,
		Strict:           strict,
		CoolDown:         coolDown,
		TrialConcurrency: trialConcurrency,
		TrialSuccesses:   trialSuccesses,
	}
}

func (c BreakerConfig) validate() error {
	if !IsValidBreakerPolicy(c.Policy) {
		return &ConfigurationError{Field: "policy", Reason: fmt.Sprintf("unknown breaker policy %q", c.Policy)}
	}
	switch c.Policy {
	case BreakerPolicyCount:
		if c.WindowSize <= 0 {
			return &ConfigurationError{Field: "window-size", Reason: "must be > 0 for the count policy"}
		}
	case BreakerPolicyTime:
		if c.WindowDuration <= 0 {
			return &ConfigurationError{Field: "window-duration", Reason: "must be > 0 for the time policy"}
		}
		if c.BucketCount <= 0 {
			return &ConfigurationError{Field: "bucket-count", Reason: "must be > 0 for the time policy"}
		}
		if c.WindowDuration%int64(c.BucketCount) != 0 {
			return &ConfigurationError{Field: "bucket-count", Reason: "window-duration must divide evenly into buckets"}
		}
	}
	if c.FailureThreshold < 0 {
		return &ConfigurationError{Field: "failure-threshold", Reason: "must be >= 0"}
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return &ConfigurationError{Field: "failure-ratio", Reason: "must be in [0, 1]"}
	}
	if (c.FailureThreshold > 0) == (c.FailureRatio > 0) {
		return &ConfigurationError{Field: "failure-threshold", Reason: "exactly one of failure-threshold and failure-ratio must be set"}
	}
	if c.MinSamples < 1 {
		return &ConfigurationError{Field: "min-samples", Reason: "must be >= 1"}
	}
	if c.CoolDown <= 0 {
		return &ConfigurationError{Field: "cool-down", Reason: "must be > 0"}
	}
	if c.TrialConcurrency < 1 {
		return &ConfigurationError{Field: "trial-concurrency", Reason: "must be >= 1"}
	}
	if c.TrialSuccesses < 1 {
		return &ConfigurationError{Field: "trial-successes", Reason: "must be >= 1"}
	}
	return nil
}

// BackendConfig seeds one backend in the balancer's configured order.
type BackendConfig struct {
	ID     string // stable identifier, unique within the backend set
	Health Health // health at run start
}

// NewBackendConfig creates a BackendConfig with all fields explicitly set.
func NewBackendConfig(id string, health Health) BackendConfig {
	return BackendConfig{ID: id, Health: health}
}

// BalancerConfig groups load balancer parameters. The backend order is the
// rotation and tie-break order for every strategy.
type BalancerConfig struct {
	Strategy string          // "round-robin" or "least-connections"
	Backends []BackendConfig // ordered backend set, fixed for the run
}

// NewBalancerConfig creates a BalancerConfig with all fields explicitly set.
// This is the canonical constructor; parameter order matches struct field order.
func NewBalancerConfig(strategy string, backends []BackendConfig) BalancerConfig {
	return BalancerConfig{Strategy: strategy, Backends: backends}
}

func (c BalancerConfig) validate() error {
	if !IsValidBalancerStrategy(c.Strategy) {
		return &ConfigurationError{Field: "strategy", Reason: fmt.Sprintf("unknown balancer strategy %q", c.Strategy)}
	}
	if len(c.Backends) == 0 {
		return &ConfigurationError{Field: "backends", Reason: "backend set must not be empty"}
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return &ConfigurationError{Field: "backends", Reason: "backend id must not be empty"}
		}
		if _, ok := seen[b.ID]; ok {
			return &ConfigurationError{Field: "backends", Reason: fmt.Sprintf("duplicate backend id %q", b.ID)}
		}
		seen[b.ID] = struct{}{}
	}
	return nil
}

// EventWeights are the relative swarm weights per event kind. A zero weight
// disables that kind; at least one weight must be positive. Weights are
// relative, not percentages.
type EventWeights struct {
	CallAttempt      int
	OutcomeDelivered int
	TimeAdvance      int
	HealthFlip       int
}

// NewEventWeights creates an EventWeights with all fields explicitly set.
func NewEventWeights(callAttempt, outcomeDelivered, timeAdvance, healthFlip int) EventWeights {
	return EventWeights{
		CallAttempt:      callAttempt,
		OutcomeDelivered: outcomeDelivered,
		TimeAdvance:      timeAdvance,
		HealthFlip:       healthFlip,
	}
}

func (w EventWeights) total() int {
	return w.CallAttempt + w.OutcomeDelivered + w.TimeAdvance + w.HealthFlip
}

func (w EventWeights) validate() error {
	if w.CallAttempt < 0 || w.OutcomeDelivered < 0 || w.TimeAdvance < 0 || w.HealthFlip < 0 {
		return &ConfigurationError{Field: "weights", Reason: "weights must be >= 0"}
	}
	if w.total() == 0 {
		return &ConfigurationError{Field: "weights", Reason: "at least one weight must be positive"}
	}
	return nil
}

// GenConfig bounds the random payload draws for generated events. Ranges
// are inclusive on both ends.
type GenConfig struct {
	TickMin     int64   // smallest TimeAdvance delta (must be >= 1)
	TickMax     int64   // largest TimeAdvance delta
	LatencyMin  int64   // smallest simulated call latency (must be >= 0)
	LatencyMax  int64   // largest simulated call latency
	FailureRate float64 // probability a completed call is a Failure
	TimeoutRate float64 // probability a completed call is a Timeout
}

// NewGenConfig creates a GenConfig with all fields explicitly set.
// This is the canonical constructor; parameter order matches struct field order.
func NewGenConfig(tickMin, tickMax, latencyMin, latencyMax int64, failureRate, timeoutRate float64) GenConfig {
	return GenConfig{
		TickMin:     tickMin,
		TickMax:     tickMax,
		LatencyMin:  latencyMin,
		LatencyMax:  latencyMax,
		FailureRate: failureRate,
		TimeoutRate: timeoutRate,
	}
}

// Validate checks the draw bounds. Exported because harnesses in other
// packages draw from GenConfig directly.
func (g GenConfig) Validate() error {
	if g.TickMin < 1 {
		return &ConfigurationError{Field: "tick-min", Reason: "must be >= 1"}
	}
	if g.TickMax < g.TickMin {
		return &ConfigurationError{Field: "tick-max", Reason: "must be >= tick-min"}
	}
	if g.LatencyMin < 0 {
		return &ConfigurationError{Field: "latency-min", Reason: "must be >= 0"}
	}
	if g.LatencyMax < g.LatencyMin {
		return &ConfigurationError{Field: "latency-max", Reason: "must be >= latency-min"}
	}
	if g.FailureRate < 0 || g.TimeoutRate < 0 {
		return &ConfigurationError{Field: "failure-rate", Reason: "rates must be >= 0"}
	}
	if g.FailureRate+g.TimeoutRate > 1 {
		return &ConfigurationError{Field: "failure-rate", Reason: "failure-rate plus timeout-rate must be <= 1"}
	}
	return nil
}

// DriverConfig groups the parameters of one simulation run.
type DriverConfig struct {
	Seed         int64        // root of all randomness for the run
	Steps        int          // events to generate (must be > 0)
	Weights      EventWeights // swarm distribution over event kinds
	Gen          GenConfig    // payload draw bounds
	HistoryLimit int          // most recent events kept in the report; 0 keeps the full history
}

// NewDriverConfig creates a DriverConfig with all fields explicitly set.
// This is the canonical constructor; parameter order matches struct field order.
func NewDriverConfig(seed int64, steps int, weights EventWeights, gen GenConfig, historyLimit int) DriverConfig {
	return DriverConfig{
		Seed:         seed,
		Steps:        steps,
		Weights:      weights,
		Gen:          gen,
		HistoryLimit: historyLimit,
	}
}

func (c DriverConfig) validate() error {
	if c.Steps <= 0 {
		return &ConfigurationError{Field: "steps", Reason: "must be > 0"}
	}
	if c.HistoryLimit < 0 {
		return &ConfigurationError{Field: "history-limit", Reason: "must be >= 0"}
	}
	if err := c.Weights.validate(); err != nil {
		return err
	}
	return c.Gen.Validate()
}
