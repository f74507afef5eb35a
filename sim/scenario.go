package sim

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ScenarioBundle is a YAML-declared run setup. String fields use "" and
// pointer fields use nil to mean "not set", so CLI flags can fill in
// anything a scenario leaves open and explicitly-set flags win over
// scenario values.
type ScenarioBundle struct {
	Harness      string `yaml:"harness"`
	Seed         *int64 `yaml:"seed"`
	Steps        *int   `yaml:"steps"`
	HistoryLimit *int   `yaml:"history-limit"`

	Breaker    BreakerSection  `yaml:"breaker"`
	Balancer   BalancerSection `yaml:"balancer"`
	Weights    WeightsSection  `yaml:"weights"`
	Generation GenSection      `yaml:"generation"`
}

// BreakerSection holds the scenario's breaker overrides.
type BreakerSection struct {
	Policy           string   `yaml:"policy"`
	WindowSize       *int     `yaml:"window-size"`
	WindowDuration   *int64   `yaml:"window-duration"`
	BucketCount      *int     `yaml:"bucket-count"`
	FailureThreshold *int     `yaml:"failure-threshold"`
	FailureRatio     *float64 `yaml:"failure-ratio"`
	MinSamples       *int     `yaml:"min-samples"`
	Strict           *bool    `yaml:"strict"`
	CoolDown         *int64   `yaml:"cool-down"`
	TrialConcurrency *int     `yaml:"trial-concurrency"`
	TrialSuccesses   *int     `yaml:"trial-successes"`
}

// BalancerSection holds the scenario's balancer overrides. A non-empty
// backend list replaces the flag-built backend set entirely.
type BalancerSection struct {
	Strategy string           `yaml:"strategy"`
	Backends []BackendSection `yaml:"backends"`
}

// BackendSection declares one backend. Backends start healthy unless
// marked otherwise.
type BackendSection struct {
	ID        string `yaml:"id"`
	Unhealthy bool   `yaml:"unhealthy"`
}

// StartHealth returns the backend's health at run start.
func (s BackendSection) StartHealth() Health {
	if s.Unhealthy {
		return Unhealthy
	}
	return Healthy
}

// WeightsSection holds the scenario's event weight overrides.
type WeightsSection struct {
	CallAttempt      *int `yaml:"call-attempt"`
	OutcomeDelivered *int `yaml:"outcome-delivered"`
	TimeAdvance      *int `yaml:"time-advance"`
	HealthFlip       *int `yaml:"health-flip"`
}

// GenSection holds the scenario's payload generation overrides.
type GenSection struct {
	TickMin     *int64   `yaml:"tick-min"`
	TickMax     *int64   `yaml:"tick-max"`
	LatencyMin  *int64   `yaml:"latency-min"`
	LatencyMax  *int64   `yaml:"latency-max"`
	FailureRate *float64 `yaml:"failure-rate"`
	TimeoutRate *float64 `yaml:"timeout-rate"`
}

// LoadScenario reads and parses a scenario bundle from path.
func LoadScenario(path string) (*ScenarioBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	var bundle ScenarioBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	return &bundle, nil
}

// Validate checks every name the bundle sets. Range checks stay with the
// config constructors; this only catches typos before flags merge in.
func (b *ScenarioBundle) Validate() error {
	if b.Harness != "" && !IsValidHarness(b.Harness) {
		return &ConfigurationError{Field: "harness", Reason: fmt.Sprintf("unknown harness %q", b.Harness)}
	}
	if b.Breaker.Policy != "" && !IsValidBreakerPolicy(b.Breaker.Policy) {
		return &ConfigurationError{Field: "breaker.policy", Reason: fmt.Sprintf("unknown breaker policy %q", b.Breaker.Policy)}
	}
	if b.Balancer.Strategy != "" && !IsValidBalancerStrategy(b.Balancer.Strategy) {
		return &ConfigurationError{Field: "balancer.strategy", Reason: fmt.Sprintf("unknown balancer strategy %q", b.Balancer.Strategy)}
	}
	for i, backend := range b.Balancer.Backends {
		if backend.ID == "" {
			return &ConfigurationError{Field: "balancer.backends", Reason: fmt.Sprintf("backend %d has an empty id", i)}
		}
	}
	return nil
}
