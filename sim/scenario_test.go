package sim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeScenario drops a scenario file into a test directory.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing scenario: %v", err)
	}
	return path
}

func TestLoadScenario_FullBundle(t *testing.T) {
	path := writeScenario(t, `
harness: fleet
seed: 1337
steps: 5000
history-limit: 250
breaker:
  policy: time
  window-duration: 2000
  bucket-count: 8
  failure-ratio: 0.5
  min-samples: 10
  strict: true
  cool-down: 1000
  trial-concurrency: 3
  trial-successes: 4
balancer:
  strategy: least-connections
  backends:
    - id: api-1
    - id: api-2
      unhealthy: true
weights:
  call-attempt: 8
  outcome-delivered: 6
  time-advance: 4
  health-flip: 2
generation:
  tick-min: 1
  tick-max: 20
  latency-min: 5
  latency-max: 80
  failure-rate: 0.4
  timeout-rate: 0.05
`)

	bundle, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}
	if err := bundle.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if bundle.Harness != HarnessFleet {
		t.Errorf("expected harness fleet, got %q", bundle.Harness)
	}
	if bundle.Seed == nil || *bundle.Seed != 1337 {
		t.Errorf("expected seed 1337, got %v", bundle.Seed)
	}
	if bundle.Steps == nil || *bundle.Steps != 5000 {
		t.Errorf("expected steps 5000, got %v", bundle.Steps)
	}
	if bundle.HistoryLimit == nil || *bundle.HistoryLimit != 250 {
		t.Errorf("expected history limit 250, got %v", bundle.HistoryLimit)
	}

	br := bundle.Breaker
	if br.Policy != BreakerPolicyTime {
		t.Errorf("expected time policy, got %q", br.Policy)
	}
	if br.WindowDuration == nil || *br.WindowDuration != 2000 {
		t.Errorf("expected window duration 2000, got %v", br.WindowDuration)
	}
	if br.WindowSize != nil {
		t.Errorf("expected the unset window size to stay nil, got %v", br.WindowSize)
	}
	if br.FailureRatio == nil || *br.FailureRatio != 0.5 {
		t.Errorf("expected failure ratio 0.5, got %v", br.FailureRatio)
	}
	if br.FailureThreshold != nil {
		t.Errorf("expected the unset threshold to stay nil, got %v", br.FailureThreshold)
	}
	if br.Strict == nil || !*br.Strict {
		t.Errorf("expected strict true, got %v", br.Strict)
	}

	lb := bundle.Balancer
	if lb.Strategy != StrategyLeastConnections {
		t.Errorf("expected least-connections, got %q", lb.Strategy)
	}
	if len(lb.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(lb.Backends))
	}
	if lb.Backends[0].StartHealth() != Healthy {
		t.Errorf("expected api-1 to start healthy")
	}
	if lb.Backends[1].StartHealth() != Unhealthy {
		t.Errorf("expected api-2 to start unhealthy")
	}

	if bundle.Weights.CallAttempt == nil || *bundle.Weights.CallAttempt != 8 {
		t.Errorf("expected call-attempt weight 8, got %v", bundle.Weights.CallAttempt)
	}
	if bundle.Generation.FailureRate == nil || *bundle.Generation.FailureRate != 0.4 {
		t.Errorf("expected failure rate 0.4, got %v", bundle.Generation.FailureRate)
	}
}

func TestLoadScenario_PartialBundleLeavesNils(t *testing.T) {
	path := writeScenario(t, `
harness: breaker
breaker:
  policy: count
  window-size: 20
`)

	bundle, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("LoadScenario: %v", err)
	}

	if bundle.Seed != nil || bundle.Steps != nil || bundle.HistoryLimit != nil {
		t.Errorf("expected unset run fields to stay nil")
	}
	if bundle.Breaker.WindowSize == nil || *bundle.Breaker.WindowSize != 20 {
		t.Errorf("expected window size 20, got %v", bundle.Breaker.WindowSize)
	}
	if bundle.Breaker.CoolDown != nil {
		t.Errorf("expected the unset cool-down to stay nil, got %v", bundle.Breaker.CoolDown)
	}
	if bundle.Balancer.Strategy != "" || len(bundle.Balancer.Backends) != 0 {
		t.Errorf("expected an empty balancer section")
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Errorf("expected an error for a missing scenario file")
	}
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	path := writeScenario(t, "harness: [unclosed")
	_, err := LoadScenario(path)
	if err == nil {
		t.Errorf("expected an error for malformed YAML")
	}
}

func TestScenarioBundle_ValidateNames(t *testing.T) {
	tests := []struct {
		name   string
		bundle ScenarioBundle
		field  string
	}{
		{
			name:   "unknown harness",
			bundle: ScenarioBundle{Harness: "chaos"},
			field:  "harness",
		},
		{
			name:   "unknown breaker policy",
			bundle: ScenarioBundle{Breaker: BreakerSection{Policy: "sliding"}},
			field:  "breaker.policy",
		},
		{
			name:   "unknown balancer strategy",
			bundle: ScenarioBundle{Balancer: BalancerSection{Strategy: "random"}},
			field:  "balancer.strategy",
		},
		{
			name:   "empty backend id",
			bundle: ScenarioBundle{Balancer: BalancerSection{Backends: []BackendSection{{ID: ""}}}},
			field:  "balancer.backends",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bundle.Validate()
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected a ConfigurationError, got %v", err)
			}
			if cerr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, cerr.Field)
			}
		})
	}
}

func TestScenarioBundle_ValidateAcceptsEmptyBundle(t *testing.T) {
	var bundle ScenarioBundle
	if err := bundle.Validate(); err != nil {
		t.Errorf("expected an empty bundle to validate, got %v", err)
	}
}
