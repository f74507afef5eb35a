package sim

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/resilience-sim/resilience-sim/sim/internal/util"
)

// Metrics aggregates counters over one run for final reporting. Harnesses
// mutate the fields directly during Step; the struct marshals into the
// run report.
type Metrics struct {
	EventCounts       map[string]int `json:"event_counts"`       // executed events per kind
	CallsAdmitted     int            `json:"calls_admitted"`     // call attempts the system admitted
	CallsRejected     int            `json:"calls_rejected"`     // call attempts the system rejected
	OutcomesDelivered int            `json:"outcomes_delivered"` // completed calls fed back as outcomes
	Successes         int            `json:"successes"`
	Failures          int            `json:"failures"`
	Timeouts          int            `json:"timeouts"`
	LatencySum        int64          `json:"latency_sum"`   // summed latency of delivered outcomes
	Selections        map[string]int `json:"selections"`    // successful selections per backend
	NoHealthy         int            `json:"no_healthy"`    // selections that found no healthy backend
	HealthFlips       int            `json:"health_flips"`  // applied health toggles
	Transitions       map[string]int `json:"transitions"`   // circuit transitions as "from->to"
	TimeAdvanced      int64          `json:"time_advanced"` // total virtual ticks advanced
	NoopEvents        int            `json:"noop_events"`   // events with no system to act on
	DrainedCalls      int            `json:"drained_calls"` // in-flight calls completed by Finalize
}

// NewMetrics creates a Metrics with all maps initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		EventCounts: make(map[string]int),
		Selections:  make(map[string]int),
		Transitions: make(map[string]int),
	}
}

// CountOutcome tallies one delivered outcome and its latency.
func (m *Metrics) CountOutcome(outcome CallOutcome, latency int64) {
	m.OutcomesDelivered++
	m.LatencySum += latency
	switch outcome {
	case OutcomeSuccess:
		m.Successes++
	case OutcomeFailure:
		m.Failures++
	case OutcomeTimeout:
		m.Timeouts++
	}
}

// CountTransition tallies one observed circuit state transition.
func (m *Metrics) CountTransition(from, to CircuitState) {
	m.Transitions[fmt.Sprintf("%s->%s", from, to)]++
}

// TotalSelections sums the per-backend selection counts.
func (m *Metrics) TotalSelections() int {
	return util.SumValues(m.Selections)
}

// RunReport is the JSON artifact of one run. Everything except RunID is a
// pure function of the configuration and the seed.
type RunReport struct {
	RunID            string              `json:"run_id"`
	Harness          string              `json:"harness"`
	Seed             int64               `json:"seed"`
	StepsExecuted    int                 `json:"steps_executed"`
	Digest           string              `json:"digest"`
	FinalState       map[string]string   `json:"final_state"`
	Violation        *InvariantViolation `json:"violation,omitempty"`
	History          []string            `json:"history"`
	HistoryTruncated bool                `json:"history_truncated"`
	Metrics          *Metrics            `json:"metrics"`
}

// NewRunReport creates a RunReport with all fields explicitly set and a
// fresh RunID. Parameter order matches struct field order.
func NewRunReport(harness string, seed int64, stepsExecuted int, digestHex string,
	finalState map[string]string, violation *InvariantViolation,
	history []string, historyTruncated bool, metrics *Metrics) *RunReport {
	return &RunReport{
		RunID:            uuid.New().String(),
		Harness:          harness,
		Seed:             seed,
		StepsExecuted:    stepsExecuted,
		Digest:           digestHex,
		FinalState:       finalState,
		Violation:        violation,
		History:          history,
		HistoryTruncated: historyTruncated,
		Metrics:          metrics,
	}
}

// Save prints the report to stdout and, when path is non-empty, writes the
// same JSON to path.
func (r *RunReport) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}
	fmt.Println("=== Simulation Report ===")
	fmt.Println(string(data))
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	fmt.Printf("\nReport written to: %s\n", path)
	return nil
}
