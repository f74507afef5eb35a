package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/resilience-sim/resilience-sim/sim"
	"github.com/resilience-sim/resilience-sim/sim/fleet"
)

var (
	// CLI flags for run setup
	harnessName  string // System under test (breaker, balancer, fleet)
	seed         int64  // Root seed for all randomness
	steps        int    // Number of events to generate
	logLevel     string // Log verbosity level
	scenarioPath string // Path to YAML scenario bundle
	historyLimit int    // Most recent history lines kept in the report (0 = all)

	// circuit breaker config
	breakerPolicy    string  // Window policy name (count, time)
	windowSize       int     // Count policy: outcomes retained
	windowDuration   int64   // Time policy: window span in ticks
	bucketCount      int     // Time policy: bucket count
	failureThreshold int     // Absolute failure count that trips the breaker
	failureRatio     float64 // Failure ratio that trips the breaker
	minSamples       int     // Minimum windowed outcomes before tripping
	strict           bool    // Trip on strictly-greater instead of at-least
	coolDown         int64   // Ticks spent open before probing
	trialConcurrency int     // Max in-flight half-open trials
	trialSuccesses   int     // Successes required to close from half-open

	// load balancer config
	strategy   string   // Balancer strategy name (round-robin, least-connections)
	backendIDs []string // Backend ids, all starting healthy

	// event swarm weights
	weightCallAttempt int
	weightOutcome     int
	weightTimeAdvance int
	weightHealthFlip  int

	// payload generation config
	tickMin     int64
	tickMax     int64
	latencyMin  int64
	latencyMax  int64
	failureRate float64
	timeoutRate float64

	// sweep config
	runs int // Number of consecutive seeds to sweep

	// results file path
	resultsPath string // File to save the run report to
)

// scenarioBackends is non-nil when the loaded scenario declares its own
// backend set; it then replaces the flag-built one.
var scenarioBackends []sim.BackendConfig

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "resilience-sim",
	Short: "Randomized simulator for circuit breakers and load balancers",
}

// runCmd executes one simulation using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation and report on it",
	Run: func(cmd *cobra.Command, args []string) {
		// Set up logging
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		applyScenario(cmd)
		reconcileThreshold(cmd)
		validateNames()

		breakerCfg, balancerCfg, gen, weights := flagConfigs()
		driverCfg := sim.NewDriverConfig(seed, steps, weights, gen, historyLimit)

		ctx := sim.NewSimContext(seed)
		harness, err := buildHarness(harnessName, ctx, breakerCfg, balancerCfg, gen)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		driver, err := sim.NewDriver(driverCfg, ctx, harness)
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		report, runErr := driver.Run()
		if err := report.Save(resultsPath); err != nil {
			logrus.Fatalf("Failed to save report: %v", err)
		}
		if runErr != nil {
			logrus.Fatalf("Invariant violation: %v", runErr)
		}
		logrus.Info("Simulation complete.")
	},
}

// sweepCmd runs the same configuration across consecutive seeds in
// parallel and reports per-seed digests and violations
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the same configuration across consecutive seeds",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		applyScenario(cmd)
		reconcileThreshold(cmd)
		validateNames()
		if runs < 1 {
			logrus.Fatalf("--runs must be >= 1, got %d", runs)
		}

		breakerCfg, balancerCfg, gen, weights := flagConfigs()

		type sweepResult struct {
			seed   int64
			digest string
			err    error
		}
		results := make([]sweepResult, runs)

		// Runs share nothing, so each seed gets its own context and driver.
		var g errgroup.Group
		for i := 0; i < runs; i++ {
			i := i // per-iteration copy, required for pre-1.22 loop semantics
			g.Go(func() error {
				s := seed + int64(i)
				ctx := sim.NewSimContext(s)
				harness, err := buildHarness(harnessName, ctx, breakerCfg, balancerCfg, gen)
				if err != nil {
					return err
				}
				driver, err := sim.NewDriver(sim.NewDriverConfig(s, steps, weights, gen, historyLimit), ctx, harness)
				if err != nil {
					return err
				}
				report, runErr := driver.Run()
				results[i] = sweepResult{seed: s, digest: report.Digest, err: runErr}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		fmt.Println("=== Sweep Results ===")
		violations := 0
		for _, r := range results {
			status := "ok"
			if r.err != nil {
				status = r.err.Error()
				violations++
			}
			fmt.Printf("seed=%d digest=%s status=%s\n", r.seed, r.digest, status)
		}
		if violations > 0 {
			logrus.Fatalf("%d of %d runs violated invariants", violations, runs)
		}
		logrus.Infof("Sweep complete: %d runs, no violations.", runs)
	},
}

// applyScenario loads the scenario bundle, if any, and applies its values
// as defaults; CLI flags override via Changed(). Pointer fields (nil = not
// set in YAML) distinguish "0" from "unset".
func applyScenario(cmd *cobra.Command) {
	if scenarioPath == "" {
		return
	}
	bundle, err := sim.LoadScenario(scenarioPath)
	if err != nil {
		logrus.Fatalf("Failed to load scenario: %v", err)
	}
	if err := bundle.Validate(); err != nil {
		logrus.Fatalf("Invalid scenario: %v", err)
	}

	if bundle.Harness != "" && !cmd.Flags().Changed("harness") {
		harnessName = bundle.Harness
	}
	if bundle.Seed != nil && !cmd.Flags().Changed("seed") {
		seed = *bundle.Seed
	}
	if bundle.Steps != nil && !cmd.Flags().Changed("steps") {
		steps = *bundle.Steps
	}
	if bundle.HistoryLimit != nil && !cmd.Flags().Changed("history-limit") {
		historyLimit = *bundle.HistoryLimit
	}

	if bundle.Breaker.Policy != "" && !cmd.Flags().Changed("breaker-policy") {
		breakerPolicy = bundle.Breaker.Policy
	}
	if bundle.Breaker.WindowSize != nil && !cmd.Flags().Changed("window-size") {
		windowSize = *bundle.Breaker.WindowSize
	}
	if bundle.Breaker.WindowDuration != nil && !cmd.Flags().Changed("window-duration") {
		windowDuration = *bundle.Breaker.WindowDuration
	}
	if bundle.Breaker.BucketCount != nil && !cmd.Flags().Changed("bucket-count") {
		bucketCount = *bundle.Breaker.BucketCount
	}
	if bundle.Breaker.FailureThreshold != nil && !cmd.Flags().Changed("failure-threshold") {
		failureThreshold = *bundle.Breaker.FailureThreshold
	}
	if bundle.Breaker.FailureRatio != nil && !cmd.Flags().Changed("failure-ratio") {
		failureRatio = *bundle.Breaker.FailureRatio
		// Choosing the ratio form clears the default count threshold, since
		// exactly one of the two may be set.
		if bundle.Breaker.FailureThreshold == nil && !cmd.Flags().Changed("failure-threshold") {
			failureThreshold = 0
		}
	}
	if bundle.Breaker.MinSamples != nil && !cmd.Flags().Changed("min-samples") {
		minSamples = *bundle.Breaker.MinSamples
	}
	if bundle.Breaker.Strict != nil && !cmd.Flags().Changed("strict") {
		strict = *bundle.Breaker.Strict
	}
	if bundle.Breaker.CoolDown != nil && !cmd.Flags().Changed("cool-down") {
		coolDown = *bundle.Breaker.CoolDown
	}
	if bundle.Breaker.TrialConcurrency != nil && !cmd.Flags().Changed("trial-concurrency") {
		trialConcurrency = *bundle.Breaker.TrialConcurrency
	}
	if bundle.Breaker.TrialSuccesses != nil && !cmd.Flags().Changed("trial-successes") {
		trialSuccesses = *bundle.Breaker.TrialSuccesses
	}

	if bundle.Balancer.Strategy != "" && !cmd.Flags().Changed("strategy") {
		strategy = bundle.Balancer.Strategy
	}
	if len(bundle.Balancer.Backends) > 0 && !cmd.Flags().Changed("backends") {
		scenarioBackends = make([]sim.BackendConfig, 0, len(bundle.Balancer.Backends))
		for _, b := range bundle.Balancer.Backends {
			scenarioBackends = append(scenarioBackends, sim.NewBackendConfig(b.ID, b.StartHealth()))
		}
	}

	if bundle.Weights.CallAttempt != nil && !cmd.Flags().Changed("weight-call-attempt") {
		weightCallAttempt = *bundle.Weights.CallAttempt
	}
	if bundle.Weights.OutcomeDelivered != nil && !cmd.Flags().Changed("weight-outcome") {
		weightOutcome = *bundle.Weights.OutcomeDelivered
	}
	if bundle.Weights.TimeAdvance != nil && !cmd.Flags().Changed("weight-time-advance") {
		weightTimeAdvance = *bundle.Weights.TimeAdvance
	}
	if bundle.Weights.HealthFlip != nil && !cmd.Flags().Changed("weight-health-flip") {
		weightHealthFlip = *bundle.Weights.HealthFlip
	}

	if bundle.Generation.TickMin != nil && !cmd.Flags().Changed("tick-min") {
		tickMin = *bundle.Generation.TickMin
	}
	if bundle.Generation.TickMax != nil && !cmd.Flags().Changed("tick-max") {
		tickMax = *bundle.Generation.TickMax
	}
	if bundle.Generation.LatencyMin != nil && !cmd.Flags().Changed("latency-min") {
		latencyMin = *bundle.Generation.LatencyMin
	}
	if bundle.Generation.LatencyMax != nil && !cmd.Flags().Changed("latency-max") {
		latencyMax = *bundle.Generation.LatencyMax
	}
	if bundle.Generation.FailureRate != nil && !cmd.Flags().Changed("failure-rate") {
		failureRate = *bundle.Generation.FailureRate
	}
	if bundle.Generation.TimeoutRate != nil && !cmd.Flags().Changed("timeout-rate") {
		timeoutRate = *bundle.Generation.TimeoutRate
	}
}

// reconcileThreshold clears the default count threshold when only the ratio
// form is given on the command line, since the breaker accepts exactly one
func reconcileThreshold(cmd *cobra.Command) {
	if cmd.Flags().Changed("failure-ratio") && !cmd.Flags().Changed("failure-threshold") {
		failureThreshold = 0
	}
}

// validateNames rejects unknown policy names (catches CLI typos before
// they become constructor errors)
func validateNames() {
	if !sim.IsValidHarness(harnessName) {
		logrus.Fatalf("Unknown harness %q. Valid: breaker, balancer, fleet", harnessName)
	}
	if !sim.IsValidBreakerPolicy(breakerPolicy) {
		logrus.Fatalf("Unknown breaker policy %q. Valid: count, time", breakerPolicy)
	}
	if !sim.IsValidBalancerStrategy(strategy) {
		logrus.Fatalf("Unknown balancer strategy %q. Valid: round-robin, least-connections", strategy)
	}
}

// flagConfigs assembles the engine configurations from the current flag
// and scenario values.
func flagConfigs() (sim.BreakerConfig, sim.BalancerConfig, sim.GenConfig, sim.EventWeights) {
	breakerCfg := sim.NewBreakerConfig(breakerPolicy, windowSize, windowDuration, bucketCount,
		failureThreshold, failureRatio, minSamples, strict, coolDown, trialConcurrency, trialSuccesses)
	backends := scenarioBackends
	if backends == nil {
		backends = make([]sim.BackendConfig, 0, len(backendIDs))
		for _, id := range backendIDs {
			backends = append(backends, sim.NewBackendConfig(id, sim.Healthy))
		}
	}
	balancerCfg := sim.NewBalancerConfig(strategy, backends)
	gen := sim.NewGenConfig(tickMin, tickMax, latencyMin, latencyMax, failureRate, timeoutRate)
	weights := sim.NewEventWeights(weightCallAttempt, weightOutcome, weightTimeAdvance, weightHealthFlip)
	return breakerCfg, balancerCfg, gen, weights
}

// buildHarness constructs the system under test named by name.
func buildHarness(name string, ctx *sim.SimContext, breakerCfg sim.BreakerConfig,
	balancerCfg sim.BalancerConfig, gen sim.GenConfig) (sim.Harness, error) {
	switch name {
	case sim.HarnessBreaker:
		return sim.NewBreakerHarness(breakerCfg, gen, ctx)
	case sim.HarnessBalancer:
		return sim.NewBalancerHarness(balancerCfg, gen, ctx)
	default:
		return fleet.NewHarness(fleet.Config{Balancer: balancerCfg, Breaker: breakerCfg, Gen: gen}, ctx)
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addConfigFlags registers the flags shared by run and sweep
func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.StringVar(&harnessName, "harness", "breaker", "System under test: breaker, balancer, fleet")
	f.Int64Var(&seed, "seed", 42, "Root seed for all randomness")
	f.IntVar(&steps, "steps", 10000, "Number of events to generate")
	f.StringVar(&logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.StringVar(&scenarioPath, "scenario", "", "Path to YAML scenario bundle")
	f.IntVar(&historyLimit, "history-limit", 1000, "Most recent history lines kept in the report (0 = all)")

	// Circuit breaker config
	f.StringVar(&breakerPolicy, "breaker-policy", "count", "Breaker window policy: count, time")
	f.IntVar(&windowSize, "window-size", 10, "Count policy: outcomes retained in the window")
	f.Int64Var(&windowDuration, "window-duration", 1000, "Time policy: window span in ticks")
	f.IntVar(&bucketCount, "bucket-count", 10, "Time policy: buckets the window divides into")
	f.IntVar(&failureThreshold, "failure-threshold", 5, "Windowed failure count that trips the breaker (0 = use ratio)")
	f.Float64Var(&failureRatio, "failure-ratio", 0, "Windowed failure ratio that trips the breaker (0 = use count)")
	f.IntVar(&minSamples, "min-samples", 5, "Minimum windowed outcomes before the breaker may trip")
	f.BoolVar(&strict, "strict", false, "Trip on strictly-greater instead of at-least")
	f.Int64Var(&coolDown, "cool-down", 500, "Ticks spent open before probing begins")
	f.IntVar(&trialConcurrency, "trial-concurrency", 2, "Max in-flight half-open trial calls")
	f.IntVar(&trialSuccesses, "trial-successes", 3, "Successes required to close from half-open")

	// Load balancer config
	f.StringVar(&strategy, "strategy", "round-robin", "Balancer strategy: round-robin, least-connections")
	f.StringSliceVar(&backendIDs, "backends", []string{"b0", "b1", "b2"}, "Comma-separated backend ids")

	// Event swarm weights
	f.IntVar(&weightCallAttempt, "weight-call-attempt", 6, "Relative weight of call-attempt events")
	f.IntVar(&weightOutcome, "weight-outcome", 5, "Relative weight of outcome-delivered events")
	f.IntVar(&weightTimeAdvance, "weight-time-advance", 3, "Relative weight of time-advance events")
	f.IntVar(&weightHealthFlip, "weight-health-flip", 1, "Relative weight of health-flip events")

	// Payload generation config
	f.Int64Var(&tickMin, "tick-min", 1, "Smallest time-advance delta")
	f.Int64Var(&tickMax, "tick-max", 50, "Largest time-advance delta")
	f.Int64Var(&latencyMin, "latency-min", 0, "Smallest simulated call latency")
	f.Int64Var(&latencyMax, "latency-max", 100, "Largest simulated call latency")
	f.Float64Var(&failureRate, "failure-rate", 0.3, "Probability a completed call fails")
	f.Float64Var(&timeoutRate, "timeout-rate", 0.1, "Probability a completed call times out")
}

// init sets up CLI flags and subcommands
func init() {
	addConfigFlags(runCmd)
	runCmd.Flags().StringVar(&resultsPath, "results-path", "", "File to save the run report to")

	addConfigFlags(sweepCmd)
	sweepCmd.Flags().IntVar(&runs, "runs", 8, "Number of consecutive seeds to sweep")

	// Attach subcommands to `root`
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
}
