package sim

import (
	"math/rand"

	"github.com/resilience-sim/resilience-sim/sim/internal/digest"
)

// Subsystem names one consumer of simulation randomness. Each subsystem
// draws from its own deterministic stream, so extra draws in one subsystem
// never perturb the sequences seen by another.
type Subsystem string

const (
	// SubsystemEventKind selects the next event kind from the swarm weights.
	SubsystemEventKind Subsystem = "event-kind"
	// SubsystemOutcome classifies completed calls (success/failure/timeout).
	SubsystemOutcome Subsystem = "outcome"
	// SubsystemLatency draws simulated call latencies.
	SubsystemLatency Subsystem = "latency"
	// SubsystemHealth draws health-flip targets and values.
	SubsystemHealth Subsystem = "health"
	// SubsystemTimeDelta draws TimeAdvance deltas.
	SubsystemTimeDelta Subsystem = "time-delta"
)

// SimulationKey identifies one reproducible simulation universe.
// Two runs constructed from equal keys observe identical random streams.
type SimulationKey struct {
	Seed int64
}

// NewSimulationKey creates a SimulationKey from a root seed.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey{Seed: seed}
}

// PartitionedRNG fans a root seed out into independent per-subsystem
// streams for deterministic multi-subsystem simulation. Not safe for
// concurrent use; the driver is single-threaded and parallel sweeps build
// one PartitionedRNG per run.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[Subsystem]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG rooted at key.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:     key,
		streams: make(map[Subsystem]*rand.Rand),
	}
}

// ForSubsystem returns the stream for name, creating it on first use.
// The stream seed depends only on the root seed and the subsystem name.
func (p *PartitionedRNG) ForSubsystem(name Subsystem) *rand.Rand {
	if s, ok := p.streams[name]; ok {
		return s
	}
	s := rand.New(rand.NewSource(digest.DeriveSeed(p.key.Seed, string(name))))
	p.streams[name] = s
	return s
}
