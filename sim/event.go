package sim

import (
	"container/heap"
	"fmt"
	"strings"
)

// EventKind classifies the generated simulation events.
type EventKind int

const (
	// KindCallAttempt asks the system under test to admit a new call.
	KindCallAttempt EventKind = iota
	// KindOutcomeDelivered completes the in-flight call with the earliest deadline.
	KindOutcomeDelivered
	// KindTimeAdvance moves the virtual clock forward.
	KindTimeAdvance
	// KindHealthFlip toggles one backend's health.
	KindHealthFlip
)

func (k EventKind) String() string {
	switch k {
	case KindCallAttempt:
		return "call-attempt"
	case KindOutcomeDelivered:
		return "outcome-delivered"
	case KindTimeAdvance:
		return "time-advance"
	case KindHealthFlip:
		return "health-flip"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one executed simulation step. Only the fields relevant to Kind
// are populated; Noop marks events that had no system to act on (for
// example an outcome delivery with no call in flight).
type Event struct {
	Step     int
	Kind     EventKind
	Target   BackendID
	Outcome  CallOutcome
	Latency  int64
	Delta    int64
	Health   Health
	Admitted bool
	Noop     bool
}

// Record renders the event as its canonical history line. The line feeds
// the run digest, so its format is part of run reproducibility.
func (e Event) Record() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%06d %s", e.Step, e.Kind)
	if e.Noop {
		b.WriteString(" noop=true")
		return b.String()
	}
	switch e.Kind {
	case KindCallAttempt:
		if e.Target != "" {
			fmt.Fprintf(&b, " target=%s", e.Target)
		}
		fmt.Fprintf(&b, " admitted=%t", e.Admitted)
	case KindOutcomeDelivered:
		if e.Target != "" {
			fmt.Fprintf(&b, " target=%s", e.Target)
		}
		fmt.Fprintf(&b, " outcome=%s latency=%d", e.Outcome, e.Latency)
	case KindTimeAdvance:
		fmt.Fprintf(&b, " delta=%d", e.Delta)
	case KindHealthFlip:
		fmt.Fprintf(&b, " target=%s health=%s", e.Target, e.Health)
	}
	return b.String()
}

// OpenCall is one admitted call awaiting completion. Its outcome and
// latency are drawn at admission; Deadline is the virtual tick the call
// would finish at and orders deliveries.
type OpenCall struct {
	Target   BackendID
	Outcome  CallOutcome
	Latency  int64
	Deadline int64
}

// pendingEntry wraps an OpenCall with a sequence ID for deterministic FIFO
// tie-breaking when deadlines are equal.
type pendingEntry struct {
	call  OpenCall
	seqID int64
}

// pendingQueue is a min-heap ordered by (Deadline, seqID).
// Implements heap.Interface.
type pendingQueue []pendingEntry

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].call.Deadline != q[j].call.Deadline {
		return q[i].call.Deadline < q[j].call.Deadline
	}
	return q[i].seqID < q[j].seqID
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) {
	*q = append(*q, x.(pendingEntry))
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// PendingCalls tracks admitted calls until their outcomes are delivered.
// Completion order is earliest deadline first, FIFO among equal deadlines.
type PendingCalls struct {
	q   pendingQueue
	seq int64
}

// NewPendingCalls creates an empty pending-call set.
func NewPendingCalls() *PendingCalls {
	return &PendingCalls{q: make(pendingQueue, 0)}
}

// Open registers an admitted call.
func (p *PendingCalls) Open(call OpenCall) {
	p.seq++
	heap.Push(&p.q, pendingEntry{call: call, seqID: p.seq})
}

// Complete removes and returns the call with the earliest deadline.
// The second return is false when no call is in flight.
func (p *PendingCalls) Complete() (OpenCall, bool) {
	if p.q.Len() == 0 {
		return OpenCall{}, false
	}
	entry := heap.Pop(&p.q).(pendingEntry)
	return entry.call, true
}

// Len reports the number of calls in flight.
func (p *PendingCalls) Len() int {
	return p.q.Len()
}
