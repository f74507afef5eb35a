package sim

import "fmt"

// VirtualClock is the sole source of simulation time, measured in integer
// ticks. It advances only when the driver applies a TimeAdvance event;
// no component reads wall-clock time.
type VirtualClock struct {
	now int64
}

// NewVirtualClock creates a clock at tick zero.
func NewVirtualClock() *VirtualClock {
	return &VirtualClock{}
}

// Now returns the current virtual time in ticks.
func (c *VirtualClock) Now() int64 {
	return c.now
}

// Advance moves the clock forward by delta ticks.
// Panics if delta is negative: virtual time is monotonic.
func (c *VirtualClock) Advance(delta int64) {
	if delta < 0 {
		panic(fmt.Sprintf("VirtualClock.Advance: negative delta %d", delta))
	}
	c.now += delta
}
