package sim

import "math"

// VTimeInSec defines the time in the simulated space in the unit of second.
type VTimeInSec float64

// NegativeInfinity is the last-fired time of a callback that never fired.
var NegativeInfinity = VTimeInSec(math.Inf(-1))

// DependentInterval marks a callback that is not scheduled by elapsed time.
// Dependent callbacks only fire on a synchronized tick.
const DependentInterval VTimeInSec = -1

// DefaultMinimumStep is the minimum step used when none is configured.
const DefaultMinimumStep VTimeInSec = 1e-8

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// TickTeller reports the index of the tick the timer is in.
type TickTeller interface {
	TimeTeller
	CurrentTick() int64
}
