package sim

import (
	"fmt"
	"math"
)

// DefaultSettleLimit is the number of passes a post-tick level may take in
// one tick before the timer gives up on it.
const DefaultSettleLimit = 1000

// Builder can build Timers.
type Builder struct {
	minimumStep  VTimeInSec
	startTime    VTimeInSec
	hasStartTime bool
	settleLimit  int
	precision    int
}

// MakeBuilder creates a builder with the default parameters.
func MakeBuilder() Builder {
	return Builder{
		minimumStep: DefaultMinimumStep,
		settleLimit: DefaultSettleLimit,
	}
}

// WithMinimumStep sets the smallest step the timer takes.
func (b Builder) WithMinimumStep(minimumStep VTimeInSec) Builder {
	b.minimumStep = minimumStep
	return b
}

// WithStartTime sets the time of the clock before the first tick. It defaults
// to minus the minimum step, so that the first tick lands on time 0.
func (b Builder) WithStartTime(t VTimeInSec) Builder {
	b.startTime = t
	b.hasStartTime = true

	return b
}

// WithSettleLimit sets how many passes a post-tick level may take to settle
// within one tick.
func (b Builder) WithSettleLimit(n int) Builder {
	b.settleLimit = n
	return b
}

// WithPrecision sets the rounding precision hint.
func (b Builder) WithPrecision(p int) Builder {
	b.precision = p
	return b
}

func (b Builder) parametersMustBeValid() {
	if !(b.minimumStep > 0) || math.IsInf(float64(b.minimumStep), 0) {
		panic(fmt.Sprintf("invalid minimum step %g", b.minimumStep))
	}

	if b.settleLimit <= 0 {
		panic(fmt.Sprintf("invalid settle limit %d", b.settleLimit))
	}

	if math.IsNaN(float64(b.startTime)) ||
		math.IsInf(float64(b.startTime), 0) {
		panic("start time must be finite")
	}
}

// Build creates a Timer.
func (b Builder) Build() *Timer {
	b.parametersMustBeValid()

	t := &Timer{
		callbacks:   newCallbackRegistry(),
		postTick:    newPostTickRegistry(b.settleLimit),
		minimumStep: b.minimumStep,
		currentTime: -b.minimumStep,
		tick:        -1,
		precision:   b.precision,
	}

	if b.hasStartTime {
		t.currentTime = b.startTime
	}

	return t
}
