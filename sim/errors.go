package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCallback is returned when binding or registering something
	// that cannot be invoked.
	ErrInvalidCallback = errors.New("sim: invalid callback")

	// ErrInvalidInterval is returned for a negative interval that is not
	// DependentInterval.
	ErrInvalidInterval = errors.New("sim: invalid callback interval")

	// ErrUnknownCallback is returned when a handle refers to a callback that
	// has been unbound or that was never bound to this timer.
	ErrUnknownCallback = errors.New("sim: unknown callback")

	// ErrUnknownPostTickSlot is returned when registering against a group and
	// level pair that is not part of the post-tick layout.
	ErrUnknownPostTickSlot = errors.New("sim: unknown post-tick slot")

	// ErrSettleLimitExceeded is returned when a post-tick level keeps being
	// re-armed beyond the settle limit within one tick.
	ErrSettleLimitExceeded = errors.New("sim: post-tick level did not settle")

	// ErrTimerStarted is returned by setup-only operations after the first
	// tick.
	ErrTimerStarted = errors.New("sim: timer already started")

	// ErrTimerHalted is returned by Tick after a fatal error.
	ErrTimerHalted = errors.New("sim: timer halted")

	// ErrSchedulerFatal matches every SchedulerFatalError.
	ErrSchedulerFatal = errors.New("sim: scheduler fatal")
)

// SchedulerFatalError wraps an error raised by a callback or a post-tick
// action together with where and when it happened.
type SchedulerFatalError struct {
	Tick int64
	Time VTimeInSec
	Site string
	Err  error
}

func (e *SchedulerFatalError) Error() string {
	return fmt.Sprintf("sim: tick %d @ %.10f: %s: %v",
		e.Tick, e.Time, e.Site, e.Err)
}

func (e *SchedulerFatalError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSchedulerFatal) hold for every fatal error.
func (e *SchedulerFatalError) Is(target error) bool {
	return target == ErrSchedulerFatal
}
