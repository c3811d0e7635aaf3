package sim

import (
	"errors"
	"fmt"
	"math"
)

// TickStatus summarizes a tick. It is the Item of the tick hooks; Fired and
// PostTickRuns are only filled at HookPosTickEnd.
type TickStatus struct {
	Tick         int64      `json:"tick"`
	Time         VTimeInSec `json:"time"`
	Step         VTimeInSec `json:"step"`
	NextStep     VTimeInSec `json:"next_step"`
	MinimumStep  VTimeInSec `json:"minimum_step"`
	Fired        int        `json:"fired"`
	PostTickRuns int        `json:"post_tick_runs"`
}

// A Timer advances the simulated clock with an adaptive step. On every tick
// it fires the periodic callbacks that are due and then drains the post-tick
// groups in their fixed order.
//
// A Timer is not safe for concurrent use. It belongs to exactly one
// simulation and is passed to the objects that bind to it.
type Timer struct {
	HookableBase

	callbacks *callbackRegistry
	postTick  *postTickRegistry

	currentTime VTimeInSec
	currentStep VTimeInSec
	nextStep    VTimeInSec
	minimumStep VTimeInSec
	tick        int64

	synchronize bool
	precision   int
	halted      error
}

// CurrentTime returns the simulated time reached by the latest tick.
func (t *Timer) CurrentTime() VTimeInSec {
	return t.currentTime
}

// CurrentTick returns the index of the latest tick. It is -1 before the first
// tick.
func (t *Timer) CurrentTick() int64 {
	return t.tick
}

// CurrentStep returns the step that led to the current time.
func (t *Timer) CurrentStep() VTimeInSec {
	return t.currentStep
}

// NextStep returns the step the next tick is going to take, unless the
// minimum step is larger by then.
func (t *Timer) NextStep() VTimeInSec {
	return t.nextStep
}

// MinimumStep returns the smallest step the timer takes.
func (t *Timer) MinimumStep() VTimeInSec {
	return t.minimumStep
}

// Precision returns the rounding precision hint for numeric code. The timer
// does not use it.
func (t *Timer) Precision() int {
	return t.precision
}

// SetPrecision stores the rounding precision hint.
func (t *Timer) SetPrecision(p int) {
	t.precision = p
}

// Halted returns the fatal error that stopped the timer, or nil.
func (t *Timer) Halted() error {
	return t.halted
}

// SetMinStep changes the minimum step and moves the clock back to minus the
// new minimum step, as at construction. It is a setup operation and fails
// with ErrTimerStarted once the timer has ticked.
func (t *Timer) SetMinStep(minimumStep VTimeInSec) error {
	if t.tick >= 0 {
		return ErrTimerStarted
	}

	if !(minimumStep > 0) {
		return fmt.Errorf("%w: minimum step %g", ErrInvalidInterval, minimumStep)
	}

	t.minimumStep = minimumStep
	t.currentTime = -minimumStep

	return nil
}

// SynchronizeCallbacks makes the next tick fire every bound callback,
// regardless of its interval.
func (t *Timer) SynchronizeCallbacks() {
	t.synchronize = true
}

// Bind registers a periodic callback. Without WithInterval the callback uses
// the current minimum step as its interval. The callback is due on the next
// tick.
func (t *Timer) Bind(cb Callback, opts ...BindOption) (CallbackHandle, error) {
	c := bindConfig{}
	for _, opt := range opts {
		opt(&c)
	}

	if !c.hasInterval {
		c.interval = t.minimumStep
	}

	return t.callbacks.bind(cb, c.interval, c.info)
}

// SetInterval changes the interval of a bound callback. With resetLastFired,
// the callback counts as fired at the current time, so that a shorter
// interval does not make it fire immediately.
func (t *Timer) SetInterval(
	h CallbackHandle,
	interval VTimeInSec,
	resetLastFired bool,
) error {
	return t.callbacks.setInterval(h, interval, resetLastFired, t.currentTime)
}

// Unbind removes a callback. It never fires again and its handle becomes
// invalid.
func (t *Timer) Unbind(h CallbackHandle) error {
	return t.callbacks.unbind(h)
}

// Callback returns the status of a bound callback.
func (t *Timer) Callback(h CallbackHandle) (CallbackStatus, error) {
	if _, err := t.callbacks.lookup(h); err != nil {
		return CallbackStatus{}, err
	}

	return t.callbacks.status(h.index), nil
}

// Callbacks returns the status of all bound callbacks in slot order.
func (t *Timer) Callbacks() []CallbackStatus {
	return t.callbacks.statuses()
}

// DueAt returns the slot indices of the non-dependent callbacks that are due
// at the given time.
func (t *Timer) DueAt(now VTimeInSec) []int {
	due := t.callbacks.due(now, false)

	indices := make([]int, len(due))
	for i, d := range due {
		indices[i] = d.index
	}

	return indices
}

// RegisterPostTick allocates a slot for action at the given group and level
// and returns the trigger that arms it.
func (t *Timer) RegisterPostTick(
	action PostTickAction,
	group, level string,
) (PostTickTrigger, error) {
	return t.postTick.register(action, group, level)
}

// PostTickLevels returns the post-tick levels in drain order.
func (t *Timer) PostTickLevels() []PostTickLevelStatus {
	return t.postTick.levelStatuses()
}

// Tick advances the clock by one step, fires the due callbacks, drains the
// post-tick groups and computes the next step.
//
// An error from a callback or a post-tick action aborts the tick and is
// returned as a *SchedulerFatalError. The timer keeps the time and tick of
// the failed tick and refuses to tick again.
func (t *Timer) Tick() error {
	if t.halted != nil {
		return fmt.Errorf("%w: %w", ErrTimerHalted, t.halted)
	}

	t.growMinimumStep()
	t.advance()

	status := t.tickStatus()
	t.InvokeHook(HookCtx{Domain: t, Pos: HookPosTickStart, Item: status})

	fired, err := t.fireDueCallbacks()
	if err != nil {
		return t.halt(err)
	}

	runs, err := t.drainPostTick()
	if err != nil {
		return t.halt(err)
	}

	t.computeNextStep()

	status = t.tickStatus()
	status.Fired = fired
	status.PostTickRuns = runs
	t.InvokeHook(HookCtx{Domain: t, Pos: HookPosTickEnd, Item: status})

	return nil
}

// growMinimumStep makes sure the minimum step still moves the clock.
func (t *Timer) growMinimumStep() {
	for t.currentTime+t.minimumStep == t.currentTime {
		t.minimumStep *= 10
	}
}

func (t *Timer) advance() {
	step := t.nextStep
	if step < t.minimumStep {
		step = t.minimumStep
	}

	t.currentStep = step
	t.currentTime += step
	t.tick++
}

func (t *Timer) fireDueCallbacks() (int, error) {
	due := t.callbacks.due(t.currentTime, t.synchronize)
	t.synchronize = false

	fired := 0

	for _, d := range due {
		entry := t.callbacks.current(d)
		if entry == nil {
			continue
		}

		cb := entry.callback
		status := t.callbacks.status(d.index)
		ctx := HookCtx{Domain: t, Pos: HookPosBeforeCallback, Item: status}
		t.InvokeHook(ctx)

		if err := cb.Fire(t); err != nil {
			return fired, t.fatal(status.Site(), err)
		}

		fired++

		// The callback may have unbound itself.
		if entry = t.callbacks.current(d); entry != nil {
			entry.lastFired = t.currentTime
			status = t.callbacks.status(d.index)
		}

		ctx.Pos = HookPosAfterCallback
		ctx.Item = status
		t.InvokeHook(ctx)
	}

	return fired, nil
}

func (t *Timer) drainPostTick() (int, error) {
	runs := 0

	for _, g := range t.postTick.groups {
		n, err := t.drainGroup(g)
		runs += n

		if err != nil {
			return runs, err
		}
	}

	return runs, nil
}

// drainGroup settles the levels of a group in order. A later level may arm an
// earlier one, so the group is swept again until none of its levels is armed.
func (t *Timer) drainGroup(g *postTickGroup) (int, error) {
	runs := 0

	for passes := 0; g.armed(); passes++ {
		if passes >= t.postTick.settleLimit {
			return runs, t.fatal("post-tick "+g.name, fmt.Errorf(
				"%w: group %s still armed after %d sweeps",
				ErrSettleLimitExceeded, g.name, passes))
		}

		for _, l := range g.levels {
			n, err := t.postTick.settle(l, t.runPostTick)
			runs += n

			if err != nil {
				var fatal *SchedulerFatalError
				if errors.As(err, &fatal) {
					return runs, err
				}

				return runs, t.fatal(
					fmt.Sprintf("post-tick %s/%s", l.group, l.name), err)
			}
		}
	}

	return runs, nil
}

func (t *Timer) runPostTick(l *postTickLevel, slot int) error {
	status := l.status(slot)
	ctx := HookCtx{Domain: t, Pos: HookPosBeforePostTick, Item: status}
	t.InvokeHook(ctx)

	if err := l.slots[slot].action.RunPostTick(); err != nil {
		return t.fatal(status.Site(), err)
	}

	ctx.Pos = HookPosAfterPostTick
	t.InvokeHook(ctx)

	return nil
}

func (t *Timer) computeNextStep() {
	next := t.callbacks.nextTime(t.currentTime + t.minimumStep)

	t.nextStep = next - t.currentTime
	if t.nextStep < t.minimumStep {
		t.nextStep = t.minimumStep
	}

	// The rounded difference can land one ulp short of next when added back,
	// which would delay the callback by a whole minimum step. The bumped step
	// may pass next by an ulp.
	for t.currentTime+t.nextStep < next {
		step := math.Nextafter(float64(t.nextStep), math.Inf(1))
		t.nextStep = VTimeInSec(step)
	}
}

func (t *Timer) tickStatus() TickStatus {
	return TickStatus{
		Tick:        t.tick,
		Time:        t.currentTime,
		Step:        t.currentStep,
		NextStep:    t.nextStep,
		MinimumStep: t.minimumStep,
	}
}

func (t *Timer) fatal(site string, err error) *SchedulerFatalError {
	return &SchedulerFatalError{
		Tick: t.tick,
		Time: t.currentTime,
		Site: site,
		Err:  err,
	}
}

func (t *Timer) halt(err error) error {
	t.halted = err
	return err
}
