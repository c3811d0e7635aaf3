// Package simulation runs a sim.Timer. It adds the run loop, pausing, run
// recording and the monitoring server around the timer.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lifesim/datarecording"
	"github.com/sarchlab/lifesim/monitoring"
	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/tracing"
)

// ErrRunning is returned when a run is started while another one is going on.
var ErrRunning = errors.New("simulation: already running")

// ErrInvalidBound is returned when a run is given a negative number of ticks.
var ErrInvalidBound = errors.New("simulation: invalid run bound")

// Status is a snapshot of a simulation.
type Status struct {
	sim.TickStatus

	Paused  bool  `json:"paused"`
	Running bool  `json:"running"`
	Halted  error `json:"-"`
}

// A Simulation owns a timer and the services around it.
//
// Objects bind to the Timer before the simulation runs. While a run is going
// on, the timer must only be touched from callbacks and post-tick actions;
// other goroutines go through the Simulation methods, which wait for the
// current tick to finish.
type Simulation struct {
	id     string
	logger logrus.FieldLogger

	lock     sync.Mutex
	timer    *sim.Timer
	lastTick sim.TickStatus

	recorder datarecording.DataRecorder
	runInfo  *datarecording.RunInfoRecorder
	counter  *tracing.ExecutionCounter
	monitor  *monitoring.Monitor

	pauseLock sync.Mutex
	paused    bool
	resume    chan struct{}

	running    atomic.Bool
	terminated bool
}

// ID returns the unique ID of the simulation.
func (s *Simulation) ID() string {
	return s.id
}

// Timer returns the timer of the simulation.
func (s *Simulation) Timer() *sim.Timer {
	return s.timer
}

// DataRecorder returns the recorder, or nil if the run is not recorded.
func (s *Simulation) DataRecorder() datarecording.DataRecorder {
	return s.recorder
}

// Monitor returns the monitoring server, or nil if monitoring is off.
func (s *Simulation) Monitor() *monitoring.Monitor {
	return s.monitor
}

// ExecutionCounter returns the per-site execution counts.
func (s *Simulation) ExecutionCounter() *tracing.ExecutionCounter {
	return s.counter
}

// Tick runs one tick of the timer.
func (s *Simulation) Tick() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.timer.Tick()
}

// RunUntil ticks until the clock reaches until. The last tick can overshoot
// when the step to it is larger than what remains.
func (s *Simulation) RunUntil(ctx context.Context, until sim.VTimeInSec) error {
	start := s.timer.CurrentTime()
	total := uint64(math.Max(0, math.Ceil(float64(until-start)*1000)))

	return s.run(ctx, runBounds{
		name:  "time (ms)",
		total: total,
		done:  func() bool { return s.timer.CurrentTime() >= until },
		progress: func() uint64 {
			return uint64(math.Max(0, float64(s.timer.CurrentTime()-start)*1000))
		},
	}, logrus.Fields{"until": float64(until)})
}

// RunTicks runs n ticks.
func (s *Simulation) RunTicks(ctx context.Context, n int64) error {
	first := s.timer.CurrentTick()

	return s.run(ctx, runBounds{
		name:     "ticks",
		total:    uint64(max(n, 0)),
		done:     func() bool { return s.timer.CurrentTick()-first >= n },
		progress: func() uint64 { return uint64(s.timer.CurrentTick() - first) },
	}, logrus.Fields{"ticks": n})
}

// Run ticks until the clock reaches until or n ticks have run, whichever
// comes first. A zero bound is ignored. With both bounds zero, Run only
// returns on error or when ctx is done.
func (s *Simulation) Run(
	ctx context.Context,
	until sim.VTimeInSec,
	n int64,
) error {
	if n < 0 {
		return fmt.Errorf("%w: %d ticks", ErrInvalidBound, n)
	}

	switch {
	case n > 0 && until == 0:
		return s.RunTicks(ctx, n)
	case n == 0 && until != 0:
		return s.RunUntil(ctx, until)
	}

	first := s.timer.CurrentTick()
	bounded := n > 0

	return s.run(ctx, runBounds{
		name:  "ticks",
		total: uint64(max(n, 0)),
		done: func() bool {
			return bounded && (s.timer.CurrentTime() >= until ||
				s.timer.CurrentTick()-first >= n)
		},
		progress: func() uint64 { return uint64(s.timer.CurrentTick() - first) },
	}, logrus.Fields{"until": float64(until), "ticks": n})
}

type runBounds struct {
	name     string
	total    uint64
	done     func() bool
	progress func() uint64
}

func (s *Simulation) run(
	ctx context.Context,
	bounds runBounds,
	fields logrus.Fields,
) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer s.running.Store(false)

	var bar *monitoring.ProgressBar
	if s.monitor != nil {
		bar = s.monitor.CreateProgressBar(bounds.name, bounds.total)
		defer s.monitor.CompleteProgressBar(bar)
	}

	logger := s.logger.WithFields(fields)
	logger.Info("simulation started")

	for !bounds.done() {
		if err := s.waitIfPaused(ctx); err != nil {
			return s.stopped(logger, err)
		}

		if err := ctx.Err(); err != nil {
			return s.stopped(logger, err)
		}

		if err := s.Tick(); err != nil {
			s.logFatal(err)
			return err
		}

		if bar != nil {
			bar.SetFinished(bounds.progress())
		}
	}

	logger.WithFields(logrus.Fields{
		"tick": s.timer.CurrentTick(),
		"time": float64(s.timer.CurrentTime()),
	}).Info("simulation completed")

	return nil
}

func (s *Simulation) stopped(logger logrus.FieldLogger, err error) error {
	logger.WithFields(logrus.Fields{
		"tick": s.timer.CurrentTick(),
		"time": float64(s.timer.CurrentTime()),
	}).WithError(err).Warn("simulation interrupted")

	return err
}

func (s *Simulation) logFatal(err error) {
	fields := logrus.Fields{
		"tick": s.timer.CurrentTick(),
		"time": float64(s.timer.CurrentTime()),
	}

	var fatal *sim.SchedulerFatalError
	if errors.As(err, &fatal) {
		fields["site"] = fatal.Site
	}

	s.logger.WithFields(fields).WithError(err).Error("simulation halted")
}

// Pause makes the run loop wait before the next tick.
func (s *Simulation) Pause() {
	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()

	if s.paused {
		return
	}

	s.paused = true
	s.resume = make(chan struct{})
	s.logger.Info("simulation paused")
}

// Continue resumes a paused run loop.
func (s *Simulation) Continue() {
	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()

	if !s.paused {
		return
	}

	s.paused = false
	close(s.resume)
	s.logger.Info("simulation continued")
}

// Paused tells if the simulation is paused.
func (s *Simulation) Paused() bool {
	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()

	return s.paused
}

func (s *Simulation) waitIfPaused(ctx context.Context) error {
	s.pauseLock.Lock()
	if !s.paused {
		s.pauseLock.Unlock()
		return nil
	}

	resume := s.resume
	s.pauseLock.Unlock()

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Now returns the state of the timer after the latest tick.
func (s *Simulation) Now() sim.TickStatus {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.now()
}

func (s *Simulation) now() sim.TickStatus {
	status := sim.TickStatus{
		Tick:        s.timer.CurrentTick(),
		Time:        s.timer.CurrentTime(),
		Step:        s.timer.CurrentStep(),
		NextStep:    s.timer.NextStep(),
		MinimumStep: s.timer.MinimumStep(),
	}

	if s.lastTick.Tick == status.Tick {
		status.Fired = s.lastTick.Fired
		status.PostTickRuns = s.lastTick.PostTickRuns
	}

	return status
}

// Status returns the timer state together with the run state. After a fatal
// error the timer state is the one of the failed tick.
func (s *Simulation) Status() Status {
	s.lock.Lock()
	status := Status{
		TickStatus: s.now(),
		Halted:     s.timer.Halted(),
	}
	s.lock.Unlock()

	status.Paused = s.Paused()
	status.Running = s.running.Load()

	return status
}

// Callbacks returns the bound callbacks.
func (s *Simulation) Callbacks() []sim.CallbackStatus {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.timer.Callbacks()
}

// PostTickLevels returns the post-tick levels with their slot counts.
func (s *Simulation) PostTickLevels() []sim.PostTickLevelStatus {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.timer.PostTickLevels()
}

// Terminate writes the run info, closes the recorder and stops the monitoring
// server. Terminating twice has no effect.
func (s *Simulation) Terminate() error {
	if s.terminated {
		return nil
	}

	s.terminated = true

	var errs []error

	if s.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.monitor.StopServer(ctx))
		cancel()
	}

	if s.recorder != nil {
		status := s.Status()
		s.runInfo.Set("Final Tick", strconv.FormatInt(status.Tick, 10))
		s.runInfo.Set("Final Time",
			strconv.FormatFloat(float64(status.Time), 'g', -1, 64))

		if status.Halted != nil {
			s.runInfo.Set("Halted", status.Halted.Error())
		}

		s.runInfo.End()
		errs = append(errs, s.recorder.Close())
	}

	return errors.Join(errs...)
}

// lastTickHook keeps the status of the latest completed tick.
type lastTickHook struct {
	s *Simulation
}

func (h *lastTickHook) Func(ctx sim.HookCtx) {
	if ctx.Pos == sim.HookPosTickEnd {
		h.s.lastTick = ctx.Item.(sim.TickStatus)
	}
}
