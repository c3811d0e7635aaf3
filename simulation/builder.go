package simulation

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lifesim/datarecording"
	"github.com/sarchlab/lifesim/monitoring"
	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/sim/id"
	"github.com/sarchlab/lifesim/tracing"
)

// Builder can be used to build a simulation.
type Builder struct {
	timerBuilder sim.Builder

	record         bool
	recordPath     string
	recordPostTick bool
	monitorOn      bool
	monitorPort    int
	tickLog        bool
	logger         logrus.FieldLogger
}

// MakeBuilder creates a new builder. By default nothing is recorded and no
// monitoring server is started.
func MakeBuilder() Builder {
	return Builder{
		timerBuilder: sim.MakeBuilder(),
	}
}

// WithMinimumStep sets the smallest step of the timer.
func (b Builder) WithMinimumStep(minimumStep sim.VTimeInSec) Builder {
	b.timerBuilder = b.timerBuilder.WithMinimumStep(minimumStep)
	return b
}

// WithStartTime sets the clock before the first tick.
func (b Builder) WithStartTime(t sim.VTimeInSec) Builder {
	b.timerBuilder = b.timerBuilder.WithStartTime(t)
	return b
}

// WithSettleLimit bounds the post-tick passes within one tick.
func (b Builder) WithSettleLimit(n int) Builder {
	b.timerBuilder = b.timerBuilder.WithSettleLimit(n)
	return b
}

// WithPrecision sets the rounding precision hint of the timer.
func (b Builder) WithPrecision(p int) Builder {
	b.timerBuilder = b.timerBuilder.WithPrecision(p)
	return b
}

// WithRecorder records the run into path + ".sqlite3". An empty path picks a
// name from the simulation ID.
func (b Builder) WithRecorder(path string) Builder {
	b.record = true
	b.recordPath = path

	return b
}

// WithRecordPostTick also records every post-tick action run.
func (b Builder) WithRecordPostTick() Builder {
	b.recordPostTick = true
	return b
}

// WithMonitor starts a monitoring server. Port 0 picks a random port.
func (b Builder) WithMonitor(port int) Builder {
	b.monitorOn = true
	b.monitorPort = port

	return b
}

// WithTickLog logs every tick and execution at debug level.
func (b Builder) WithTickLog() Builder {
	b.tickLog = true
	return b
}

// WithLogger sets the logger. It defaults to the logrus standard logger.
func (b Builder) WithLogger(logger logrus.FieldLogger) Builder {
	b.logger = logger
	return b
}

// WithConfig applies the timer, recording and monitoring settings of a
// configuration. Run bounds and log level are left to the caller.
func (b Builder) WithConfig(c Config) Builder {
	b = b.WithMinimumStep(sim.VTimeInSec(c.MinimumStep)).
		WithSettleLimit(c.SettleLimit).
		WithPrecision(c.Precision)

	if c.StartTime != nil {
		b = b.WithStartTime(sim.VTimeInSec(*c.StartTime))
	}

	if c.Record != "" {
		b = b.WithRecorder(c.Record)
	}

	if c.RecordPostTick {
		b = b.WithRecordPostTick()
	}

	if c.Monitor {
		b = b.WithMonitor(c.MonitorPort)
	}

	return b
}

func (b Builder) parametersMustBeValid() {
	if b.recordPostTick && !b.record {
		panic("post-tick recording requires a recorder")
	}
}

// Build builds the simulation. It fails if the recording file exists or if
// the monitoring server cannot listen.
func (b Builder) Build() (*Simulation, error) {
	b.parametersMustBeValid()

	s := &Simulation{
		id:      id.NewXIDGenerator().Generate(),
		timer:   b.timerBuilder.Build(),
		logger:  b.logger,
		counter: tracing.NewExecutionCounter(),
	}

	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}

	s.timer.AcceptHook(&lastTickHook{s: s})
	tracing.Collect(s.timer, s.counter)

	if b.tickLog {
		tracing.Collect(s.timer, tracing.NewLogHook(s.logger))
	}

	if b.record {
		if err := b.buildRecorder(s); err != nil {
			return nil, err
		}
	}

	if b.monitorOn {
		if err := b.buildMonitor(s); err != nil {
			_ = s.Terminate()
			return nil, err
		}
	}

	return s, nil
}

func (b Builder) buildRecorder(s *Simulation) error {
	path := b.recordPath
	if path == "" {
		path = "lifesim_" + s.id
	}

	filename := path + ".sqlite3"
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("recording %s already exists", filename)
	}

	s.recorder = datarecording.New(path)
	s.logger.WithField("file", filename).Info("recording simulation")

	s.runInfo = datarecording.NewRunInfoRecorder(s.recorder)
	s.runInfo.Start()
	s.runInfo.Set("Simulation ID", s.id)
	s.runInfo.Set("Minimum Step",
		strconv.FormatFloat(float64(s.timer.MinimumStep()), 'g', -1, 64))
	s.runInfo.Set("Simulated Start Time",
		strconv.FormatFloat(float64(s.timer.CurrentTime()), 'g', -1, 64))

	tracing.Collect(s.timer, tracing.NewTickRecorder(s.recorder, b.recordPostTick))

	return nil
}

func (b Builder) buildMonitor(s *Simulation) error {
	s.monitor = monitoring.NewMonitor().
		WithLogger(s.logger).
		WithPortNumber(b.monitorPort)
	s.monitor.RegisterController(s)
	s.monitor.RegisterExecutionCounter(s.counter)

	_, err := s.monitor.StartServer()

	return err
}
