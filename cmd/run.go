package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/lifesim/examples/habitat"
	"github.com/sarchlab/lifesim/sim"
	"github.com/sarchlab/lifesim/simulation"
)

type runOptions struct {
	configPath     string
	until          float64
	ticks          int64
	minStep        float64
	record         string
	recordPostTick bool
	monitor        bool
	monitorPort    int
	openBrowser    bool
	logLevel       string
	tickLog        bool
}

func newRunCmd() *cobra.Command {
	return newRunCmdWith(&runOptions{})
}

func newRunCmdWith(opts *runOptions) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the habitat simulation.",
		Long: "`run` simulates the habitat until --until seconds or --ticks " +
			"ticks, whichever comes first. Without bounds it runs until " +
			"interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}

			return runHabitat(cmd, c, opts)
		},
	}

	flags := runCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "YAML configuration file.")
	flags.Float64Var(&opts.until, "until", 0, "Simulated time to stop at, in seconds.")
	flags.Int64Var(&opts.ticks, "ticks", 0, "Number of ticks to run.")
	flags.Float64Var(&opts.minStep, "min-step", float64(sim.DefaultMinimumStep),
		"Smallest step of the timer, in seconds.")
	flags.StringVar(&opts.record, "record", "",
		"Record the run into the given path, without the .sqlite3 extension.")
	flags.BoolVar(&opts.recordPostTick, "record-post-tick", false,
		"Also record every post-tick action run.")
	flags.BoolVar(&opts.monitor, "monitor", false, "Start the monitoring server.")
	flags.IntVar(&opts.monitorPort, "monitor-port", 0,
		"Port of the monitoring server. Implies --monitor.")
	flags.BoolVar(&opts.openBrowser, "open-browser", false,
		"Open the monitoring page in a browser.")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level.")
	flags.BoolVar(&opts.tickLog, "tick-log", false,
		"Log every tick and execution at debug level.")

	return runCmd
}

// resolveConfig layers the defaults, the config file, the environment and
// the flags, in this order.
func resolveConfig(cmd *cobra.Command, opts *runOptions) (simulation.Config, error) {
	c := simulation.DefaultConfig()

	if opts.configPath != "" {
		var err error

		c, err = simulation.LoadConfig(opts.configPath)
		if err != nil {
			return c, err
		}
	}

	if err := applyEnv(&c); err != nil {
		return c, err
	}

	flags := cmd.Flags()

	if flags.Changed("until") {
		c.Until = opts.until
	}

	if flags.Changed("ticks") {
		c.Ticks = opts.ticks
	}

	if flags.Changed("min-step") {
		c.MinimumStep = opts.minStep
	}

	if flags.Changed("record") {
		c.Record = opts.record
	}

	if flags.Changed("record-post-tick") {
		c.RecordPostTick = opts.recordPostTick
	}

	if flags.Changed("monitor") {
		c.Monitor = opts.monitor
	}

	if flags.Changed("monitor-port") {
		c.Monitor = true
		c.MonitorPort = opts.monitorPort
	}

	if opts.openBrowser {
		c.Monitor = true
	}

	if flags.Changed("log-level") {
		c.LogLevel = opts.logLevel
	}

	return c, c.Validate()
}

func applyEnv(c *simulation.Config) error {
	if v, ok := os.LookupEnv(EnvRecord); ok && v != "" {
		c.Record = v
	}

	if v, ok := os.LookupEnv(EnvMonitorPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMonitorPort, err)
		}

		c.Monitor = true
		c.MonitorPort = port
	}

	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}

	return nil
}

func newLogger(cmd *cobra.Command, level string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())

	if level == "" {
		return logger, nil
	}

	l, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger.SetLevel(l)

	return logger, nil
}

func runHabitat(
	cmd *cobra.Command,
	c simulation.Config,
	opts *runOptions,
) error {
	logger, err := newLogger(cmd, c.LogLevel)
	if err != nil {
		return err
	}

	builder := simulation.MakeBuilder().WithConfig(c).WithLogger(logger)
	if opts.tickLog {
		builder = builder.WithTickLog()
	}

	s, err := builder.Build()
	if err != nil {
		return err
	}

	h, err := habitat.MakeBuilder().Build(s.Timer())
	if err != nil {
		return errors.Join(err, s.Terminate())
	}

	if m := s.Monitor(); m != nil {
		for name, obj := range h.Objects() {
			m.RegisterObject(name, obj)
		}

		if opts.openBrowser {
			if err := m.OpenBrowser(); err != nil {
				logger.WithError(err).Warn("cannot open browser")
			}
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	runErr := s.Run(ctx, sim.VTimeInSec(c.Until), c.Ticks)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	printSummary(cmd, s.Status(), h)

	return errors.Join(runErr, s.Terminate())
}

func printSummary(cmd *cobra.Command, status simulation.Status, h *habitat.Habitat) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "tick %d, time %g s\n", status.Tick, float64(status.Time))
	fmt.Fprintf(out, "cabin: %.1f Pa, %.2f K, %.4f kg, %.4f m3\n",
		h.Cabin.Pressure, h.Cabin.Temperature, h.Cabin.Mass, h.Cabin.Volume)
	fmt.Fprintf(out, "scrubbed %.6f kg, vented %.6f kg\n",
		h.Scrubber.Moved, h.Bladder.Vented)
}
