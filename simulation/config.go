package simulation

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sarchlab/lifesim/sim"
)

// Config describes a simulation run. It can be loaded from a YAML file.
type Config struct {
	// MinimumStep is the smallest step of the timer, in seconds.
	MinimumStep float64 `yaml:"minimum_step"`

	// StartTime is the clock before the first tick. Nil means minus the
	// minimum step.
	StartTime *float64 `yaml:"start_time,omitempty"`

	SettleLimit int `yaml:"settle_limit"`
	Precision   int `yaml:"precision"`

	// Until and Ticks bound the run. When both are set the run stops at
	// whichever comes first. Zero means unbounded.
	Until float64 `yaml:"until"`
	Ticks int64   `yaml:"ticks"`

	// Record is the path of the SQLite recording, without extension. Empty
	// disables recording.
	Record         string `yaml:"record"`
	RecordPostTick bool   `yaml:"record_post_tick"`

	Monitor     bool `yaml:"monitor"`
	MonitorPort int  `yaml:"monitor_port"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		MinimumStep: float64(sim.DefaultMinimumStep),
		SettleLimit: sim.DefaultSettleLimit,
		LogLevel:    logrus.InfoLevel.String(),
	}
}

// LoadConfig reads a YAML configuration on top of the defaults. Unknown keys
// are rejected.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("reading config: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&c); err != nil {
		return c, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return c, c.Validate()
}

// Validate checks that all fields are usable.
func (c Config) Validate() error {
	if !(c.MinimumStep > 0) || math.IsInf(c.MinimumStep, 0) {
		return fmt.Errorf("minimum_step must be positive and finite, got %g",
			c.MinimumStep)
	}

	if c.StartTime != nil &&
		(math.IsNaN(*c.StartTime) || math.IsInf(*c.StartTime, 0)) {
		return fmt.Errorf("start_time must be finite, got %g", *c.StartTime)
	}

	if c.SettleLimit <= 0 {
		return fmt.Errorf("settle_limit must be positive, got %d", c.SettleLimit)
	}

	if math.IsNaN(c.Until) || math.IsInf(c.Until, 0) {
		return fmt.Errorf("until must be finite, got %g", c.Until)
	}

	if c.Ticks < 0 {
		return fmt.Errorf("ticks must not be negative, got %d", c.Ticks)
	}

	if c.MonitorPort != 0 && !c.Monitor {
		return fmt.Errorf("monitor_port is set but monitor is disabled")
	}

	if c.MonitorPort < 0 || c.MonitorPort > 65535 {
		return fmt.Errorf("monitor_port out of range: %d", c.MonitorPort)
	}

	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	return nil
}
