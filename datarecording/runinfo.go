package datarecording

import (
	"os"
	"strings"
	"time"
)

// RunInfoTable is the table that holds the run metadata.
const RunInfoTable = "run_info"

const timeLayout = "2006-01-02 15:04:05.000000000"

// RunInfo is one property of a simulation run.
type RunInfo struct {
	Property string
	Value    string
}

// RunInfoRecorder records when and how a simulation was run.
type RunInfoRecorder struct {
	recorder DataRecorder
	entries  []RunInfo
	now      func() time.Time
}

// NewRunInfoRecorder creates the run info table on the recorder.
func NewRunInfoRecorder(recorder DataRecorder) *RunInfoRecorder {
	recorder.CreateTable(RunInfoTable, RunInfo{})

	return &RunInfoRecorder{
		recorder: recorder,
		now:      time.Now,
	}
}

// Start notes the start time, the command line and the working directory.
func (r *RunInfoRecorder) Start() {
	r.Set("Start Time", r.now().Format(timeLayout))
	r.Set("Command", strings.Join(os.Args, " "))

	if cwd, err := os.Getwd(); err == nil {
		r.Set("Working Directory", cwd)
	}
}

// Set adds a property, such as a configuration value.
func (r *RunInfoRecorder) Set(property, value string) {
	r.entries = append(r.entries, RunInfo{Property: property, Value: value})
}

// End writes the collected properties and the end time, then flushes.
func (r *RunInfoRecorder) End() {
	r.Set("End Time", r.now().Format(timeLayout))

	for _, entry := range r.entries {
		r.recorder.InsertData(RunInfoTable, entry)
	}

	r.entries = nil

	r.recorder.Flush()
}
