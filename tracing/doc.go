// Package tracing provides hooks that observe a sim.Timer. They record ticks
// and executions into a DataRecorder, count executions per site, or log them.
package tracing
