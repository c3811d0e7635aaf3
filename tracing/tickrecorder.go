package tracing

import (
	"github.com/sarchlab/lifesim/datarecording"
	"github.com/sarchlab/lifesim/sim"
)

// Table names used by the TickRecorder.
const (
	TickTable = "tick_log"
	ExecTable = "exec_log"
)

// Kinds of execution entries.
const (
	ExecKindCallback = "callback"
	ExecKindPostTick = "post_tick"
)

// TickEntry is a row of the tick table.
type TickEntry struct {
	Tick         int64
	Time         float64
	Step         float64
	NextStep     float64
	MinimumStep  float64
	Fired        int
	PostTickRuns int
}

// ExecEntry is a row of the execution table.
type ExecEntry struct {
	Tick int64
	Time float64
	Kind string
	Site string
}

// TickRecorder writes one row per tick and one row per executed callback or
// post-tick action.
type TickRecorder struct {
	recorder       datarecording.DataRecorder
	recordPostTick bool
}

// NewTickRecorder creates the recorder tables. Post-tick actions are only
// recorded when recordPostTick is set, as they can be many.
func NewTickRecorder(
	recorder datarecording.DataRecorder,
	recordPostTick bool,
) *TickRecorder {
	recorder.CreateTable(TickTable, TickEntry{})
	recorder.CreateTable(ExecTable, ExecEntry{})

	return &TickRecorder{
		recorder:       recorder,
		recordPostTick: recordPostTick,
	}
}

// Func records the tick ends and the completed executions.
func (r *TickRecorder) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case sim.HookPosTickEnd:
		s := ctx.Item.(sim.TickStatus)
		r.recorder.InsertData(TickTable, TickEntry{
			Tick:         s.Tick,
			Time:         float64(s.Time),
			Step:         float64(s.Step),
			NextStep:     float64(s.NextStep),
			MinimumStep:  float64(s.MinimumStep),
			Fired:        s.Fired,
			PostTickRuns: s.PostTickRuns,
		})
	case sim.HookPosAfterCallback:
		s := ctx.Item.(sim.CallbackStatus)
		r.insertExec(ctx, ExecKindCallback, s.Site())
	case sim.HookPosAfterPostTick:
		if !r.recordPostTick {
			return
		}

		s := ctx.Item.(sim.PostTickStatus)
		r.insertExec(ctx, ExecKindPostTick, s.Site())
	}
}

func (r *TickRecorder) insertExec(ctx sim.HookCtx, kind, site string) {
	tick, now := clock(ctx)

	r.recorder.InsertData(ExecTable, ExecEntry{
		Tick: tick,
		Time: float64(now),
		Kind: kind,
		Site: site,
	})
}
