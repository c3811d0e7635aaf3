package tracing

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/lifesim/sim"
)

// LogHook writes a debug entry for every tick and every execution.
type LogHook struct {
	logger logrus.FieldLogger
}

// NewLogHook creates a LogHook. A nil logger means the logrus standard
// logger.
func NewLogHook(logger logrus.FieldLogger) *LogHook {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &LogHook{logger: logger}
}

// Func logs the hook context.
func (h *LogHook) Func(ctx sim.HookCtx) {
	switch item := ctx.Item.(type) {
	case sim.TickStatus:
		h.logTick(ctx.Pos, item)
	case sim.CallbackStatus:
		if ctx.Pos != sim.HookPosBeforeCallback {
			return
		}

		tick, now := clock(ctx)
		h.logger.WithFields(logrus.Fields{
			"tick":     tick,
			"time":     float64(now),
			"index":    item.Index,
			"interval": float64(item.Interval),
		}).Debugf("fire %s", item.Site())
	case sim.PostTickStatus:
		if ctx.Pos != sim.HookPosBeforePostTick {
			return
		}

		tick, now := clock(ctx)
		h.logger.WithFields(logrus.Fields{
			"tick": tick,
			"time": float64(now),
		}).Debugf("run %s", item.Site())
	}
}

func (h *LogHook) logTick(pos *sim.HookPos, s sim.TickStatus) {
	entry := h.logger.WithFields(logrus.Fields{
		"tick": s.Tick,
		"time": float64(s.Time),
		"step": float64(s.Step),
	})

	switch pos {
	case sim.HookPosTickStart:
		entry.Debug("tick start")
	case sim.HookPosTickEnd:
		entry.WithFields(logrus.Fields{
			"fired":     s.Fired,
			"post_tick": s.PostTickRuns,
			"next_step": float64(s.NextStep),
		}).Debug("tick end")
	}
}
