package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/lifesim/sim"
)

// Collect attaches a hook to a domain. It panics if the domain already has a
// hook of the same type.
func Collect(domain sim.Hookable, hook sim.Hook) {
	hookType := reflect.TypeOf(hook)

	for _, h := range domain.Hooks() {
		if reflect.TypeOf(h) == hookType {
			panic(fmt.Sprintf("domain already has a %s", hookType))
		}
	}

	domain.AcceptHook(hook)
}

// clock returns the tick and time of the domain that invoked a hook.
func clock(ctx sim.HookCtx) (int64, sim.VTimeInSec) {
	if t, ok := ctx.Domain.(sim.TickTeller); ok {
		return t.CurrentTick(), t.CurrentTime()
	}

	return -1, 0
}
