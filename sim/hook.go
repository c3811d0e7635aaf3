package sim

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx describes the site where a hook is triggered. Domain is the object
// invoking the hook and Item the entity being processed at Pos.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
// Hooks observe the timer. They must not bind, unbind or arm anything.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// Timer hook positions. The Item of the HookCtx is a TickStatus for the tick
// positions, a CallbackStatus for the callback positions and a PostTickStatus
// for the post-tick positions.
var (
	HookPosTickStart      = &HookPos{Name: "TickStart"}
	HookPosBeforeCallback = &HookPos{Name: "BeforeCallback"}
	HookPosAfterCallback  = &HookPos{Name: "AfterCallback"}
	HookPosBeforePostTick = &HookPos{Name: "BeforePostTick"}
	HookPosAfterPostTick  = &HookPos{Name: "AfterPostTick"}
	HookPosTickEnd        = &HookPos{Name: "TickEnd"}
)

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// Hooks returns a copy of the registered hooks in registration order.
func (h *HookableBase) Hooks() []Hook {
	hooks := make([]Hook, len(h.hookList))
	copy(hooks, h.hookList)

	return hooks
}

// AcceptHook registers a hook. Registering nil or the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	if hook == nil {
		panic("hook must not be nil")
	}

	h.mustNotHaveDuplicatedHook(hook)
	h.hookList = append(h.hookList, hook)
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	for _, existing := range h.hookList {
		if existing == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the registered hooks in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}
