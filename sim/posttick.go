package sim

import "fmt"

// Post-tick group names, in drain order. GroupPostPhysics is the terminal
// group and is drained after all the others have settled.
const (
	GroupMatter      = "matter"
	GroupElectrical  = "electrical"
	GroupThermal     = "thermal"
	GroupPostPhysics = "post_physics"
)

// A PostTickGroupLayout declares a post-tick group and its sub-phases. Each
// sub-phase X expands into the levels pre_X, X and post_X.
type PostTickGroupLayout struct {
	Name      string
	SubPhases []string
}

var postTickLayout = []PostTickGroupLayout{
	{
		Name: GroupMatter,
		SubPhases: []string{
			"phase_massupdate",
			"volumeManips",
			"phase_update",
			"solver",
			"P2Ps",
			"substanceManips",
			"multibranch_solver",
			"residual_solver",
		},
	},
	{
		Name:      GroupElectrical,
		SubPhases: []string{"circuits", "solver"},
	},
	{
		Name: GroupThermal,
		SubPhases: []string{
			"capacity_temperatureupdate",
			"heatsources",
			"multibranch_solver",
			"residual_solver",
		},
	},
	{
		Name:      GroupPostPhysics,
		SubPhases: []string{"timestep"},
	},
}

// PostTickLayout returns a copy of the post-tick groups and their
// sub-phases, in drain order.
func PostTickLayout() []PostTickGroupLayout {
	layout := make([]PostTickGroupLayout, len(postTickLayout))
	for i, g := range postTickLayout {
		layout[i] = PostTickGroupLayout{
			Name:      g.Name,
			SubPhases: append([]string(nil), g.SubPhases...),
		}
	}

	return layout
}

// PreLevel returns the name of the level that runs just before subPhase.
func PreLevel(subPhase string) string {
	return "pre_" + subPhase
}

// PostLevel returns the name of the level that runs just after subPhase.
func PostLevel(subPhase string) string {
	return "post_" + subPhase
}

// A PostTickAction is a deferred recomputation that runs later in the tick in
// which it was armed.
type PostTickAction interface {
	RunPostTick() error
}

// PostTickFunc adapts an ordinary function into a PostTickAction.
type PostTickFunc func() error

// RunPostTick calls f().
func (f PostTickFunc) RunPostTick() error {
	return f()
}

// PostTickStatus identifies a post-tick slot.
type PostTickStatus struct {
	Group string `json:"group"`
	Level string `json:"level"`
	Slot  int    `json:"slot"`
}

// Site names the slot in logs and errors.
func (s PostTickStatus) Site() string {
	return fmt.Sprintf("post-tick %s/%s#%d", s.Group, s.Level, s.Slot)
}

// PostTickLevelStatus summarizes one level of the post-tick layout.
type PostTickLevelStatus struct {
	Group string `json:"group"`
	Level string `json:"level"`
	Slots int    `json:"slots"`
	Armed int    `json:"armed"`
}

// A PostTickTrigger arms one post-tick slot. The zero value does nothing.
type PostTickTrigger struct {
	level *postTickLevel
	slot  int
}

// Arm requests the slot's action to run during the current tick. Arming an
// armed slot has no further effect.
func (t PostTickTrigger) Arm() {
	if t.level == nil {
		return
	}

	s := &t.level.slots[t.slot]
	if s.armed {
		return
	}

	s.armed = true
	t.level.numArmed++
}

// Armed tells if the slot is waiting to be drained.
func (t PostTickTrigger) Armed() bool {
	if t.level == nil {
		return false
	}

	return t.level.slots[t.slot].armed
}

// Status returns the identity of the slot.
func (t PostTickTrigger) Status() PostTickStatus {
	if t.level == nil {
		return PostTickStatus{}
	}

	return t.level.status(t.slot)
}

type postTickSlot struct {
	action PostTickAction
	armed  bool
}

type postTickLevel struct {
	group    string
	name     string
	slots    []postTickSlot
	numArmed int
}

func (l *postTickLevel) status(slot int) PostTickStatus {
	return PostTickStatus{Group: l.group, Level: l.name, Slot: slot}
}

type postTickGroup struct {
	name   string
	levels []*postTickLevel
}

func (g *postTickGroup) armed() bool {
	for _, l := range g.levels {
		if l.numArmed > 0 {
			return true
		}
	}

	return false
}

type levelKey struct {
	group, level string
}

type postTickRegistry struct {
	groups      []*postTickGroup
	levels      map[levelKey]*postTickLevel
	settleLimit int
}

func newPostTickRegistry(settleLimit int) *postTickRegistry {
	r := &postTickRegistry{
		levels:      make(map[levelKey]*postTickLevel),
		settleLimit: settleLimit,
	}

	for _, g := range postTickLayout {
		group := &postTickGroup{name: g.Name}

		for _, subPhase := range g.SubPhases {
			for _, name := range []string{
				PreLevel(subPhase), subPhase, PostLevel(subPhase),
			} {
				level := &postTickLevel{group: g.Name, name: name}
				group.levels = append(group.levels, level)
				r.levels[levelKey{g.Name, name}] = level
			}
		}

		r.groups = append(r.groups, group)
	}

	return r
}

func (r *postTickRegistry) register(
	action PostTickAction,
	group, level string,
) (PostTickTrigger, error) {
	if isNil(action) {
		return PostTickTrigger{}, ErrInvalidCallback
	}

	l, ok := r.levels[levelKey{group, level}]
	if !ok {
		return PostTickTrigger{}, fmt.Errorf("%w: %s/%s",
			ErrUnknownPostTickSlot, group, level)
	}

	l.slots = append(l.slots, postTickSlot{action: action})

	return PostTickTrigger{level: l, slot: len(l.slots) - 1}, nil
}

// settle runs the armed slots of a level in registration order and rescans
// the level until no slot is armed. run is called after the slot has been
// disarmed, so the action may arm its own slot again.
func (r *postTickRegistry) settle(
	l *postTickLevel,
	run func(l *postTickLevel, slot int) error,
) (int, error) {
	runs := 0

	for passes := 0; l.numArmed > 0; passes++ {
		if passes >= r.settleLimit {
			return runs, fmt.Errorf("%w: %s/%s still armed after %d passes",
				ErrSettleLimitExceeded, l.group, l.name, passes)
		}

		for i := 0; i < len(l.slots); i++ {
			if !l.slots[i].armed {
				continue
			}

			l.slots[i].armed = false
			l.numArmed--
			runs++

			if err := run(l, i); err != nil {
				return runs, err
			}
		}
	}

	return runs, nil
}

func (r *postTickRegistry) levelStatuses() []PostTickLevelStatus {
	var list []PostTickLevelStatus

	for _, g := range r.groups {
		for _, l := range g.levels {
			list = append(list, PostTickLevelStatus{
				Group: l.group,
				Level: l.name,
				Slots: len(l.slots),
				Armed: l.numArmed,
			})
		}
	}

	return list
}
