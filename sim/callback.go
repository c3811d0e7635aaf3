package sim

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// A Callback is a periodic subscriber of the Timer. Fire is called on every
// tick at which the callback is due.
type Callback interface {
	Fire(timer *Timer) error
}

// CallbackFunc adapts an ordinary function into a Callback.
type CallbackFunc func(timer *Timer) error

// Fire calls f(timer).
func (f CallbackFunc) Fire(timer *Timer) error {
	return f(timer)
}

// CallbackInfo describes a bound callback. It is only used for diagnostics
// and never affects scheduling.
type CallbackInfo struct {
	Method      string `json:"method,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Description string `json:"description,omitempty"`
}

// String returns a short human-readable name, such as "cabin.massUpdate".
func (i CallbackInfo) String() string {
	switch {
	case i.Owner != "" && i.Method != "":
		return i.Owner + "." + i.Method
	case i.Method != "":
		return i.Method
	case i.Owner != "":
		return i.Owner
	default:
		return i.Description
	}
}

// CallbackHandle identifies a bound callback. Handles stay valid until the
// callback is unbound; afterwards every operation on them returns
// ErrUnknownCallback, even if the slot has been reused.
type CallbackHandle struct {
	registry   *callbackRegistry
	index      int
	generation uint32
}

// Index returns the slot index of the callback. Callbacks fire in ascending
// slot order.
func (h CallbackHandle) Index() int {
	return h.index
}

// CallbackStatus is a read-only snapshot of a bound callback.
type CallbackStatus struct {
	Index     int          `json:"index"`
	Info      CallbackInfo `json:"info"`
	Interval  VTimeInSec   `json:"interval"`
	LastFired VTimeInSec   `json:"last_fired"`
	Dependent bool         `json:"dependent"`
}

// Site names the callback in logs and errors.
func (s CallbackStatus) Site() string {
	name := s.Info.String()
	if name == "" {
		return fmt.Sprintf("callback #%d", s.Index)
	}

	return fmt.Sprintf("callback #%d (%s)", s.Index, name)
}

// A BindOption customizes a callback at bind time.
type BindOption func(c *bindConfig)

type bindConfig struct {
	interval    VTimeInSec
	hasInterval bool
	info        CallbackInfo
}

// WithInterval sets the minimum simulated time between two firings.
// DependentInterval marks the callback as dependent.
func WithInterval(interval VTimeInSec) BindOption {
	return func(c *bindConfig) {
		c.interval = interval
		c.hasInterval = true
	}
}

// Dependent marks the callback as dependent. It is the same as
// WithInterval(DependentInterval).
func Dependent() BindOption {
	return WithInterval(DependentInterval)
}

// WithInfo attaches a diagnostic description to the callback.
func WithInfo(info CallbackInfo) BindOption {
	return func(c *bindConfig) {
		c.info = info
	}
}

type callbackEntry struct {
	callback   Callback
	interval   VTimeInSec
	lastFired  VTimeInSec
	info       CallbackInfo
	generation uint32
	active     bool
}

func (e *callbackEntry) dependent() bool {
	return e.interval == DependentInterval
}

// dueCallback pins a slot to the generation it had when it was selected, so
// that an unbind during the tick is noticed.
type dueCallback struct {
	index      int
	generation uint32
}

// callbackRegistry stores callbacks in stable slots. Unbinding leaves a
// tombstone that the next bind reuses; the generation counter tells old
// handles apart from the new occupant.
type callbackRegistry struct {
	entries   []callbackEntry
	freeSlots []int
	numActive int
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{}
}

// isNil also catches typed nils, such as a nil CallbackFunc stored in a
// Callback.
func isNil(x any) bool {
	if x == nil {
		return true
	}

	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.Func, reflect.Ptr, reflect.Map, reflect.Slice,
		reflect.Chan, reflect.Interface:
		return v.IsNil()
	default:
		return false
	}
}

func validInterval(interval VTimeInSec) bool {
	if math.IsNaN(float64(interval)) || math.IsInf(float64(interval), 0) {
		return false
	}

	return interval >= 0 || interval == DependentInterval
}

func (r *callbackRegistry) bind(
	cb Callback,
	interval VTimeInSec,
	info CallbackInfo,
) (CallbackHandle, error) {
	if isNil(cb) {
		return CallbackHandle{}, ErrInvalidCallback
	}

	if !validInterval(interval) {
		return CallbackHandle{}, fmt.Errorf("%w: %g", ErrInvalidInterval, interval)
	}

	index := r.takeSlot()
	entry := &r.entries[index]
	entry.callback = cb
	entry.interval = interval
	entry.lastFired = NegativeInfinity
	entry.info = info
	entry.active = true
	r.numActive++

	return CallbackHandle{
		registry:   r,
		index:      index,
		generation: entry.generation,
	}, nil
}

func (r *callbackRegistry) takeSlot() int {
	if len(r.freeSlots) > 0 {
		index := r.freeSlots[0]
		r.freeSlots = r.freeSlots[1:]

		return index
	}

	r.entries = append(r.entries, callbackEntry{})

	return len(r.entries) - 1
}

func (r *callbackRegistry) releaseSlot(index int) {
	pos := sort.SearchInts(r.freeSlots, index)
	r.freeSlots = append(r.freeSlots, 0)
	copy(r.freeSlots[pos+1:], r.freeSlots[pos:])
	r.freeSlots[pos] = index
}

func (r *callbackRegistry) lookup(h CallbackHandle) (*callbackEntry, error) {
	if h.registry != r || h.index < 0 || h.index >= len(r.entries) {
		return nil, ErrUnknownCallback
	}

	entry := &r.entries[h.index]
	if !entry.active || entry.generation != h.generation {
		return nil, fmt.Errorf("%w: slot %d", ErrUnknownCallback, h.index)
	}

	return entry, nil
}

func (r *callbackRegistry) setInterval(
	h CallbackHandle,
	interval VTimeInSec,
	resetLastFired bool,
	now VTimeInSec,
) error {
	entry, err := r.lookup(h)
	if err != nil {
		return err
	}

	if !validInterval(interval) {
		return fmt.Errorf("%w: %g", ErrInvalidInterval, interval)
	}

	entry.interval = interval
	if resetLastFired {
		entry.lastFired = now
	}

	return nil
}

func (r *callbackRegistry) unbind(h CallbackHandle) error {
	entry, err := r.lookup(h)
	if err != nil {
		return err
	}

	*entry = callbackEntry{generation: entry.generation + 1}
	r.numActive--
	r.releaseSlot(h.index)

	return nil
}

// due returns the callbacks to fire at now, in ascending slot order. With
// all set, every active callback is returned, dependent ones included.
func (r *callbackRegistry) due(now VTimeInSec, all bool) []dueCallback {
	var list []dueCallback

	for i := range r.entries {
		e := &r.entries[i]
		if !e.active {
			continue
		}

		if !all && (e.dependent() || e.lastFired+e.interval > now) {
			continue
		}

		list = append(list, dueCallback{index: i, generation: e.generation})
	}

	return list
}

// current returns the entry still occupying the due slot, or nil if it has
// been unbound since it was selected.
func (r *callbackRegistry) current(d dueCallback) *callbackEntry {
	e := &r.entries[d.index]
	if !e.active || e.generation != d.generation {
		return nil
	}

	return e
}

// nextTime returns the earliest time a non-dependent callback becomes due, or
// fallback if there is none.
func (r *callbackRegistry) nextTime(fallback VTimeInSec) VTimeInSec {
	next := fallback
	found := false

	for i := range r.entries {
		e := &r.entries[i]
		if !e.active || e.dependent() {
			continue
		}

		t := e.lastFired + e.interval
		if !found || t < next {
			next = t
			found = true
		}
	}

	return next
}

func (r *callbackRegistry) status(index int) CallbackStatus {
	e := &r.entries[index]

	return CallbackStatus{
		Index:     index,
		Info:      e.info,
		Interval:  e.interval,
		LastFired: e.lastFired,
		Dependent: e.dependent(),
	}
}

func (r *callbackRegistry) statuses() []CallbackStatus {
	list := make([]CallbackStatus, 0, r.numActive)
	for i := range r.entries {
		if r.entries[i].active {
			list = append(list, r.status(i))
		}
	}

	return list
}
