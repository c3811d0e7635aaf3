package tracing

import (
	"sync"

	"github.com/sarchlab/lifesim/sim"
)

// SiteCount is the number of executions of a site.
type SiteCount struct {
	Site  string `json:"site"`
	Count uint64 `json:"count"`
}

// ExecutionCounter counts how many times each callback and post-tick action
// has been executed. It can be read while the timer runs.
type ExecutionCounter struct {
	lock   sync.Mutex
	sites  []string
	counts map[string]uint64
	ticks  uint64
}

// NewExecutionCounter creates an empty counter.
func NewExecutionCounter() *ExecutionCounter {
	return &ExecutionCounter{
		counts: make(map[string]uint64),
	}
}

// Func counts completed executions and ticks.
func (c *ExecutionCounter) Func(ctx sim.HookCtx) {
	var site string

	switch ctx.Pos {
	case sim.HookPosAfterCallback:
		site = ctx.Item.(sim.CallbackStatus).Site()
	case sim.HookPosAfterPostTick:
		site = ctx.Item.(sim.PostTickStatus).Site()
	case sim.HookPosTickEnd:
		c.lock.Lock()
		c.ticks++
		c.lock.Unlock()

		return
	default:
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.counts[site]; !ok {
		c.sites = append(c.sites, site)
	}

	c.counts[site]++
}

// Count returns the executions of a site.
func (c *ExecutionCounter) Count(site string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[site]
}

// Ticks returns the number of completed ticks.
func (c *ExecutionCounter) Ticks() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.ticks
}

// Counts returns all the sites in the order they were first executed.
func (c *ExecutionCounter) Counts() []SiteCount {
	c.lock.Lock()
	defer c.lock.Unlock()

	list := make([]SiteCount, len(c.sites))
	for i, site := range c.sites {
		list[i] = SiteCount{Site: site, Count: c.counts[site]}
	}

	return list
}
