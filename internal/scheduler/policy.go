// Package scheduler implements the scheduling policies that drain the request
// cache and the dispatch layer they hand requests to.
package scheduler

import (
	"fmt"
	"time"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/internal/cache"
	"github.com/objectfs/iosched/pkg/types"
)

// StopFunc reports that a periodic event is pending. Policies poll it after
// every dispatch and return as soon as it is true.
type StopFunc func() bool

// Never is a StopFunc that never fires.
func Never() bool { return false }

// Policy drains the request cache. Run returns a suggested sleep before the
// next invocation; zero means run again as soon as there is work.
type Policy interface {
	ID() types.PolicyID
	// Mode is the aggregation mode the cache must use while this policy runs.
	Mode() cache.Mode
	// Stateful policies keep state between runs and are flushed with NOOP
	// before another policy takes over.
	Stateful() bool
	Reset()
	Run(c *cache.Cache, d *Dispatcher, stop StopFunc) time.Duration
}

// Options configures policy construction.
type Options struct {
	Clock       clock.Clock
	TWINSWindow time.Duration
	TWINSQueues int
}

// New constructs the policy with the given identifier.
func New(id types.PolicyID, opts Options) (Policy, error) {
	switch id {
	case types.NOOP:
		return &drain{id: types.NOOP, mode: cache.NoAggregation}, nil
	case types.TO:
		return &drain{id: types.TO, mode: cache.TimeOrdered}, nil
	case types.SJF:
		return &shortestFirst{}, nil
	case types.TWINS:
		return newTWINS(opts), nil
	default:
		return nil, fmt.Errorf("unknown scheduling policy %d", int32(id))
	}
}

// drain dispatches in arrival order. NOOP and TO differ only in how the cache
// aggregates while they are active.
type drain struct {
	id   types.PolicyID
	mode cache.Mode
}

func (p *drain) ID() types.PolicyID { return p.id }
func (p *drain) Mode() cache.Mode   { return p.mode }
func (p *drain) Stateful() bool     { return false }
func (p *drain) Reset()             {}

func (p *drain) Run(c *cache.Cache, d *Dispatcher, stop StopFunc) time.Duration {
	for !c.IsEmpty() {
		v := c.Oldest()
		if v == nil {
			// counter raced ahead of an insert still in progress
			return 0
		}
		if !c.Take(v) {
			continue
		}
		d.Dispatch(v, p.id)
		if stop() {
			return 0
		}
	}
	return 0
}

// shortestFirst always serves the queue with the least pending bytes.
type shortestFirst struct{}

func (p *shortestFirst) ID() types.PolicyID { return types.SJF }
func (p *shortestFirst) Mode() cache.Mode   { return cache.OffsetOrdered }
func (p *shortestFirst) Stateful() bool     { return false }
func (p *shortestFirst) Reset()             {}

func (p *shortestFirst) Run(c *cache.Cache, d *Dispatcher, stop StopFunc) time.Duration {
	for !c.IsEmpty() {
		cand, ok := c.ScanShortest()
		if !ok {
			return 0
		}
		v := c.TakeHead(cand)
		if v == nil {
			// the queue drained between scan and act
			continue
		}
		d.Dispatch(v, types.SJF)
		if stop() {
			return 0
		}
	}
	return 0
}
