package scheduler

import (
	"time"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/internal/cache"
	"github.com/objectfs/iosched/pkg/types"
)

const (
	defaultTWINSWindow = 125 * time.Microsecond
	defaultTWINSQueues = 8
)

// twins serves one sub-timeline exclusively for a fixed window, then moves
// round-robin to the next non-empty one.
type twins struct {
	clock  clock.Clock
	window time.Duration
	queues int

	current     int
	windowStart time.Time
	started     bool
}

func newTWINS(opts Options) *twins {
	p := &twins{clock: opts.Clock, window: opts.TWINSWindow, queues: opts.TWINSQueues}
	if p.clock == nil {
		p.clock = clock.New()
	}
	if p.window <= 0 {
		p.window = defaultTWINSWindow
	}
	if p.queues <= 0 {
		p.queues = defaultTWINSQueues
	}
	return p
}

func (p *twins) ID() types.PolicyID { return types.TWINS }
func (p *twins) Mode() cache.Mode   { return cache.TimeOrdered }
func (p *twins) Stateful() bool     { return true }

// Current returns the sub-timeline being served.
func (p *twins) Current() int { return p.current }

func (p *twins) Reset() {
	p.current = 0
	p.started = false
}

func (p *twins) Run(c *cache.Cache, d *Dispatcher, stop StopFunc) time.Duration {
	if !p.started {
		p.windowStart = p.clock.Now()
		p.started = true
	}
	for !c.IsEmpty() {
		now := p.clock.Now()
		if now.Sub(p.windowStart) >= p.window {
			p.advance(c)
			p.windowStart = now
		}
		v := c.OldestIn(p.current)
		if v == nil {
			// nothing left for this window's owner: let the caller wait
			// out the remainder instead of serving anyone else
			return p.window - now.Sub(p.windowStart)
		}
		if !c.Take(v) {
			continue
		}
		d.Dispatch(v, types.TWINS)
		if stop() {
			return 0
		}
	}
	return 0
}

// advance moves to the next sub-timeline with queued requests, or simply to
// the next one when all are empty.
func (p *twins) advance(c *cache.Cache) {
	for i := 1; i <= p.queues; i++ {
		q := (p.current + i) % p.queues
		if c.QueueLen(q) > 0 {
			p.current = q
			return
		}
	}
	p.current = (p.current + 1) % p.queues
}
