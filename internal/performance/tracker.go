// Package performance measures the throughput achieved by the active
// scheduling policy, one measurement interval at a time.
package performance

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

// Measurement summarizes one closed interval.
type Measurement struct {
	Policy    types.PolicyID
	Bytes     int64
	Requests  int64
	Elapsed   time.Duration
	Bandwidth float64 // bytes per second
	// MeanLatency is the average dispatch-to-release time; zero unless
	// releases are tracked.
	MeanLatency time.Duration
	// Expired counts dispatched requests dropped unreleased at the close of
	// this interval.
	Expired int
}

// ExpireAfter bounds how long a dispatched request is kept for its release: it
// is forgotten when the ExpireAfter-th interval after the one it was
// dispatched in closes. Callers that give up on a request never release it.
const ExpireAfter = 8

type requestKey struct {
	file   string
	kind   types.Kind
	offset int64
	length int64
}

type inflight struct {
	dispatched time.Time
	policy     types.PolicyID
	interval   uint64
}

// Tracker accumulates completed bytes. With release tracking, a request counts
// as complete when ReleaseRequest reports it; otherwise dispatch completes it.
type Tracker struct {
	mu            sync.Mutex
	clock         clock.Clock
	trackReleases bool

	pending map[requestKey][]inflight
	npend   int
	// interval numbers closed intervals
	interval uint64

	intervalStart time.Time
	bytes         int64
	requests      int64
	latency       time.Duration
	released      int64
}

// New creates a tracker whose first interval starts now.
func New(clk clock.Clock, trackReleases bool) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:         clk,
		trackReleases: trackReleases,
		pending:       make(map[requestKey][]inflight),
		intervalStart: clk.Now(),
	}
}

// Dispatched records dispatched requests. It satisfies scheduler.Observer.
func (t *Tracker) Dispatched(policy types.PolicyID, reqs []types.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.trackReleases {
		for _, r := range reqs {
			t.bytes += r.Length
			t.requests++
		}
		return
	}
	for _, r := range reqs {
		k := requestKey{r.FileID, r.Kind, r.Offset, r.Length}
		at := r.Dispatched
		if at.IsZero() {
			at = t.clock.Now()
		}
		t.pending[k] = append(t.pending[k], inflight{dispatched: at, policy: policy, interval: t.interval})
		t.npend++
	}
}

// Release marks a dispatched request complete and returns its service time.
// Identical outstanding requests are released in dispatch order.
func (t *Tracker) Release(fileID string, kind types.Kind, length, offset int64) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.trackReleases {
		return 0, nil
	}
	k := requestKey{fileID, kind, offset, length}
	q := t.pending[k]
	if len(q) == 0 {
		return 0, errors.Newf(errors.ErrCodeRequestNotFound,
			"no dispatched %s of %q at offset %d length %d", kind, fileID, offset, length).
			WithComponent("performance").WithOperation("release")
	}
	first := q[0]
	if len(q) == 1 {
		delete(t.pending, k)
	} else {
		t.pending[k] = q[1:]
	}
	t.npend--

	d := t.clock.Now().Sub(first.dispatched)
	t.bytes += length
	t.requests++
	t.latency += d
	t.released++
	return d, nil
}

// InFlight returns the number of dispatched requests awaiting release.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.npend
}

// Interval closes the current interval, attributing it to policy, and starts
// the next one. Unreleased requests past ExpireAfter are dropped.
func (t *Tracker) Interval(policy types.PolicyID) Measurement {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	m := Measurement{
		Policy:   policy,
		Bytes:    t.bytes,
		Requests: t.requests,
		Elapsed:  now.Sub(t.intervalStart),
	}
	if m.Elapsed > 0 {
		m.Bandwidth = float64(m.Bytes) / m.Elapsed.Seconds()
	}
	if t.released > 0 {
		m.MeanLatency = t.latency / time.Duration(t.released)
	}

	m.Expired = t.expire()

	t.interval++
	t.intervalStart = now
	t.bytes = 0
	t.requests = 0
	t.latency = 0
	t.released = 0
	return m
}

// expire must be called with mu held.
func (t *Tracker) expire() int {
	if t.npend == 0 || t.interval < ExpireAfter-1 {
		return 0
	}
	oldest := t.interval - (ExpireAfter - 1)
	n := 0
	for k, q := range t.pending {
		i := 0
		for i < len(q) && q[i].interval < oldest {
			i++
		}
		switch {
		case i == len(q):
			delete(t.pending, k)
		case i > 0:
			t.pending[k] = q[i:]
		}
		n += i
	}
	t.npend -= n
	return n
}
