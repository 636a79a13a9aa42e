package scheduler

import (
	"sync/atomic"

	"github.com/facebookgo/clock"

	"github.com/objectfs/iosched/internal/cache"
	"github.com/objectfs/iosched/pkg/types"
)

// Observer is told about every dispatched aggregate, after the client
// callback returned.
type Observer interface {
	Dispatched(policy types.PolicyID, reqs []types.Request)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(policy types.PolicyID, reqs []types.Request)

// Dispatched calls f.
func (f ObserverFunc) Dispatched(policy types.PolicyID, reqs []types.Request) {
	f(policy, reqs)
}

// Dispatcher hands taken virtual requests back to the client.
type Dispatcher struct {
	client    types.Client
	batch     types.BatchClient
	clock     clock.Clock
	observers []Observer

	virtuals atomic.Uint64
	requests atomic.Uint64
}

// NewDispatcher creates a dispatcher. A client that implements
// types.BatchClient receives aggregates of two or more requests in one call.
func NewDispatcher(client types.Client, clk clock.Clock, observers ...Observer) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	d := &Dispatcher{client: client, clock: clk, observers: observers}
	if b, ok := client.(types.BatchClient); ok {
		d.batch = b
	}
	return d
}

// Dispatch stamps and delivers every member of v. v must already be removed
// from the cache.
func (d *Dispatcher) Dispatch(v *cache.Virtual, policy types.PolicyID) {
	reqs := v.Requests()
	now := d.clock.Now()
	for i := range reqs {
		reqs[i].Dispatched = now
	}

	if d.batch != nil && len(reqs) > 1 {
		d.batch.ProcessBatch(reqs)
	} else {
		for _, r := range reqs {
			d.client.Process(r)
		}
	}

	d.virtuals.Add(1)
	d.requests.Add(uint64(len(reqs)))
	for _, o := range d.observers {
		o.Dispatched(policy, reqs)
	}
}

// Counts returns the number of aggregates and requests dispatched so far.
func (d *Dispatcher) Counts() (virtuals, requests uint64) {
	return d.virtuals.Load(), d.requests.Load()
}
