/*
Package cache holds the requests waiting to be dispatched by a scheduling
policy.

The cache is split into a power-of-two number of hash buckets, each with its
own lock. A file id hashes (xxhash) to one bucket; inside the bucket every
file has a read queue and a write queue, and each queue is a B-tree of virtual
requests keyed by offset.

# Aggregation

A new request is merged into an existing virtual request when the two ranges
touch or overlap and the union stays within the aggregation limit:

	TimeOrdered    only the most recent virtual request of the queue is a
	               merge candidate (TO, TWINS)
	OffsetOrdered  the offset neighbours are candidates (SJF)
	NoAggregation  every request is queued on its own (NOOP)

Merging never crosses TWINS queues. In offset mode a request that bridges two
neighbours joins the predecessor, and the successor is absorbed into the grown
entry when the union still fits. The merged entry keeps the earlier arrival.

# Dispatch Order

Virtual requests are also threaded on a global timeline ordered by arrival,
and on one timeline per TWINS queue. Oldest and OldestIn return the head of
those timelines; ScanShortest and TakeHead implement shortest-job-first over
the per-file queues.

# Usage

	c := cache.New(cache.Options{
		Buckets:        256,
		MaxOutstanding: 4096,
		MaxAggregation: 1 << 20,
		Mode:           cache.TimeOrdered,
	})

	h, merged, err := c.Add(types.Request{FileID: "a", Kind: types.Read, Offset: 0, Length: 4096})
	if err != nil {
		// the cache is full
	}

	if v := c.Oldest(); v != nil && c.Take(v) {
		for _, r := range v.Requests() {
			// dispatch r
		}
	}

Handles returned by Add stay valid until the request is dispatched.
*/
package cache
