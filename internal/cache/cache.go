package cache

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/facebookgo/clock"
	"github.com/google/btree"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

const component = "request-cache"

// Mode selects how new requests are aggregated.
type Mode int32

const (
	// TimeOrdered merges a request only into the most recent entry of its
	// file queue. Used by TO and TWINS.
	TimeOrdered Mode = iota
	// OffsetOrdered merges a request with its offset neighbours. Used by SJF.
	OffsetOrdered
	// NoAggregation queues every request on its own. Used by NOOP.
	NoAggregation
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case OffsetOrdered:
		return "offset"
	case NoAggregation:
		return "none"
	default:
		return "time"
	}
}

// Handle identifies a queued request. The low 16 bits hold the bucket index.
type Handle uint64

const bucketBits = 16

func (h Handle) bucket() int {
	return int(h & (1<<bucketBits - 1))
}

// Options configures a Cache.
type Options struct {
	// Buckets is the number of hash buckets, a power of two no larger than 65536.
	Buckets int
	// MaxOutstanding bounds queued requests; zero means unbounded.
	MaxOutstanding int64
	// MaxAggregation bounds the union length of a virtual request; zero
	// disables aggregation.
	MaxAggregation int64
	Mode           Mode
	Clock          clock.Clock
}

// Stats reports cumulative cache counters.
type Stats struct {
	Added      uint64
	Aggregated uint64
	Absorbed   uint64
	Taken      uint64
	Rejected   uint64
}

type bucket struct {
	mu      sync.Mutex
	files   *btree.BTreeG[*fileQueue]
	handles map[Handle]*member
}

// Cache is the concurrent request cache: hash buckets of per-file queues plus
// the global timeline and per-queue sub-timelines. Lock order is always a
// bucket lock, then the timeline lock.
type Cache struct {
	buckets        []*bucket
	mask           uint64
	maxOutstanding int64
	maxAggregation int64
	mode           atomic.Int32
	clock          clock.Clock

	tmu      sync.Mutex
	timeline *btree.BTreeG[*Virtual]
	subs     map[int]*btree.BTreeG[*Virtual]

	seq         atomic.Uint64
	outstanding atomic.Int64
	files       atomic.Int64

	added      atomic.Uint64
	aggregated atomic.Uint64
	absorbed   atomic.Uint64
	taken      atomic.Uint64
	rejected   atomic.Uint64
}

// New creates a cache.
func New(opts Options) *Cache {
	n := opts.Buckets
	if n <= 0 || n > 1<<bucketBits || n&(n-1) != 0 {
		n = 256
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{
		buckets:        make([]*bucket, n),
		mask:           uint64(n - 1),
		maxOutstanding: opts.MaxOutstanding,
		maxAggregation: opts.MaxAggregation,
		clock:          clk,
		timeline:       btree.NewG(treeDegree, lessBySeq),
		subs:           make(map[int]*btree.BTreeG[*Virtual]),
	}
	for i := range c.buckets {
		c.buckets[i] = &bucket{
			files:   btree.NewG(treeDegree, lessByFile),
			handles: make(map[Handle]*member),
		}
	}
	c.mode.Store(int32(opts.Mode))
	return c
}

// SetMode changes the aggregation mode for subsequent inserts.
func (c *Cache) SetMode(m Mode) {
	c.mode.Store(int32(m))
}

// Mode returns the current aggregation mode.
func (c *Cache) Mode() Mode {
	return Mode(c.mode.Load())
}

// Len returns the number of queued requests. The value may be stale.
func (c *Cache) Len() int64 {
	return c.outstanding.Load()
}

// Files returns the number of files with queued requests. The value may be stale.
func (c *Cache) Files() int64 {
	return c.files.Load()
}

// IsEmpty reports whether no request is queued. The value may be stale.
func (c *Cache) IsEmpty() bool {
	return c.outstanding.Load() == 0
}

// Stats returns the cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Added:      c.added.Load(),
		Aggregated: c.aggregated.Load(),
		Absorbed:   c.absorbed.Load(),
		Taken:      c.taken.Load(),
		Rejected:   c.rejected.Load(),
	}
}

func (c *Cache) bucketIndex(fileID string) int {
	return int(xxhash.Sum64String(fileID) & c.mask)
}

// Add queues a request. The returned flag reports whether it was merged into
// an existing virtual request. On error nothing is inserted.
func (c *Cache) Add(req types.Request) (Handle, bool, error) {
	if req.FileID == "" || req.Length <= 0 || req.Offset < 0 || !req.Kind.Valid() {
		return 0, false, errors.Newf(errors.ErrCodeInvalidRequest,
			"invalid request file=%q kind=%s offset=%d length=%d", req.FileID, req.Kind, req.Offset, req.Length).
			WithComponent(component).WithOperation("add")
	}
	if n := c.outstanding.Add(1); c.maxOutstanding > 0 && n > c.maxOutstanding {
		c.outstanding.Add(-1)
		c.rejected.Add(1)
		return 0, false, errors.Newf(errors.ErrCodeAllocationFailed,
			"outstanding request limit %d reached", c.maxOutstanding).
			WithComponent(component).WithOperation("add").
			WithDetail("file_id", req.FileID)
	}
	if req.Arrival.IsZero() {
		req.Arrival = c.clock.Now()
	}

	seq := c.seq.Add(1)
	bi := c.bucketIndex(req.FileID)
	h := Handle(seq<<bucketBits | uint64(bi))
	m := &member{req: req, seq: seq, handle: h}

	bk := c.buckets[bi]
	bk.mu.Lock()
	defer bk.mu.Unlock()

	fq, ok := bk.files.Get(&fileQueue{id: req.FileID})
	if !ok {
		fq = newFileQueue(req.FileID)
		bk.files.ReplaceOrInsert(fq)
		c.files.Add(1)
	}
	s := fq.sides[req.Kind]

	target, absorbed := c.mergeTargets(s, req)
	bk.handles[h] = m
	c.added.Add(1)

	if target == nil {
		v := &Virtual{
			fileID:  req.FileID,
			kind:    req.Kind,
			queue:   req.Queue,
			offset:  req.Offset,
			end:     req.End(),
			seq:     seq,
			bucket:  bi,
			members: []*member{m},
			queued:  true,
		}
		m.v = v
		s.tree.ReplaceOrInsert(v)
		s.currentSize += v.Size()
		s.members++
		s.tail = v

		c.tmu.Lock()
		c.timeline.ReplaceOrInsert(v)
		c.sub(v.queue).ReplaceOrInsert(v)
		c.tmu.Unlock()
		return h, false, nil
	}

	// The tree is ordered by offset, so the entry leaves it while it grows.
	s.tree.Delete(target)
	s.currentSize -= target.Size()
	target.members = append(target.members, m)
	m.v = target
	target.extend(req.Offset, req.End())
	c.aggregated.Add(1)

	if absorbed != nil {
		if _, found := s.tree.Delete(absorbed); !found {
			panic(errors.Invariant(component, "absorbed request of %q missing from its queue", req.FileID))
		}
		s.currentSize -= absorbed.Size()
		for _, am := range absorbed.members {
			am.v = target
		}
		target.members = append(target.members, absorbed.members...)
		target.extend(absorbed.offset, absorbed.end)
		absorbed.members = nil
		absorbed.queued = false
		if s.tail == absorbed {
			s.tail = target
		}
		c.absorbed.Add(1)

		// The merged entry inherits the earlier arrival. Its seq is a tree
		// key, so it changes only while the entry is out of every tree.
		c.tmu.Lock()
		c.timelineDelete(absorbed)
		if absorbed.seq < target.seq {
			c.timelineDelete(target)
			target.seq = absorbed.seq
			c.timeline.ReplaceOrInsert(target)
			c.sub(target.queue).ReplaceOrInsert(target)
		}
		c.tmu.Unlock()
	}
	s.tree.ReplaceOrInsert(target)
	s.currentSize += target.Size()
	s.members++
	s.tail = target
	return h, true, nil
}

// mergeTargets picks the virtual the request joins and, in offset mode, a
// successor that the grown range now reaches. Caller holds the bucket lock.
func (c *Cache) mergeTargets(s *side, req types.Request) (target, absorbed *Virtual) {
	mode := c.Mode()
	if c.maxAggregation <= 0 || mode == NoAggregation {
		return nil, nil
	}
	if mode == TimeOrdered {
		if s.tail != nil && c.canMerge(s.tail, req.Queue, req.Offset, req.End()) {
			return s.tail, nil
		}
		return nil, nil
	}

	pred, succ := s.neighbours(req.Offset)
	if pred != nil && c.canMerge(pred, req.Queue, req.Offset, req.End()) {
		target = pred
	}
	if succ == nil {
		return target, nil
	}
	if target == nil {
		if c.canMerge(succ, req.Queue, req.Offset, req.End()) {
			return succ, nil
		}
		return nil, nil
	}
	lo, hi := minInt64(target.offset, req.Offset), maxInt64(target.end, req.End())
	if c.canMerge(succ, target.queue, lo, hi) {
		absorbed = succ
	}
	return target, absorbed
}

// canMerge reports whether [offset, end) touches v and the union stays within
// the aggregation limit.
func (c *Cache) canMerge(v *Virtual, queue int, offset, end int64) bool {
	if v.queue != queue {
		return false
	}
	if offset > v.end || end < v.offset {
		return false
	}
	return maxInt64(end, v.end)-minInt64(offset, v.offset) <= c.maxAggregation
}

// sub returns the sub-timeline of a queue. Caller holds the timeline lock.
func (c *Cache) sub(queue int) *btree.BTreeG[*Virtual] {
	t, ok := c.subs[queue]
	if !ok {
		t = btree.NewG(treeDegree, lessBySeq)
		c.subs[queue] = t
	}
	return t
}

// timelineDelete removes v from the timeline and its sub-timeline. Caller
// holds the timeline lock.
func (c *Cache) timelineDelete(v *Virtual) {
	if _, found := c.timeline.Delete(v); !found {
		panic(errors.Invariant(component, "request of %q missing from timeline", v.fileID))
	}
	if _, found := c.sub(v.queue).Delete(v); !found {
		panic(errors.Invariant(component, "request of %q missing from sub-timeline %d", v.fileID, v.queue))
	}
}

// Lookup returns the queued request for a handle.
func (c *Cache) Lookup(h Handle) (types.Request, bool) {
	bi := h.bucket()
	if bi >= len(c.buckets) {
		return types.Request{}, false
	}
	bk := c.buckets[bi]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	m, ok := bk.handles[h]
	if !ok {
		return types.Request{}, false
	}
	return m.req, true
}

// Oldest returns the earliest queued virtual request without removing it.
func (c *Cache) Oldest() *Virtual {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	v, _ := c.timeline.Min()
	return v
}

// OldestIn returns the earliest queued virtual request of one sub-timeline.
func (c *Cache) OldestIn(queue int) *Virtual {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	t, ok := c.subs[queue]
	if !ok {
		return nil
	}
	v, _ := t.Min()
	return v
}

// QueueLen returns the number of virtual requests in a sub-timeline.
func (c *Cache) QueueLen(queue int) int {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	if t, ok := c.subs[queue]; ok {
		return t.Len()
	}
	return 0
}

// Take removes v if it is still queued. It returns false when another caller
// took v first or a later insert absorbed it.
func (c *Cache) Take(v *Virtual) bool {
	if v == nil {
		return false
	}
	bk := c.buckets[v.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	if !v.queued {
		return false
	}
	c.removeLocked(bk, v)
	return true
}

// removeLocked detaches v from every structure. Caller holds the bucket lock.
func (c *Cache) removeLocked(bk *bucket, v *Virtual) {
	fq, ok := bk.files.Get(&fileQueue{id: v.fileID})
	if !ok {
		panic(errors.Invariant(component, "queued request of %q has no file queue", v.fileID))
	}
	s := fq.sides[v.kind]
	if _, found := s.tree.Delete(v); !found {
		panic(errors.Invariant(component, "queued request of %q missing from its %s queue", v.fileID, v.kind))
	}
	s.currentSize -= v.Size()
	s.members -= len(v.members)
	if s.currentSize < 0 || s.members < 0 {
		panic(errors.Invariant(component, "negative %s queue accounting for %q", v.kind, v.fileID))
	}
	if s.tail == v {
		s.tail = nil
	}
	for _, m := range v.members {
		delete(bk.handles, m.handle)
	}
	v.queued = false
	v.sortMembers()

	if fq.empty() {
		bk.files.Delete(fq)
		if c.files.Add(-1) < 0 {
			panic(errors.Invariant(component, "negative outstanding file count"))
		}
	}

	c.tmu.Lock()
	c.timelineDelete(v)
	c.tmu.Unlock()

	if c.outstanding.Add(-int64(len(v.members))) < 0 {
		panic(errors.Invariant(component, "negative outstanding request count"))
	}
	c.taken.Add(1)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
