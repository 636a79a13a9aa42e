package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

func newTestCache(mode Mode) *Cache {
	return New(Options{Buckets: 16, MaxAggregation: 1 << 20, Mode: mode})
}

func read(file string, offset, length int64) types.Request {
	return types.Request{FileID: file, Kind: types.Read, Offset: offset, Length: length}
}

func TestContiguousRequestsAggregate(t *testing.T) {
	for _, mode := range []Mode{TimeOrdered, OffsetOrdered} {
		t.Run(mode.String(), func(t *testing.T) {
			c := newTestCache(mode)
			for i, off := range []int64{0, 4096, 8192} {
				_, merged, err := c.Add(read("A", off, 4096))
				require.NoError(t, err)
				assert.Equal(t, i > 0, merged)
			}

			assert.Equal(t, int64(3), c.Len())
			assert.Equal(t, int64(1), c.Files())
			assert.Equal(t, int64(12288), c.QueueSize("A", types.Read))
			assert.Equal(t, 1, c.timelineLen())

			v := c.Oldest()
			require.NotNil(t, v)
			require.True(t, c.Take(v))
			assert.Equal(t, int64(12288), v.Size())
			assert.Equal(t, 3, v.Len())
			assert.Equal(t, int64(0), v.Offset())

			reqs := v.Requests()
			require.Len(t, reqs, 3)
			for i, r := range reqs {
				assert.Equal(t, int64(i*4096), r.Offset)
			}
			assert.True(t, c.IsEmpty())
			assert.Zero(t, c.Files())
		})
	}
}

func TestAggregationRules(t *testing.T) {
	tests := []struct {
		name      string
		mode      Mode
		limit     int64
		reqs      []types.Request
		virtuals  int
		queueSize int64
	}{
		{
			name:      "gap is not merged",
			mode:      TimeOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 200, 100)},
			virtuals:  2,
			queueSize: 200,
		},
		{
			name:      "overlap counts union length",
			mode:      TimeOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 50, 100)},
			virtuals:  1,
			queueSize: 150,
		},
		{
			name:  "kinds never merge",
			mode:  TimeOrdered,
			limit: 1 << 20,
			reqs: []types.Request{
				read("A", 0, 100),
				{FileID: "A", Kind: types.Write, Offset: 100, Length: 100},
			},
			virtuals:  2,
			queueSize: 100,
		},
		{
			name:  "queues never merge",
			mode:  TimeOrdered,
			limit: 1 << 20,
			reqs: []types.Request{
				read("A", 0, 100),
				{FileID: "A", Kind: types.Read, Offset: 100, Length: 100, Queue: 1},
			},
			virtuals:  2,
			queueSize: 200,
		},
		{
			name:      "aggregation limit",
			mode:      TimeOrdered,
			limit:     150,
			reqs:      []types.Request{read("A", 0, 100), read("A", 100, 100)},
			virtuals:  2,
			queueSize: 200,
		},
		{
			name:      "no aggregation mode",
			mode:      NoAggregation,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 100, 100)},
			virtuals:  2,
			queueSize: 200,
		},
		{
			name:      "disabled aggregation",
			mode:      OffsetOrdered,
			limit:     0,
			reqs:      []types.Request{read("A", 0, 100), read("A", 100, 100)},
			virtuals:  2,
			queueSize: 200,
		},
		{
			name:      "time mode only merges into tail",
			mode:      TimeOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 500, 100), read("A", 100, 100)},
			virtuals:  3,
			queueSize: 300,
		},
		{
			name:      "offset mode merges with predecessor",
			mode:      OffsetOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 500, 100), read("A", 100, 100)},
			virtuals:  2,
			queueSize: 300,
		},
		{
			name:      "offset mode bridges a gap",
			mode:      OffsetOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 0, 100), read("A", 200, 100), read("A", 100, 100)},
			virtuals:  1,
			queueSize: 300,
		},
		{
			name:      "offset mode merges with successor",
			mode:      OffsetOrdered,
			limit:     1 << 20,
			reqs:      []types.Request{read("A", 100, 100), read("A", 0, 100)},
			virtuals:  1,
			queueSize: 200,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Options{Buckets: 4, MaxAggregation: tt.limit, Mode: tt.mode})
			for _, r := range tt.reqs {
				_, _, err := c.Add(r)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.virtuals, c.timelineLen())
			assert.Equal(t, tt.queueSize, c.QueueSize("A", types.Read))
			assert.Equal(t, int64(len(tt.reqs)), c.Len())
		})
	}
}

func TestAbsorbedEntryKeepsEarliestArrival(t *testing.T) {
	c := newTestCache(OffsetOrdered)
	_, _, err := c.Add(read("B", 0, 10))
	require.NoError(t, err)
	_, _, err = c.Add(read("A", 200, 100)) // oldest entry of A
	require.NoError(t, err)
	_, _, err = c.Add(read("A", 0, 100))
	require.NoError(t, err)
	_, _, err = c.Add(read("A", 100, 100)) // bridges both A entries
	require.NoError(t, err)

	require.Equal(t, 2, c.timelineLen())
	first := c.Oldest()
	require.True(t, c.Take(first))
	assert.Equal(t, "B", first.FileID())

	second := c.Oldest()
	require.True(t, c.Take(second))
	assert.Equal(t, "A", second.FileID())
	assert.Equal(t, int64(300), second.Size())
	assert.Equal(t, 3, second.Len())
	assert.True(t, c.IsEmpty())
	assert.Equal(t, uint64(1), c.Stats().Absorbed)
}

func TestLookupExactlyOnce(t *testing.T) {
	c := newTestCache(TimeOrdered)

	const writers = 8
	const perWriter = 200
	handles := make([][]Handle, writers)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				h, _, err := c.Add(types.Request{
					FileID: fmt.Sprintf("file-%d", (w+i)%13),
					Kind:   types.Kind(i % 2),
					Offset: int64(i) * 4096,
					Length: 4096,
					Tag:    w*perWriter + i,
				})
				if err != nil {
					t.Error(err)
					return
				}
				handles[w] = append(handles[w], h)
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[Handle]bool)
	for w := range handles {
		for i, h := range handles[w] {
			require.False(t, seen[h], "handle reused")
			seen[h] = true
			r, ok := c.Lookup(h)
			require.True(t, ok)
			assert.Equal(t, w*perWriter+i, r.Tag)
		}
	}
	assert.Equal(t, int64(writers*perWriter), c.Len())

	dispatched := 0
	for v := c.Oldest(); v != nil; v = c.Oldest() {
		if c.Take(v) {
			dispatched += v.Len()
		}
	}
	assert.Equal(t, writers*perWriter, dispatched)

	for w := range handles {
		for _, h := range handles[w] {
			_, ok := c.Lookup(h)
			assert.False(t, ok)
		}
	}
	assert.True(t, c.IsEmpty())
	assert.Zero(t, c.Files())
}

func TestTakeIsExclusive(t *testing.T) {
	c := newTestCache(TimeOrdered)
	for i := 0; i < 100; i++ {
		_, _, err := c.Add(read(fmt.Sprintf("f%d", i), 0, 1))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	taken := 0
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !c.IsEmpty() {
				if v := c.Oldest(); c.Take(v) {
					mu.Lock()
					taken += v.Len()
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, taken)
	assert.Equal(t, uint64(100), c.Stats().Taken)
}

func TestTakeAfterAbsorbFails(t *testing.T) {
	c := newTestCache(OffsetOrdered)
	_, _, err := c.Add(read("A", 0, 100))
	require.NoError(t, err)
	_, _, err = c.Add(read("A", 200, 100))
	require.NoError(t, err)

	c.tmu.Lock()
	var later *Virtual
	c.timeline.Descend(func(v *Virtual) bool { later = v; return false })
	c.tmu.Unlock()

	_, _, err = c.Add(read("A", 100, 100))
	require.NoError(t, err)
	assert.False(t, c.Take(later))
	assert.False(t, c.Take(nil))
}

func TestScanShortest(t *testing.T) {
	c := newTestCache(OffsetOrdered)
	sizes := map[string]int64{"a": 300, "b": 100, "c": 200, "d": 100}
	for f, n := range sizes {
		_, _, err := c.Add(read(f, 0, n))
		require.NoError(t, err)
	}
	_, _, err := c.Add(types.Request{FileID: "c", Kind: types.Write, Offset: 0, Length: 50})
	require.NoError(t, err)

	for c.Len() > 0 {
		cand, ok := c.ScanShortest()
		require.True(t, ok)
		observed := []int64{
			c.QueueSize("a", types.Read), c.QueueSize("b", types.Read),
			c.QueueSize("c", types.Read), c.QueueSize("d", types.Read),
			c.QueueSize("c", types.Write),
		}
		for _, s := range observed {
			if s > 0 {
				assert.LessOrEqual(t, cand.Size, s)
			}
		}
		v := c.TakeHead(cand)
		require.NotNil(t, v)
		assert.Equal(t, cand.Size, v.Size())
	}

	_, ok := c.ScanShortest()
	assert.False(t, ok)
}

func TestScanShortestTieGoesToFirstFound(t *testing.T) {
	c := New(Options{Buckets: 1, MaxAggregation: 1 << 20, Mode: OffsetOrdered})
	for _, f := range []string{"m", "b", "z"} {
		_, _, err := c.Add(read(f, 0, 10))
		require.NoError(t, err)
	}
	cand, ok := c.ScanShortest()
	require.True(t, ok)
	assert.Equal(t, "b", cand.FileID)
}

func TestTakeHeadStaleCandidate(t *testing.T) {
	c := newTestCache(OffsetOrdered)
	_, _, err := c.Add(read("A", 0, 10))
	require.NoError(t, err)
	cand, ok := c.ScanShortest()
	require.True(t, ok)
	require.NotNil(t, c.TakeHead(cand))
	assert.Nil(t, c.TakeHead(cand))
}

func TestSubTimelines(t *testing.T) {
	c := newTestCache(TimeOrdered)
	for q := 0; q < 3; q++ {
		for i := 0; i < 2; i++ {
			_, _, err := c.Add(types.Request{FileID: fmt.Sprintf("q%d-%d", q, i), Kind: types.Write, Length: 1, Queue: q})
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 2, c.QueueLen(1))
	assert.Zero(t, c.QueueLen(7))
	assert.Nil(t, c.OldestIn(7))

	v := c.OldestIn(2)
	require.NotNil(t, v)
	assert.Equal(t, "q2-0", v.FileID())
	require.True(t, c.Take(v))
	assert.Equal(t, 1, c.QueueLen(2))
}

func TestAdmission(t *testing.T) {
	c := New(Options{Buckets: 4, MaxOutstanding: 2, MaxAggregation: 0})
	_, _, err := c.Add(read("A", 0, 1))
	require.NoError(t, err)
	_, _, err = c.Add(read("B", 0, 1))
	require.NoError(t, err)

	_, _, err = c.Add(read("C", 0, 1))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeAllocationFailed))
	assert.Equal(t, int64(2), c.Len())
	assert.Equal(t, int64(2), c.Files())
	assert.Equal(t, 2, c.timelineLen())
	assert.Equal(t, uint64(1), c.Stats().Rejected)

	require.True(t, c.Take(c.Oldest()))
	_, _, err = c.Add(read("C", 0, 1))
	assert.NoError(t, err)
}

func TestInvalidRequests(t *testing.T) {
	c := newTestCache(TimeOrdered)
	for _, r := range []types.Request{
		{Kind: types.Read, Length: 1},
		{FileID: "A", Kind: types.Read, Length: 0},
		{FileID: "A", Kind: types.Read, Offset: -1, Length: 1},
		{FileID: "A", Kind: types.Kind(9), Length: 1},
	} {
		_, _, err := c.Add(r)
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidRequest))
	}
	assert.True(t, c.IsEmpty())
}

func TestLookupUnknownHandle(t *testing.T) {
	c := newTestCache(TimeOrdered)
	_, ok := c.Lookup(Handle(42<<bucketBits | 3))
	assert.False(t, ok)
	_, ok = c.Lookup(Handle(1<<bucketBits - 1))
	assert.False(t, ok)
}

func (c *Cache) timelineLen() int {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return c.timeline.Len()
}
