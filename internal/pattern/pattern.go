// Package pattern accumulates a description of the request stream and
// snapshots it into immutable access patterns.
package pattern

import (
	"fmt"
	"math"
	"sync"

	"github.com/objectfs/iosched/pkg/types"
)

// AccessPattern is one observation window. Series holds one quantized offset
// delta per request, so len(Series) == ReqNb.
type AccessPattern struct {
	ReqNb     uint64
	ReadNb    uint64
	WriteNb   uint64
	FileNb    uint64
	TotalSize int64
	ReadSize  int64
	WriteSize int64
	Series    []int32
}

// String summarizes the pattern for logs.
func (p *AccessPattern) String() string {
	return fmt.Sprintf("pattern{req=%d read=%d write=%d files=%d bytes=%d}",
		p.ReqNb, p.ReadNb, p.WriteNb, p.FileNb, p.TotalSize)
}

// Equal reports whether two patterns have identical descriptors and series.
func (p *AccessPattern) Equal(o *AccessPattern) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ReqNb != o.ReqNb || p.ReadNb != o.ReadNb || p.WriteNb != o.WriteNb || p.FileNb != o.FileNb ||
		p.TotalSize != o.TotalSize || p.ReadSize != o.ReadSize || p.WriteSize != o.WriteSize ||
		len(p.Series) != len(o.Series) {
		return false
	}
	for i := range p.Series {
		if p.Series[i] != o.Series[i] {
			return false
		}
	}
	return true
}

// Options configures a Tracker.
type Options struct {
	// OffsetUnit quantizes offsets before delta encoding.
	OffsetUnit int64
	// MaxTrackedFiles bounds the distinct-file table. Once full, further new
	// files are no longer counted for the rest of the window.
	MaxTrackedFiles int
}

// Tracker is the current-window accumulator. All methods are safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	unit     int64
	maxFiles int

	cur     AccessPattern
	samples []int32
	files   map[string]struct{}

	// last quantized offset, carried across windows
	prev int64
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.OffsetUnit <= 0 {
		opts.OffsetUnit = 4096
	}
	if opts.MaxTrackedFiles <= 0 {
		opts.MaxTrackedFiles = 256
	}
	return &Tracker{
		unit:     opts.OffsetUnit,
		maxFiles: opts.MaxTrackedFiles,
		files:    make(map[string]struct{}),
	}
}

// Record adds one request to the current window.
func (t *Tracker) Record(fileID string, kind types.Kind, offset, length int64) {
	q := offset / t.unit

	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.ReqNb++
	t.cur.TotalSize += length
	if kind == types.Write {
		t.cur.WriteNb++
		t.cur.WriteSize += length
	} else {
		t.cur.ReadNb++
		t.cur.ReadSize += length
	}

	if _, ok := t.files[fileID]; !ok && len(t.files) < t.maxFiles {
		t.files[fileID] = struct{}{}
		t.cur.FileNb++
	}

	t.samples = append(t.samples, clampInt32(q-t.prev))
	t.prev = q
}

// Pending returns the number of requests in the current window.
func (t *Tracker) Pending() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur.ReqNb
}

// Snapshot returns the current window as an AccessPattern and starts a new
// window. Every recorded request belongs to exactly one snapshot.
func (t *Tracker) Snapshot() *AccessPattern {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.cur
	p.Series = make([]int32, len(t.samples))
	copy(p.Series, t.samples)

	t.cur = AccessPattern{}
	t.samples = t.samples[:0]
	t.files = make(map[string]struct{})
	return &p
}

func clampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
