package cache

import (
	"sort"

	"github.com/google/btree"

	"github.com/objectfs/iosched/pkg/types"
)

const treeDegree = 8

// member is one client request inside a Virtual.
type member struct {
	req    types.Request
	seq    uint64
	handle Handle
	v      *Virtual
}

// Virtual is an aggregate of one or more requests to the same file, kind and
// queue covering the byte range [offset, end). While queued it is mutated only
// under its bucket lock; once taken from the cache it is immutable.
type Virtual struct {
	fileID string
	kind   types.Kind
	queue  int
	offset int64
	end    int64
	seq    uint64
	bucket int

	members []*member
	queued  bool
}

// FileID returns the file the aggregate belongs to.
func (v *Virtual) FileID() string { return v.fileID }

// Kind returns the operation kind.
func (v *Virtual) Kind() types.Kind { return v.kind }

// Queue returns the sub-timeline the aggregate was submitted to.
func (v *Virtual) Queue() int { return v.queue }

// Offset returns the first byte covered.
func (v *Virtual) Offset() int64 { return v.offset }

// Size returns the union length of all members.
func (v *Virtual) Size() int64 { return v.end - v.offset }

// Len returns the number of member requests.
func (v *Virtual) Len() int { return len(v.members) }

// Requests returns the members ordered by offset, then arrival.
func (v *Virtual) Requests() []types.Request {
	out := make([]types.Request, len(v.members))
	for i, m := range v.members {
		out[i] = m.req
	}
	return out
}

func (v *Virtual) sortMembers() {
	sort.Slice(v.members, func(i, j int) bool {
		a, b := v.members[i], v.members[j]
		if a.req.Offset != b.req.Offset {
			return a.req.Offset < b.req.Offset
		}
		return a.seq < b.seq
	})
}

func (v *Virtual) extend(offset, end int64) {
	if offset < v.offset {
		v.offset = offset
	}
	if end > v.end {
		v.end = end
	}
}

func lessByOffset(a, b *Virtual) bool {
	if a.offset != b.offset {
		return a.offset < b.offset
	}
	return a.seq < b.seq
}

func lessBySeq(a, b *Virtual) bool {
	return a.seq < b.seq
}

// side is the ordered queue of one kind for one file.
type side struct {
	tree        *btree.BTreeG[*Virtual]
	tail        *Virtual
	currentSize int64
	members     int
}

func newSide() *side {
	return &side{tree: btree.NewG(treeDegree, lessByOffset)}
}

func (s *side) empty() bool {
	return s.tree.Len() == 0
}

// neighbours returns the virtual with the greatest offset not above offset and
// the first one strictly after it.
func (s *side) neighbours(offset int64) (pred, succ *Virtual) {
	pivot := &Virtual{offset: offset, seq: ^uint64(0)}
	s.tree.DescendLessOrEqual(pivot, func(v *Virtual) bool {
		pred = v
		return false
	})
	s.tree.AscendGreaterOrEqual(pivot, func(v *Virtual) bool {
		succ = v
		return false
	})
	return pred, succ
}

// fileQueue holds the read and write sides of one file.
type fileQueue struct {
	id    string
	sides [2]*side
}

func newFileQueue(id string) *fileQueue {
	return &fileQueue{id: id, sides: [2]*side{newSide(), newSide()}}
}

func (f *fileQueue) empty() bool {
	return f.sides[types.Read].empty() && f.sides[types.Write].empty()
}

func lessByFile(a, b *fileQueue) bool {
	return a.id < b.id
}
