package cache

import "github.com/objectfs/iosched/pkg/types"

// Candidate is the result of a shortest-queue scan. It is a measurement only:
// the queue may change before TakeHead acts on it.
type Candidate struct {
	FileID string
	Kind   types.Kind
	Size   int64
	bucket int
}

// ScanShortest finds the per-file queue with the smallest nonzero current
// size. Buckets are visited in index order and files in id order, one bucket
// lock at a time; ties go to the first queue found. The scan stops once it
// has seen as many files as are outstanding.
func (c *Cache) ScanShortest() (Candidate, bool) {
	var (
		best  Candidate
		found bool
		seen  int64
	)
	target := c.files.Load()
	for bi, bk := range c.buckets {
		bk.mu.Lock()
		bk.files.Ascend(func(fq *fileQueue) bool {
			seen++
			for _, k := range [...]types.Kind{types.Read, types.Write} {
				s := fq.sides[k]
				if s.currentSize > 0 && (!found || s.currentSize < best.Size) {
					best = Candidate{FileID: fq.id, Kind: k, Size: s.currentSize, bucket: bi}
					found = true
				}
			}
			return true
		})
		bk.mu.Unlock()
		if target > 0 && seen >= target {
			break
		}
	}
	return best, found
}

// TakeHead removes the lowest-offset virtual request of the candidate's
// queue. It returns nil if that queue emptied after the scan.
func (c *Cache) TakeHead(cand Candidate) *Virtual {
	if cand.bucket < 0 || cand.bucket >= len(c.buckets) {
		return nil
	}
	bk := c.buckets[cand.bucket]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	fq, ok := bk.files.Get(&fileQueue{id: cand.FileID})
	if !ok {
		return nil
	}
	v, ok := fq.sides[cand.Kind].tree.Min()
	if !ok {
		return nil
	}
	c.removeLocked(bk, v)
	return v
}

// QueueSize returns the current size of one file's queue, zero if absent.
func (c *Cache) QueueSize(fileID string, kind types.Kind) int64 {
	bk := c.buckets[c.bucketIndex(fileID)]
	bk.mu.Lock()
	defer bk.mu.Unlock()
	fq, ok := bk.files.Get(&fileQueue{id: fileID})
	if !ok {
		return 0
	}
	return fq.sides[kind].currentSize
}
