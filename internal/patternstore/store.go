// Package patternstore keeps the access patterns seen so far, how each
// scheduling policy performed on them, and which pattern tends to follow
// which.
package patternstore

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/objectfs/iosched/internal/dtw"
	"github.com/objectfs/iosched/internal/pattern"
	"github.com/objectfs/iosched/pkg/types"
)

// PolicyPerformance is the measurement history of one policy on one pattern.
type PolicyPerformance struct {
	Measurements []float64
	Bandwidth    float64 // mean of Measurements
	Selections   uint64
	Probability  int32
}

// Transition is an observed successor of a pattern.
type Transition struct {
	To          *Known
	Count       uint64
	Probability int32
}

// Known is a stored pattern with its performance table and outgoing edges.
type Known struct {
	Pattern          *pattern.AccessPattern
	Performance      map[types.PolicyID]*PolicyPerformance
	Next             []*Transition
	TotalTransitions uint64

	index int
}

// Index returns the position of the pattern in the store.
func (k *Known) Index() int { return k.index }

func newKnown(p *pattern.AccessPattern, index int) *Known {
	return &Known{
		Pattern:     p,
		Performance: make(map[types.PolicyID]*PolicyPerformance),
		index:       index,
	}
}

// Options configures a Store.
type Options struct {
	// MatchThreshold is the minimum similarity score (0-100) for a match.
	MatchThreshold int
	// MaxDifference is the largest percentage difference Compatible accepts.
	MaxDifference int
	DTWRadius     int
	// MaxMeasurements bounds the rolling history per policy.
	MaxMeasurements int
	// OnDistance, if set, observes every computed DTW distance.
	OnDistance func(d uint64)
}

// Store is the set of known patterns. It is mutated by the selection step,
// which never runs concurrently with itself; the lock only protects readers
// such as persistence and metrics.
type Store struct {
	mu          sync.Mutex
	opts        Options
	patterns    []*Known
	maxDistance uint64
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.DTWRadius <= 0 {
		opts.DTWRadius = 1
	}
	if opts.MaxMeasurements <= 0 {
		opts.MaxMeasurements = 5
	}
	return &Store{opts: opts}
}

// Len returns the number of known patterns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patterns)
}

// Patterns returns the known patterns in index order.
func (s *Store) Patterns() []*Known {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Known(nil), s.patterns...)
}

// MaxDistance returns the distance watermark used to normalize scores.
func (s *Store) MaxDistance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxDistance
}

// Compatible reports whether b's request, read, write and file counts are all
// within maxDiff percent of a's. Differences are relative to a, so the
// relation is not symmetric.
func Compatible(a, b *pattern.AccessPattern, maxDiff int) bool {
	limit := uint64(maxDiff)
	return percentDiff(a.ReqNb, b.ReqNb) <= limit &&
		percentDiff(a.ReadNb, b.ReadNb) <= limit &&
		percentDiff(a.WriteNb, b.WriteNb) <= limit &&
		percentDiff(a.FileNb, b.FileNb) <= limit
}

func percentDiff(a, b uint64) uint64 {
	if a == 0 {
		if b == 0 {
			return 0
		}
		return 100
	}
	d := a - b
	if b > a {
		d = b - a
	}
	hi, lo := bits.Mul64(d, 100)
	if hi >= a {
		return ^uint64(0)
	}
	q, _ := bits.Div64(hi, lo, a)
	return q
}

// score maps a distance to 0-100 against the watermark.
func score(d, max uint64) int {
	if max == 0 {
		return 100
	}
	hi, lo := bits.Mul64(max-d, 100)
	q, _ := bits.Div64(hi, lo, max)
	return int(q)
}

// Match returns the best-scoring known pattern whose score reaches the
// threshold. Candidates must pass Compatible(p, candidate) first. Every
// computed distance may raise the watermark before it is scored.
func (s *Store) Match(p *pattern.AccessPattern) (*Known, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchLocked(p)
}

func (s *Store) matchLocked(p *pattern.AccessPattern) (*Known, int, bool) {
	var best *Known
	bestScore := -1
	for _, k := range s.patterns {
		if !Compatible(p, k.Pattern, s.opts.MaxDifference) {
			continue
		}
		d := dtw.Distance(p.Series, k.Pattern.Series, s.opts.DTWRadius)
		if d == dtw.Sentinel {
			continue
		}
		if s.opts.OnDistance != nil {
			s.opts.OnDistance(d)
		}
		if d > s.maxDistance {
			s.maxDistance = d
		}
		sc := score(d, s.maxDistance)
		if sc >= s.opts.MatchThreshold && sc > bestScore {
			best, bestScore = k, sc
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestScore, true
}

// Add stores p as a new known pattern.
func (s *Store) Add(p *pattern.AccessPattern) *Known {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(p)
}

func (s *Store) addLocked(p *pattern.AccessPattern) *Known {
	k := newKnown(p, len(s.patterns))
	s.patterns = append(s.patterns, k)
	return k
}

// Recognize returns the matching known pattern, or stores p as a new one.
func (s *Store) Recognize(p *pattern.AccessPattern) (k *Known, matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, _, ok := s.matchLocked(p); ok {
		return k, true
	}
	return s.addLocked(p), false
}

// ObserveTransition counts one prev -> next transition.
func (s *Store) ObserveTransition(prev, next *Known) {
	if prev == nil || next == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev.TotalTransitions++
	for _, t := range prev.Next {
		if t.To == next {
			t.Count++
			return
		}
	}
	prev.Next = append(prev.Next, &Transition{To: next, Count: 1})
}

// Predict returns the most probable successor of prev, or nil when prev has
// no recorded transitions. Ties go to the earliest recorded edge.
func (s *Store) Predict(prev *Known) *Known {
	if prev == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updateTransitionProbabilities(prev)
	var best *Transition
	for _, t := range prev.Next {
		if best == nil || t.Probability > best.Probability {
			best = t
		}
	}
	if best == nil {
		return nil
	}
	return best.To
}

// probability is count*100/total, floored at 1 so every observed event stays
// representable.
func probability(count, total uint64) int32 {
	if total == 0 {
		return 1
	}
	if count > total {
		count = total
	}
	hi, lo := bits.Mul64(count, 100)
	q, _ := bits.Div64(hi, lo, total)
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return int32(q)
}

func updateTransitionProbabilities(k *Known) {
	for _, t := range k.Next {
		t.Probability = probability(t.Count, k.TotalTransitions)
	}
}

// RecordPerformance appends a bandwidth measurement for policy on k.
func (s *Store) RecordPerformance(k *Known, policy types.PolicyID, bandwidth float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := k.Performance[policy]
	if rec == nil {
		rec = &PolicyPerformance{}
		k.Performance[policy] = rec
	}
	rec.Measurements = append(rec.Measurements, bandwidth)
	if over := len(rec.Measurements) - s.opts.MaxMeasurements; over > 0 {
		rec.Measurements = append(rec.Measurements[:0], rec.Measurements[over:]...)
	}
	sum := 0.0
	for _, m := range rec.Measurements {
		sum += m
	}
	rec.Bandwidth = sum / float64(len(rec.Measurements))
	rec.Selections++

	var total uint64
	for _, r := range k.Performance {
		total += r.Selections
	}
	for _, r := range k.Performance {
		r.Probability = probability(r.Selections, total)
	}
}

// BestPolicy returns the policy with the highest mean bandwidth recorded for
// k. Policies are compared in identifier order and ties keep the first.
func (s *Store) BestPolicy(k *Known) (types.PolicyID, bool) {
	if k == nil {
		return types.NoPolicy, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	best := types.NoPolicy
	var bw float64
	for _, id := range policyOrder(k.Performance) {
		rec := k.Performance[id]
		if len(rec.Measurements) == 0 {
			continue
		}
		if best == types.NoPolicy || rec.Bandwidth > bw {
			best, bw = id, rec.Bandwidth
		}
	}
	return best, best != types.NoPolicy
}

// policyOrder returns the keys of a performance table in identifier order.
func policyOrder(perf map[types.PolicyID]*PolicyPerformance) []types.PolicyID {
	ids := make([]types.PolicyID, 0, len(perf))
	for id := range perf {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
