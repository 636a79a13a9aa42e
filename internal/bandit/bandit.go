// Package bandit picks a scheduling policy from measured bandwidth when no
// pattern prediction is available. It implements UCB1 over an exponentially
// weighted bandwidth estimate per policy.
package bandit

import (
	"math"
	"sync"

	"github.com/objectfs/iosched/pkg/types"
)

// Default tuning.
const (
	DefaultExploration     = 1.5
	DefaultMinObservations = 1
	DefaultAlpha           = 0.3
)

// Options configures a Selector.
type Options struct {
	// Policies are the arms, in tie-breaking order. Defaults to every policy.
	Policies []types.PolicyID
	// Exploration is the UCB1 confidence coefficient.
	Exploration float64
	// MinObservations forces each policy to be measured this many times, in
	// order, before UCB scoring starts.
	MinObservations int
	// Alpha weights a new measurement in the running estimate.
	Alpha float64
}

// ArmStats is a read-only view of one policy's state.
type ArmStats struct {
	Policy       types.PolicyID
	Estimate     float64
	Observations uint64
	Selections   uint64
}

type arm struct {
	policy       types.PolicyID
	estimate     float64
	observations uint64
	selections   uint64
}

// Selector holds the bandit state.
type Selector struct {
	mu   sync.Mutex
	opts Options
	arms []*arm

	active  types.PolicyID
	warming bool
	total   uint64
	maxBW   float64
}

// New creates a selector. An Exploration of zero gives a greedy selector.
func New(opts Options) *Selector {
	if len(opts.Policies) == 0 {
		opts.Policies = types.AllPolicies
	}
	if opts.Exploration < 0 {
		opts.Exploration = 0
	}
	if opts.MinObservations < 0 {
		opts.MinObservations = 0
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = DefaultAlpha
	}
	s := &Selector{opts: opts, active: types.NoPolicy}
	for _, p := range opts.Policies {
		s.arms = append(s.arms, &arm{policy: p})
	}
	return s
}

func (s *Selector) find(p types.PolicyID) *arm {
	for _, a := range s.arms {
		if a.policy == p {
			return a
		}
	}
	return nil
}

// NotifyActive tells the selector which policy is running. A change of policy
// marks the next measurement as warm-up.
func (s *Selector) NotifyActive(p types.PolicyID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p != s.active {
		s.active = p
		s.warming = true
	}
}

// Active returns the policy last passed to NotifyActive.
func (s *Selector) Active() types.PolicyID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Record folds a bandwidth measurement for the active policy into its
// estimate. It returns false when the measurement was discarded, either as
// the first one after a switch or because no known policy is active.
func (s *Selector) Record(bandwidth float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.find(s.active)
	if a == nil {
		return false
	}
	if s.warming {
		s.warming = false
		return false
	}
	if bandwidth < 0 || math.IsNaN(bandwidth) || math.IsInf(bandwidth, 0) {
		return false
	}
	if a.observations == 0 {
		a.estimate = bandwidth
	} else {
		a.estimate = s.opts.Alpha*bandwidth + (1-s.opts.Alpha)*a.estimate
	}
	a.observations++
	s.total++
	if bandwidth > s.maxBW {
		s.maxBW = bandwidth
	}
	return true
}

// Skip closes an interval that produced no measurement. The arms are left
// untouched, but the interval still counts as the warm-up after a switch.
func (s *Selector) Skip() {
	s.mu.Lock()
	s.warming = false
	s.mu.Unlock()
}

// SelectNext returns the policy to run next: the first under-sampled policy
// if any, otherwise the policy with the highest UCB1 score. Ties go to the
// earlier policy.
func (s *Selector) SelectNext() types.PolicyID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *arm
	for _, a := range s.arms {
		if a.observations < uint64(s.opts.MinObservations) {
			best = a
			break
		}
	}
	if best == nil {
		bestScore := math.Inf(-1)
		for _, a := range s.arms {
			if sc := s.score(a); sc > bestScore {
				best, bestScore = a, sc
			}
		}
	}
	if best == nil {
		return types.NoPolicy
	}
	best.selections++
	return best.policy
}

// score is the normalized estimate plus the exploration bonus. Arms never
// observed score +Inf.
func (s *Selector) score(a *arm) float64 {
	if a.observations == 0 {
		return math.Inf(1)
	}
	mean := 0.0
	if s.maxBW > 0 {
		mean = a.estimate / s.maxBW
	}
	bonus := s.opts.Exploration * math.Sqrt(math.Log(float64(s.total))/float64(a.observations))
	return mean + bonus
}

// Stats returns the state of every arm in policy order.
func (s *Selector) Stats() []ArmStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ArmStats, len(s.arms))
	for i, a := range s.arms {
		out[i] = ArmStats{
			Policy:       a.policy,
			Estimate:     a.estimate,
			Observations: a.observations,
			Selections:   a.selections,
		}
	}
	return out
}
