package engine

import (
	"github.com/objectfs/iosched/internal/metrics"
	"github.com/objectfs/iosched/internal/patternstore"
	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

// SelectNextPolicy closes the current measurement interval, learns from the
// access pattern it observed and switches to the policy expected to perform
// best next. Concurrent callers share one selection.
func (e *Engine) SelectNextPolicy() types.PolicyID {
	v, _, _ := e.selection.Do("select", func() (interface{}, error) {
		return e.selectNext(), nil
	})
	return v.(types.PolicyID)
}

func (e *Engine) selectNext() types.PolicyID {
	current := e.ActivePolicy()
	m := e.perf.Interval(current)
	e.metrics.SetBandwidth(m.Bandwidth)
	if m.Expired > 0 {
		e.logger.Debug("unreleased requests expired", map[string]interface{}{"expired": m.Expired})
	}
	if m.Requests > 0 {
		e.bandit.Record(m.Bandwidth)
	} else {
		e.bandit.Skip()
	}
	e.checkAdmission()

	choice, source := types.NoPolicy, ""
	if e.tracker != nil {
		if next := e.learn(current, m.Bandwidth, m.Requests > 0); next != nil {
			if best, ok := e.store.BestPolicy(next); ok {
				choice, source = best, metrics.SourcePattern
			}
		}
	}
	if choice == types.NoPolicy {
		choice, source = e.bandit.SelectNext(), metrics.SourceBandit
	}
	if e.cfg.PatternMatching.StaticMode {
		choice, source = current, metrics.SourceStatic
	}
	e.metrics.RecordPrediction(source)

	if choice != current {
		e.switchTo(current, choice, source)
	}
	return choice
}

// checkAdmission marks admission degraded for every interval in which the
// cache refused requests.
func (e *Engine) checkAdmission() {
	rejected := e.cache.Stats().Rejected
	if n := rejected - e.lastRejected; n > 0 {
		e.health.RecordError(componentAdmission,
			errors.Newf(errors.ErrCodeAllocationFailed, "%d requests refused", n).WithComponent(component))
	} else {
		e.health.RecordSuccess(componentAdmission)
	}
	e.lastRejected = rejected
}

// learn recognizes the pattern of the interval that just closed, credits it
// with the bandwidth the current policy achieved and returns the predicted
// next pattern, if any.
func (e *Engine) learn(current types.PolicyID, bandwidth float64, served bool) *patternstore.Known {
	p := e.tracker.Snapshot()
	if p.ReqNb < uint64(e.cfg.PatternMatching.MinPatternSize) {
		e.logger.Debug("pattern too small to match", map[string]interface{}{"requests": p.ReqNb})
		return nil
	}

	k, matched := e.store.Recognize(p)
	e.metrics.RecordRecognition(matched)
	if served {
		e.store.RecordPerformance(k, current, bandwidth)
	}
	e.store.ObserveTransition(e.prev, k)
	e.prev = k

	next := e.store.Predict(k)
	fields := map[string]interface{}{
		"pattern": k.Index(),
		"matched": matched,
		"known":   e.store.Len(),
	}
	if next != nil {
		fields["predicted"] = next.Index()
	}
	e.logger.Debug("access pattern recognized", fields)
	return next
}

// switchTo installs a new active policy. A stateful policy is flushed with
// NOOP first so that none of its queued state leaks into the next one.
func (e *Engine) switchTo(from, to types.PolicyID, source string) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	old := e.policies[from]
	if old.Stateful() {
		e.flushLocked()
		old.Reset()
	}
	next := e.policies[to]
	e.cache.SetMode(next.Mode())
	e.active.Store(int32(to))
	e.bandit.NotifyActive(to)
	e.metrics.RecordPolicySwitch(from, to)

	e.logger.Info("scheduling policy switched", map[string]interface{}{
		"from":   from.String(),
		"to":     to.String(),
		"source": source,
	})
}
