// Package engine assembles the request cache, the scheduling policies and
// the adaptive policy selector into one scheduler instance.
//
// Client goroutines call AddRequest concurrently. A single scheduling loop,
// started with Run, executes the active policy against the cache and calls
// SelectNextPolicy once per selection period.
package engine

import (
	"context"
	stderr "errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/iosched/internal/bandit"
	"github.com/objectfs/iosched/internal/cache"
	"github.com/objectfs/iosched/internal/config"
	"github.com/objectfs/iosched/internal/metrics"
	"github.com/objectfs/iosched/internal/pattern"
	"github.com/objectfs/iosched/internal/patternstore"
	"github.com/objectfs/iosched/internal/performance"
	"github.com/objectfs/iosched/internal/scheduler"
	s3mirror "github.com/objectfs/iosched/internal/storage/s3"
	"github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/health"
	"github.com/objectfs/iosched/pkg/types"
	"github.com/objectfs/iosched/pkg/utils"
)

const component = "engine"

// Health components.
const (
	componentStateFile = "state_file"
	componentMirror    = "mirror"
	componentAdmission = "admission"
)

// Engine is one scheduler instance.
type Engine struct {
	cfg        *config.Configuration
	logger     *utils.StructuredLogger
	ownsLogger bool
	clock      clock.Clock

	cache      *cache.Cache
	dispatcher *scheduler.Dispatcher
	perf       *performance.Tracker
	tracker    *pattern.Tracker // nil when pattern matching is off
	store      *patternstore.Store
	bandit     *bandit.Selector
	metrics    *metrics.Collector
	ownsMetric bool
	mirror     Mirror
	health     *health.Tracker
	policies   map[types.PolicyID]scheduler.Policy

	// runMu serializes policy execution and policy switches.
	runMu  sync.Mutex
	active atomic.Int32

	selection singleflight.Group
	// prev and lastRejected are touched only inside selection.
	prev         *patternstore.Known
	lastRejected uint64

	// admitMu is held shared by AddRequest and exclusively while Shutdown
	// raises closing, so no insert can land after the final flush.
	admitMu  sync.RWMutex
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	closing  atomic.Bool
	running  atomic.Bool
	loopDone chan struct{}
	closed   atomic.Bool
}

// New builds an engine from cfg. Requests are dispatched to client.
func New(cfg *config.Configuration, client types.Client, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if client == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "client is required").WithComponent(component)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent(component).WithCause(err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	e := &Engine{
		cfg:      cfg,
		clock:    o.clock,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if e.clock == nil {
		e.clock = clock.New()
	}

	e.logger = o.logger
	if e.logger == nil {
		l, err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
		if err != nil {
			return nil, errors.New(errors.ErrCodeInvalidConfig, "failed to set up logging").
				WithComponent(component).WithCause(err)
		}
		e.logger, e.ownsLogger = l, true
	}
	e.logger = e.logger.WithComponent(component)

	start, err := cfg.StartingPolicy()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "invalid starting policy").
			WithComponent(component).WithCause(err)
	}
	aggLimit, err := cfg.AggregationLimit()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "invalid aggregation limit").
			WithComponent(component).WithCause(err)
	}

	if err := e.setupMetrics(o.metrics); err != nil {
		return nil, err
	}

	sc := cfg.Scheduler
	e.policies = make(map[types.PolicyID]scheduler.Policy, len(types.AllPolicies))
	for _, id := range types.AllPolicies {
		p, err := scheduler.New(id, scheduler.Options{
			Clock:       e.clock,
			TWINSWindow: sc.TWINS.Window,
			TWINSQueues: sc.TWINS.Queues,
		})
		if err != nil {
			return nil, errors.New(errors.ErrCodeInternalError, "failed to build policy").
				WithComponent(component).WithCause(err)
		}
		e.policies[id] = p
	}

	e.cache = cache.New(cache.Options{
		Buckets:        sc.HashBuckets,
		MaxOutstanding: sc.MaxOutstanding,
		MaxAggregation: aggLimit,
		Mode:           e.policies[start].Mode(),
		Clock:          e.clock,
	})
	e.perf = performance.New(e.clock, sc.TrackReleases)
	e.dispatcher = scheduler.NewDispatcher(client, e.clock,
		e.perf,
		scheduler.ObserverFunc(func(p types.PolicyID, reqs []types.Request) {
			e.metrics.RecordDispatched(p, len(reqs))
		}),
	)

	pm := cfg.PatternMatching
	if pm.Enabled {
		e.tracker = pattern.NewTracker(pattern.Options{
			OffsetUnit:      pm.OffsetUnit,
			MaxTrackedFiles: pm.MaxTrackedFiles,
		})
	}
	e.store = patternstore.New(patternstore.Options{
		MatchThreshold:  pm.MatchThreshold,
		MaxDifference:   pm.MaxDifference,
		DTWRadius:       pm.DTWRadius,
		MaxMeasurements: pm.MaxMeasurements,
		OnDistance:      e.metrics.ObserveDistance,
	})

	e.bandit = bandit.New(bandit.Options{
		Exploration:     cfg.Bandit.Exploration,
		MinObservations: cfg.Bandit.MinObservations,
		Alpha:           cfg.Bandit.Alpha,
	})

	e.mirror = o.mirror
	if e.mirror == nil && pm.Enabled && pm.Mirror.Enabled {
		m, err := newS3Mirror(pm.Mirror)
		if err != nil {
			return nil, err
		}
		e.mirror = m
	}
	e.setupHealth()
	if pm.Enabled {
		e.loadState()
	}

	e.active.Store(int32(start))
	e.bandit.NotifyActive(start)
	e.metrics.SetActivePolicy(start)
	e.metrics.SetSampler(e.sample)

	e.logger.Info("scheduler initialized", map[string]interface{}{
		"policy":           start.String(),
		"pattern_matching": pm.Enabled,
		"static_mode":      pm.StaticMode,
		"known_patterns":   e.store.Len(),
		"max_aggregation":  aggLimit,
	})
	return e, nil
}

func (e *Engine) setupMetrics(c *metrics.Collector) error {
	if c != nil {
		e.metrics = c
		return nil
	}
	mc := e.cfg.Metrics
	c, err := metrics.NewCollector(&metrics.Config{
		Enabled:        mc.Enabled,
		Port:           mc.Port,
		Path:           mc.Path,
		Namespace:      mc.Namespace,
		UpdateInterval: e.cfg.Scheduler.SelectionPeriod,
	})
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent(component).WithCause(err)
	}
	c.SetLogger(e.logger)
	if err := c.Start(context.Background()); err != nil {
		return errors.New(errors.ErrCodeInvalidConfig, "failed to start metrics server").
			WithComponent(component).WithCause(err)
	}
	e.metrics, e.ownsMetric = c, true
	return nil
}

func (e *Engine) setupHealth() {
	e.health = health.NewTracker(health.TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 5,
		Clock:                e.clock,
	})
	e.health.RegisterComponent(componentAdmission)
	if pm := e.cfg.PatternMatching; pm.Enabled {
		if pm.StateFile != "" {
			e.health.RegisterComponent(componentStateFile)
		}
		if e.mirror != nil {
			e.health.RegisterComponent(componentMirror)
		}
	}
	e.health.AddStateChangeCallback(func(name string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{"component": name, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		e.logger.Warn("component health changed", fields)
	})
	e.metrics.SetHealth(func() (interface{}, bool) {
		r := e.health.Report()
		return r, r.Status != health.StateUnavailable
	})
}

// Health reports the state of the persistence, mirror and admission paths.
func (e *Engine) Health() health.Report {
	return e.health.Report()
}

func newS3Mirror(mc config.MirrorConfig) (Mirror, error) {
	timeout := mc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	m, err := s3mirror.New(ctx, &s3mirror.Config{
		Bucket:          mc.Bucket,
		Key:             mc.Key,
		Region:          mc.Region,
		Endpoint:        mc.Endpoint,
		ForcePathStyle:  mc.ForcePathStyle,
		AccessKeyID:     mc.AccessKeyID,
		SecretAccessKey: mc.SecretAccessKey,
		MaxRetries:      mc.MaxRetries,
		Timeout:         mc.Timeout,
		EnableCargoShip: mc.EnableCargoShip,
	}, slog.Default())
	if err != nil {
		return nil, err
	}
	return m, nil
}

// loadState restores the pattern store from the state file, or from the
// mirror when there is no local file. Failures leave the store empty.
func (e *Engine) loadState() {
	path := e.cfg.PatternMatching.StateFile
	if path == "" {
		return
	}
	err := e.store.LoadFile(path)
	switch {
	case err == nil:
		e.health.RecordSuccess(componentStateFile)
		e.logger.Info("pattern store loaded", map[string]interface{}{"path": path, "patterns": e.store.Len()})
		return
	case !stderr.Is(err, os.ErrNotExist):
		e.health.RecordError(componentStateFile, err)
		e.metrics.RecordPersistenceError("load")
		e.logger.Warn("pattern store unreadable, starting empty", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}

	if e.mirror == nil {
		e.logger.Info("no pattern store found, starting empty", map[string]interface{}{"path": path})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.mirrorTimeout())
	defer cancel()
	data, err := e.mirror.Download(ctx)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeRemoteNotFound) {
			e.health.RecordSuccess(componentMirror)
			e.logger.Info("no mirrored pattern store, starting empty")
			return
		}
		e.health.RecordError(componentMirror, err)
		e.metrics.RecordPersistenceError("download")
		e.logger.Warn("pattern store mirror unavailable, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	e.health.RecordSuccess(componentMirror)
	if err := e.store.UnmarshalBinary(data); err != nil {
		e.metrics.RecordPersistenceError("load")
		e.logger.Warn("mirrored pattern store corrupt, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	e.logger.Info("pattern store restored from mirror", map[string]interface{}{"patterns": e.store.Len()})
}

func (e *Engine) mirrorTimeout() time.Duration {
	if t := e.cfg.PatternMatching.Mirror.Timeout; t > 0 {
		return 4 * t
	}
	return 2 * time.Minute
}

// sample refreshes gauges that are cheaper to read than to maintain.
func (e *Engine) sample() {
	e.metrics.SetOutstanding(e.cache.Len(), e.cache.Files())
	for _, s := range e.bandit.Stats() {
		e.metrics.SetBanditEstimate(s.Policy, s.Estimate)
	}
}

// ActivePolicy returns the running policy.
func (e *Engine) ActivePolicy() types.PolicyID {
	return types.PolicyID(e.active.Load())
}

// Pending returns the number of queued requests.
func (e *Engine) Pending() int64 { return e.cache.Len() }

// AddRequest queues a request for dispatch. Requests are never rejected for
// policy reasons; an error means the request was invalid, the cache is full
// or the engine is shutting down.
func (e *Engine) AddRequest(fileID string, kind types.Kind, offset, length int64, tag interface{}, opts ...AddOption) (cache.Handle, error) {
	e.admitMu.RLock()
	defer e.admitMu.RUnlock()
	if e.closing.Load() {
		return 0, errors.New(errors.ErrCodeShutdownInProgress, "engine is shutting down").
			WithComponent(component).WithOperation("add_request")
	}
	var ao addOptions
	for _, opt := range opts {
		opt(&ao)
	}
	if queues := e.cfg.Scheduler.TWINS.Queues; ao.queue < 0 || ao.queue >= queues {
		return 0, errors.Newf(errors.ErrCodeInvalidRequest, "queue %d out of range [0, %d)", ao.queue, queues).
			WithComponent(component).WithOperation("add_request")
	}

	h, merged, err := e.cache.Add(types.Request{
		FileID: fileID,
		Kind:   kind,
		Offset: offset,
		Length: length,
		Tag:    tag,
		Queue:  ao.queue,
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeAllocationFailed) {
			e.metrics.RecordAdmissionFailure()
		}
		return 0, err
	}

	e.metrics.RecordAdded(kind)
	if merged {
		e.metrics.RecordAggregated()
	}
	if e.tracker != nil {
		e.tracker.Record(fileID, kind, offset, length)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// ReleaseRequest reports that a dispatched request has been served. It only
// has an effect when release tracking is enabled.
func (e *Engine) ReleaseRequest(fileID string, kind types.Kind, length, offset int64) error {
	d, err := e.perf.Release(fileID, kind, length, offset)
	if err != nil {
		return err
	}
	if d > 0 {
		e.logger.Debug("request released", map[string]interface{}{
			"file_id": fileID, "kind": kind.String(), "offset": offset, "length": length, "service_time": d.String(),
		})
	}
	return nil
}

// RunOnce runs the active policy until the cache is empty, stop fires or the
// policy yields. It returns the policy's suggested sleep.
func (e *Engine) RunOnce(stop scheduler.StopFunc) time.Duration {
	if stop == nil {
		stop = scheduler.Never
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.policies[e.ActivePolicy()].Run(e.cache, e.dispatcher, stop)
}

// Run is the scheduling loop. It returns when ctx is done or Shutdown is
// called; only one loop may run at a time.
func (e *Engine) Run(ctx context.Context) error {
	if e.closing.Load() {
		return errors.New(errors.ErrCodeShutdownInProgress, "engine is shutting down").WithComponent(component)
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeAlreadyStarted, "scheduling loop already running").WithComponent(component)
	}
	defer close(e.loopDone)

	period := e.cfg.Scheduler.SelectionPeriod
	nextSelection := e.clock.Now().Add(period)
	stop := func() bool {
		if e.closing.Load() || ctx.Err() != nil {
			return true
		}
		return !e.clock.Now().Before(nextSelection)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		default:
		}

		if !e.clock.Now().Before(nextSelection) {
			e.SelectNextPolicy()
			nextSelection = e.clock.Now().Add(period)
		}

		hint := e.RunOnce(stop)
		if hint == 0 && !e.cache.IsEmpty() {
			continue
		}

		wait := nextSelection.Sub(e.clock.Now())
		if hint > 0 && hint < wait {
			wait = hint
		}
		if wait <= 0 {
			continue
		}
		timer := e.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.stop:
			timer.Stop()
			return nil
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Shutdown stops the scheduling loop, drains the cache with NOOP, persists
// the pattern store and stops metrics. Persistence failures are returned but
// do not interrupt the sequence.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.admitMu.Lock()
	e.closing.Store(true)
	e.admitMu.Unlock()
	e.stopOnce.Do(func() { close(e.stop) })

	var result error
	if e.running.Load() {
		select {
		case <-e.loopDone:
		case <-ctx.Done():
			result = multierr.Append(result, errors.New(errors.ErrCodeOperationTimeout, "scheduling loop did not stop").
				WithComponent(component).WithOperation("shutdown").WithCause(ctx.Err()))
		}
	}

	e.runMu.Lock()
	e.flushLocked()
	e.runMu.Unlock()

	result = multierr.Append(result, e.persist(ctx))

	if e.ownsMetric {
		result = multierr.Append(result, e.metrics.Stop(ctx))
	}
	e.logger.Info("scheduler stopped", map[string]interface{}{"known_patterns": e.store.Len()})
	if e.ownsLogger {
		result = multierr.Append(result, e.logger.Close())
	}
	return result
}

// flushLocked dispatches everything queued with NOOP. Caller holds runMu.
func (e *Engine) flushLocked() {
	if e.cache.IsEmpty() {
		return
	}
	noop := e.policies[types.NOOP]
	e.cache.SetMode(noop.Mode())
	noop.Run(e.cache, e.dispatcher, scheduler.Never)
	e.cache.SetMode(e.policies[e.ActivePolicy()].Mode())
}

func (e *Engine) persist(ctx context.Context) error {
	pm := e.cfg.PatternMatching
	if !pm.Enabled {
		return nil
	}
	var result error
	if pm.StateFile != "" {
		if err := e.store.SaveFile(pm.StateFile); err != nil {
			e.health.RecordError(componentStateFile, err)
			e.metrics.RecordPersistenceError("save")
			e.logger.Error("failed to save pattern store", map[string]interface{}{"path": pm.StateFile, "error": err.Error()})
			result = multierr.Append(result, err)
		} else {
			e.health.RecordSuccess(componentStateFile)
			e.logger.Info("pattern store saved", map[string]interface{}{"path": pm.StateFile, "patterns": e.store.Len()})
		}
	}
	if e.mirror != nil {
		data, err := e.store.MarshalBinary()
		if err == nil {
			err = e.mirror.Upload(ctx, data)
		}
		if err != nil {
			e.health.RecordError(componentMirror, err)
			e.metrics.RecordPersistenceError("upload")
			e.logger.Error("failed to upload pattern store", map[string]interface{}{"error": err.Error()})
			result = multierr.Append(result, err)
		} else {
			e.health.RecordSuccess(componentMirror)
		}
	}
	return result
}
