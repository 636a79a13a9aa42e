package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/iosched/pkg/types"
	"github.com/objectfs/iosched/pkg/utils"
)

// Collector exports scheduler metrics on a private Prometheus registry.
// Every recording method is a no-op on a disabled collector.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	requestsAdded       *prometheus.CounterVec
	requestsAggregated  prometheus.Counter
	requestsDispatched  *prometheus.CounterVec
	outstandingRequests prometheus.Gauge
	outstandingFiles    prometheus.Gauge
	policySwitches      *prometheus.CounterVec
	activePolicy        *prometheus.GaugeVec
	bandwidth           prometheus.Gauge
	patternRecognitions *prometheus.CounterVec
	policyPredictions   *prometheus.CounterVec
	dtwDistance         prometheus.Histogram
	persistenceErrors   *prometheus.CounterVec
	admissionFailures   prometheus.Counter
	banditEstimate      *prometheus.GaugeVec

	// sampler refreshes gauges on every UpdateInterval tick.
	sampler func()
	// health produces the /health body; ok=false answers 503.
	health func() (body interface{}, ok bool)
	cancel context.CancelFunc

	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Path           string        `yaml:"path"`
	Namespace      string        `yaml:"namespace"`
	Subsystem      string        `yaml:"subsystem"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Port:           9464,
			Path:           "/metrics",
			Namespace:      "iosched",
			UpdateInterval: 5 * time.Second,
		}
	}

	logger := utils.NopLogger()
	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 5 * time.Second
	}

	collector := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// SetLogger sets the logger used for server errors.
func (c *Collector) SetLogger(logger *utils.StructuredLogger) {
	if logger != nil {
		c.logger = logger.WithComponent("metrics")
	}
}

// SetSampler installs a function called periodically while the server runs,
// typically to refresh gauges.
func (c *Collector) SetSampler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sampler = fn
}

// SetHealth installs the source of the /health response.
func (c *Collector) SetHealth(fn func() (body interface{}, ok bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = fn
}

// Enabled reports whether the collector records anything.
func (c *Collector) Enabled() bool { return c.config.Enabled }

// Registry returns the private registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Start serves the metrics endpoint until Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", c.config.Port, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.listener = ln
	c.cancel = cancel
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	go c.updateLoop(ctx)

	c.logger.Info("metrics server started", map[string]interface{}{
		"addr": ln.Addr().String(),
		"path": c.config.Path,
	})
	return nil
}

// Addr returns the address the server listens on, or "" before Start.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.RLock()
	server, cancel := c.server, c.cancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordAdded counts an accepted request.
func (c *Collector) RecordAdded(kind types.Kind) {
	if !c.config.Enabled {
		return
	}
	c.requestsAdded.WithLabelValues(kind.String()).Inc()
}

// RecordAggregated counts a request merged into an existing queue entry.
func (c *Collector) RecordAggregated() {
	if !c.config.Enabled {
		return
	}
	c.requestsAggregated.Inc()
}

// RecordAdmissionFailure counts a request refused by the cache.
func (c *Collector) RecordAdmissionFailure() {
	if !c.config.Enabled {
		return
	}
	c.admissionFailures.Inc()
}

// RecordDispatched counts requests handed to the client by policy.
func (c *Collector) RecordDispatched(policy types.PolicyID, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.requestsDispatched.WithLabelValues(policy.String()).Add(float64(n))
}

// SetOutstanding updates the queued request and file gauges.
func (c *Collector) SetOutstanding(requests, files int64) {
	if !c.config.Enabled {
		return
	}
	c.outstandingRequests.Set(float64(requests))
	c.outstandingFiles.Set(float64(files))
}

// RecordPolicySwitch counts a switch and moves the active_policy marker.
func (c *Collector) RecordPolicySwitch(from, to types.PolicyID) {
	if !c.config.Enabled {
		return
	}
	if from != to {
		c.policySwitches.WithLabelValues(from.String(), to.String()).Inc()
	}
	c.SetActivePolicy(to)
}

// SetActivePolicy sets active_policy to 1 for p and 0 for every other policy.
func (c *Collector) SetActivePolicy(p types.PolicyID) {
	if !c.config.Enabled {
		return
	}
	for _, id := range types.AllPolicies {
		v := 0.0
		if id == p {
			v = 1
		}
		c.activePolicy.WithLabelValues(id.String()).Set(v)
	}
}

// SetBandwidth records the bandwidth of the last measurement interval.
func (c *Collector) SetBandwidth(bytesPerSecond float64) {
	if !c.config.Enabled {
		return
	}
	c.bandwidth.Set(bytesPerSecond)
}

// RecordRecognition counts a pattern recognition as "matched" or "new".
func (c *Collector) RecordRecognition(matched bool) {
	if !c.config.Enabled {
		return
	}
	result := "new"
	if matched {
		result = "matched"
	}
	c.patternRecognitions.WithLabelValues(result).Inc()
}

// Prediction sources.
const (
	SourcePattern = "pattern"
	SourceBandit  = "bandit"
	SourceStatic  = "static"
)

// RecordPrediction counts where a policy decision came from.
func (c *Collector) RecordPrediction(source string) {
	if !c.config.Enabled {
		return
	}
	c.policyPredictions.WithLabelValues(source).Inc()
}

// ObserveDistance records one DTW distance.
func (c *Collector) ObserveDistance(d uint64) {
	if !c.config.Enabled {
		return
	}
	c.dtwDistance.Observe(float64(d))
}

// RecordPersistenceError counts a failed "load", "save", "upload" or
// "download" of the pattern store.
func (c *Collector) RecordPersistenceError(op string) {
	if !c.config.Enabled {
		return
	}
	c.persistenceErrors.WithLabelValues(op).Inc()
}

// SetBanditEstimate exports the bandit's bandwidth estimate for a policy.
func (c *Collector) SetBanditEstimate(p types.PolicyID, estimate float64) {
	if !c.config.Enabled {
		return
	}
	c.banditEstimate.WithLabelValues(p.String()).Set(estimate)
}

func (c *Collector) initMetrics() error {
	ns, sub := c.config.Namespace, c.config.Subsystem

	c.requestsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "requests_added_total",
			Help:      "Total number of requests accepted by the cache",
		},
		[]string{"kind"},
	)

	c.requestsAggregated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "requests_aggregated_total",
		Help:      "Total number of requests merged into a queued neighbour",
	})

	c.requestsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "requests_dispatched_total",
			Help:      "Total number of requests dispatched, by policy",
		},
		[]string{"policy"},
	)

	c.outstandingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "outstanding_requests",
		Help:      "Requests currently queued",
	})

	c.outstandingFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "outstanding_files",
		Help:      "Files with at least one queued request",
	})

	c.policySwitches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "policy_switches_total",
			Help:      "Total number of scheduling policy switches",
		},
		[]string{"from", "to"},
	)

	c.activePolicy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active_policy",
			Help:      "1 for the running scheduling policy, 0 otherwise",
		},
		[]string{"policy"},
	)

	c.bandwidth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "bandwidth_bytes_per_second",
		Help:      "Bandwidth measured over the last selection period",
	})

	c.patternRecognitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pattern_recognitions_total",
			Help:      "Access pattern recognitions, by result",
		},
		[]string{"result"},
	)

	c.policyPredictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "policy_predictions_total",
			Help:      "Policy decisions, by source",
		},
		[]string{"source"},
	)

	c.dtwDistance = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "dtw_distance",
		Help:      "DTW distances computed while matching patterns",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 16),
	})

	c.persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "persistence_errors_total",
			Help:      "Pattern store persistence failures, by operation",
		},
		[]string{"op"},
	)

	c.admissionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: sub,
		Name:      "admission_failures_total",
		Help:      "Requests refused because the cache was full",
	})

	c.banditEstimate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "bandit_estimate_bytes_per_second",
			Help:      "Bandit bandwidth estimate, by policy",
		},
		[]string{"policy"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestsAdded,
		c.requestsAggregated,
		c.requestsDispatched,
		c.outstandingRequests,
		c.outstandingFiles,
		c.policySwitches,
		c.activePolicy,
		c.bandwidth,
		c.patternRecognitions,
		c.policyPredictions,
		c.dtwDistance,
		c.persistenceErrors,
		c.admissionFailures,
		c.banditEstimate,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			sample := c.sampler
			c.mu.RUnlock()
			if sample != nil {
				sample()
			}
		}
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	fn := c.health
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if fn == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"iosched-metrics"}`))
		return
	}
	body, ok := fn()
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
