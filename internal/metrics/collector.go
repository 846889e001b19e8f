// Package metrics provides Prometheus metrics for agent-supervisor.
//
// Metrics are organized into two tiers:
//   - Tier 1 (always enabled): aggregate metrics, safe for any number of agents
//   - Tier 2 (optional, -prom-operation-metrics): one series per live operation
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-agent-supervisor/internal/agent"
)

const namespace = "agent_supervisor"

// Verdict label values.
const (
	VerdictExpected   = "expected"
	VerdictUnexpected = "unexpected"
)

// Collector owns every agent-supervisor metric. Each Collector registers its
// own metric instances, so several can coexist on separate registries.
type Collector struct {
	// Tier 1
	info             *prometheus.GaugeVec
	launched         prometheus.Counter
	launchFailures   prometheus.Counter
	restarts         prometheus.Counter
	terminated       *prometheus.CounterVec
	activeOperations prometheus.Gauge
	lifetime         prometheus.Histogram
	lifetimeP50      prometheus.Gauge
	lifetimeP95      prometheus.Gauge
	lifetimeP99      prometheus.Gauge
	elapsed          prometheus.Gauge
	linesRead        *prometheus.CounterVec
	linesDropped     *prometheus.CounterVec
	bytesRead        *prometheus.CounterVec
	streamsDegraded  prometheus.Gauge

	// Tier 2
	perOperationEnabled bool
	operationUp         *prometheus.GaugeVec

	startTime time.Time

	// Internal tracking for delta calculations
	mu            sync.Mutex
	prevRead      map[string]int64
	prevDropped   map[string]int64
	prevBytes     map[string]int64
	peakActive    int
	totalLaunched int64
	totalRestarts int64
	registeredIDs map[string]struct{}
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version             string
	Target              string
	PerOperationMetrics bool
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the supervisor (value always 1)",
		}, []string{"version", "target"}),
		launched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_launched_total",
			Help:      "Operations whose process identity was attached",
		}),
		launchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Operations whose spawn was never confirmed",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Relaunches performed by restart loops",
		}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_terminated_total",
			Help:      "Terminated operations by verdict and kind (exit, signal, other)",
		}, []string{"verdict", "kind"}),
		activeOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_operations",
			Help:      "Operations launched and not yet terminated",
		}),
		lifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_lifetime_seconds",
			Help:      "Time from identity attachment to termination",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600, 14400},
		}),
		lifetimeP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifetime_p50_seconds",
			Help:      "Median operation lifetime",
		}),
		lifetimeP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifetime_p95_seconds",
			Help:      "95th percentile operation lifetime",
		}),
		lifetimeP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifetime_p99_seconds",
			Help:      "99th percentile operation lifetime",
		}),
		elapsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "elapsed_seconds",
			Help:      "Seconds since the supervisor started",
		}),
		linesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_lines_read_total",
			Help:      "Agent output lines read, by stream",
		}, []string{"stream"}),
		linesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_lines_dropped_total",
			Help:      "Agent output lines dropped by the lossy pipeline, by stream",
		}, []string{"stream"}),
		bytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_read_total",
			Help:      "Agent output bytes read, by stream",
		}, []string{"stream"}),
		streamsDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_streams_degraded",
			Help:      "Live streams whose drop rate exceeds the threshold",
		}),
		perOperationEnabled: cfg.PerOperationMetrics,
		startTime:           time.Now(),
		prevRead:            make(map[string]int64),
		prevDropped:         make(map[string]int64),
		prevBytes:           make(map[string]int64),
		registeredIDs:       make(map[string]struct{}),
	}

	registry.MustRegister(
		c.info,
		c.launched,
		c.launchFailures,
		c.restarts,
		c.terminated,
		c.activeOperations,
		c.lifetime,
		c.lifetimeP50,
		c.lifetimeP95,
		c.lifetimeP99,
		c.elapsed,
		c.linesRead,
		c.linesDropped,
		c.bytesRead,
		c.streamsDegraded,
	)

	if cfg.PerOperationMetrics {
		c.operationUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operation_up",
			Help:      "1 while the operation runs (requires -prom-operation-metrics)",
		}, []string{"operation_id", "agent", "pid"})
		registry.MustRegister(c.operationUp)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Target).Set(1)

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// OperationLaunched records an operation reaching the running state.
func (c *Collector) OperationLaunched(op *agent.Operation) {
	c.launched.Inc()
	c.activeOperations.Inc()

	c.mu.Lock()
	c.totalLaunched++
	c.mu.Unlock()

	if !c.perOperationEnabled || op == nil {
		return
	}
	id, ok := op.Process()
	if !ok {
		return
	}
	c.operationUp.WithLabelValues(op.ID(), op.Configuration().Name, strconv.Itoa(id.PID)).Set(1)

	c.mu.Lock()
	c.registeredIDs[op.ID()] = struct{}{}
	c.mu.Unlock()
}

// OperationTerminated records the outcome of a launched operation.
func (c *Collector) OperationTerminated(op *agent.Operation, r agent.Result, lifetime time.Duration) {
	verdict := VerdictUnexpected
	if r.Expected {
		verdict = VerdictExpected
	}
	c.terminated.WithLabelValues(verdict, terminationKind(r)).Inc()
	c.activeOperations.Dec()
	if lifetime >= 0 {
		c.lifetime.Observe(lifetime.Seconds())
	}
	if op != nil {
		c.RemoveOperation(op.ID())
	}
}

// LaunchFailed records an operation whose spawn failed.
func (c *Collector) LaunchFailed() {
	c.launchFailures.Inc()
}

// Restarted records a relaunch by a restart loop.
func (c *Collector) Restarted() {
	c.restarts.Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

func terminationKind(r agent.Result) string {
	switch {
	case r.Signal() != "":
		return "signal"
	case r.ExitCode() >= 0:
		return "exit"
	default:
		return "other"
	}
}

// =============================================================================
// Periodic Update
// =============================================================================

// StreamTotals are cumulative pipeline counters for one stream name.
type StreamTotals struct {
	LinesRead    int64
	LinesDropped int64
	BytesRead    int64
}

// StatsUpdate holds periodically aggregated values.
type StatsUpdate struct {
	Active          int
	LifetimeP50     time.Duration
	LifetimeP95     time.Duration
	LifetimeP99     time.Duration
	StreamsDegraded int

	// Streams maps a stream name to totals that only grow.
	Streams map[string]StreamTotals
}

// RecordStats updates gauges and adds counter deltas since the last call.
func (c *Collector) RecordStats(u *StatsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeOperations.Set(float64(u.Active))
	if u.Active > c.peakActive {
		c.peakActive = u.Active
	}
	c.elapsed.Set(time.Since(c.startTime).Seconds())

	c.lifetimeP50.Set(u.LifetimeP50.Seconds())
	c.lifetimeP95.Set(u.LifetimeP95.Seconds())
	c.lifetimeP99.Set(u.LifetimeP99.Seconds())
	c.streamsDegraded.Set(float64(u.StreamsDegraded))

	for stream, t := range u.Streams {
		if d := t.LinesRead - c.prevRead[stream]; d > 0 {
			c.linesRead.WithLabelValues(stream).Add(float64(d))
		}
		if d := t.LinesDropped - c.prevDropped[stream]; d > 0 {
			c.linesDropped.WithLabelValues(stream).Add(float64(d))
		}
		if d := t.BytesRead - c.prevBytes[stream]; d > 0 {
			c.bytesRead.WithLabelValues(stream).Add(float64(d))
		}
		c.prevRead[stream] = t.LinesRead
		c.prevDropped[stream] = t.LinesDropped
		c.prevBytes[stream] = t.BytesRead
	}
}

// =============================================================================
// Cleanup Methods
// =============================================================================

// RemoveOperation removes per-operation series for id.
// Only relevant when per-operation metrics are enabled.
func (c *Collector) RemoveOperation(id string) {
	if !c.perOperationEnabled {
		return
	}

	c.mu.Lock()
	_, ok := c.registeredIDs[id]
	delete(c.registeredIDs, id)
	c.mu.Unlock()

	if ok {
		c.operationUp.DeletePartialMatch(prometheus.Labels{"operation_id": id})
	}
}

// PeakActive returns the peak active operation count seen by RecordStats.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// TotalLaunched returns the number of launched operations.
func (c *Collector) TotalLaunched() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLaunched
}

// TotalRestarts returns the number of restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

// PerOperationEnabled returns whether per-operation metrics are enabled.
func (c *Collector) PerOperationEnabled() bool {
	return c.perOperationEnabled
}
