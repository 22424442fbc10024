// Package metrics exposes the daemon's Prometheus surface: scheduler
// turn throughput, merge-queue depth and outcomes, and active
// model-session counts. One Registry is shared by the whole daemon and
// wired to the HTTP surface's /metrics route.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every metric the daemon exports.
type Registry struct {
	reg *prometheus.Registry

	TicksTotal      prometheus.Counter
	TickDuration    prometheus.Histogram
	TurnsTotal      *prometheus.CounterVec
	TurnDuration    prometheus.Histogram
	NudgesTotal     prometheus.Counter
	RateLimitsTotal prometheus.Counter
	ActiveSessions  prometheus.Gauge
	MergeQueueDepth prometheus.Gauge
	MergeOutcomes   *prometheus.CounterVec
	MergeDuration   prometheus.Histogram
}

// New builds a Registry with every metric registered against its own
// internal prometheus.Registry (kept separate from the default global
// registry so tests can construct one per harness without collisions).
func New() *Registry {
	r := prometheus.NewRegistry()

	m := &Registry{
		reg: r,
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Number of scheduler tick iterations completed.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent admitting turns and draining the merge queue in one tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "turns_total",
			Help:      "Turns run, partitioned by outcome (ok, rate_limited, error).",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "turn_duration_seconds",
			Help:      "Wall time spent running a single agent turn.",
			Buckets:   prometheus.DefBuckets,
		}),
		NudgesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "nudges_total",
			Help:      "Synthetic \"continue\" messages enqueued after an idle turn.",
		}),
		RateLimitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "delegate",
			Subsystem: "scheduler",
			Name:      "rate_limits_total",
			Help:      "Turns that ended in a rate-limit signal from the upstream model.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "delegate",
			Subsystem: "modelsession",
			Name:      "active_sessions",
			Help:      "Number of live ModelSessions currently held by the manager.",
		}),
		MergeQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "delegate",
			Subsystem: "merge",
			Name:      "queue_depth",
			Help:      "Tasks currently in the merging stage awaiting processing.",
		}),
		MergeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "delegate",
			Subsystem: "merge",
			Name:      "outcomes_total",
			Help:      "Merge attempts, partitioned by outcome (fast_forward, squash_reapply, failed).",
		}, []string{"outcome"}),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "delegate",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Wall time spent processing a single merge, including the pretest run.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	r.MustRegister(
		m.TicksTotal, m.TickDuration, m.TurnsTotal, m.TurnDuration,
		m.NudgesTotal, m.RateLimitsTotal, m.ActiveSessions,
		m.MergeQueueDepth, m.MergeOutcomes, m.MergeDuration,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Gatherer for the HTTP
// surface's /metrics handler.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
