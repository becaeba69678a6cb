// Package metrics exposes the Prometheus collectors for scenario activity,
// queue throughput, and janitor sweeps. All observation methods are nil-safe
// so components can run without a metrics sink (tests, embedded use).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "troupe"

// Dispatch origins label where an enqueued event came from.
const (
	DispatchOriginSeed     = "seed"     // scenario start seeding the initial events
	DispatchOriginRouted   = "routed"   // router fanning out an engine output
	DispatchOriginExternal = "external" // API callers injecting events mid-run
)

// Pruned row kinds label what a janitor sweep removed.
const (
	PrunedEvents       = "events"
	PrunedStreamEvents = "stream_events"
	PrunedRuns         = "runs"
)

// Metrics bundles every collector the process registers. The zero value and
// a nil pointer are both inert.
type Metrics struct {
	processingDuration *prometheus.HistogramVec
	eventRetries       *prometheus.CounterVec
	eventsDispatched   *prometheus.CounterVec
	scenariosActive    prometheus.Gauge
	scenariosFinished  *prometheus.CounterVec
	turnsAdvanced      prometheus.Counter
	leasesReclaimed    prometheus.Counter
	staleEngines       prometheus.Counter
	rowsPruned         *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultSet  *Metrics
)

// Default returns the process-wide instance registered with the global
// Prometheus registry. Collectors are created once; later calls share them,
// so Default is safe from multiple components.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultSet = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// MustNewMetrics builds a Metrics instance against the given registerer,
// falling back to the global one when reg is nil. A collector that is
// already registered is reused instead of failing, which keeps repeated
// construction (tests, restarts of embedded servers) from panicking; any
// other registration error panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		processingDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "event_processing_duration_seconds",
				Help:      "Time between claiming an event and reporting its outcome.",
				// Turns ride on LLM calls, so the tail runs far past DefBuckets.
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"engine_type", "status"},
		)),
		eventRetries: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "event_retries_total",
				Help:      "Events sent back to pending after a failed attempt.",
			},
			[]string{"engine_type"},
		)),
		eventsDispatched: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "events_dispatched_total",
				Help:      "Events enqueued for agents, by dispatch origin.",
			},
			[]string{"origin"},
		)),
		scenariosActive: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scenario",
				Name:      "runs_active",
				Help:      "Scenario runs currently registered with the manager.",
			},
		)),
		scenariosFinished: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scenario",
				Name:      "runs_finished_total",
				Help:      "Scenario runs that reached a terminal status.",
			},
			[]string{"status"},
		)),
		turnsAdvanced: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scenario",
				Name:      "turns_advanced_total",
				Help:      "Turn transitions applied across all running scenarios.",
			},
		)),
		leasesReclaimed: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "leases_reclaimed_total",
				Help:      "Expired event leases returned to the pending pool.",
			},
		)),
		staleEngines: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "stale_engines_total",
				Help:      "Engine registrations marked unhealthy after missed heartbeats.",
			},
		)),
		rowsPruned: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "janitor",
				Name:      "rows_pruned_total",
				Help:      "Terminal rows deleted once their retention window passed.",
			},
			[]string{"kind"},
		)),
	}
}

// register adds the collector to reg, reusing the existing collector when
// one with the same descriptor is already present.
func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		return already.ExistingCollector.(C)
	}
	return collector
}

// ObserveEventProcessing records how long one claimed event took, labelled
// with the engine type that handled it and the outcome status.
func (m *Metrics) ObserveEventProcessing(engineType, status string, d time.Duration) {
	if m == nil || m.processingDuration == nil {
		return
	}
	m.processingDuration.WithLabelValues(engineType, status).Observe(d.Seconds())
}

// IncEventRetry counts one failed attempt that left the event retryable.
func (m *Metrics) IncEventRetry(engineType string) {
	if m == nil || m.eventRetries == nil {
		return
	}
	m.eventRetries.WithLabelValues(engineType).Inc()
}

// IncEventDispatched counts one event handed to the queue.
func (m *Metrics) IncEventDispatched(origin string) {
	if m == nil || m.eventsDispatched == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(origin).Inc()
}

// IncActiveScenarios marks one more run as live.
func (m *Metrics) IncActiveScenarios() {
	if m == nil || m.scenariosActive == nil {
		return
	}
	m.scenariosActive.Inc()
}

// DecActiveScenarios marks one run as no longer live.
func (m *Metrics) DecActiveScenarios() {
	if m == nil || m.scenariosActive == nil {
		return
	}
	m.scenariosActive.Dec()
}

// IncScenarioFinished counts a run reaching the given terminal status.
func (m *Metrics) IncScenarioFinished(status string) {
	if m == nil || m.scenariosFinished == nil {
		return
	}
	m.scenariosFinished.WithLabelValues(status).Inc()
}

// IncTurnAdvanced counts one turn transition.
func (m *Metrics) IncTurnAdvanced() {
	if m == nil || m.turnsAdvanced == nil {
		return
	}
	m.turnsAdvanced.Inc()
}

// AddLeasesReclaimed counts leases a janitor sweep returned to pending.
func (m *Metrics) AddLeasesReclaimed(n int) {
	if m == nil || m.leasesReclaimed == nil || n < 1 {
		return
	}
	m.leasesReclaimed.Add(float64(n))
}

// AddStaleEngines counts engines a sweep marked unhealthy.
func (m *Metrics) AddStaleEngines(n int) {
	if m == nil || m.staleEngines == nil || n < 1 {
		return
	}
	m.staleEngines.Add(float64(n))
}

// AddRowsPruned counts terminal rows a sweep deleted, by kind.
func (m *Metrics) AddRowsPruned(kind string, n int) {
	if m == nil || m.rowsPruned == nil || n < 1 {
		return
	}
	m.rowsPruned.WithLabelValues(kind).Add(float64(n))
}
