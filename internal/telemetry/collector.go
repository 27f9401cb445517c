// Package telemetry exposes the host's Prometheus metrics surface: a single
// Collector that registers every metric family against a shared registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks tool-call outcomes, provider lifecycle state, and
// hot-reload durations for one toolmeshd process.
type Collector struct {
	registry *prometheus.Registry

	toolCalls       *prometheus.CounterVec
	toolCallLatency *prometheus.HistogramVec
	providerState   *prometheus.GaugeVec
	reloadDuration  *prometheus.HistogramVec
	providersTotal  prometheus.Gauge
}

// providerStateValue maps a providermgr.State to the numeric value exposed
// by the providerState gauge, since Prometheus gauges carry one float per
// label set rather than a string.
var providerStateValue = map[string]float64{
	"Idle":      0,
	"Starting":  1,
	"Running":   2,
	"Reloading": 3,
	"Stopped":   4,
}

// NewCollector creates a Collector and registers its metric families. If
// registry is nil, a fresh prometheus.Registry is used.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolmesh",
			Name:      "tool_calls_total",
			Help:      "Total number of callTool invocations, by tool, provider, and outcome.",
		}, []string{"tool", "provider", "outcome"}),
		toolCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolmesh",
			Name:      "tool_call_duration_seconds",
			Help:      "callTool round-trip latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool", "provider"}),
		providerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "toolmesh",
			Name:      "provider_state",
			Help:      "Current lifecycle state of a provider (0=Idle,1=Starting,2=Running,3=Reloading,4=Stopped).",
		}, []string{"provider"}),
		reloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolmesh",
			Name:      "provider_reload_duration_seconds",
			Help:      "Time from Reload() being called to the new child registering.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		providersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "toolmesh",
			Name:      "providers_installed",
			Help:      "Number of providers currently known to the Provider Manager.",
		}),
	}

	registry.MustRegister(c.toolCalls, c.toolCallLatency, c.providerState, c.reloadDuration, c.providersTotal)
	return c
}

// RecordToolCall records one callTool outcome and its latency.
func (c *Collector) RecordToolCall(tool, provider, outcome string, d time.Duration) {
	c.toolCalls.WithLabelValues(tool, provider, outcome).Inc()
	c.toolCallLatency.WithLabelValues(tool, provider).Observe(d.Seconds())
}

// SetProviderState records a provider's current lifecycle state. Unknown
// state strings are ignored rather than panicking, since this is fed by
// event data from the Provider Manager, not a compile-time enum here.
func (c *Collector) SetProviderState(provider, state string) {
	v, ok := providerStateValue[state]
	if !ok {
		return
	}
	c.providerState.WithLabelValues(provider).Set(v)
}

// RecordReload records how long a Reload() call took from start to the new
// child's registration (or failure).
func (c *Collector) RecordReload(provider string, d time.Duration) {
	c.reloadDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SetProvidersInstalled records the number of providers currently known to
// the Provider Manager, builtin and external combined.
func (c *Collector) SetProvidersInstalled(n int) {
	c.providersTotal.Set(float64(n))
}

// Registry returns the Prometheus registry backing this collector, for
// mounting a /metrics handler via promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
