// Package metrics holds the Prometheus collectors for the chat daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the daemon's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	admissions    *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	quota         *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

// New creates a Metrics with its collectors registered, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "response_cycles_total",
			Help:      "Response cycles by result (ok, failed, busy).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatterbox",
			Name:      "response_cycle_seconds",
			Help:      "Wall time of completed response cycles, pacing included.",
			Buckets:   []float64{1, 2, 4, 8, 15, 30, 60, 120},
		}),
		quota: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "quota_checks_total",
			Help:      "Usage ledger decisions (allowed, denied).",
		}, []string{"decision"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatterbox",
			Name:      "commands_total",
			Help:      "Slash command invocations by name.",
		}, []string{"command"}),
	}
	m.registry.MustRegister(
		m.admissions, m.cycles, m.cycleDuration, m.quota, m.commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Admission(outcome, reason string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome, reason).Inc()
}

// Cycle records one response cycle. Busy cycles carry no duration.
func (m *Metrics) Cycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if result != "busy" {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Quota(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.quota.WithLabelValues(decision).Inc()
}

func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name).Inc()
}
