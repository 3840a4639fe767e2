// Package metrics exposes worker counters and timings to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openearth"

// Metrics holds the worker collectors registered on one registry.
type Metrics struct {
	registry  *prometheus.Registry
	jobs      *prometheus.CounterVec
	commits   *prometheus.CounterVec
	provision prometheus.Histogram
}

// New registers the worker collectors plus the Go and process collectors
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processing jobs that reached a terminal outcome.",
		}, []string{"outcome"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_files_total",
			Help:      "Result files committed, by committer kind and result.",
		}, []string{"kind", "result"}),
		provision: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "environment_provision_seconds",
			Help:      "Time to clone, define and start a job environment.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
	reg.MustRegister(
		m.jobs,
		m.commits,
		m.provision,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// JobFinished counts a job outcome such as FINISHED or FAILURE.
func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// CommitFile counts one committed file.
func (m *Metrics) CommitFile(kind, result string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(kind, result).Inc()
}

// ObserveProvision records how long provisioning took.
func (m *Metrics) ObserveProvision(d time.Duration) {
	if m == nil {
		return
	}
	m.provision.Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
