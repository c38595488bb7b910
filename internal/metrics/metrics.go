// Package metrics exposes Prometheus collectors for the simulation
// engine's scenario runner: counts of scenarios, trials, and years
// executed, and the wall-clock time spent per trial.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus collectors behind a private
// registry, following the same registry-owning pattern the rest of the
// stack uses for its own metrics endpoint.
type Collector struct {
	registry *prometheus.Registry

	scenariosTotal   prometheus.Counter
	trialsTotal      prometheus.Counter
	yearsTotal       prometheus.Counter
	trialErrorsTotal prometheus.Counter
	trialDuration    prometheus.Histogram
}

// NewCollector creates and registers the runner's collectors against a
// fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		scenariosTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kigalisim_scenarios_total",
			Help: "Number of scenarios executed.",
		}),
		trialsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kigalisim_trials_total",
			Help: "Number of Monte Carlo trials executed across all scenarios.",
		}),
		yearsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kigalisim_years_total",
			Help: "Number of simulated years snapshotted across all trials.",
		}),
		trialErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kigalisim_trial_errors_total",
			Help: "Number of trials that aborted with an error.",
		}),
		trialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kigalisim_trial_duration_seconds",
			Help:    "Wall-clock duration of a single scenario trial.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		c.scenariosTotal,
		c.trialsTotal,
		c.yearsTotal,
		c.trialErrorsTotal,
		c.trialDuration,
	)

	return c
}

// ObserveScenario records that one scenario's trials have all run.
func (c *Collector) ObserveScenario() {
	if c == nil {
		return
	}
	c.scenariosTotal.Inc()
}

// ObserveTrial records one completed trial: the number of years it
// snapshotted and the wall time it took, plus whether it errored.
func (c *Collector) ObserveTrial(duration time.Duration, yearCount int, err error) {
	if c == nil {
		return
	}
	c.trialsTotal.Inc()
	c.yearsTotal.Add(float64(yearCount))
	c.trialDuration.Observe(duration.Seconds())
	if err != nil {
		c.trialErrorsTotal.Inc()
	}
}

// Handler returns the HTTP handler serving this collector's registry in
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry so callers can add further
// collectors (e.g. Go runtime stats) before serving it.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
