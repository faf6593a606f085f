// Package metrics counts step and repository outcomes for a run and writes
// them in the Prometheus text format, for node_exporter's textfile collector
// or any other scraper that reads files.
package metrics

import (
	"context"
	"fmt"

	"github.com/lucasnoah/batchpatch/internal/engine"
	"github.com/lucasnoah/batchpatch/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder observes the engine and the driver. It uses its own registry so
// that nothing process-global leaks into the output file.
type Recorder struct {
	registry *prometheus.Registry
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	repos    *prometheus.CounterVec
}

// New builds a Recorder with its metrics registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchpatch_steps_total",
				Help: "Recorded step outcomes by step and status.",
			},
			[]string{"step", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchpatch_step_duration_seconds",
				Help:    "Wall time of recorded steps.",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"step"},
		),
		repos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchpatch_repositories_total",
				Help: "Repositories processed by final status.",
			},
			[]string{"status"},
		),
	}
	r.registry.MustRegister(r.steps, r.duration, r.repos)
	return r
}

// StepFinished implements engine.Observer.
func (r *Recorder) StepFinished(_ context.Context, ev pipeline.StepEvent) {
	r.steps.WithLabelValues(string(ev.Step), string(ev.Outcome.Status)).Inc()
	r.duration.WithLabelValues(string(ev.Step)).Observe(ev.Duration.Seconds())
}

// RepoFinished implements orchestrator.RepoObserver.
func (r *Recorder) RepoFinished(_ context.Context, res engine.RepoResult) {
	r.repos.WithLabelValues(string(res.Status)).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteFile writes every metric to path atomically.
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
