package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coughsense/coughsense-go/internal/service/jobs"
)

type metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	syncRuns    prometheus.Counter
	transitions prometheus.Counter
	reclaimed   prometheus.Counter
	syncErrors  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coughsense",
			Name:      "job_submissions_total",
			Help:      "Job submissions by outcome.",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coughsense",
			Name:      "tracker_sync_runs_total",
			Help:      "Completed tracker passes.",
		}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coughsense",
			Name:      "task_transitions_total",
			Help:      "Task state transitions applied by the tracker.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coughsense",
			Name:      "tasks_reclaimed_total",
			Help:      "Tasks whose execution unit was reclaimed.",
		}),
		syncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coughsense",
			Name:      "tracker_task_errors_total",
			Help:      "Per-task tracker failures.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions, m.syncRuns, m.transitions, m.reclaimed, m.syncErrors,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeSync(res jobs.SyncResult) {
	m.syncRuns.Inc()
	m.transitions.Add(float64(res.Transitions))
	m.reclaimed.Add(float64(res.Reclaimed))
	m.syncErrors.Add(float64(res.Errors))
}
