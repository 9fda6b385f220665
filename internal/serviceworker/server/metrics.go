package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the coordinator's Prometheus collectors. They are only written
// from the control goroutine.
type Metrics struct {
	jobsScheduled      *prometheus.CounterVec
	jobsCompleted      *prometheus.CounterVec
	registrations      prometheus.Gauge
	workers            prometheus.Gauge
	queuedJobs         prometheus.Gauge
	pendingContextData prometheus.Gauge
	watchdogFired      *prometheus.CounterVec
	eventsDropped      prometheus.CounterFunc
}

// dropCounter reports deliveries a broker skipped for full subscribers.
type dropCounter interface {
	Dropped() int64
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
// Events, when non-nil, is the bus whose dropped deliveries are exported.
func NewMetrics(reg prometheus.Registerer, events dropCounter) *Metrics {
	m := &Metrics{
		jobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swserver",
			Subsystem: "jobs",
			Name:      "scheduled_total",
			Help:      "Jobs scheduled by type.",
		}, []string{"type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swserver",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Jobs settled by type and outcome.",
		}, []string{"type", "outcome"}),
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swserver",
			Name:      "registrations",
			Help:      "Live registrations.",
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swserver",
			Name:      "workers",
			Help:      "Workers in the worker table.",
		}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swserver",
			Subsystem: "jobs",
			Name:      "queued",
			Help:      "Jobs waiting or running across all scopes.",
		}),
		pendingContextData: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swserver",
			Name:      "pending_context_data",
			Help:      "Worker contexts waiting for an execution host.",
		}),
		watchdogFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swserver",
			Subsystem: "watchdog",
			Name:      "fired_total",
			Help:      "Job stages that timed out, by stage.",
		}, []string{"stage"}),
	}
	if events != nil {
		m.eventsDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "swserver",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Event deliveries skipped because a subscriber fell behind.",
		}, func() float64 { return float64(events.Dropped()) })
	}
	if reg != nil {
		if m.eventsDropped != nil {
			reg.MustRegister(m.eventsDropped)
		}
		reg.MustRegister(
			m.jobsScheduled,
			m.jobsCompleted,
			m.registrations,
			m.workers,
			m.queuedJobs,
			m.pendingContextData,
			m.watchdogFired,
		)
	}
	return m
}
