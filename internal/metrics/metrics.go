// Package metrics holds the Prometheus collectors for convq.
//
// Every collector is registered on a private prometheus.Registry rather than
// the global default, so tests can build as many registries as they like and
// the /metrics output contains only convq families (plus Go runtime stats).
//
// A nil *Registry is valid everywhere it is accepted; components check for nil
// before recording.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convq"

// Result label values for StateSaves / StateLoads.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultNotFound = "not_found"
	ResultCorrupt  = "corrupt"
)

// Registry holds all convq application metrics.
type Registry struct {
	reg *prometheus.Registry

	ConversionsAdded     prometheus.Counter
	ConversionsConfirmed prometheus.Counter
	ConversionsRemoved   prometheus.Counter
	QueueDepth           prometheus.Gauge

	StateSaves *prometheus.CounterVec // label: result
	StateLoads *prometheus.CounterVec // label: result

	TimerScheduleFailures prometheus.Counter
	StaleTimers           prometheus.Counter

	HistoryPruned  prometheus.Counter
	EventsIngested *prometheus.CounterVec // label: type
	EventsRejected prometheus.Counter
}

// New builds a Registry with every collector registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ConversionsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_added_total",
			Help:      "Conversions added to the pending queue",
		}),
		ConversionsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_confirmed_total",
			Help:      "Conversions confirmed when their timer fired",
		}),
		ConversionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_removed_total",
			Help:      "Entries removed from the pending queue",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries currently pending in the conversion queue",
		}),
		StateSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_saves_total",
			Help:      "Snapshot saves by result",
		}, []string{"result"}),
		StateLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_loads_total",
			Help:      "Snapshot loads by result",
		}, []string{"result"}),
		TimerScheduleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timer_schedule_failures_total",
			Help:      "Times the timer service refused to arm a wake-up",
		}),
		StaleTimers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_timers_total",
			Help:      "Timer callbacks ignored because their handle was no longer current",
		}),
		HistoryPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_pruned_total",
			Help:      "Conversion history records removed by retention pruning",
		}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Ingested events by type",
		}, []string{"type"}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Ingested lines dropped as malformed",
		}),
	}

	r.reg.MustRegister(
		r.ConversionsAdded,
		r.ConversionsConfirmed,
		r.ConversionsRemoved,
		r.QueueDepth,
		r.StateSaves,
		r.StateLoads,
		r.TimerScheduleFailures,
		r.StaleTimers,
		r.HistoryPruned,
		r.EventsIngested,
		r.EventsRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns an http.Handler that renders all metrics in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
