// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/events"
)

// Collector turns the event stream into counters, gauges and histograms.
type Collector struct {
	Events          *prometheus.CounterVec
	Failures        *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	Attempts        *prometheus.HistogramVec
	ActivePipelines prometheus.Gauge
	NeedsOperator   prometheus.Gauge

	mu      sync.Mutex
	started map[string]events.Event
	active  map[string]struct{}
	halted  map[string]struct{}
}

// NewCollector builds unregistered metrics under namespace.
func NewCollector(namespace string) *Collector {
	return &Collector{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Engine events by type and phase",
			},
			[]string{"type", "phase"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_failures_total",
				Help:      "Failed phase attempts by classification and recovery action",
			},
			[]string{"phase", "classification", "action"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of successful phase attempts",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"phase"},
		),
		Attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_attempts",
				Help:      "Attempts used by completed phases",
				Buckets:   prometheus.LinearBuckets(1, 1, 5),
			},
			[]string{"phase"},
		),
		ActivePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Pipelines started and not yet completed or failed",
			},
		),
		NeedsOperator: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phases_awaiting_operator",
				Help:      "Failed phases waiting for an operator retry or skip",
			},
		),
		started: make(map[string]events.Event),
		active:  make(map[string]struct{}),
		halted:  make(map[string]struct{}),
	}
}

// Register adds every metric to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, m := range []prometheus.Collector{
		c.Events, c.Failures, c.PhaseDuration, c.Attempts, c.ActivePipelines, c.NeedsOperator,
	} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the collector to sink.
func (c *Collector) Attach(sink *events.Sink) events.Subscription {
	return sink.SubscribeFunc(c.Observe)
}

// Observe records one event.
func (c *Collector) Observe(e events.Event) {
	c.Events.WithLabelValues(string(e.Type), e.PhaseID).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	key := e.CaseID + "/" + e.PhaseID
	switch e.Type {
	case events.PipelineStarted:
		c.active[e.CaseID] = struct{}{}
	case events.PhaseStarted:
		c.started[key] = e
		c.clearHalt(key)
		c.active[e.CaseID] = struct{}{}
	case events.PhaseCompleted:
		if s, ok := c.started[key]; ok {
			c.PhaseDuration.WithLabelValues(e.PhaseID).Observe(e.Timestamp.Sub(s.Timestamp).Seconds())
			delete(c.started, key)
		}
		c.Attempts.WithLabelValues(e.PhaseID).Observe(float64(e.Attempt))
	case events.PhaseFailed:
		c.Failures.WithLabelValues(e.PhaseID, e.Classification, e.Action).Inc()
		delete(c.started, key)
		if e.NeedsOperator {
			c.halted[key] = struct{}{}
		}
		if e.PipelineStatus == phase.PipelineFailed {
			delete(c.active, e.CaseID)
		}
	case events.PhaseSkipped:
		delete(c.started, key)
		c.clearHalt(key)
		c.active[e.CaseID] = struct{}{}
	case events.PipelineCompleted:
		delete(c.active, e.CaseID)
	}
	c.ActivePipelines.Set(float64(len(c.active)))
	c.NeedsOperator.Set(float64(len(c.halted)))
}

func (c *Collector) clearHalt(key string) {
	delete(c.halted, key)
}

// Handler serves g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
