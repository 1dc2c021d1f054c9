// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funnel_relay"

// Collector owns a private registry and the relay's metric vectors.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	InboundEvents      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	Intents            *prometheus.CounterVec
	Sends              *prometheus.CounterVec
	BurstLength        prometheus.Histogram
	MediaUploads       *prometheus.CounterVec
}

// New creates a Collector with its own Prometheus registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound webhook messages by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time to process one inbound event, pacing included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		Intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Classified intents.",
		}, []string{"intent"}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound sends by kind and status.",
		}, []string{"kind", "status"}),
		BurstLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "steps_per_event",
			Help:      "Funnel steps executed for one inbound event.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		MediaUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_uploads_total",
			Help:      "Media uploads to the provider by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.InboundEvents,
		c.ProcessingDuration,
		c.Intents,
		c.Sends,
		c.BurstLength,
		c.MediaUploads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveEvent records one processed inbound event.
func (c *Collector) ObserveEvent(kind, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.InboundEvents.WithLabelValues(kind, outcome).Inc()
	c.ProcessingDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveIntent records one classification.
func (c *Collector) ObserveIntent(intent string) {
	if c == nil {
		return
	}
	c.Intents.WithLabelValues(intent).Inc()
}

// ObserveSend records one outbound send.
func (c *Collector) ObserveSend(kind, status string) {
	if c == nil {
		return
	}
	c.Sends.WithLabelValues(kind, status).Inc()
}

// ObserveSteps records how many steps one event executed.
func (c *Collector) ObserveSteps(n int) {
	if c == nil {
		return
	}
	c.BurstLength.Observe(float64(n))
}

// ObserveUpload records one provider media upload.
func (c *Collector) ObserveUpload(status string) {
	if c == nil {
		return
	}
	c.MediaUploads.WithLabelValues(status).Inc()
}
