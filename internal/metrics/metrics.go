// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshrelay"

// Metrics is one registry's worth of relay collectors
type Metrics struct {
	registry *prometheus.Registry

	Inbound            *prometheus.CounterVec
	Replies            *prometheus.CounterVec
	Fragments          *prometheus.CounterVec
	Truncations        prometheus.Counter
	GenerationDuration *prometheus.HistogramVec
	QueueDepth         *prometheus.GaugeVec
	SessionUp          prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Inbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_messages_total",
				Help:      "Inbound text messages by outcome.",
			},
			[]string{"outcome"},
		),
		Replies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Replies queued for delivery by source.",
			},
			[]string{"source"},
		),
		Fragments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fragments_total",
				Help:      "Outbound fragments by result.",
			},
			[]string{"result"},
		),
		Truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncated_words_total",
			Help:      "Words cut because they did not fit one fragment.",
		}),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generator",
				Name:      "duration_seconds",
				Help:      "Generator call duration in seconds.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Items waiting in the inbound and outbound queues.",
			},
			[]string{"queue"},
		),
		SessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_up",
			Help:      "1 while a transport session is established.",
		}),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin and webhook HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}

	m.registry.MustRegister(
		m.Inbound, m.Replies, m.Fragments, m.Truncations,
		m.GenerationDuration, m.QueueDepth, m.SessionUp,
		m.HTTPRequests, m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InboundAccepted counts a message addressed to us
func (m *Metrics) InboundAccepted() { m.Inbound.WithLabelValues("accepted").Inc() }

// InboundIgnored counts a message addressed to another node
func (m *Metrics) InboundIgnored() { m.Inbound.WithLabelValues("ignored").Inc() }

// Reply counts a queued reply
func (m *Metrics) Reply(source string) { m.Replies.WithLabelValues(source).Inc() }

// FragmentSent counts one transmission attempt
func (m *Metrics) FragmentSent(err error) {
	if err != nil {
		m.Fragments.WithLabelValues("failed").Inc()
		return
	}
	m.Fragments.WithLabelValues("sent").Inc()
}

// FragmentsDiscarded counts fragments dropped from the queue
func (m *Metrics) FragmentsDiscarded(n int) {
	m.Fragments.WithLabelValues("discarded").Add(float64(n))
}

// Truncated counts lossy word cuts
func (m *Metrics) Truncated(n int) { m.Truncations.Add(float64(n)) }

// Generation observes one generator call
func (m *Metrics) Generation(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GenerationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Queues records current queue depths
func (m *Metrics) Queues(inbound, outbound int) {
	m.QueueDepth.WithLabelValues("inbound").Set(float64(inbound))
	m.QueueDepth.WithLabelValues("outbound").Set(float64(outbound))
}

// Session records whether the transport session is up
func (m *Metrics) Session(up bool) {
	if up {
		m.SessionUp.Set(1)
		return
	}
	m.SessionUp.Set(0)
}

// HTTPRequest observes one served request
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.HTTPRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.HTTPDuration.WithLabelValues(method, path, statusLabel).Observe(d.Seconds())
}
