// Package metrics exposes the retained store and dispatch counters on a private prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zmqx"

// drop reasons
const (
	ReasonQueueFull     = "queue_full"
	ReasonReplayTimeout = "replay_timeout"
	ReasonSessionClosed = "session_closed"
)

type Metrics struct {
	registry *prometheus.Registry

	RetainedPublished prometheus.Counter
	RetainedRemoved   prometheus.Counter
	RetainedDelivered prometheus.Counter
	RetainedMessages  prometheus.GaugeFunc
	MessagesDropped   *prometheus.CounterVec
	Subscriptions     prometheus.Counter
	Sessions          prometheus.Gauge
	ReplaySeconds     prometheus.Histogram
}

// New registers the collectors. retained reports the current number of retained messages.
func New(retained func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RetainedPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retained_published_total",
			Help:      "Retained messages stored or replaced.",
		}),
		RetainedRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retained_removed_total",
			Help:      "Retained messages removed by an empty payload.",
		}),
		RetainedDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retained_delivered_total",
			Help:      "Retained messages handed to subscriber sinks.",
		}),
		RetainedMessages: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retained_messages",
			Help:      "Retained messages currently stored.",
		}, func() float64 { return float64(retained()) }),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages not delivered to a session.",
		}, []string{"reason"}),
		Subscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Accepted subscriptions.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Connected sessions.",
		}),
		ReplaySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retained_replay_seconds",
			Help:      "Time from subscribe to the last retained message queued.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.RetainedPublished,
		m.RetainedRemoved,
		m.RetainedDelivered,
		m.RetainedMessages,
		m.MessagesDropped,
		m.Subscriptions,
		m.Sessions,
		m.ReplaySeconds,
	)
	return m
}

func (m *Metrics) Dropped(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveReplay(start time.Time) {
	m.ReplaySeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
