// Package metrics exposes Prometheus counters for message encoding,
// reconciliation and key lifecycle events. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sealedchat"

type Metrics struct {
	registry *prometheus.Registry

	encoded          *prometheus.CounterVec
	stored           *prometheus.CounterVec
	reconciled       *prometheus.CounterVec
	lookups          *prometheus.CounterVec
	keypairsCreated  prometheus.Counter
	readMarked       prometheus.Counter
	feedNotification prometheus.Counter
}

// New creates the counters on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		encoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_encoded_total",
			Help:      "Outgoing messages by payload variant.",
		}, []string{"variant"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Messages accepted by the relay, by payload variant.",
		}, []string{"variant"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reconciled_total",
			Help:      "Messages surfaced by inbox reconciliation, by state.",
		}, []string{"state"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_lookups_total",
			Help:      "Public key lookups by result.",
		}, []string{"result"}),
		keypairsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keypairs_generated_total",
			Help:      "Key pairs generated on this device.",
		}),
		readMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_read_total",
			Help:      "Messages flipped from unread to read.",
		}),
		feedNotification: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_notifications_total",
			Help:      "Change notifications pushed to connected clients.",
		}),
	}
	m.registry.MustRegister(m.encoded, m.stored, m.reconciled, m.lookups,
		m.keypairsCreated, m.readMarked, m.feedNotification)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) MessageEncoded(variant string) {
	if m != nil {
		m.encoded.WithLabelValues(variant).Inc()
	}
}

func (m *Metrics) MessageStored(variant string) {
	if m != nil {
		m.stored.WithLabelValues(variant).Inc()
	}
}

func (m *Metrics) MessageReconciled(state string) {
	if m != nil {
		m.reconciled.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) DirectoryLookup(result string) {
	if m != nil {
		m.lookups.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) KeyPairGenerated() {
	if m != nil {
		m.keypairsCreated.Inc()
	}
}

func (m *Metrics) MarkedRead(n int64) {
	if m != nil && n > 0 {
		m.readMarked.Add(float64(n))
	}
}

func (m *Metrics) NotificationSent() {
	if m != nil {
		m.feedNotification.Inc()
	}
}
