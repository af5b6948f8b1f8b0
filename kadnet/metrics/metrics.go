// Package metrics provides Prometheus metrics for a kadnet node.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a node.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	HandshakesTotal   *prometheus.CounterVec

	// Routing metrics
	RoutingTableSize prometheus.Gauge
	LookupRounds     prometheus.Histogram
	LookupDuration   prometheus.Histogram

	// Message metrics
	MessagesTotal   *prometheus.CounterVec
	QueriesTotal    *prometheus.CounterVec
	BroadcastsTotal *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
}

// New registers the node metrics on reg under namespace. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of established peer connections",
		}),
		HandshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by role and result",
		}, []string{"role", "result"}),

		RoutingTableSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_table_size",
			Help:      "Number of peers in the routing table",
		}),
		LookupRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_rounds",
			Help:      "Rounds taken by iterative lookups",
			Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 15, 20},
		}),
		LookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Iterative lookup latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Control stream messages by direction and type",
		}, []string{"direction", "type"}),
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Direct requests by result",
		}, []string{"result"}),
		BroadcastsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast messages by outcome",
		}, []string{"outcome"}),
		DroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Items dropped because a bounded queue was full",
		}, []string{"queue"}),
	}
}

func (m *Metrics) Handshake(role, result string) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues(role, result).Inc()
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

func (m *Metrics) SetTableSize(n int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Set(float64(n))
}

func (m *Metrics) Lookup(rounds int, took time.Duration) {
	if m == nil {
		return
	}
	m.LookupRounds.Observe(float64(rounds))
	m.LookupDuration.Observe(took.Seconds())
}

func (m *Metrics) Message(direction, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) Query(result string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Broadcast(outcome string) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(queue).Inc()
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
