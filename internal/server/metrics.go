package server

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"krine/internal/txlife"
)

// Metrics is the daemon's prometheus registry. Its hook methods are passed to
// the tracker, the projection and the read guard.
type Metrics struct {
	registry         *prometheus.Registry
	txOpsTotal       *prometheus.CounterVec
	readFailures     *prometheus.CounterVec
	projectionEvents *prometheus.CounterVec
	projectionHead   prometheus.Gauge
	httpWritesTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krine_tx_ops_total",
		Help: "Transaction lifecycle transitions by kind and state",
	}, []string{"kind", "state"})

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krine_read_failures_total",
		Help: "Contract reads that failed for reasons other than a revert",
	}, []string{"op"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krine_projection_events_total",
		Help: "Negotiation events applied by the projection",
	}, []string{"event"})

	head := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "krine_projection_head_block",
		Help: "Highest block seen by the projection",
	})

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "krine_http_writes_total",
		Help: "Write requests by route and response status",
	}, []string{"route", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, reads, events, head, writes)

	return &Metrics{
		registry:         r,
		txOpsTotal:       ops,
		readFailures:     reads,
		projectionEvents: events,
		projectionHead:   head,
		httpWritesTotal:  writes,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOp counts one lifecycle transition.
func (m *Metrics) ObserveOp(op txlife.Op) {
	m.txOpsTotal.WithLabelValues(op.Kind, string(op.State)).Inc()
}

func (m *Metrics) ReadFailure(op string) {
	m.readFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ProjectionEvent(event string) {
	m.projectionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ProjectionHead(head uint64) {
	m.projectionHead.Set(float64(head))
}

func (m *Metrics) incWrite(route string, status int) {
	m.httpWritesTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}
