package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics of the grid trader.
// Every method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed     prometheus.Counter
	EventLatency        prometheus.Histogram
	Fills               *prometheus.CounterVec
	Replenishments      prometheus.Counter
	BoundaryExhaustions prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	StaleAcks           prometheus.Counter
	GatewayCalls        *prometheus.CounterVec
	GatewayLatency      *prometheus.HistogramVec
	LiveOrders          prometheus.Gauge
	CircuitOpen         prometheus.Gauge
	QuoteDelta          prometheus.Gauge
	FeedConnected       prometheus.Gauge
}

// NewMetrics creates the metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_events_processed_total",
			Help: "Total number of events processed by the grid state machine",
		}),
		EventLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_event_latency_seconds",
			Help:    "Time spent handling a single state machine event",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Total number of fully filled grid orders by side",
		}, []string{"side"}),
		Replenishments: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_replenishments_total",
			Help: "Total number of replenishment intents emitted",
		}),
		BoundaryExhaustions: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_boundary_exhaustions_total",
			Help: "Fills at an outermost level with no adjacent level to replenish into",
		}),
		InvariantViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_invariant_violations_total",
			Help: "Detected grid invariant violations by rule",
		}, []string{"rule"}),
		StaleAcks: factory.NewCounter(prometheus.CounterOpts{
			Name: "grid_stale_acks_total",
			Help: "Orders that were not acknowledged within the ack timeout",
		}),
		GatewayCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_gateway_calls_total",
			Help: "Order gateway calls by operation and outcome",
		}, []string{"op", "outcome"}),
		GatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_gateway_latency_seconds",
			Help:    "Order gateway call latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		LiveOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_live_orders",
			Help: "Number of levels currently holding a live order",
		}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_gateway_circuit_open",
			Help: "1 when the order gateway circuit breaker is open",
		}),
		QuoteDelta: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_realized_spread_quote",
			Help: "Cumulative realized spread income in quote currency",
		}),
		FeedConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "grid_feed_connected",
			Help: "1 when the exchange event feed is connected",
		}),
	}
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordEvent records one processed event and its handling latency.
func (m *Metrics) RecordEvent(latency time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.Inc()
	m.EventLatency.Observe(latency.Seconds())
}

// RecordFill records a fully filled order.
func (m *Metrics) RecordFill(side string) {
	if m == nil {
		return
	}
	m.Fills.WithLabelValues(side).Inc()
}

// RecordReplenishment records an emitted replenishment intent.
func (m *Metrics) RecordReplenishment() {
	if m == nil {
		return
	}
	m.Replenishments.Inc()
}

// RecordBoundaryExhaustion records a fill with no adjacent level.
func (m *Metrics) RecordBoundaryExhaustion() {
	if m == nil {
		return
	}
	m.BoundaryExhaustions.Inc()
}

// RecordInvariantViolation records a violated grid invariant.
func (m *Metrics) RecordInvariantViolation(rule string) {
	if m == nil {
		return
	}
	m.InvariantViolations.WithLabelValues(rule).Inc()
}

// RecordStaleAck records an ack timeout.
func (m *Metrics) RecordStaleAck() {
	if m == nil {
		return
	}
	m.StaleAcks.Inc()
}

// RecordGatewayCall records one gateway attempt.
// outcome is "ok", "transient", "rejected" or "not_found".
func (m *Metrics) RecordGatewayCall(op, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.GatewayCalls.WithLabelValues(op, outcome).Inc()
	m.GatewayLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// SetLiveOrders sets the live order gauge.
func (m *Metrics) SetLiveOrders(n int) {
	if m == nil {
		return
	}
	m.LiveOrders.Set(float64(n))
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if m == nil {
		return
	}
	m.CircuitOpen.Set(boolToFloat(open))
}

// SetQuoteDelta sets the realized spread gauge.
func (m *Metrics) SetQuoteDelta(v float64) {
	if m == nil {
		return
	}
	m.QuoteDelta.Set(v)
}

// SetFeedConnected sets the feed connection gauge.
func (m *Metrics) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	m.FeedConnected.Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
