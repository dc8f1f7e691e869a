package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the presence hub. All methods are
// nil-safe so components can run without metrics in tests.
type Metrics struct {
	// Drivers with an active record
	ActiveDrivers prometheus.Gauge

	// Live connections by role ("unjoined", "driver", "observer", "admin")
	Connections *prometheus.GaugeVec

	// Outbound events by kind and delivery mode ("broadcast", "unicast")
	EventsEmitted *prometheus.CounterVec

	// Sends that failed for a single connection
	DeliveryFailures prometheus.Counter

	// Events discarded by a full outbox
	OutboxDropped prometheus.Counter

	// Inbound messages refused, by reason
	RejectedMessages *prometheus.CounterVec

	// Driver records removed, by cause
	DriverRemovals *prometheus.CounterVec

	// Presence events the external sink could not publish
	SinkFailures prometheus.Counter

	// Controller command latency by operation
	CommandLatency *prometheus.HistogramVec
}

// New registers all presence metrics on the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers all presence metrics on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveDrivers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_presence_active_drivers",
			Help: "Current number of driver identities with an active position",
		}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shuttle_presence_connections",
			Help: "Current number of live connections by role",
		}, []string{"role"}),
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_presence_events_emitted_total",
			Help: "Total outbound events by kind and delivery mode",
		}, []string{"kind", "mode"}),
		DeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_presence_delivery_failures_total",
			Help: "Total sends that failed for a single connection",
		}),
		OutboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_presence_outbox_dropped_total",
			Help: "Total events dropped because a connection outbox was full",
		}),
		RejectedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_presence_rejected_messages_total",
			Help: "Total inbound messages refused by reason",
		}, []string{"reason"}),
		DriverRemovals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_presence_driver_removals_total",
			Help: "Total driver records removed by cause",
		}, []string{"cause"}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_presence_sink_failures_total",
			Help: "Total presence events the external sink failed to publish or dropped",
		}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shuttle_presence_command_duration_seconds",
			Help:    "Duration of controller commands by operation",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1},
		}, []string{"op"}),
	}
}

func (m *Metrics) SetActiveDrivers(n int) {
	if m != nil {
		m.ActiveDrivers.Set(float64(n))
	}
}

func (m *Metrics) SetConnections(role string, n int) {
	if m != nil {
		m.Connections.WithLabelValues(role).Set(float64(n))
	}
}

func (m *Metrics) IncrementEvent(kind, mode string) {
	if m != nil {
		m.EventsEmitted.WithLabelValues(kind, mode).Inc()
	}
}

func (m *Metrics) IncrementDeliveryFailures() {
	if m != nil {
		m.DeliveryFailures.Inc()
	}
}

func (m *Metrics) IncrementOutboxDropped() {
	if m != nil {
		m.OutboxDropped.Inc()
	}
}

func (m *Metrics) IncrementRejected(reason string) {
	if m != nil {
		m.RejectedMessages.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncrementDriverRemovals(cause string) {
	if m != nil {
		m.DriverRemovals.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) IncrementSinkFailures() {
	if m != nil {
		m.SinkFailures.Inc()
	}
}

func (m *Metrics) ObserveCommandLatency(op string, d time.Duration) {
	if m != nil {
		m.CommandLatency.WithLabelValues(op).Observe(d.Seconds())
	}
}
