package nodemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "noded"
	subsystem = "node"
)

// Label names for node metrics.
const (
	labelEventCode = "code"
	labelReason    = "reason"
)

// Drop reason label values.
const (
	// DropPoolEmpty counts datagrams dropped because the packet buffer
	// pool was exhausted.
	DropPoolEmpty = "pool_empty"

	// DropQueueFull counts datagrams dropped because the inbound queue
	// was full.
	DropQueueFull = "queue_full"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Node Service Metrics
// -------------------------------------------------------------------------

// Collector holds all node service Prometheus metrics. It implements the
// service MetricsReporter interface.
type Collector struct {
	// Networks tracks the number of joined networks with a live tap.
	Networks prometheus.Gauge

	// Peers tracks the peer count last observed in an engine snapshot.
	Peers prometheus.Gauge

	// PacketsReceived counts datagrams handed to the engine.
	PacketsReceived prometheus.Counter

	// PacketsSent counts datagrams transmitted for the engine.
	PacketsSent prometheus.Counter

	// PacketsDropped counts inbound datagrams dropped, labeled by reason.
	PacketsDropped *prometheus.CounterVec

	// EventsEmitted counts events enqueued for the external consumer,
	// labeled by event code name.
	EventsEmitted *prometheus.CounterVec

	// BindRefreshes counts binder reconciliation passes.
	BindRefreshes prometheus.Counter
}

// NewCollector creates a Collector with all node metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Networks,
		c.Peers,
		c.PacketsReceived,
		c.PacketsSent,
		c.PacketsDropped,
		c.EventsEmitted,
		c.BindRefreshes,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		Networks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "networks",
			Help:      "Number of joined networks with a live tap.",
		}),

		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Peer count in the most recent engine snapshot.",
		}),

		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total datagrams handed to the overlay engine.",
		}),

		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total datagrams transmitted for the overlay engine.",
		}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total inbound datagrams dropped before reaching the engine.",
		}, []string{labelReason}),

		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_emitted_total",
			Help:      "Total events enqueued for the external consumer.",
		}, []string{labelEventCode}),

		BindRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bind_refreshes_total",
			Help:      "Total binder reconciliation passes.",
		}),
	}
}

// -------------------------------------------------------------------------
// MetricsReporter implementation
// -------------------------------------------------------------------------

// PacketReceived increments the receive counter.
func (c *Collector) PacketReceived() {
	c.PacketsReceived.Inc()
}

// PacketSent increments the send counter.
func (c *Collector) PacketSent() {
	c.PacketsSent.Inc()
}

// PacketDropped increments the drop counter for a reason.
func (c *Collector) PacketDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// BindRefresh increments the bind refresh counter.
func (c *Collector) BindRefresh() {
	c.BindRefreshes.Inc()
}

// NetworkUp increments the joined-network gauge.
func (c *Collector) NetworkUp() {
	c.Networks.Inc()
}

// NetworkDown decrements the joined-network gauge.
func (c *Collector) NetworkDown() {
	c.Networks.Dec()
}

// EventEmitted increments the event counter for a code.
func (c *Collector) EventEmitted(code string) {
	c.EventsEmitted.WithLabelValues(code).Inc()
}

// PeersObserved sets the peer gauge from the latest snapshot.
func (c *Collector) PeersObserved(count int) {
	c.Peers.Set(float64(count))
}
