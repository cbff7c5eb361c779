package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the relay's Prometheus metrics. A nil *Collector is a no-op
// so the relay can run without metrics in tests and utilities.
type Collector struct {
	activeHubs        prometheus.Gauge
	activeSubscribers prometheus.Gauge
	published         *prometheus.CounterVec
	delivered         prometheus.Counter
	dropped           prometheus.Counter
	heartbeats        prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activeHubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerstudy_relay_active_sessions",
			Help: "Number of session hubs currently running",
		}),
		activeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerstudy_relay_active_subscribers",
			Help: "Number of live subscribers across all sessions",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peerstudy_relay_published_total",
			Help: "Messages published per kind",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstudy_relay_delivered_total",
			Help: "Events delivered to subscribers",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstudy_relay_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstudy_presence_heartbeats_total",
			Help: "Presence heartbeats received",
		}),
	}

	reg.MustRegister(c.activeHubs, c.activeSubscribers, c.published, c.delivered, c.dropped, c.heartbeats)
	return c
}

func (c *Collector) HubStarted() {
	if c != nil {
		c.activeHubs.Inc()
	}
}

func (c *Collector) HubStopped() {
	if c != nil {
		c.activeHubs.Dec()
	}
}

func (c *Collector) SubscriberAdded() {
	if c != nil {
		c.activeSubscribers.Inc()
	}
}

func (c *Collector) SubscriberRemoved() {
	if c != nil {
		c.activeSubscribers.Dec()
	}
}

func (c *Collector) Published(kind string) {
	if c != nil {
		c.published.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Delivered() {
	if c != nil {
		c.delivered.Inc()
	}
}

func (c *Collector) Dropped() {
	if c != nil {
		c.dropped.Inc()
	}
}

func (c *Collector) Heartbeat() {
	if c != nil {
		c.heartbeats.Inc()
	}
}
