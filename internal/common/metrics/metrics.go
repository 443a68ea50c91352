package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	reg *prometheus.Registry

	ActiveTrips prometheus.Gauge
	Subscribers prometheus.Gauge
	Connections prometheus.Gauge

	SamplesAccepted prometheus.Counter
	SamplesRejected *prometheus.CounterVec // reason label
	EventsBroadcast *prometheus.CounterVec // kind label
	SlowSubscribers prometheus.Counter
	GateFailures    *prometheus.CounterVec // reason label
	RelayDropped    *prometheus.CounterVec // sink label
	RelayPublished  *prometheus.CounterVec // sink label

	IngestDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_active_trip_channels",
			Help: "Number of live trip channels.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_trip_subscribers",
			Help: "Subscriptions across all trip channels.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracking_ws_connections",
			Help: "Authenticated websocket connections.",
		}),
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_samples_accepted_total",
			Help: "GPS samples accepted by speed trackers.",
		}),
		SamplesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_samples_rejected_total",
			Help: "GPS samples dropped, by reason.",
		}, []string{"reason"}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_events_broadcast_total",
			Help: "Events fanned out to trip subscribers, by kind.",
		}, []string{"kind"}),
		SlowSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracking_slow_subscribers_dropped_total",
			Help: "Subscribers removed from fan-out because their buffer was full.",
		}),
		GateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_gate_failures_total",
			Help: "Refused connection attempts, by reason.",
		}, []string{"reason"}),
		RelayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_relay_dropped_total",
			Help: "Events not mirrored to a broker, by sink.",
		}, []string{"sink"}),
		RelayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracking_relay_published_total",
			Help: "Events mirrored to a broker, by sink.",
		}, []string{"sink"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracking_ingest_duration_seconds",
			Help:    "Time to process one position update inside its trip channel.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.ActiveTrips, c.Subscribers, c.Connections,
		c.SamplesAccepted, c.SamplesRejected, c.EventsBroadcast,
		c.SlowSubscribers, c.GateFailures, c.RelayDropped, c.RelayPublished,
		c.IngestDuration,
	)
	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// The methods below let packages depend on small interfaces and accept a nil
// *Collector.

func (c *Collector) TripOpened() {
	if c != nil {
		c.ActiveTrips.Inc()
	}
}

func (c *Collector) TripReleased() {
	if c != nil {
		c.ActiveTrips.Dec()
	}
}

func (c *Collector) SubscriberAdded() {
	if c != nil {
		c.Subscribers.Inc()
	}
}

func (c *Collector) SubscriberRemoved() {
	if c != nil {
		c.Subscribers.Dec()
	}
}

func (c *Collector) SampleAccepted() {
	if c != nil {
		c.SamplesAccepted.Inc()
	}
}

func (c *Collector) SampleRejected(reason string) {
	if c != nil {
		c.SamplesRejected.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) EventBroadcast(kind string) {
	if c != nil {
		c.EventsBroadcast.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) SlowSubscriberDropped() {
	if c != nil {
		c.SlowSubscribers.Inc()
	}
}

func (c *Collector) IngestObserve(d time.Duration) {
	if c != nil {
		c.IngestDuration.Observe(d.Seconds())
	}
}

func (c *Collector) GateFailed(reason string) {
	if c != nil {
		c.GateFailures.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.Connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.Connections.Dec()
	}
}

func (c *Collector) RelayDrop(sink string) {
	if c != nil {
		c.RelayDropped.WithLabelValues(sink).Inc()
	}
}

func (c *Collector) RelayPublish(sink string) {
	if c != nil {
		c.RelayPublished.WithLabelValues(sink).Inc()
	}
}
