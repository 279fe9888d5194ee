package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the relay's prometheus instruments.
type Collector struct {
	connectionsActive    prometheus.Gauge
	connectionsTotal     prometheus.Counter
	sessionsActive       prometheus.Gauge
	messagesTotal        *prometheus.CounterVec
	forwardsDroppedTotal prometheus.Counter
	errorRepliesTotal    prometheus.Counter
	connectionDuration   prometheus.Histogram
}

// NewCollector registers the relay metrics on the given registerer.
// Pass prometheus.DefaultRegisterer outside of tests.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenshare_relay_connections_active",
			Help: "Number of currently connected signaling clients",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenshare_relay_connections_total",
			Help: "Total number of signaling connections accepted",
		}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screenshare_relay_sessions_active",
			Help: "Number of active sessions in the registry",
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screenshare_relay_messages_total",
			Help: "Signaling messages processed, by message type",
		}, []string{"type"}),
		forwardsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenshare_relay_forwards_dropped_total",
			Help: "Signal forwards dropped because the target was not connected",
		}),
		errorRepliesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "screenshare_relay_error_replies_total",
			Help: "Error replies sent to clients",
		}),
		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screenshare_relay_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

func (c *Collector) ConnectionClosed(lifetime time.Duration) {
	c.connectionsActive.Dec()
	c.connectionDuration.Observe(lifetime.Seconds())
}

func (c *Collector) MessageProcessed(msgType string) {
	c.messagesTotal.WithLabelValues(msgType).Inc()
}

func (c *Collector) ForwardDropped() {
	c.forwardsDroppedTotal.Inc()
}

func (c *Collector) ErrorReply() {
	c.errorRepliesTotal.Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	c.sessionsActive.Set(float64(n))
}
