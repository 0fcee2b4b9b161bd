// Package metrics exports Prometheus instrumentation for AppleMIDI
// sessions and streams. It has no dependency on pkg/session or pkg/stream;
// the dependency runs the other way: pkg/session takes an optional
// *Collector in its Config and reports its own lifecycle, traffic and
// clock-sync samples here.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures a Collector. Grounded on the teacher's
// MetricsConfig/DefaultMetricsConfig (pkg/dialog/metrics.go).
type Config struct {
	// Enabled gates every Collector method to a no-op when false, so
	// instrumentation can be compiled in but left dormant without callers
	// checking a flag themselves.
	Enabled bool
	// Namespace and Subsystem prefix every exported metric name, following
	// promauto's convention (the teacher uses "sip"/"dialog"; this package
	// defaults to "applemidi"/"session").
	Namespace string
	Subsystem string
}

// DefaultConfig returns the Config NewCollector uses when passed nil.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Namespace: "applemidi", Subsystem: "session"}
}

// Collector holds every Prometheus metric this module reports. All methods
// are safe for concurrent use (the underlying prometheus types already are).
type Collector struct {
	enabled bool

	sessionsActive prometheus.Gauge
	streamsActive  prometheus.Gauge

	packetsSent        *prometheus.CounterVec
	packetsReceived    *prometheus.CounterVec
	bytesSent          *prometheus.CounterVec
	bytesReceived      *prometheus.CounterVec
	lostSequenceNumber *prometheus.GaugeVec

	syncLatency prometheus.Histogram
	clockOffset prometheus.Histogram
}

// NewCollector registers every metric with the default Prometheus registry
// and returns a ready Collector. Passing a nil config is equivalent to
// DefaultConfig().
func NewCollector(config *Config) *Collector {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Collector{enabled: false}
	}

	ns, sub := config.Namespace, config.Subsystem
	return &Collector{
		enabled: true,

		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_active",
			Help: "Number of currently running AppleMIDI sessions.",
		}),
		streamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "streams_active",
			Help: "Number of currently connected AppleMIDI streams across all sessions.",
		}),
		packetsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "packets_sent_total",
			Help: "Total RTP-MIDI and control packets sent, by session.",
		}, []string{"session"}),
		packetsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "packets_received_total",
			Help: "Total RTP-MIDI and control packets received, by session.",
		}, []string{"session"}),
		bytesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "bytes_sent_total",
			Help: "Total bytes sent on the wire, by session.",
		}, []string{"session"}),
		bytesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "bytes_received_total",
			Help: "Total bytes received on the wire, by session.",
		}, []string{"session"}),
		lostSequenceNumber: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "stream_lost_sequence_numbers",
			Help: "Sequence numbers currently outstanding on a stream's receiver-feedback report.",
		}, []string{"session", "stream"}),
		syncLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "clock_sync_latency_seconds",
			Help:    "Measured round-trip latency from a completed clock-sync exchange.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		clockOffset: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "clock_sync_offset_seconds",
			Help:    "Measured clock offset (timeDifference) from a completed clock-sync exchange.",
			Buckets: []float64{-1, -0.1, -0.01, -0.001, 0, 0.001, 0.01, 0.1, 1},
		}),
	}
}

// SessionStarted and SessionEnded track sessionsActive.
func (c *Collector) SessionStarted() {
	if !c.enabled {
		return
	}
	c.sessionsActive.Inc()
}

func (c *Collector) SessionEnded() {
	if !c.enabled {
		return
	}
	c.sessionsActive.Dec()
}

// StreamConnected and StreamDisconnected track streamsActive.
func (c *Collector) StreamConnected() {
	if !c.enabled {
		return
	}
	c.streamsActive.Inc()
}

func (c *Collector) StreamDisconnected() {
	if !c.enabled {
		return
	}
	c.streamsActive.Dec()
}

// PacketSent and PacketReceived record one packet (and its wire size) for
// sessionID.
func (c *Collector) PacketSent(sessionID string, bytes int) {
	if !c.enabled {
		return
	}
	c.packetsSent.WithLabelValues(sessionID).Inc()
	c.bytesSent.WithLabelValues(sessionID).Add(float64(bytes))
}

func (c *Collector) PacketReceived(sessionID string, bytes int) {
	if !c.enabled {
		return
	}
	c.packetsReceived.WithLabelValues(sessionID).Inc()
	c.bytesReceived.WithLabelValues(sessionID).Add(float64(bytes))
}

// SetLostSequenceCount reports how many sequence numbers streamID currently
// has outstanding since its last receiver-feedback report.
func (c *Collector) SetLostSequenceCount(sessionID, streamID string, count int) {
	if !c.enabled {
		return
	}
	c.lostSequenceNumber.WithLabelValues(sessionID, streamID).Set(float64(count))
}

// ObserveClockSync records one completed clock-sync sample: latency and
// timeDifference, both already in ticks, converted to seconds at the
// caller-supplied rate (pkg/clock.Rate).
func (c *Collector) ObserveClockSync(latencyTicks, offsetTicks int64, rate float64) {
	if !c.enabled {
		return
	}
	c.syncLatency.Observe(float64(latencyTicks) / rate)
	c.clockOffset.Observe(float64(offsetTicks) / rate)
}

// ObserveDuration is a small helper for timing a block:
//
//	defer metrics.ObserveDuration(hist, time.Now())
func ObserveDuration(hist prometheus.Histogram, start time.Time) {
	hist.Observe(time.Since(start).Seconds())
}
