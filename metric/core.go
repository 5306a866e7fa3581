package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the relay core metrics.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	FramesSent         *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	SendRetries        *prometheus.CounterVec
	RelayForwards      *prometheus.CounterVec
	WindowQueries      *prometheus.CounterVec
	ActiveStreams      prometheus.Gauge
	SendLatency        prometheus.Histogram

	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
}

// NewMetrics creates an unregistered Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "session",
				Name:      "transitions_total",
				Help:      "Session state transitions sent, by target state",
			},
			[]string{"state"},
		),

		FramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "frames",
				Name:      "sent_total",
				Help:      "Frames acknowledged by the broker, by kind",
			},
			[]string{"kind"},
		),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "frames",
				Name:      "received_total",
				Help:      "Frames delivered to stream inputs, by kind",
			},
			[]string{"kind"},
		),

		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "frames",
				Name:      "send_failures_total",
				Help:      "Frames that failed after retries, by kind",
			},
			[]string{"kind"},
		),

		SendRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "frames",
				Name:      "send_retries_total",
				Help:      "Frame send attempts repeated after a transient failure, by kind",
			},
			[]string{"kind"},
		),

		RelayForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "relay",
				Name:      "forwards_total",
				Help:      "Batches forwarded by relays, by output feed",
			},
			[]string{"feed"},
		),

		WindowQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "window",
				Name:      "queries_total",
				Help:      "Complete-window queries, by result",
			},
			[]string{"result"},
		),

		ActiveStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetryrelay",
				Subsystem: "pipeline",
				Name:      "active_streams",
				Help:      "Streams with a live handler context",
			},
		),

		SendLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "telemetryrelay",
				Subsystem: "frames",
				Name:      "send_duration_seconds",
				Help:      "Time from enqueue to broker acknowledgement",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetryrelay",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "telemetryrelay",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SessionTransitions,
		m.FramesSent,
		m.FramesReceived,
		m.SendFailures,
		m.SendRetries,
		m.RelayForwards,
		m.WindowQueries,
		m.ActiveStreams,
		m.SendLatency,
		m.BrokerConnected,
		m.BrokerReconnects,
	}
}

// RecordSessionTransition counts a session control message for state
func (m *Metrics) RecordSessionTransition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// RecordFrameSent counts an acknowledged frame and its latency
func (m *Metrics) RecordFrameSent(kind string, latency time.Duration) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
	m.SendLatency.Observe(latency.Seconds())
}

// RecordFrameReceived counts a delivered frame
func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordSendFailure counts a frame that could not be sent
func (m *Metrics) RecordSendFailure(kind string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(kind).Inc()
}

// RecordSendRetry counts a repeated send attempt
func (m *Metrics) RecordSendRetry(kind string) {
	if m == nil {
		return
	}
	m.SendRetries.WithLabelValues(kind).Inc()
}

// RecordRelayForward counts a batch forwarded into feed
func (m *Metrics) RecordRelayForward(feed string) {
	if m == nil {
		return
	}
	m.RelayForwards.WithLabelValues(feed).Inc()
}

// RecordWindowQuery counts a window query outcome
func (m *Metrics) RecordWindowQuery(result string) {
	if m == nil {
		return
	}
	m.WindowQueries.WithLabelValues(result).Inc()
}

// StreamStarted increments the active stream gauge
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamFinished decrements the active stream gauge
func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordBrokerStatus updates the broker connection gauge
func (m *Metrics) RecordBrokerStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (m *Metrics) RecordBrokerReconnect() {
	if m == nil {
		return
	}
	m.BrokerReconnects.Inc()
}
