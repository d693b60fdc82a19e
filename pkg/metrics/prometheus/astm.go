// Package prometheus provides the Prometheus implementations of the metrics
// interfaces in pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openlis/astmlink/pkg/metrics"
)

// linkMetrics is the Prometheus implementation of metrics.LinkMetrics.
type linkMetrics struct {
	connectionsActive    *prometheus.GaugeVec
	connectionsTotal     *prometheus.CounterVec
	transmissionsTotal   *prometheus.CounterVec
	transmissionBytes    *prometheus.CounterVec
	transmissionDuration *prometheus.HistogramVec
	naksTotal            *prometheus.CounterVec
	retransmissionsTotal *prometheus.CounterVec
	collisionsTotal      *prometheus.CounterVec
	linkErrorsTotal      *prometheus.CounterVec
	keepAlivesTotal      *prometheus.CounterVec
	publishesTotal       *prometheus.CounterVec
}

// NewLinkMetrics creates a Prometheus-backed LinkMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewLinkMetrics() metrics.LinkMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &linkMetrics{
		connectionsActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "astmlink_connections_active",
				Help: "Currently connected analyzers per instrument",
			},
			[]string{"instrument"},
		),
		connectionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_connections_total",
				Help: "Analyzer connections accepted per instrument",
			},
			[]string{"instrument"},
		),
		transmissionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_transmissions_total",
				Help: "Completed ASTM transmissions by direction and message type",
			},
			[]string{"instrument", "direction", "message_type"},
		),
		transmissionBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_transmission_bytes_total",
				Help: "Payload bytes moved across the link by direction",
			},
			[]string{"instrument", "direction"},
		),
		transmissionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "astmlink_transmission_duration_milliseconds",
				Help: "Wall time of one complete transmission in milliseconds",
				Buckets: []float64{
					10, // single short frame
					50,
					100,
					500,
					1000, // multi-frame result batches
					5000,
					15000, // retransmission storms
					60000,
				},
			},
			[]string{"instrument", "direction"},
		),
		naksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_naks_total",
				Help: "Negative acknowledgements by direction (sent/received)",
			},
			[]string{"instrument", "direction"},
		),
		retransmissionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_frame_retransmissions_total",
				Help: "Frames sent more than once",
			},
			[]string{"instrument"},
		),
		collisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_collisions_total",
				Help: "Outbound attempts abandoned to an inbound ENQ",
			},
			[]string{"instrument"},
		),
		linkErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_link_errors_total",
				Help: "Transitions of the link state machine into ERROR",
			},
			[]string{"instrument"},
		),
		keepAlivesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_keepalives_total",
				Help: "Keep-alive messages by direction (sent/received)",
			},
			[]string{"instrument", "direction"},
		),
		publishesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_publishes_total",
				Help: "Broker publishes of inbound messages by outcome",
			},
			[]string{"instrument", "outcome"},
		),
	}
}

func (m *linkMetrics) RecordConnectionOpened(instrument string) {
	m.connectionsActive.WithLabelValues(instrument).Inc()
	m.connectionsTotal.WithLabelValues(instrument).Inc()
}

func (m *linkMetrics) RecordConnectionClosed(instrument string) {
	m.connectionsActive.WithLabelValues(instrument).Dec()
}

func (m *linkMetrics) RecordTransmission(instrument, direction, messageType string, bytes int, duration time.Duration) {
	m.transmissionsTotal.WithLabelValues(instrument, direction, messageType).Inc()
	m.transmissionBytes.WithLabelValues(instrument, direction).Add(float64(bytes))
	m.transmissionDuration.WithLabelValues(instrument, direction).Observe(float64(duration.Milliseconds()))
}

func (m *linkMetrics) RecordNAK(instrument, direction string) {
	m.naksTotal.WithLabelValues(instrument, direction).Inc()
}

func (m *linkMetrics) RecordRetransmission(instrument string) {
	m.retransmissionsTotal.WithLabelValues(instrument).Inc()
}

func (m *linkMetrics) RecordCollision(instrument string) {
	m.collisionsTotal.WithLabelValues(instrument).Inc()
}

func (m *linkMetrics) RecordLinkError(instrument string) {
	m.linkErrorsTotal.WithLabelValues(instrument).Inc()
}

func (m *linkMetrics) RecordKeepAlive(instrument, direction string) {
	m.keepAlivesTotal.WithLabelValues(instrument, direction).Inc()
}

func (m *linkMetrics) RecordPublish(instrument, outcome string) {
	m.publishesTotal.WithLabelValues(instrument, outcome).Inc()
}

// dispatchMetrics is the Prometheus implementation of
// metrics.DispatchMetrics.
type dispatchMetrics struct {
	dispatchedTotal  *prometheus.CounterVec
	rescheduledTotal *prometheus.CounterVec
	failedTotal      *prometheus.CounterVec
	publishesTotal   *prometheus.CounterVec
}

// NewDispatchMetrics creates a Prometheus-backed DispatchMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewDispatchMetrics() metrics.DispatchMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &dispatchMetrics{
		dispatchedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_orders_dispatched_total",
				Help: "Orders handed to a connection controller",
			},
			[]string{"instrument"},
		),
		rescheduledTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_orders_rescheduled_total",
				Help: "Order attempts deferred by reason",
			},
			[]string{"instrument", "reason"},
		),
		failedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_orders_failed_total",
				Help: "Orders abandoned after exhausting the retry budget",
			},
			[]string{"instrument"},
		),
		publishesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "astmlink_publish_retries_total",
				Help: "Publish-retry scan outcomes",
			},
			[]string{"instrument", "outcome"},
		),
	}
}

func (m *dispatchMetrics) RecordOrderDispatched(instrument string) {
	m.dispatchedTotal.WithLabelValues(instrument).Inc()
}

func (m *dispatchMetrics) RecordOrderRescheduled(instrument, reason string) {
	m.rescheduledTotal.WithLabelValues(instrument, reason).Inc()
}

func (m *dispatchMetrics) RecordOrderFailed(instrument string) {
	m.failedTotal.WithLabelValues(instrument).Inc()
}

func (m *dispatchMetrics) RecordPublish(instrument, outcome string) {
	m.publishesTotal.WithLabelValues(instrument, outcome).Inc()
}
