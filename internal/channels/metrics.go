package channels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the adapter-side Prometheus collectors, shared by every
// adapter instance and labeled by platform. Created once at startup.
type Metrics struct {
	// MessagesReceived counts inbound messages published to the bus.
	MessagesReceived *prometheus.CounterVec

	// MessagesSent counts successful outbound deliveries.
	MessagesSent *prometheus.CounterVec

	// SendFailures counts outbound deliveries that errored.
	SendFailures *prometheus.CounterVec
}

// NewMetrics creates and registers the adapter collectors on the default
// registry. promauto panics on duplicate registration.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_channel_messages_received_total",
				Help: "Inbound messages published to the bus, by platform",
			},
			[]string{"platform"},
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_channel_messages_sent_total",
				Help: "Outbound messages delivered, by platform",
			},
			[]string{"platform"},
		),
		SendFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_channel_send_failures_total",
				Help: "Outbound deliveries that errored, by platform",
			},
			[]string{"platform"},
		),
	}
}

// The record helpers are nil-safe so adapter tests can run without a
// registered collector set.

// RecordReceived counts one inbound message.
func (m *Metrics) RecordReceived(platform string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(platform).Inc()
	}
}

// RecordSent counts one delivered outbound message.
func (m *Metrics) RecordSent(platform string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(platform).Inc()
	}
}

// RecordSendFailure counts one failed outbound delivery.
func (m *Metrics) RecordSendFailure(platform string) {
	if m != nil {
		m.SendFailures.WithLabelValues(platform).Inc()
	}
}
