// Package metrics instruments the relay and keeps the CSV delivery log.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesTotal counts inbound envelopes by discriminant.
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_envelopes_total",
			Help: "Total number of envelopes received on the duplex channel",
		},
		[]string{"type"},
	)

	// ForwardsTotal counts envelopes forwarded to a bound connection.
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_forwards_total",
			Help: "Total number of envelopes forwarded to a recipient",
		},
		[]string{"type"},
	)

	// DropsTotal counts routing misses and discards by reason.
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailrelay_drops_total",
			Help: "Total number of envelopes dropped instead of forwarded",
		},
		[]string{"type", "reason"},
	)

	// ConnectionsBound tracks currently bound duplex connections.
	ConnectionsBound = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailrelay_connections_bound",
			Help: "Number of node identities currently bound to a connection",
		},
	)

	// RegistrationsTotal counts directory registrations.
	RegistrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailrelay_registrations_total",
			Help: "Total number of node registrations",
		},
	)
)

// RecordEnvelope records one inbound envelope.
func RecordEnvelope(envelopeType string) {
	EnvelopesTotal.WithLabelValues(envelopeType).Inc()
}

// RecordForward records a successful forward.
func RecordForward(envelopeType string) {
	ForwardsTotal.WithLabelValues(envelopeType).Inc()
}

// RecordDrop records a dropped envelope with its reason.
func RecordDrop(envelopeType, reason string) {
	DropsTotal.WithLabelValues(envelopeType, reason).Inc()
}

// RecordRegistration records one directory registration.
func RecordRegistration() {
	RegistrationsTotal.Inc()
}

// BindConnection records a new connection binding.
func BindConnection() {
	ConnectionsBound.Inc()
}

// UnbindConnection records a removed connection binding.
func UnbindConnection() {
	ConnectionsBound.Dec()
}
