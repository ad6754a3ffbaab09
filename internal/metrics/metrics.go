// Package metrics defines the Prometheus collectors exported by the bus
// server. They are scraped from the admin listener's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_connections_total",
		Help: "Total number of TCP connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_connections_active",
		Help: "Current number of open client connections",
	})

	ClientsIdentified = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bus_clients_identified",
		Help: "Current number of clients that completed the HELLO handshake",
	})

	// Message metrics
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_messages_received_total",
		Help: "Total number of frames parsed from clients",
	})

	MessagesRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_messages_routed_total",
		Help: "Total number of frames routed, by mode",
	}, []string{"mode"}) // unicast, broadcast, inject

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_bytes_sent_total",
		Help: "Total number of bytes written to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_bytes_received_total",
		Help: "Total number of bytes read from clients",
	})

	// Failure metrics
	DeliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_delivery_failures_total",
		Help: "Total number of unicast deliveries that failed at write time",
	})

	ClientsNotFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_client_not_found_total",
		Help: "Total number of unicasts addressed to unknown client ids",
	})

	ProtocolViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_protocol_violations_total",
		Help: "Total number of connections closed for bad frames or bad state",
	})

	// Webhook divert metrics
	WebhookDiverts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_webhook_diverts_total",
		Help: "Total number of broadcasts diverted to the outbound webhook",
	})

	WebhookFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bus_webhook_failures_total",
		Help: "Total number of failed webhook deliveries",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ClientsIdentified,
		MessagesReceived,
		MessagesRouted,
		BytesSent,
		BytesReceived,
		DeliveryFailures,
		ClientsNotFound,
		ProtocolViolations,
		WebhookDiverts,
		WebhookFailures,
	)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
