// Package metrics exposes the process counters on the default prometheus
// registry; the router serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events published per topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_events_published_total",
		Help: "Events published on the topic bus.",
	}, []string{"topic"})

	// SubscriberDrops counts bus subscribers dropped for queue overflow.
	SubscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_subscriber_drops_total",
		Help: "Bus subscribers dropped because their queue overflowed.",
	}, []string{"topic"})

	// ConnectorErrors counts errors recorded against a connector's health.
	ConnectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_connector_errors_total",
		Help: "Errors recorded per connector.",
	}, []string{"connector"})

	// ConnectorConnected is 1 while a connector reports an active session.
	ConnectorConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "switchboard_connector_connected",
		Help: "1 when the connector has a live session, else 0.",
	}, []string{"connector"})

	// Reconnects counts connector reconnect attempts.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_connector_reconnects_total",
		Help: "Reconnect attempts per connector.",
	}, []string{"connector"})

	// EventsRejected counts events dropped by validation.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "switchboard_events_rejected_total",
		Help: "Events dropped by validation, per provider.",
	}, []string{"provider"})
)
