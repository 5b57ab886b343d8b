package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay URLs come from configuration, so the relay label stays bounded.
var (
	publishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_publish_total",
			Help: "Publish attempts per relay by outcome (ok, error, timeout).",
		},
		[]string{"relay", "outcome"},
	)

	relayUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_connected",
			Help: "1 when the relay connection is up, 0 otherwise.",
		},
		[]string{"relay"},
	)

	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_delivered_total",
			Help: "Subscription events handed to the consumer after dedup.",
		},
		[]string{"relay"},
	)

	eventsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_duplicate_total",
			Help: "Subscription events dropped because another relay delivered them first.",
		},
	)
)

func init() {
	prometheus.MustRegister(publishTotal, relayUp, eventsDelivered, eventsDuplicate)
}
