package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	routedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_events_total",
			Help: "Inbound events by outer kind and routing outcome.",
		},
		[]string{"kind", "outcome"},
	)

	outgoingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_outgoing_total",
			Help: "Outgoing message publish attempts by outcome (sent, error).",
		},
		[]string{"outcome"},
	)

	profileSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_sends_total",
			Help: "Private profile sends by outcome (sent, skipped, failed).",
		},
		[]string{"outcome"},
	)

	profileChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_discovery_checks_total",
			Help: "Public profile lookups by result (found, absent, failed).",
		},
		[]string{"result"},
	)

	pollRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_identity_runs_total",
			Help: "Per-identity poll runs by outcome (ok, error).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(routedEvents, outgoingMessages, profileSends, profileChecks, pollRuns)
}
