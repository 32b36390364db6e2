package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes recorded on relay_messages_total.
const (
	OutcomeDeliveredLocal = "delivered_local"
	OutcomeForwarded      = "forwarded"
	OutcomeOffline        = "offline"
	OutcomeStale          = "stale"
	OutcomeLookupFailed   = "lookup_failed"
	OutcomeMalformed      = "malformed"
	OutcomePublishFailed  = "publish_failed"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	Messages         *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
	Registrations    *prometheus.CounterVec
	LocalConnections prometheus.Gauge
}

// NewMetrics registers the dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Private messages handled, by outcome.",
		}, []string{"outcome"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcast_total",
			Help: "Broadcast envelopes received, by outcome.",
		}, []string{"outcome"}),
		Registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_registrations_total",
			Help: "Register events handled, by outcome.",
		}, []string{"outcome"}),
		LocalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_local_connections",
			Help: "Live connections owned by this process.",
		}),
	}
}
