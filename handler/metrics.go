package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the handler does. All counters are labelled by
// message type, death reason or task type.
type Metrics struct {
	Handled   *prometheus.CounterVec
	Rejected  *prometheus.CounterVec
	Deaths    *prometheus.CounterVec
	Scheduled *prometheus.CounterVec
}

// NewMetrics registers the counters with reg. A nil reg gives unregistered
// counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Handled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycustody",
			Name:      "messages_handled_total",
			Help:      "Relay messages accepted by the handler.",
		}, []string{"type"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycustody",
			Name:      "messages_rejected_total",
			Help:      "Relay messages that failed validation or broke the directory.",
		}, []string{"type"}),
		Deaths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycustody",
			Name:      "relay_deaths_total",
			Help:      "Relays that got an obituary.",
		}, []string{"reason"}),
		Scheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycustody",
			Name:      "tasks_scheduled_total",
			Help:      "Checks scheduled after a message.",
		}, []string{"task"}),
	}
}
