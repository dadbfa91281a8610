// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the collectors shared by the governor, queue and stores.
type Metrics struct {
	Registry *prometheus.Registry

	GovernorUsage       prometheus.Gauge
	OutboundCalls       *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	ActiveConversations prometheus.Gauge
	ArchivedTotal       *prometheus.CounterVec
	ActiveEscalations   prometheus.Gauge
	Transitions         *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		GovernorUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wabot",
			Name:      "governor_usage_percent",
			Help:      "Share of the hourly messaging quota used in the trailing window.",
		}),
		OutboundCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wabot",
			Name:      "outbound_calls_total",
			Help:      "Calls made to the messaging API by category.",
		}, []string{"category"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wabot",
			Name:      "queue_deliveries_total",
			Help:      "Dispatcher delivery attempts by outcome.",
		}, []string{"outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wabot",
			Name:      "queue_rows",
			Help:      "Delivery queue rows by status.",
		}, []string{"status"}),
		ActiveConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wabot",
			Name:      "active_conversations",
			Help:      "Conversations in the in-memory working set.",
		}),
		ArchivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wabot",
			Name:      "conversations_archived_total",
			Help:      "Conversations moved to the archive by reason.",
		}, []string{"reason"}),
		ActiveEscalations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wabot",
			Name:      "active_escalations",
			Help:      "Users currently bridged to a human operator.",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wabot",
			Name:      "flow_inputs_total",
			Help:      "Inbound inputs handled by the flow engine by state.",
		}, []string{"state"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.GovernorUsage,
		m.OutboundCalls,
		m.Deliveries,
		m.QueueDepth,
		m.ActiveConversations,
		m.ArchivedTotal,
		m.ActiveEscalations,
		m.Transitions,
	)
	return m
}
