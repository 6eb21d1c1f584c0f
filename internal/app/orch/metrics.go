package orch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_connections",
		Help: "Live protocol connections",
	})

	gaugeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_rooms",
		Help: "Active rooms",
	})

	gaugeParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchparty_participants",
		Help: "Participants across all rooms",
	})

	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_messages_total",
		Help: "Inbound messages by type",
	}, []string{"type"})

	metricRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_rejections_total",
		Help: "Messages rejected back to the sender, by error code",
	}, []string{"code"})

	metricHostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchparty_host_migrations_total",
		Help: "Host reassignments after the host left",
	})

	metricSignaling = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_signaling_relayed_total",
		Help: "Signaling payloads relayed, by type",
	}, []string{"type"})

	metricBackpressure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watchparty_backpressure_total",
		Help: "Full outbound queues, by policy action",
	}, []string{"action"})
)
