// Package metrics exposes prometheus collectors for the simulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedMessages counts Sparkplug publishes by message type.
	PublishedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkplugb_published_messages_total",
		Help: "Number of Sparkplug B messages published, by message type.",
	}, []string{"message_type"})

	// PublishFailures counts publishes that returned an error, whether the
	// node refused them or the broker never acknowledged them.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sparkplugb_publish_failures_total",
		Help: "Number of Sparkplug B publishes that failed, by message type.",
	}, []string{"message_type"})

	// SessionUp is set to 1 once the edge node session comes up and back to
	// 0 at shutdown. A lost connection does not reset it.
	SessionUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sparkplugb_session_up",
		Help: "1 from a successful edge node connect until shutdown, 0 otherwise.",
	})

	// CommandsReceived counts NCMD/DCMD messages delivered to the node.
	CommandsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sparkplugb_commands_received_total",
		Help: "Number of command messages received by the edge node.",
	})
)
