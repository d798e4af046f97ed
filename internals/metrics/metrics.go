package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Game plane
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_active_rooms",
		Help: "Number of live game rooms",
	})

	ActivePlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_active_players",
		Help: "Number of players across all rooms",
	})

	GamesStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_games_started_total",
		Help: "Total games started",
	})

	CharactersAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_characters_assigned_total",
		Help: "Total secret characters submitted",
	})

	RoomsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_rooms_reaped_total",
		Help: "Total rooms evicted by the TTL sweep",
	})

	// Media plane
	MediaRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_media_rooms",
		Help: "Number of live media rooms (routers)",
	})

	MediaPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_media_peers",
		Help: "Number of peers with media resources",
	})

	ActiveProducers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_producers_active",
		Help: "Number of active media producers",
	})

	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "whoami_consumers_active",
		Help: "Number of active media consumers",
	})

	ConsumerFanOutFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_consumer_fanout_failures_total",
		Help: "Consumer creations that failed during producer fan-out",
	})

	// Signaling
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_connections_total",
		Help: "Total websocket connections accepted",
	})

	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_messages_received_total",
		Help: "Total signaling messages received",
	})

	MessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whoami_messages_sent_total",
		Help: "Total signaling messages sent",
	})

	SignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whoami_signals_relayed_total",
		Help: "Direct signal relays by outcome",
	}, []string{"outcome"})

	ErrorRepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whoami_error_replies_total",
		Help: "Structured error replies by reason",
	}, []string{"reason"})
)

func RecordSignalRelay(delivered bool) {
	if delivered {
		SignalsRelayedTotal.WithLabelValues("delivered").Inc()
	} else {
		SignalsRelayedTotal.WithLabelValues("peer_unavailable").Inc()
	}
}

func RecordErrorReply(reason string) {
	ErrorRepliesTotal.WithLabelValues(reason).Inc()
}
