package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Session metrics shared by the presence, mesh, chat and invite layers.
// They are process-wide and get attached to every registry built by NewMetrics.
var (
	PresenceEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Presence events delivered to session consumers",
	}, []string{"kind"}) // sync, join, leave, broadcast

	PresenceRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_rejected_total",
		Help: "Presence or broadcast payloads dropped at the channel boundary",
	}, []string{"reason"})

	MeshAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_connection_attempts_total",
		Help: "Peer connection attempts started",
	}, []string{"direction"}) // outbound, inbound

	MeshDuplicatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_duplicate_attempts_total",
		Help: "Peer connection attempts dropped by the dedup set",
	}, []string{"direction"})

	MeshTeardownsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_teardowns_total",
		Help: "Peer connections torn down",
	}, []string{"reason"}) // closed, error, timeout, presence_leave, destroy

	MeshConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connections_active",
		Help: "Peer connections currently connecting or connected",
	})

	SessionJoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_joins_total",
		Help: "Presence join attempts by the session controller",
	}, []string{"result"}) // ok, retry, failed

	ChatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Ephemeral chat messages",
	}, []string{"direction"}) // sent, received, echo_dropped

	RTCBytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtc_bytes_received_total",
		Help: "RTP payload bytes drained from remote tracks",
	})

	RTCPFeedbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtcp_feedback_total",
		Help: "RTCP feedback received from remote peers for local tracks",
	}, []string{"type"}) // pli, fir, receiver_report, nack

	InvitesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "call_invites_created_total",
		Help: "Call invite rows created",
	})

	InviteResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "call_invite_responses_total",
		Help: "Call invite responses by outcome",
	}, []string{"outcome"}) // accepted, declined, already_resolved

	InviteNudgesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "call_invite_nudges_total",
		Help: "Real-time invite nudges published",
	}, []string{"status"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "State of a circuit breaker (0=closed, 1=half_open, 2=open)",
	}, []string{"name"})

	CircuitBreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_rejected_total",
		Help: "Calls rejected while a circuit breaker was open",
	}, []string{"name"})
)

func sessionCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		PresenceEventsTotal,
		PresenceRejectedTotal,
		MeshAttemptsTotal,
		MeshDuplicatesTotal,
		MeshTeardownsTotal,
		MeshConnectionsActive,
		SessionJoinsTotal,
		ChatMessagesTotal,
		RTCBytesReceived,
		RTCPFeedbackTotal,
		InvitesCreatedTotal,
		InviteResponsesTotal,
		InviteNudgesTotal,
		CircuitBreakerState,
		CircuitBreakerRejectedTotal,
	}
}
