package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call outcomes.
const (
	outcomeOK             = "ok"
	outcomeRemoteError    = "remote_error"
	outcomeTimeout        = "timeout"
	outcomeCanceled       = "canceled"
	outcomeConnectionLost = "connection_lost"
	outcomeProtocolError  = "protocol_error"
	outcomeError          = "error"
)

// Late reply dispositions.
const (
	lateOrphaned  = "orphaned"
	lateDiscarded = "discarded"
)

var requestTypes = []MessageType{
	TypePingRequest,
	TypeHeartbeatRequest,
	TypeConnectRequest,
	TypeNewWorkerRequest,
	TypeStopWorkerRequest,
}

var (
	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_proxy_calls_total",
			Help: "Total number of proxy round trips by request type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tasklink_proxy_call_seconds",
			Help:    "Duration of proxy round trips from send to reply, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasklink_proxy_pending_calls",
			Help: "Number of proxy calls awaiting a reply.",
		},
	)

	lateReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasklink_proxy_late_replies_total",
			Help: "Replies that arrived after their call stopped waiting.",
		},
		[]string{"disposition"},
	)
)

func init() {
	prometheus.MustRegister(callsTotal)
	prometheus.MustRegister(callDuration)
	prometheus.MustRegister(pendingCalls)
	prometheus.MustRegister(lateReplies)

	for _, t := range requestTypes {
		for _, o := range []string{outcomeOK, outcomeRemoteError, outcomeTimeout, outcomeConnectionLost} {
			callsTotal.WithLabelValues(string(t), o)
		}
	}
	lateReplies.WithLabelValues(lateOrphaned)
	lateReplies.WithLabelValues(lateDiscarded)
}
