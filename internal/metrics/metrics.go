// Package metrics provides Prometheus metrics for sshmux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "sshmux"

var (
	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "session_state",
		Help:      "Current session state, 1 for the active state",
	}, []string{"session", "state"})

	Channels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "channels",
		Help:      "Channels registered with the session",
	}, []string{"session"})

	ChannelOpenFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "channel_open_failures_total",
		Help:      "Channels that ended in the error state, by kind",
	}, []string{"session", "kind"})

	BridgeBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "bridge_bytes_total",
		Help:      "Bytes pumped by forwarding bridges",
	}, []string{"direction"})

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by method and result",
	}, []string{"method", "result"})
)

// SetSessionState marks state as the only active state of session.
func SetSessionState(session, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(session, s).Set(v)
	}
}

// AddBridgeBytes records bytes sent to and received from the server.
func AddBridgeBytes(out, in int64) {
	if out > 0 {
		BridgeBytesTotal.WithLabelValues("out").Add(float64(out))
	}
	if in > 0 {
		BridgeBytesTotal.WithLabelValues("in").Add(float64(in))
	}
}

// RecordAuthAttempt counts one authentication attempt.
func RecordAuthAttempt(method string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	AuthAttemptsTotal.WithLabelValues(method, result).Inc()
}
