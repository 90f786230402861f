// Package metrics holds the Prometheus instrumentation for the capture server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpsink_sessions_total",
			Help: "SMTP sessions handled, by result.",
		},
		[]string{
			"result", // ok, error
		},
	)

	metricMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpsink_messages_total",
			Help: "Mail messages captured in completed sessions.",
		},
	)

	metricClears = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpsink_history_clears_total",
			Help: "Times the session history was wiped over the control surface.",
		},
	)
)

func SessionInc(result string) {
	metricSessions.WithLabelValues(result).Inc()
}

func MessagesAdd(n int) {
	metricMessages.Add(float64(n))
}

func ClearInc() {
	metricClears.Inc()
}
