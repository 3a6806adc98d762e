// Package metrics holds the Prometheus instrumentation for the bot.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telegpt",
			Name:      "turns_total",
			Help:      "Total conversational turns processed",
		},
		[]string{"kind", "status"},
	)

	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "telegpt",
			Name:      "turn_duration_seconds",
			Help:      "Turn duration from trigger to final flush",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	StreamEditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telegpt",
			Name:      "stream_edits_total",
			Help:      "Outbound message edits by outcome",
		},
		[]string{"result"}, // success / unmodified / rate_limited / timeout / error
	)

	ChatTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "telegpt",
			Name:      "chat_tokens_total",
			Help:      "Billable chat tokens recorded to the ledger",
		},
	)

	GateDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telegpt",
			Name:      "gate_denials_total",
			Help:      "Requests rejected before reaching the backend",
		},
		[]string{"gate", "reason"}, // gate: access / budget
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "telegpt",
			Name:      "upstream_request_duration_seconds",
			Help:      "Completion backend request duration",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operation"}, // chat / chat_stream / image / transcribe
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "telegpt",
			Name:      "upstream_errors_total",
			Help:      "Completion backend failures",
		},
		[]string{"operation"},
	)
)

var registered bool

// Register registers all bot metrics. Must be called once from main.
func Register() {
	if registered {
		return
	}
	prometheus.MustRegister(TurnsTotal)
	prometheus.MustRegister(TurnDuration)
	prometheus.MustRegister(StreamEditsTotal)
	prometheus.MustRegister(ChatTokensTotal)
	prometheus.MustRegister(GateDenialsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(UpstreamErrorsTotal)
	registered = true
}
