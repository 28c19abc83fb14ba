// Package metrics provides Prometheus instrumentation for the vent-line
// core. It exposes gauges for queue and session depth, counters for match
// and call outcomes, and histograms for matchmaking latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueWaiting tracks the number of waiting queue entries per role.
	QueueWaiting = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vent_queue_waiting",
		Help: "Current number of waiting matchmaking queue entries",
	}, []string{"role"}) // role = "venter", "listener"

	// SessionsWaiting tracks the number of joinable waiting sessions.
	SessionsWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vent_sessions_waiting",
		Help: "Current number of sessions waiting for a listener",
	})

	// ActiveCalls tracks the number of calls currently in progress.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vent_active_calls",
		Help: "Current number of active voice calls",
	})

	// MatchesTotal counts matchmaking outcomes, labeled by result:
	// "matched", "timeout", or "cancelled".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vent_matches_total",
		Help: "Total number of matchmaking attempts by outcome",
	}, []string{"result"})

	// MatchDuration records the time from match request to session created.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vent_match_duration_seconds",
		Help:    "Time from match request to session created",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// JoinRetriesTotal counts transport join attempts beyond the first.
	JoinRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vent_join_retries_total",
		Help: "Total number of voice channel join retries",
	})

	// CallsEndedTotal counts call terminations, labeled by reason:
	// "manual", "expired", or "peer".
	CallsEndedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vent_calls_ended_total",
		Help: "Total number of ended calls by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		QueueWaiting,
		SessionsWaiting,
		ActiveCalls,
		MatchesTotal,
		MatchDuration,
		JoinRetriesTotal,
		CallsEndedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
