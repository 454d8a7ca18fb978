package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "nexus_queue_depth", Help: "Runs waiting in the work queue"},
		[]string{"queue_backend"},
	)
	QueueClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_queue_claimed_total", Help: "Queue claims handed to workers"},
		[]string{"queue_backend", "consumer"},
	)
	QueueNackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_queue_nacked_total", Help: "Claims returned to the queue"},
		[]string{"queue_backend", "reason"},
	)
	QueueExpiredRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_queue_expired_requeued_total", Help: "Claims requeued after visibility timeout"},
		[]string{"queue_backend"},
	)

	RunTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_run_transitions_total", Help: "Accepted run state transitions"},
		[]string{"from", "to"},
	)
	RetryDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_retry_decisions_total", Help: "Retry policy decisions"},
		[]string{"decision", "reason_code"},
	)

	CommandsAttemptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_commands_attempted_total", Help: "Commands entering the dispatch path"},
		[]string{"command_type"},
	)
	CommandsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_commands_dispatched_total", Help: "Commands successfully handed to the execution adapter"},
		[]string{"command_type"},
	)
	CommandsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_commands_rejected_total", Help: "Commands blocked before adapter dispatch"},
		[]string{"command_type", "outcome_code"},
	)
	CommandReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_command_replays_total", Help: "Dispatches short-circuited by an idempotency record"},
		[]string{"command_type"},
	)
	IdempotencyConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nexus_idempotency_conflicts_total", Help: "Replays rejected for payload mismatch under a reused key"},
	)

	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nexus_risk_decisions_total", Help: "Risk gate evaluations by check type and outcome"},
		[]string{"check_type", "decision"},
	)
	KillSwitchState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "nexus_kill_switch_state", Help: "1 when the kill switch is triggered for a scope"},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth, QueueClaimedTotal, QueueNackedTotal, QueueExpiredRequeuedTotal,
		RunTransitionsTotal, RetryDecisionsTotal,
		CommandsAttemptedTotal, CommandsDispatchedTotal, CommandsRejectedTotal,
		CommandReplaysTotal, IdempotencyConflictsTotal,
		RiskDecisionsTotal, KillSwitchState,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
