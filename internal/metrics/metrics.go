// Package metrics exposes the gate's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentguard_decisions_total",
			Help: "Total number of gate decisions by decision and reason.",
		},
		[]string{"decision", "reason"},
	)

	riskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentguard_risk_score",
			Help:    "Distribution of risk scores attached to decisions.",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	evalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "agentguard_eval_duration_seconds",
			Help: "End-to-end evaluate-and-log duration in seconds.",
			Buckets: []float64{
				0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
			},
		},
	)

	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentguard_signals_total",
			Help: "Total number of anomaly signals raised by signal.",
		},
		[]string{"signal"},
	)

	playbookRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentguard_playbook_runs_total",
			Help: "Playbook evaluations by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	ledgerFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentguard_ledger_failures_total",
			Help: "Audit appends that failed and aborted the request.",
		},
	)

	pendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentguard_pending_approvals",
			Help: "Current number of pending approval requests.",
		},
	)

	policyCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentguard_policy_count",
			Help: "Current number of loaded policies.",
		},
	)

	metricsRegistry = prometheus.NewRegistry()
)

func init() {
	metricsRegistry.MustRegister(
		decisionsTotal,
		riskScore,
		evalDuration,
		signalsTotal,
		playbookRunsTotal,
		ledgerFailuresTotal,
		pendingApprovals,
		policyCount,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
}

// RecordDecision records one completed evaluation.
func RecordDecision(decision, reason string, score int, signals []string, duration time.Duration) {
	decisionsTotal.With(prometheus.Labels{"decision": decision, "reason": reason}).Inc()
	riskScore.Observe(float64(score))
	evalDuration.Observe(duration.Seconds())
	for _, s := range signals {
		signalsTotal.WithLabelValues(s).Inc()
	}
}

// RecordPlaybookRun counts one playbook evaluation by action type and outcome.
func RecordPlaybookRun(actionType, outcome string) {
	playbookRunsTotal.WithLabelValues(actionType, outcome).Inc()
}

// RecordLedgerFailure counts an audit append that failed.
func RecordLedgerFailure() {
	ledgerFailuresTotal.Inc()
}

// SetPendingApprovals sets the pending approvals gauge.
func SetPendingApprovals(n int) {
	pendingApprovals.Set(float64(n))
}

// SetPolicyCount sets the loaded policies gauge.
func SetPolicyCount(n int) {
	policyCount.Set(float64(n))
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}
