// Package metrics holds the Prometheus instruments of the pipeline,
// monitor and remediation job. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Pipeline runs by final status
	Runs *prometheus.CounterVec

	// Rule application latency by rule id
	RuleDuration *prometheus.HistogramVec

	RecordsExcluded *prometheus.CounterVec
	RecordsMutated  *prometheus.CounterVec
	RecordsSplit    *prometheus.CounterVec
	RuleFailures    *prometheus.CounterVec

	// Last verified pending count by rule id
	Pending *prometheus.GaugeVec

	RemediationDeleted *prometheus.CounterVec
}

// New registers the instruments with reg. Pass prometheus.DefaultRegisterer
// in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_pipeline_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),

		RuleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "volumetry_rule_duration_seconds",
			Help:    "Duration of one rule application",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"rule_id"}),

		RecordsExcluded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_records_excluded_total",
			Help: "Records deleted by exclusion rules",
		}, []string{"rule_id"}),

		RecordsMutated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_records_mutated_total",
			Help: "Records changed in place by business rules",
		}, []string{"rule_id"}),

		RecordsSplit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_records_split_total",
			Help: "Composite records replaced by their parts",
		}, []string{"rule_id"}),

		RuleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_rule_failures_total",
			Help: "Rule applications that failed, by error kind",
		}, []string{"rule_id", "kind"}),

		Pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "volumetry_rule_pending_records",
			Help: "Records still violating a rule at the last verification",
		}, []string{"rule_id"}),

		RemediationDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "volumetry_remediation_deleted_total",
			Help: "Records deleted by remediation",
		}, []string{"rule_id"}),
	}
}

func (m *Metrics) IncrementRun(status string) {
	if m != nil {
		m.Runs.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ObserveRule(ruleID string, d time.Duration) {
	if m != nil {
		m.RuleDuration.WithLabelValues(ruleID).Observe(d.Seconds())
	}
}

// AddRuleCounts records the effect of a successful rule application.
func (m *Metrics) AddRuleCounts(ruleID string, excluded, mutated, split int64) {
	if m == nil {
		return
	}
	if excluded > 0 {
		m.RecordsExcluded.WithLabelValues(ruleID).Add(float64(excluded))
	}
	if mutated > 0 {
		m.RecordsMutated.WithLabelValues(ruleID).Add(float64(mutated))
	}
	if split > 0 {
		m.RecordsSplit.WithLabelValues(ruleID).Add(float64(split))
	}
}

func (m *Metrics) IncrementRuleFailure(ruleID, kind string) {
	if m != nil {
		m.RuleFailures.WithLabelValues(ruleID, kind).Inc()
	}
}

func (m *Metrics) SetPending(ruleID string, n int64) {
	if m != nil {
		m.Pending.WithLabelValues(ruleID).Set(float64(n))
	}
}

func (m *Metrics) AddRemediated(ruleID string, n int64) {
	if m != nil && n > 0 {
		m.RemediationDeleted.WithLabelValues(ruleID).Add(float64(n))
	}
}
