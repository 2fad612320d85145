package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncrementRun("completed")
	m.AddRuleCounts("vol-period-current", 3, 0, 0)
	m.AddRuleCounts("vol-exam-split", 0, 0, 2)
	m.SetPending("vol-value-fill", 1500)
	m.AddRemediated("vol-period-current", 4)
	m.ObserveRule("vol-period-current", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("completed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RecordsExcluded.WithLabelValues("vol-period-current")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsSplit.WithLabelValues("vol-exam-split")))
	assert.Equal(t, 1500.0, testutil.ToFloat64(m.Pending.WithLabelValues("vol-value-fill")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RemediationDeleted.WithLabelValues("vol-period-current")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.IncrementRun("completed")
	m.AddRuleCounts("r", 1, 1, 1)
	m.IncrementRuleFailure("r", "config")
	m.SetPending("r", 1)
	m.AddRemediated("r", 1)
	m.ObserveRule("r", time.Second)
}
