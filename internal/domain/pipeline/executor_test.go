package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/platform/retry"
	"github.com/medimg/volumetry/internal/testutil"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func dataset() *reference.Dataset {
	return &reference.Dataset{
		Values:     []reference.ValueMapping{{ExamName: "TC CRANIO", Value: 150}, {ExamName: "RX TORAX", Value: 40}},
		Priorities: []reference.Mapping{{Raw: "urgente", Canonical: "URGENCIA"}},
		Categories: []reference.Mapping{{Raw: "tomografia", Canonical: "TC"}},
		Clients:    []reference.Client{{ID: "C1", CanonicalName: "CLINICA SAO JOSE", Active: true}},
		Doctors:    []reference.Doctor{{ID: "D1", FullName: "MARIA HELENA COSTA", Specialty: "ABDOME"}},
		Cadastre:   []reference.CadastreExam{{ExamName: "RX TORAX", Specialty: "TORAX", Category: "RX"}},
		DynamicRules: []reference.DynamicRule{{
			ID: "no-joao", Priority: 1, Criteria: json.RawMessage(`{"doctor":"JOAO SILVA"}`), Action: "exclude",
			Reason: "doctor left", Active: true, ScopeLegacy: true, ScopeIncremental: true,
		}},
	}
}

func newExecutor(f *testutil.Fixture, store volumetry.Store, locker lock.Locker) *Executor {
	if store == nil {
		store = f.Store
	}
	if locker == nil {
		locker = lock.NewLocal(50 * time.Millisecond)
	}
	return NewExecutor(store, f.Refs, f.Registry, locker, metrics.New(prometheus.NewRegistry()), f.Logger,
		Options{ChunkSize: 2, Retry: fastRetry})
}

// currentBatch stages a current-period batch exercising every rule.
func currentBatch(t *testing.T, f *testutil.Fixture) *volumetry.Batch {
	d := volumetry.DatePtr
	return f.Stage(t, "standard-current", "2024-03", false,
		&volumetry.Record{ClientID: "C1", ExamName: "tc crânio", Priority: "urgente", Category: "tomografia",
			DoctorName: "Dra. Maria  Costa", ExamDate: d(2024, 3, 4), ReportDate: d(2024, 3, 5)},
		&volumetry.Record{ClientID: "C1", ExamName: "RX Torax", Specialty: "geral",
			ExamDate: d(2024, 3, 10), ReportDate: d(2024, 4, 2)},
		&volumetry.Record{ClientID: "C1", ExamName: "rm coluna total", Value: 300,
			ExamDate: d(2024, 3, 11), ReportDate: d(2024, 3, 12)},
		&volumetry.Record{ClientID: "C1", ExamName: "RM JOELHO", DoctorName: "Dr. João Silva (CRM 1)",
			ExamDate: d(2024, 3, 11), ReportDate: d(2024, 3, 12)},
		&volumetry.Record{ClientID: "C1", ExamName: "RM OMBRO",
			ExamDate: d(2024, 2, 28), ReportDate: d(2024, 3, 1)},
	)
}

func snapshot(t *testing.T, f *testutil.Fixture, b *volumetry.Batch) []volumetry.Record {
	var out []volumetry.Record
	for _, r := range f.Records(t, b) {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func TestRun_AppliesEveryRuleInOrder(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, dataset())
	b := currentBatch(t, f)
	exec := newExecutor(f, nil, nil)

	run, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunCompleted, run.Status, "errors: %+v", run.Errors)
	assert.Empty(t, run.Errors)

	var want []string
	for _, r := range exec.Rules(b.SourceTag) {
		want = append(want, r.ID)
	}
	assert.Equal(t, want, run.RulesApplied)
	assert.NotContains(t, run.RulesApplied, "vol-period-retroactive")

	// February exam excluded by the window, Dr. Joao by the dynamic rule
	// once text normalization cleaned his name.
	assert.Equal(t, int64(5), run.RecordsIn)
	assert.Equal(t, int64(2), run.RecordsExcluded)
	assert.Equal(t, int64(1), run.RecordsSplit)
	assert.Equal(t, int64(5), run.RecordsOut)
	require.NotNil(t, run.FinishedAt)

	recs := map[string]*volumetry.Record{}
	for _, r := range f.Records(t, b) {
		recs[r.ExamName] = r
	}
	require.Len(t, recs, 5)
	tc := recs["TC CRANIO"]
	require.NotNil(t, tc)
	assert.Equal(t, "CLINICA SAO JOSE", tc.ClientName)
	assert.Equal(t, "URGENCIA", tc.Priority)
	assert.Equal(t, "TC", tc.Category)
	assert.Equal(t, 150.0, tc.Value)
	assert.Equal(t, "MARIA COSTA", tc.DoctorName)
	assert.Equal(t, "TORAX", recs["RX TORAX"].Specialty)
	assert.Equal(t, 40.0, recs["RX TORAX"].Value)
	// Value fill runs before the split, so parts keep their unit value.
	require.NotNil(t, recs["RM COLUNA LOMBAR"])
	assert.Equal(t, 1.0, recs["RM COLUNA LOMBAR"].Value)
	assert.Equal(t, "RM", recs["RM COLUNA LOMBAR"].Category)

	saved, err := exec.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RulesApplied, saved.RulesApplied)
	assert.Equal(t, volumetry.RunCompleted, saved.Status)
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, dataset())
	b := currentBatch(t, f)
	exec := newExecutor(f, nil, nil)

	_, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	after := snapshot(t, f, b)

	again, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunCompleted, again.Status)
	assert.Zero(t, again.RecordsExcluded)
	assert.Zero(t, again.RecordsMutated)
	assert.Zero(t, again.RecordsSplit)
	assert.Equal(t, again.RecordsIn, again.RecordsOut)
	assert.Equal(t, after, snapshot(t, f, b))

	_, total, err := f.Store.ListExclusions(ctx, volumetry.ExclusionFilter{BatchID: b.ID}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	runs, n, err := exec.ListRuns(ctx, b.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, runs, 2)
}

func TestRun_BatchNotFound(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := newExecutor(f, nil, nil).Run(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, volumetry.ErrNotFound))
}

func TestRun_ClosedPeriodRefused(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	b := currentBatch(t, f)
	require.NoError(t, f.Store.SetPeriodStatus(ctx, &volumetry.PeriodStatus{Period: b.Period, Closed: true, ClosedBy: "billing"}))

	_, err := newExecutor(f, nil, nil).Run(ctx, b.ID)
	assert.True(t, volumetry.IsPeriodClosed(err))
	_, n, err := f.Store.ListRuns(ctx, b.ID, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "no run is created for a closed period")
	assert.Equal(t, int64(5), f.Count(t, volumetry.All()))
}

func TestRun_PeriodBusy(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	b := currentBatch(t, f)
	locker := lock.NewLocal(20 * time.Millisecond)
	release, err := locker.Acquire(ctx, lock.PeriodKey(string(b.Period)))
	require.NoError(t, err)
	defer release()

	_, err = newExecutor(f, nil, locker).Run(ctx, b.ID)
	assert.True(t, errors.Is(err, lock.ErrPeriodBusy))
}

func TestRun_MalformedDynamicRuleIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	ds := dataset()
	ds.DynamicRules = append(ds.DynamicRules, reference.DynamicRule{
		ID: "broken", Priority: 2, Criteria: json.RawMessage(`{"hospital":"H1"}`), Action: "exclude",
		Active: true, ScopeLegacy: true, ScopeIncremental: true,
	})
	f.Seed(t, ds)
	b := currentBatch(t, f)

	run, err := newExecutor(f, nil, nil).Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunPartialFailure, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, KindConfig, run.Errors[0].Kind)
	assert.Equal(t, "vol-dynamic-exclusion", run.Errors[0].RuleID)
	assert.Contains(t, run.Errors[0].Message, "broken")
	// The valid dynamic rule and every later rule still ran.
	assert.Equal(t, int64(2), run.RecordsExcluded)
	assert.Contains(t, run.RulesApplied, "vol-exam-split")
}

// flakyStore fails UpdateRecords a fixed number of times.
type flakyStore struct {
	volumetry.Store
	failures  atomic.Int32
	transient bool
}

func (s *flakyStore) UpdateRecords(ctx context.Context, recs []*volumetry.Record) error {
	if s.failures.Add(-1) >= 0 {
		if s.transient {
			return &volumetry.TransientStoreError{Op: "update records", Err: errors.New("deadlock detected")}
		}
		return errors.New("disk full")
	}
	return s.Store.UpdateRecords(ctx, recs)
}

func TestRun_TransientFailureRetried(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, dataset())
	b := currentBatch(t, f)
	store := &flakyStore{Store: f.Store, transient: true}
	store.failures.Store(2)

	run, err := newExecutor(f, store, nil).Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunCompleted, run.Status, "errors: %+v", run.Errors)
}

func TestRun_RuleFailureIsolated(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, dataset())
	b := currentBatch(t, f)
	store := &flakyStore{Store: f.Store}
	store.failures.Store(1)

	run, err := newExecutor(f, store, nil).Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunPartialFailure, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "vol-text-normalize", run.Errors[0].RuleID)
	assert.Equal(t, KindStore, run.Errors[0].Kind)
	assert.NotContains(t, run.RulesApplied, "vol-text-normalize")
	assert.Contains(t, run.RulesApplied, "vol-value-fill")

	// Re-running completes the failed rule.
	again, err := newExecutor(f, nil, nil).Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunCompleted, again.Status)
	assert.Positive(t, again.RecordsMutated)
}

// closingStore reports the period closed after a number of status reads.
type closingStore struct {
	volumetry.Store
	reads     atomic.Int32
	closeFrom int32
}

func (s *closingStore) GetPeriodStatus(ctx context.Context, p volumetry.Period) (*volumetry.PeriodStatus, error) {
	if s.reads.Add(1) >= s.closeFrom {
		return &volumetry.PeriodStatus{Period: p, Closed: true}, nil
	}
	return s.Store.GetPeriodStatus(ctx, p)
}

func TestRun_PeriodClosedMidRun(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, dataset())
	b := currentBatch(t, f)
	// Read 1 is the start check, reads 2 and 3 precede the first two rules.
	store := &closingStore{Store: f.Store, closeFrom: 4}

	run, err := newExecutor(f, store, nil).Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, volumetry.RunPartialFailure, run.Status)
	assert.Len(t, run.RulesApplied, 2)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, KindPeriodClosed, run.Errors[0].Kind)
}

func TestRun_SkipsInactiveRules(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	catalog := `
version: 1
source_tags: {standard-current: current}
rules:
  - {id: a, module: volumetry, category: data, order: 1, type: business, kind: value_fill, applicability: ["*"]}
  - id: b
    module: volumetry
    category: data
    order: 2
    type: business
    kind: exam_split
    status: inactive
    applicability: ["*"]
    params:
      composites:
        - {key: X, category: TC, parts: [Y]}
`
	reg, err := rules.Load([]byte(catalog))
	require.NoError(t, err)
	b := f.Stage(t, "standard-current", "2024-03", false, &volumetry.Record{ExamName: "X"})

	exec := NewExecutor(f.Store, f.Refs, reg, lock.NewLocal(time.Second), nil, f.Logger, Options{})
	run, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, run.RulesApplied)
	assert.Equal(t, "X", f.Records(t, b)[0].ExamName)
}
