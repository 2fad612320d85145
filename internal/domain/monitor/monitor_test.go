package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimg/volumetry/internal/domain/pipeline"
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/testutil"
)

func newMonitor(f *testutil.Fixture, m *metrics.Metrics) *Monitor {
	return New(f.Store, f.Refs, f.Registry, m, f.Logger, Options{SampleSize: 5, Parallelism: 3})
}

func byRule(reports []Report) map[string]Report {
	out := map[string]Report{}
	for _, r := range reports {
		out[r.RuleID] = r
	}
	return out
}

func TestVerify_ExactCountBeyondAnyPageSize(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, &reference.Dataset{Values: []reference.ValueMapping{{ExamName: "TC CRANIO", Value: 150}}})

	recs := make([]*volumetry.Record, 1600)
	for i := range recs {
		recs[i] = &volumetry.Record{ExamName: "TC CRANIO"}
		if i >= 1500 {
			recs[i].Value = 10
		}
	}
	f.Stage(t, "standard-current", "2024-03", false, recs...)

	m := metrics.New(prometheus.NewRegistry())
	reports, err := newMonitor(f, m).Verify(ctx, []string{"vol-value-fill"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, int64(1500), r.PendingRecords)
	assert.Equal(t, int64(1600), r.TotalRecords)
	assert.Equal(t, int64(100), r.ProcessedRecords)
	assert.InDelta(t, 6.25, r.Percentage, 0.001)
	assert.Len(t, r.SampleOffenders, 5)
	assert.Equal(t, 1500.0, promtest.ToFloat64(m.Pending.WithLabelValues("vol-value-fill")))
}

func TestVerify_AfterPipelineEverythingOK(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, &reference.Dataset{
		Values:  []reference.ValueMapping{{ExamName: "TC CRANIO", Value: 150}},
		Clients: []reference.Client{{ID: "C1", CanonicalName: "CLINICA SAO JOSE", Active: true}},
	})
	d := volumetry.DatePtr
	b := f.Stage(t, "standard-retroactive", "2024-03", false,
		&volumetry.Record{ClientID: "C1", ExamName: "tc  cranio", DoctorName: "Dr. Ana Lima",
			ExamDate: d(2024, time.February, 2), ReportDate: d(2024, time.March, 5)},
		&volumetry.Record{ClientID: "C1", ExamName: "tc cranio e seios da face",
			ExamDate: d(2024, time.February, 2), ReportDate: d(2024, time.March, 9)},
	)

	mon := newMonitor(f, nil)
	before, err := mon.Verify(ctx, nil)
	require.NoError(t, err)
	got := byRule(before)
	assert.Equal(t, StatusPending, got["vol-period-retroactive"].Status)
	assert.Equal(t, int64(1), got["vol-period-retroactive"].PendingRecords)
	assert.Equal(t, StatusPending, got["vol-text-normalize"].Status)
	assert.Equal(t, StatusOK, got["vol-period-current"].Status, "no current-tag records")

	exec := pipeline.NewExecutor(f.Store, f.Refs, f.Registry, lock.NewLocal(time.Second), nil, f.Logger, pipeline.Options{})
	run, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, volumetry.RunCompleted, run.Status, "errors: %+v", run.Errors)

	after, err := mon.Verify(ctx, nil)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for _, r := range after {
		assert.Equal(t, StatusOK, r.Status, "%s: pending=%d error=%s", r.RuleID, r.PendingRecords, r.Error)
		assert.Zero(t, r.PendingRecords, r.RuleID)
		assert.Empty(t, r.SampleOffenders, r.RuleID)
	}
}

func TestVerify_AccentedReferenceNamesSettle(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, &reference.Dataset{
		Clients: []reference.Client{{ID: "C1", CanonicalName: "Clínica São José", Active: true}},
		Doctors: []reference.Doctor{{ID: "D1", FullName: "Márcia Helena Costa", Specialty: "ABDOME"}},
	})
	d := volumetry.DatePtr
	b := f.Stage(t, "standard-current", "2024-03", false,
		&volumetry.Record{ClientID: "C1", ClientName: "SAO JOSE", ExamName: "US ABDOME", Specialty: "TELERRADIOLOGIA",
			DoctorName: "Márcia H. Costa", ExamDate: d(2024, 3, 4), ReportDate: d(2024, 3, 5)},
	)

	exec := pipeline.NewExecutor(f.Store, f.Refs, f.Registry, lock.NewLocal(time.Second), nil, f.Logger, pipeline.Options{})
	first, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, volumetry.RunCompleted, first.Status, "errors: %+v", first.Errors)

	recs := f.Records(t, b)
	require.Len(t, recs, 1)
	assert.Equal(t, "CLINICA SAO JOSE", recs[0].ClientName)
	assert.Equal(t, "MARCIA HELENA COSTA", recs[0].DoctorName)
	assert.Equal(t, "D1", recs[0].DoctorID)

	second, err := exec.Run(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, second.RecordsMutated, "a second run must change nothing")

	reports, err := newMonitor(f, nil).Verify(ctx, nil)
	require.NoError(t, err)
	for _, r := range reports {
		assert.Equal(t, StatusOK, r.Status, "%s: pending=%d", r.RuleID, r.PendingRecords)
	}
}

func TestVerify_CountsAbbreviatedRosterNames(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, &reference.Dataset{
		Doctors: []reference.Doctor{
			{ID: "D1", FullName: "JOAO CARLOS SILVA", Specialty: "NEURORRADIOLOGIA"},
			{ID: "D2", FullName: "MARIA HELENA COSTA", Specialty: "ABDOME"},
		},
	})
	f.Stage(t, "standard-current", "2024-03", false,
		&volumetry.Record{ExamName: "a", Specialty: "TELERRADIOLOGIA", DoctorName: "JOAO C. S."},
		&volumetry.Record{ExamName: "b", Specialty: "TELERRADIOLOGIA", DoctorName: "MARIA H. COSTA"},
		&volumetry.Record{ExamName: "c", Specialty: "TELERRADIOLOGIA", DoctorName: "MARIA COSTA"},
		&volumetry.Record{ExamName: "d", Specialty: "TELERRADIOLOGIA", DoctorName: "MARIA HELENA COSTA", DoctorID: "D2"},
	)

	reports, err := newMonitor(f, nil).Verify(ctx, []string{"vol-specialty-substitution"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, StatusPending, reports[0].Status)
	assert.Equal(t, int64(2), reports[0].PendingRecords, "both abbreviations resolve; MARIA COSTA does not")
}

func TestVerify_UnknownRule(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := newMonitor(f, nil).Verify(context.Background(), []string{"nope"})
	assert.True(t, errors.Is(err, rules.ErrNotFound))
}

type failingStore struct {
	volumetry.Store
}

func (failingStore) Count(context.Context, volumetry.Cond) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestVerify_ErrorReportedPerRule(t *testing.T) {
	f := testutil.NewFixture(t)
	mon := New(failingStore{f.Store}, f.Refs, f.Registry, nil, f.Logger, Options{})
	reports, err := mon.Verify(context.Background(), []string{"vol-value-fill", "vol-exam-split"})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, StatusError, r.Status)
		assert.Contains(t, r.Error, "connection reset")
	}
	assert.Equal(t, "vol-value-fill", reports[0].RuleID, "reports keep the requested order")
}

func TestVerify_EmptyDataset(t *testing.T) {
	f := testutil.NewFixture(t)
	reports, err := newMonitor(f, nil).Verify(context.Background(), []string{"vol-exam-split"})
	require.NoError(t, err)
	assert.Equal(t, StatusOK, reports[0].Status)
	assert.Equal(t, 100.0, reports[0].Percentage)
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	f := testutil.NewFixture(t)
	s := NewScheduler(newMonitor(f, nil), 5*time.Millisecond)
	got := make(chan []Report, 1)
	s.OnReport = func(r []Report) {
		select {
		case got <- r:
		default:
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case r := <-got:
		assert.NotEmpty(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never reported")
	}
	cancel()
	<-done
}

func TestScheduler_DisabledReturnsImmediately(t *testing.T) {
	f := testutil.NewFixture(t)
	NewScheduler(newMonitor(f, nil), 0).Start(context.Background())
}

func TestHandler_Verify(t *testing.T) {
	f := testutil.NewFixture(t)
	h := NewHandler(newMonitor(f, nil))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/effectiveness?rule_id=vol-value-fill,vol-exam-split", nil)
	rec := httptest.NewRecorder()
	if err := h.Verify(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var reports []Report
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}

	req = httptest.NewRequest(http.MethodGet, "/effectiveness?rule_id=missing", nil)
	err := h.Verify(e.NewContext(req, httptest.NewRecorder()))
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
