package remediation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/testutil"
)

var windowRules = []string{"vol-period-retroactive", "vol-period-current"}

func newService(f *testutil.Fixture, m *metrics.Metrics) *Service {
	return NewService(f.Store, f.Refs, f.Registry, lock.NewLocal(time.Second), m, f.Logger, Options{ChunkSize: 2})
}

func rec(exam, report *time.Time) *volumetry.Record {
	return &volumetry.Record{ClientID: "C1", ExamName: "TC CRANIO", ExamDate: exam, ReportDate: report}
}

// stageLegacy loads batches over two periods as if they predated the rules.
func stageLegacy(t *testing.T, f *testutil.Fixture) (*volumetry.Batch, *volumetry.Batch, *volumetry.Batch) {
	d := volumetry.DatePtr
	retroMar := f.Stage(t, "legacy-retroactive", "2024-03", true,
		rec(d(2024, time.February, 10), d(2024, time.March, 5)),  // excluded
		rec(d(2024, time.February, 10), d(2024, time.March, 10)), // kept
		rec(d(2024, time.March, 1), d(2024, time.March, 10)),     // excluded
	)
	currMar := f.Stage(t, "legacy-current", "2024-03", true,
		rec(d(2024, time.March, 3), d(2024, time.March, 4)),   // kept
		rec(d(2024, time.February, 28), d(2024, time.March, 4)), // excluded
	)
	currApr := f.Stage(t, "standard-current", "2024-04", false,
		rec(d(2024, time.April, 30), d(2024, time.May, 7)), // kept
		rec(d(2024, time.April, 30), d(2024, time.May, 8)), // excluded
	)
	return retroMar, currMar, currApr
}

func TestRemediate_Converges(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	retroMar, currMar, currApr := stageLegacy(t, f)
	m := metrics.New(prometheus.NewRegistry())
	svc := newService(f, m)

	first, err := svc.Remediate(ctx, windowRules, volumetry.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.DeletedCount)
	assert.Equal(t, int64(0), first.RemainingCount)
	assert.Equal(t, []string{
		"vol-period-retroactive 2024-03: deleted 2",
		"vol-period-current 2024-03: deleted 1",
		"vol-period-retroactive 2024-04: deleted 0",
		"vol-period-current 2024-04: deleted 1",
	}, first.PerStepDetail)

	second, err := svc.Remediate(ctx, windowRules, volumetry.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), second.DeletedCount)
	assert.Equal(t, first.RemainingCount, second.RemainingCount)

	assert.Len(t, f.Records(t, retroMar), 1)
	assert.Len(t, f.Records(t, currMar), 1)
	assert.Len(t, f.Records(t, currApr), 1)
	assert.Equal(t, 2.0, promtest.ToFloat64(m.RemediationDeleted.WithLabelValues("vol-period-retroactive")))

	logged, total, err := f.Store.ListExclusions(ctx, volumetry.ExclusionFilter{}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for _, e := range logged {
		assert.Equal(t, volumetry.OriginRemediation, e.Origin)
	}
}

func TestRemediate_Scoped(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	retroMar, currMar, _ := stageLegacy(t, f)

	res, err := newService(f, nil).Remediate(ctx, windowRules, volumetry.Scope{Period: "2024-03"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.DeletedCount)
	assert.Len(t, f.Records(t, retroMar), 1)
	assert.Len(t, f.Records(t, currMar), 1)

	// The April record outside the window is outside the scope too.
	assert.Equal(t, int64(1), f.Count(t, volumetry.And(
		volumetry.Eq(volumetry.FieldPeriod, volumetry.Period("2024-04")),
		volumetry.Eq(volumetry.FieldReportDate, volumetry.Date(2024, time.May, 8)),
	)))

	res, err = newService(f, nil).Remediate(ctx, []string{"vol-period-current"}, volumetry.Scope{BatchID: retroMar.ID})
	require.NoError(t, err)
	assert.Zero(t, res.DeletedCount, "retroactive batch is not in the current rule's applicability")
}

func TestRemediate_ClosedPeriodRefusedUpFront(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	stageLegacy(t, f)
	now := time.Now().UTC()
	require.NoError(t, f.Store.SetPeriodStatus(ctx, &volumetry.PeriodStatus{Period: "2024-04", Closed: true, ClosedAt: &now}))

	_, err := newService(f, nil).Remediate(ctx, windowRules, volumetry.Scope{})
	require.Error(t, err)
	assert.True(t, volumetry.IsPeriodClosed(err))
	assert.Equal(t, int64(7), f.Count(t, volumetry.All()), "nothing deleted")
}

func TestRemediate_Rejects(t *testing.T) {
	f := testutil.NewFixture(t)
	svc := newService(f, nil)
	ctx := context.Background()

	_, err := svc.Remediate(ctx, nil, volumetry.Scope{})
	assert.ErrorIs(t, err, ErrNoRules)

	_, err = svc.Remediate(ctx, []string{"vol-value-fill"}, volumetry.Scope{})
	assert.True(t, rules.IsConfigError(err))

	_, err = svc.Remediate(ctx, []string{"vol-dynamic-exclusion"}, volumetry.Scope{})
	assert.True(t, rules.IsConfigError(err))

	_, err = svc.Remediate(ctx, []string{"missing"}, volumetry.Scope{})
	assert.True(t, errors.Is(err, rules.ErrNotFound))
}

func TestHandler_Remediate(t *testing.T) {
	f := testutil.NewFixture(t)
	stageLegacy(t, f)
	h := NewHandler(newService(f, nil))
	e := echo.New()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"ok", `{"rule_ids":["vol-period-retroactive"],"scope":{"period":"2024-03"}}`, http.StatusOK},
		{"no rules", `{"rule_ids":[]}`, http.StatusBadRequest},
		{"business rule", `{"rule_ids":["vol-exam-split"]}`, http.StatusBadRequest},
		{"bad period", `{"rule_ids":["vol-period-current"],"scope":{"period":"March"}}`, http.StatusBadRequest},
		{"bad batch", `{"rule_ids":["vol-period-current"],"scope":{"batch_id":"x"}}`, http.StatusBadRequest},
		{"unknown rule", `{"rule_ids":["nope"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/remediations", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			err := h.Remediate(e.NewContext(req, rec))
			code := rec.Code
			if he, ok := err.(*echo.HTTPError); ok {
				code = he.Code
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, code)
			}
		})
	}
}
