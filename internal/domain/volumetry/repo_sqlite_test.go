package volumetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageN(t *testing.T, s Store, n int) *Batch {
	t.Helper()
	recs := make([]*Record, n)
	for i := range recs {
		recs[i] = &Record{ClientID: "C1", Modality: "CT", ExamName: "TC CRANIO", Value: 10,
			ExamDate: DatePtr(2024, time.March, 1+i%28)}
	}
	b := &Batch{SourceTag: "standard-current", Period: "2024-03"}
	require.NoError(t, s.StageBatch(context.Background(), b, recs))
	return b
}

func TestStageBatch_StampsRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := &Batch{SourceTag: "legacy-retroactive", Period: "2024-02", Legacy: true}
	rec := &Record{ClientID: "C9", ExamDate: DatePtr(2024, time.January, 15)}
	require.NoError(t, s.StageBatch(ctx, b, []*Record{rec}))

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RecordCount)
	assert.True(t, got.Legacy)

	sample, err := s.Sample(ctx, Eq(FieldBatchID, b.ID), 10)
	require.NoError(t, err)
	require.Len(t, sample, 1)
	assert.Equal(t, Period("2024-02"), sample[0].Period)
	assert.True(t, sample[0].Legacy)
	assert.Equal(t, "2024-01-15", sample[0].ExamDate.Format(DateLayout))
	assert.Nil(t, sample[0].ReportDate)
}

func TestGetBatch_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBatch(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestScanChunks_VisitsEveryRecordOnceWhileDeleting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stageN(t, s, 25)

	seen := map[uuid.UUID]bool{}
	chunks := 0
	err := s.ScanChunks(ctx, All(), 10, func(chunk []*Record) error {
		chunks++
		var entries []*ExclusionLogEntry
		for _, r := range chunk {
			if seen[r.ID] {
				t.Fatalf("record %s visited twice", r.ID)
			}
			seen[r.ID] = true
			entries = append(entries, NewExclusion(r, "test", "scan", OriginPipeline, time.Now()))
		}
		_, err := s.Exclude(ctx, entries)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 25, len(seen))
	assert.Equal(t, 3, chunks)

	n, err := s.Count(ctx, All())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExclude_LogsOnlyDeletedRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := stageN(t, s, 2)

	recs, err := s.Sample(ctx, All(), 10)
	require.NoError(t, err)
	first := NewExclusion(recs[0], "r1", "first", OriginPipeline, time.Now())
	written, err := s.Exclude(ctx, []*ExclusionLogEntry{first})
	require.NoError(t, err)
	require.Len(t, written, 1)

	// The same record again plus the remaining one.
	again := NewExclusion(recs[0], "r1", "again", OriginRemediation, time.Now())
	second := NewExclusion(recs[1], "r1", "second", OriginRemediation, time.Now())
	written, err = s.Exclude(ctx, []*ExclusionLogEntry{again, second})
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, recs[1].ID, written[0].RecordID)

	log, total, err := s.ListExclusions(ctx, ExclusionFilter{BatchID: b.ID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, log, 2)
	assert.Equal(t, "C1", log[0].Snapshot.ClientID)

	_, total, err = s.ListExclusions(ctx, ExclusionFilter{Period: "2024-03", RuleID: "other"}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSplitRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stageN(t, s, 1)
	recs, err := s.Sample(ctx, All(), 1)
	require.NoError(t, err)
	orig := recs[0]

	part := orig.Clone()
	part.ID = uuid.New()
	part.ExamName = "TC CRANIO PARTE"
	ok, err := s.SplitRecord(ctx, orig.ID, []*Record{part})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SplitRecord(ctx, orig.ID, []*Record{part})
	require.NoError(t, err)
	assert.False(t, ok, "a missing original must not insert parts again")

	n, err := s.Count(ctx, All())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpdateRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stageN(t, s, 1)
	recs, err := s.Sample(ctx, All(), 1)
	require.NoError(t, err)

	r := recs[0]
	r.ClientName = "CLINICA"
	r.ReportDate = DatePtr(2024, time.April, 2)
	require.NoError(t, s.UpdateRecords(ctx, []*Record{r}))

	n, err := s.Count(ctx, And(Eq(FieldClientName, "CLINICA"), Eq(FieldReportDate, Date(2024, time.April, 2))))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPeriodStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	closed, err := IsClosed(ctx, s, "2024-03")
	require.NoError(t, err)
	assert.False(t, closed)

	now := time.Now().UTC()
	require.NoError(t, s.SetPeriodStatus(ctx, &PeriodStatus{Period: "2024-03", Closed: true, ClosedAt: &now, ClosedBy: "billing"}))
	closed, err = IsClosed(ctx, s, "2024-03")
	require.NoError(t, err)
	assert.True(t, closed)

	require.NoError(t, s.SetPeriodStatus(ctx, &PeriodStatus{Period: "2024-03"}))
	st, err := s.GetPeriodStatus(ctx, "2024-03")
	require.NoError(t, err)
	assert.False(t, st.Closed)
	assert.Empty(t, st.ClosedBy)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b := stageN(t, s, 1)

	run := &Run{ID: uuid.New(), BatchID: b.ID, SourceTag: b.SourceTag, Period: b.Period,
		Status: RunRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, s.SaveRun(ctx, run))

	fin := time.Now().UTC()
	run.Status = RunPartialFailure
	run.RulesApplied = []string{"a", "b"}
	run.Errors = []RuleError{{RuleID: "c", Kind: "config", Message: "bad"}}
	run.FinishedAt = &fin
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPartialFailure, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.RulesApplied)
	require.Len(t, got.Errors, 1)
	assert.NotNil(t, got.FinishedAt)

	list, total, err := s.ListRuns(ctx, b.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	_, total, err = s.ListRuns(ctx, uuid.New(), 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPeriods(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	stageN(t, s, 2)
	require.NoError(t, s.StageBatch(ctx, &Batch{SourceTag: "standard-retroactive", Period: "2024-01"},
		[]*Record{{ClientID: "C2"}}))

	ps, err := s.Periods(ctx, All())
	require.NoError(t, err)
	assert.Equal(t, []Period{"2024-01", "2024-03"}, ps)
}
