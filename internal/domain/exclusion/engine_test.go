package exclusion

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/testutil"
)

func newEngine(f *testutil.Fixture) *Engine {
	return NewEngine(f.Store, reference.NewCache(f.Refs), f.Logger, Options{ChunkSize: 2})
}

func rec(exam, report *time.Time) *volumetry.Record {
	return &volumetry.Record{ClientID: "C1", Modality: "TC", ExamName: "TC CRANIO", ExamDate: exam, ReportDate: report}
}

func TestApply_RetroactiveWindow(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	b := f.Stage(t, "standard-retroactive", "2024-03", false,
		rec(d(2024, time.February, 20), d(2024, time.March, 5)),  // report before day 8
		rec(d(2024, time.February, 20), d(2024, time.March, 10)), // kept
		rec(d(2024, time.February, 20), d(2024, time.April, 7)),  // last day of the window, kept
		rec(d(2024, time.February, 20), d(2024, time.April, 8)),  // after day 7 of next month
		rec(d(2024, time.March, 2), d(2024, time.March, 10)),     // realized in the reference month
		rec(nil, d(2024, time.March, 10)),                        // no exam date
		rec(d(2024, time.February, 20), nil),                     // no report date
	)

	rule := f.Rule(t, "vol-period-retroactive")
	res, err := newEngine(f).Apply(ctx, rule, volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Excluded)
	require.Len(t, res.Log, 5)

	left := f.Records(t, b)
	require.Len(t, left, 2)
	for _, r := range left {
		assert.Contains(t, []int{10, 7}, r.ReportDate.Day())
	}
	for _, e := range res.Log {
		assert.Equal(t, rule.ID, e.RuleID)
		assert.Equal(t, volumetry.OriginPipeline, e.Origin)
		assert.Equal(t, b.ID, e.BatchID)
		require.NotNil(t, e.Snapshot)
		assert.Equal(t, e.RecordID, e.Snapshot.ID)
	}
}

func TestApply_CurrentWindow(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	b := f.Stage(t, "standard-current", "2024-02", false,
		rec(d(2024, time.February, 1), d(2024, time.February, 1)), // kept
		rec(d(2024, time.February, 29), d(2024, time.March, 7)),   // kept, leap day
		rec(d(2024, time.January, 31), d(2024, time.February, 2)), // realized before
		rec(d(2024, time.March, 1), d(2024, time.March, 2)),       // realized after
		rec(d(2024, time.February, 10), d(2024, time.March, 8)),   // reported too late
	)

	res, err := newEngine(f).Apply(ctx, f.Rule(t, "vol-period-current"), volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Excluded)
	assert.Len(t, f.Records(t, b), 2)
}

func TestApply_WindowIgnoresOtherClassification(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	// Valid for the current formula, invalid for the retroactive one.
	b := f.Stage(t, "standard-current", "2024-03", false, rec(d(2024, time.March, 2), d(2024, time.March, 3)))

	res, err := newEngine(f).Apply(ctx, f.Rule(t, "vol-period-retroactive"), volumetry.Scope{})
	require.NoError(t, err)
	assert.Zero(t, res.Excluded)
	assert.Len(t, f.Records(t, b), 1)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	b := f.Stage(t, "standard-retroactive", "2024-03", false,
		rec(d(2024, time.February, 20), d(2024, time.March, 5)),
		rec(d(2024, time.February, 20), d(2024, time.March, 10)),
	)
	rule := f.Rule(t, "vol-period-retroactive")
	e := newEngine(f)

	first, err := e.Apply(ctx, rule, volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	second, err := e.Apply(ctx, rule, volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Excluded)
	assert.Zero(t, second.Excluded)

	_, total, err := f.Store.ListExclusions(ctx, volumetry.ExclusionFilter{BatchID: b.ID}, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestTarget_AgreesWithApply(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	f.Stage(t, "standard-retroactive", "2024-03", false,
		rec(d(2024, time.February, 20), d(2024, time.March, 5)),
		rec(d(2024, time.February, 20), d(2024, time.March, 10)))
	f.Stage(t, "legacy-retroactive", "2024-04", true,
		rec(d(2024, time.March, 20), d(2024, time.April, 10)),
		rec(d(2024, time.April, 1), d(2024, time.April, 10)))

	rule := f.Rule(t, "vol-period-retroactive")
	e := newEngine(f)
	target, err := e.Target(ctx, rule, volumetry.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.Count(t, target))

	res, err := e.Apply(ctx, rule, volumetry.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Excluded)
	target, err = e.Target(ctx, rule, volumetry.Scope{})
	require.NoError(t, err)
	assert.Zero(t, f.Count(t, target))
}

func dynRule(id string, priority int, criteria string, reason string) reference.DynamicRule {
	return reference.DynamicRule{
		ID: id, Priority: priority, Criteria: json.RawMessage(criteria), Action: "exclude",
		Reason: reason, Active: true, ScopeLegacy: true, ScopeIncremental: true,
	}
}

func TestApply_DynamicPriorityTieBreak(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	f.Seed(t, &reference.Dataset{DynamicRules: []reference.DynamicRule{
		dynRule("b-rule", 5, `{"client":"C1"}`, "second"),
		dynRule("a-rule", 5, `{"modality":"tc"}`, "first"),
		dynRule("z-rule", 1, `{"client":"C2"}`, "top"),
	}})
	b := f.Stage(t, "standard-current", "2024-03", false,
		&volumetry.Record{ClientID: "C1", Modality: "TC"},
		&volumetry.Record{ClientID: "C2", Modality: "TC"},
		&volumetry.Record{ClientID: "C3", Modality: "RM"},
	)

	res, err := newEngine(f).Apply(ctx, f.Rule(t, "vol-dynamic-exclusion"), volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Excluded)

	reasons := map[string]string{}
	for _, e := range res.Log {
		reasons[e.Snapshot.ClientID] = e.Reason
	}
	assert.True(t, strings.HasPrefix(reasons["C1"], "dynamic rule a-rule"), reasons["C1"])
	assert.True(t, strings.HasPrefix(reasons["C2"], "dynamic rule z-rule"), reasons["C2"])
	assert.Len(t, f.Records(t, b), 1)
}

func TestApply_DynamicScopeGating(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	legacyOnly := dynRule("legacy", 1, `{"client":["C1","C2"]}`, "closed client")
	legacyOnly.ScopeIncremental = false
	inactive := dynRule("off", 0, `{"client":"C1"}`, "")
	inactive.Active = false
	f.Seed(t, &reference.Dataset{DynamicRules: []reference.DynamicRule{legacyOnly, inactive}})

	inc := f.Stage(t, "standard-current", "2024-03", false, &volumetry.Record{ClientID: "C1"})
	leg := f.Stage(t, "legacy-current", "2024-03", true, &volumetry.Record{ClientID: "C2"}, &volumetry.Record{ClientID: "C3"})

	res, err := newEngine(f).Apply(ctx, f.Rule(t, "vol-dynamic-exclusion"), volumetry.Scope{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Excluded)
	assert.Len(t, f.Records(t, inc), 1)
	assert.Len(t, f.Records(t, leg), 1)
}

func TestApply_DynamicMalformedRuleSkipped(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	bad := dynRule("bad", 1, `{"hospital":"X"}`, "")
	badAction := dynRule("flag", 2, `{"client":"C1"}`, "")
	badAction.Action = "flag"
	f.Seed(t, &reference.Dataset{DynamicRules: []reference.DynamicRule{
		bad, badAction, dynRule("good", 3, `{"client":"C1"}`, ""),
	}})
	b := f.Stage(t, "standard-current", "2024-03", false, &volumetry.Record{ClientID: "C1"})

	res, err := newEngine(f).Apply(ctx, f.Rule(t, "vol-dynamic-exclusion"), volumetry.Scope{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Excluded)
	require.Len(t, res.Skipped, 2)
	for _, s := range res.Skipped {
		assert.True(t, rules.IsConfigError(s), s.Error())
	}
}

func TestApply_RejectsBusinessRule(t *testing.T) {
	f := testutil.NewFixture(t)
	_, err := newEngine(f).Apply(context.Background(), f.Rule(t, "vol-value-fill"), volumetry.Scope{})
	assert.True(t, rules.IsConfigError(err))
}

func TestApply_RemediationOrigin(t *testing.T) {
	ctx := context.Background()
	f := testutil.NewFixture(t)
	d := volumetry.DatePtr
	f.Stage(t, "standard-current", "2024-03", false, rec(d(2024, time.April, 2), d(2024, time.April, 3)))

	e := NewEngine(f.Store, reference.NewCache(f.Refs), f.Logger, Options{Origin: volumetry.OriginRemediation})
	res, err := e.Apply(ctx, f.Rule(t, "vol-period-current"), volumetry.Scope{Period: "2024-03"})
	require.NoError(t, err)
	require.Len(t, res.Log, 1)
	assert.Equal(t, volumetry.OriginRemediation, res.Log[0].Origin)
}
