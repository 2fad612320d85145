package exclusion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
)

// ActionExclude is the only action a dynamic rule may carry.
const ActionExclude = "exclude"

// Criterion is one conjunct of a dynamic rule: the record field must hold
// one of Values. Fold compares case-insensitively.
type Criterion struct {
	Key    string
	Field  volumetry.Field
	Values []string
	Fold   bool
}

func (c Criterion) Cond() volumetry.Cond {
	if c.Fold {
		return volumetry.InFold(c.Field, c.Values...)
	}
	return volumetry.In(c.Field, c.Values...)
}

var criterionFields = map[string]Criterion{
	"client":    {Field: volumetry.FieldClientID},
	"modality":  {Field: volumetry.FieldModality, Fold: true},
	"specialty": {Field: volumetry.FieldSpecialty, Fold: true},
	"category":  {Field: volumetry.FieldCategory, Fold: true},
	"doctor":    {Field: volumetry.FieldDoctorName, Fold: true},
}

// ParseCriteria decodes the stored criteria of a dynamic rule. Each key
// accepts a string or a non-empty list of strings; unknown keys, other value
// types and an empty criteria object are ConfigErrors.
func ParseCriteria(ruleID string, raw json.RawMessage) ([]Criterion, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &rules.ConfigError{RuleID: ruleID, Reason: "criteria are empty"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &rules.ConfigError{RuleID: ruleID, Reason: fmt.Sprintf("criteria must be an object: %v", err)}
	}
	if len(fields) == 0 {
		return nil, &rules.ConfigError{RuleID: ruleID, Reason: "criteria are empty"}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Criterion, 0, len(keys))
	for _, k := range keys {
		c, ok := criterionFields[k]
		if !ok {
			return nil, &rules.ConfigError{RuleID: ruleID, Reason: fmt.Sprintf("unknown criterion %q", k)}
		}
		vals, err := stringOrList(fields[k])
		if err != nil {
			return nil, &rules.ConfigError{RuleID: ruleID, Reason: fmt.Sprintf("criterion %q: %v", k, err)}
		}
		c.Key = k
		c.Values = vals
		out = append(out, c)
	}
	return out, nil
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		one = strings.TrimSpace(one)
		if one == "" {
			return nil, fmt.Errorf("value is empty")
		}
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("expected a string or a list of strings")
	}
	var vals []string
	for _, v := range many {
		if v = strings.TrimSpace(v); v != "" {
			vals = append(vals, v)
		}
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("list is empty")
	}
	return vals, nil
}

// compiled is an active dynamic rule ready for evaluation.
type compiled struct {
	rule reference.DynamicRule
	cond volumetry.Cond
}

// scopeCond gates a dynamic rule on the legacy flag of the record's batch.
func scopeCond(d reference.DynamicRule) (volumetry.Cond, bool) {
	switch {
	case d.ScopeLegacy && d.ScopeIncremental:
		return volumetry.All(), true
	case d.ScopeLegacy:
		return volumetry.Eq(volumetry.FieldLegacy, true), true
	case d.ScopeIncremental:
		return volumetry.Eq(volumetry.FieldLegacy, false), true
	}
	return volumetry.None(), false
}

// compile returns the active, in-scope dynamic rules ordered by priority
// then id. Malformed rules are returned as errors and left out.
func compile(defs []reference.DynamicRule) ([]compiled, []error) {
	defs = slices.Clone(defs)
	slices.SortStableFunc(defs, func(a, b reference.DynamicRule) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})

	var out []compiled
	var skipped []error
	for _, d := range defs {
		if !d.Active {
			continue
		}
		gate, ok := scopeCond(d)
		if !ok {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(d.Action), ActionExclude) {
			skipped = append(skipped, &rules.ConfigError{RuleID: d.ID, Reason: fmt.Sprintf("unsupported action %q", d.Action)})
			continue
		}
		crit, err := ParseCriteria(d.ID, d.Criteria)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		conds := []volumetry.Cond{gate}
		for _, c := range crit {
			conds = append(conds, c.Cond())
		}
		out = append(out, compiled{rule: d, cond: volumetry.And(conds...)})
	}
	return out, skipped
}

// firstMatch returns the highest-priority rule matching rec.
func firstMatch(rs []compiled, rec *volumetry.Record) (reference.DynamicRule, bool) {
	for _, c := range rs {
		if c.cond.Match(rec) {
			return c.rule, true
		}
	}
	return reference.DynamicRule{}, false
}
