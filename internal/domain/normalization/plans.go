package normalization

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	v "github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/pkg/textnorm"
)

// outcome is what a rule does to one record: mutate it in place, replace it
// with parts, or nothing.
type outcome struct {
	changed bool
	parts   []*v.Record
}

// plan is a rule compiled against the reference data of one run.
//
// target selects exactly the records fix would change and is what the
// monitor counts. scan is a superset of target read by Apply when part of
// the rule cannot be expressed in SQL.
//
// When names is set, target cannot list every doctor name the rule resolves.
// Engine.Target then reads the distinct doctor names under nameScan and adds
// the ones names accepts.
type plan struct {
	target   v.Cond
	scan     v.Cond
	fix      func(*v.Record) outcome
	nameScan v.Cond
	names    func(string) bool
}

func (e *Engine) compile(ctx context.Context, rule rules.Rule) (*plan, error) {
	switch rule.Kind {
	case rules.KindTextNormalize:
		return textPlan(rule), nil
	case rules.KindClientMapping:
		clients, err := e.refs.ActiveClients(ctx)
		if err != nil {
			return nil, fmt.Errorf("load clients: %w", err)
		}
		return clientPlan(clients), nil
	case rules.KindPriorityCanonicalize:
		m, err := e.refs.Priorities(ctx)
		if err != nil {
			return nil, fmt.Errorf("load priority mapping: %w", err)
		}
		return canonicalPlan(v.FieldPriority, m, rule.Params.Canonical), nil
	case rules.KindCategoryCanonicalize:
		m, err := e.refs.Categories(ctx)
		if err != nil {
			return nil, fmt.Errorf("load category mapping: %w", err)
		}
		return canonicalPlan(v.FieldCategory, m, rule.Params.Canonical), nil
	case rules.KindValueFill:
		values, err := e.refs.Values(ctx)
		if err != nil {
			return nil, fmt.Errorf("load value mapping: %w", err)
		}
		return valuePlan(values), nil
	case rules.KindSpecialtySubstitution:
		cad, err := e.refs.Cadastre(ctx)
		if err != nil {
			return nil, fmt.Errorf("load exam cadastre: %w", err)
		}
		docs, err := e.refs.Doctors(ctx)
		if err != nil {
			return nil, fmt.Errorf("load doctor roster: %w", err)
		}
		return specialtyPlan(rule.Params, cad, newRoster(docs)), nil
	case rules.KindExamSplit:
		return splitPlan(rule.Params.Composites), nil
	}
	return nil, &rules.ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("kind %q is not a business kind", rule.Kind)}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cleanText(f v.Field, s string, honorifics []string) string {
	if f == v.FieldDoctorName {
		return textnorm.Name(s, honorifics)
	}
	return textnorm.Fold(s)
}

// textPlan targets values with blanks to collapse, runes Fold rewrites,
// lower case, and for doctor names honorifics and parenthetical codes.
// Apply rewrites every value cleanText changes.
func textPlan(rule rules.Rule) *plan {
	honorifics := rule.Params.Honorifics
	if len(honorifics) == 0 {
		honorifics = textnorm.DefaultHonorifics
	}
	fields := make([]v.Field, len(rule.Params.Fields))
	for i, f := range rule.Params.Fields {
		fields[i] = v.Field(f)
	}

	var conds []v.Cond
	for _, f := range fields {
		conds = append(conds,
			v.Like(f, "%  %"), v.Like(f, " %"), v.Like(f, "% "),
			v.ContainsAny(f, textnorm.Rewritten),
			v.NotUpper(f),
		)
		if f == v.FieldDoctorName {
			conds = append(conds, v.Like(f, "%(%"), v.Like(f, "%[%"))
			for _, h := range honorifics {
				h = strings.TrimSuffix(textnorm.Fold(h), ".")
				conds = append(conds, v.Like(f, h+" %"), v.Like(f, h+".%"))
			}
		}
	}
	target := v.Or(conds...)
	return &plan{
		target: target,
		scan:   target,
		fix: func(rec *v.Record) outcome {
			changed := false
			for _, f := range fields {
				cur := rec.Get(f)
				if next := cleanText(f, cur, honorifics); next != cur {
					rec.Set(f, next)
					changed = true
				}
			}
			return outcome{changed: changed}
		},
	}
}

// clientPlan targets records of an active registry client whose name
// differs from the canonical one. Names are written folded so the text rule
// leaves them alone on the next run.
func clientPlan(clients map[string]reference.Client) *plan {
	folded := make(map[string]string, len(clients))
	conds := make([]v.Cond, 0, len(clients))
	for _, id := range sortedKeys(clients) {
		folded[id] = textnorm.Fold(clients[id].CanonicalName)
		conds = append(conds, v.And(
			v.Eq(v.FieldClientID, id),
			v.Not(v.Eq(v.FieldClientName, folded[id])),
		))
	}
	target := v.Or(conds...)
	return &plan{
		target: target,
		scan:   target,
		fix: func(rec *v.Record) outcome {
			name, ok := folded[rec.ClientID]
			if !ok || rec.ClientName == name {
				return outcome{}
			}
			rec.ClientName = name
			return outcome{changed: true}
		},
	}
}

// canonicalPlan targets values outside the canonical enumeration that the
// mapping translates to something else. Unmapped values are left alone.
func canonicalPlan(f v.Field, mapping map[string]string, canonical []string) *plan {
	isCanonical := make(map[string]bool, len(canonical))
	for _, c := range canonical {
		isCanonical[c] = true
	}

	byTarget := map[string][]string{}
	for _, raw := range sortedKeys(mapping) {
		byTarget[mapping[raw]] = append(byTarget[mapping[raw]], raw)
	}
	groups := make([]v.Cond, 0, len(byTarget))
	for _, to := range sortedKeys(byTarget) {
		groups = append(groups, v.And(v.InFold(f, byTarget[to]...), v.Not(v.Eq(f, to))))
	}
	target := v.And(v.Not(v.In(f, canonical...)), v.Or(groups...))
	return &plan{
		target: target,
		scan:   target,
		fix: func(rec *v.Record) outcome {
			cur := rec.Get(f)
			if isCanonical[cur] {
				return outcome{}
			}
			to, ok := mapping[strings.ToUpper(cur)]
			if !ok || to == cur {
				return outcome{}
			}
			rec.Set(f, to)
			return outcome{changed: true}
		},
	}
}

// valuePlan targets zero values whose exam has a non-zero mapped value.
func valuePlan(values map[string]float64) *plan {
	var keys []string
	for _, k := range sortedKeys(values) {
		if values[k] != 0 {
			keys = append(keys, k)
		}
	}
	target := v.And(v.Zero(v.FieldValue), v.InFold(v.FieldExamName, keys...))
	return &plan{
		target: target,
		scan:   target,
		fix: func(rec *v.Record) outcome {
			if rec.Value != 0 {
				return outcome{}
			}
			val := values[strings.ToUpper(rec.ExamName)]
			if val == 0 {
				return outcome{}
			}
			rec.Value = val
			return outcome{changed: true}
		},
	}
}

// specialtyPlan substitutes generic specialties from the exam cadastre and
// resolves roster-specialty records to a roster doctor. Roster names are
// matched in Go, so the roster half of target is filled in by Engine.Target.
func specialtyPlan(p rules.Params, cadastre map[string]reference.CadastreExam, ros *roster) *plan {
	isSource := make(map[string]bool, len(p.SourceSpecialties))
	for _, s := range p.SourceSpecialties {
		isSource[s] = true
	}
	// Entries mapping to a source specialty would never settle.
	usable := make(map[string]reference.CadastreExam, len(cadastre))
	for k, c := range cadastre {
		specialty := reference.Key(c.Specialty)
		if specialty == "" || isSource[specialty] {
			continue
		}
		usable[k] = c
	}

	cadastreCond := v.And(v.InFold(v.FieldSpecialty, p.SourceSpecialties...), v.InFold(v.FieldExamName, sortedKeys(usable)...))
	rosterBase := v.And(v.InFold(v.FieldSpecialty, p.RosterSpecialty), v.Blank(v.FieldDoctorID))

	return &plan{
		target:   cadastreCond,
		scan:     v.Or(cadastreCond, rosterBase),
		nameScan: rosterBase,
		names: func(name string) bool {
			_, ok := ros.Resolve(name)
			return ok
		},
		fix: func(rec *v.Record) outcome {
			specialty := strings.ToUpper(rec.Specialty)
			if isSource[specialty] {
				c, ok := usable[strings.ToUpper(rec.ExamName)]
				if !ok {
					return outcome{}
				}
				rec.Specialty = c.Specialty
				if c.Category != "" {
					rec.Category = c.Category
				}
				return outcome{changed: true}
			}
			if specialty != p.RosterSpecialty || rec.DoctorID != "" {
				return outcome{}
			}
			d, ok := ros.Resolve(rec.DoctorName)
			if !ok {
				return outcome{}
			}
			rec.DoctorID = d.ID
			rec.DoctorName = textnorm.Name(d.FullName, nil)
			if d.Specialty != "" {
				rec.Specialty = d.Specialty
			}
			return outcome{changed: true}
		},
	}
}

// splitPlan replaces a composite exam with one record per part, each valued
// at one unit and carrying the composite's category.
func splitPlan(composites []rules.Composite) *plan {
	byKey := make(map[string]rules.Composite, len(composites))
	for _, c := range composites {
		byKey[c.Key] = c
	}
	target := v.InFold(v.FieldExamName, sortedKeys(byKey)...)
	return &plan{
		target: target,
		scan:   target,
		fix: func(rec *v.Record) outcome {
			c, ok := byKey[strings.ToUpper(rec.ExamName)]
			if !ok {
				return outcome{}
			}
			parts := make([]*v.Record, len(c.Parts))
			for i, name := range c.Parts {
				part := rec.Clone()
				part.ID = uuid.New()
				part.ExamName = name
				part.Category = c.Category
				part.Value = 1
				parts[i] = part
			}
			return outcome{parts: parts}
		},
	}
}
