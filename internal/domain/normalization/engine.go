// Package normalization applies business rules that mutate records in
// place: text cleanup, reference lookups, canonicalization, substitution and
// exam splitting. Every rule is a fixpoint, so re-applying it to processed
// data changes nothing.
package normalization

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/retry"
)

// DefaultChunkSize is the number of records read and written per chunk.
const DefaultChunkSize = 1000

// Options tunes an Engine. A zero ChunkSize means DefaultChunkSize.
type Options struct {
	ChunkSize int
	Retry     retry.Policy
}

// Result counts the effect of one rule application. Split counts replaced
// composite records and Inserted the parts written in their place.
type Result struct {
	Mutated  int64 `json:"mutated"`
	Split    int64 `json:"split"`
	Inserted int64 `json:"inserted"`
}

// Engine applies business rules. It is bound to one reference cache, so a
// new Engine is created per run.
type Engine struct {
	store  volumetry.Store
	refs   *reference.Cache
	opts   Options
	logger zerolog.Logger
}

// NewEngine returns an Engine reading reference data through refs.
func NewEngine(store volumetry.Store, refs *reference.Cache, logger zerolog.Logger, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	return &Engine{
		store:  store,
		refs:   refs,
		opts:   opts,
		logger: logger.With().Str("component", "normalization").Logger(),
	}
}

// Handles reports whether the engine executes rules of kind k.
func Handles(k rules.Kind) bool {
	switch k {
	case rules.KindTextNormalize, rules.KindClientMapping, rules.KindPriorityCanonicalize,
		rules.KindCategoryCanonicalize, rules.KindValueFill, rules.KindSpecialtySubstitution,
		rules.KindExamSplit:
		return true
	}
	return false
}

func base(rule rules.Rule, scope volumetry.Scope) volumetry.Cond {
	return volumetry.And(scope.Cond(), volumetry.Applicable(rule))
}

// Target returns the predicate of the records in scope the rule would still
// change.
func (e *Engine) Target(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (volumetry.Cond, error) {
	p, err := e.compile(ctx, rule)
	if err != nil {
		return volumetry.None(), err
	}
	b := base(rule, scope)
	if p.names == nil {
		return volumetry.And(b, p.target), nil
	}
	names, err := e.resolvedNames(ctx, volumetry.And(b, p.nameScan), p.names)
	if err != nil {
		return volumetry.None(), err
	}
	named := volumetry.And(p.nameScan, volumetry.InFold(volumetry.FieldDoctorName, names...))
	return volumetry.And(b, volumetry.Or(p.target, named)), nil
}

// resolvedNames returns the distinct upper-cased doctor names under cond
// that accept reports true for.
func (e *Engine) resolvedNames(ctx context.Context, cond volumetry.Cond, accept func(string) bool) ([]string, error) {
	seen := map[string]bool{}
	err := e.store.ScanChunks(ctx, cond, e.opts.ChunkSize, func(recs []*volumetry.Record) error {
		for _, rec := range recs {
			name := strings.ToUpper(rec.DoctorName)
			if _, done := seen[name]; done {
				continue
			}
			seen[name] = accept(rec.DoctorName)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read doctor names: %w", err)
	}
	var out []string
	for name, ok := range seen {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Apply runs the rule over every record in scope, chunk by chunk. Each
// chunk's updates are written in one statement batch; each split replaces
// its record atomically.
func (e *Engine) Apply(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (*Result, error) {
	p, err := e.compile(ctx, rule)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	err = e.store.ScanChunks(ctx, volumetry.And(base(rule, scope), p.scan), e.opts.ChunkSize, func(recs []*volumetry.Record) error {
		var updates []*volumetry.Record
		for _, rec := range recs {
			out := p.fix(rec)
			if len(out.parts) > 0 {
				if err := e.split(ctx, rec, out.parts, res); err != nil {
					return err
				}
				continue
			}
			if out.changed {
				updates = append(updates, rec)
			}
		}
		if len(updates) == 0 {
			return nil
		}
		attempts, err := retry.Do(ctx, e.opts.Retry, volumetry.IsTransient, func() error {
			return e.store.UpdateRecords(ctx, updates)
		})
		if err != nil {
			return fmt.Errorf("update chunk after %d attempts: %w", attempts, err)
		}
		res.Mutated += int64(len(updates))
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) split(ctx context.Context, rec *volumetry.Record, parts []*volumetry.Record, res *Result) error {
	var done bool
	attempts, err := retry.Do(ctx, e.opts.Retry, volumetry.IsTransient, func() error {
		var err error
		done, err = e.store.SplitRecord(ctx, rec.ID, parts)
		return err
	})
	if err != nil {
		return fmt.Errorf("split record %s after %d attempts: %w", rec.ID, attempts, err)
	}
	if done {
		res.Split++
		res.Inserted += int64(len(parts))
	}
	return nil
}
