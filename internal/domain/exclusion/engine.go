// Package exclusion applies rules whose effect is the permanent removal of
// records. Every removed record is captured in the exclusion log in the same
// store transaction that deletes it.
package exclusion

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/retry"
)

// DefaultChunkSize is the number of records read and deleted per step.
const DefaultChunkSize = 1000

// Options tunes an Engine. Origin is stamped on every exclusion log entry.
type Options struct {
	ChunkSize int
	Retry     retry.Policy
	Origin    volumetry.Origin
	Now       func() time.Time
}

// Result is the outcome of one rule application.
type Result struct {
	Excluded int64                          `json:"excluded"`
	Log      []*volumetry.ExclusionLogEntry `json:"-"`
	// Skipped holds the ConfigErrors of dynamic rules left out of the
	// application.
	Skipped []error `json:"-"`
}

// Engine applies exclusion rules. It is bound to one reference cache, so a
// new Engine is created per run or remediation.
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
	if opts.Origin == "" {
		opts.Origin = volumetry.OriginPipeline
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:  store,
		refs:   refs,
		opts:   opts,
		logger: logger.With().Str("component", "exclusion").Logger(),
	}
}

// Handles reports whether the engine executes rules of kind k.
func Handles(k rules.Kind) bool {
	return k.IsPeriodWindow() || k == rules.KindDynamicCriteria
}

type plan struct {
	target  volumetry.Cond
	dynamic []compiled
	skipped []error
}

func (e *Engine) plan(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (*plan, error) {
	base := volumetry.And(scope.Cond(), volumetry.Applicable(rule))
	switch {
	case rule.Kind.IsPeriodWindow():
		periods, err := e.store.Periods(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("list periods: %w", err)
		}
		windows := make([]volumetry.Cond, 0, len(periods))
		for _, p := range periods {
			w, _ := Window(rule.Kind, p)
			windows = append(windows, volumetry.And(volumetry.Eq(volumetry.FieldPeriod, p), w))
		}
		return &plan{target: volumetry.And(base, volumetry.Or(windows...))}, nil

	case rule.Kind == rules.KindDynamicCriteria:
		defs, err := e.refs.DynamicRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load dynamic rules: %w", err)
		}
		dyn, skipped := compile(defs)
		conds := make([]volumetry.Cond, len(dyn))
		for i, d := range dyn {
			conds[i] = d.cond
		}
		return &plan{target: volumetry.And(base, volumetry.Or(conds...)), dynamic: dyn, skipped: skipped}, nil
	}
	return nil, &rules.ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("kind %q is not an exclusion kind", rule.Kind)}
}

// Target returns the predicate of the records in scope the rule would
// exclude. The monitor counts it as the rule's pending records.
func (e *Engine) Target(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (volumetry.Cond, error) {
	p, err := e.plan(ctx, rule, scope)
	if err != nil {
		return volumetry.None(), err
	}
	return p.target, nil
}

// reason returns the log reason for rec, or false when no rule excludes it.
func (p *plan) reason(rule rules.Rule, rec *volumetry.Record) (string, bool) {
	if rule.Kind.IsPeriodWindow() {
		return windowReason(rule.Kind, rec.Period), true
	}
	d, ok := firstMatch(p.dynamic, rec)
	if !ok {
		return "", false
	}
	if d.Reason == "" {
		return "dynamic rule " + d.ID, true
	}
	return "dynamic rule " + d.ID + ": " + d.Reason, true
}

// Apply deletes every record in scope the rule targets, chunk by chunk, and
// returns the log entries of the rows it deleted. Re-applying a rule to data
// it already processed deletes nothing.
func (e *Engine) Apply(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (*Result, error) {
	p, err := e.plan(ctx, rule, scope)
	if err != nil {
		return nil, err
	}
	res := &Result{Skipped: p.skipped}
	for _, s := range p.skipped {
		e.logger.Warn().Err(s).Str("rule_id", rule.ID).Msg("dynamic rule skipped")
	}

	err = e.store.ScanChunks(ctx, p.target, e.opts.ChunkSize, func(recs []*volumetry.Record) error {
		now := e.opts.Now().UTC()
		entries := make([]*volumetry.ExclusionLogEntry, 0, len(recs))
		for _, rec := range recs {
			if reason, ok := p.reason(rule, rec); ok {
				entries = append(entries, volumetry.NewExclusion(rec, rule.ID, reason, e.opts.Origin, now))
			}
		}
		if len(entries) == 0 {
			return nil
		}

		var logged []*volumetry.ExclusionLogEntry
		attempts, err := retry.Do(ctx, e.opts.Retry, volumetry.IsTransient, func() error {
			var err error
			logged, err = e.store.Exclude(ctx, entries)
			return err
		})
		if err != nil {
			return fmt.Errorf("exclude chunk after %d attempts: %w", attempts, err)
		}
		res.Excluded += int64(len(logged))
		res.Log = append(res.Log, logged...)
		return nil
	})
	if err != nil {
		return res, err
	}
	return res, nil
}
