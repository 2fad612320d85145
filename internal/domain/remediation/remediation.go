// Package remediation re-applies period-window exclusion rules on demand to
// data that was loaded before the rules existed or changed.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/medimg/volumetry/internal/domain/exclusion"
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/platform/retry"
)

// ErrNoRules is returned when Remediate is called without rule ids.
var ErrNoRules = errors.New("at least one rule id is required")

// Result summarizes one remediation. RemainingCount is the number of records
// in scope the rules would still exclude once the remediation finished.
type Result struct {
	DeletedCount   int64    `json:"deleted_count"`
	RemainingCount int64    `json:"remaining_count"`
	PerStepDetail  []string `json:"per_step_detail"`
}

// Options tunes a Service. A zero ChunkSize uses the exclusion default.
type Options struct {
	ChunkSize int
}

// Service retroactively applies exclusion rules to already-ingested periods.
type Service struct {
	store   volumetry.Store
	refs    reference.Repository
	reg     *rules.Registry
	locker  lock.Locker
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

// NewService returns a Service that serializes work per period through locker.
func NewService(store volumetry.Store, refs reference.Repository, reg *rules.Registry, locker lock.Locker,
	m *metrics.Metrics, logger zerolog.Logger, opts Options) *Service {
	return &Service{
		store:   store,
		refs:    refs,
		reg:     reg,
		locker:  locker,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "remediation").Logger(),
	}
}

// Remediate applies the given period-window rules to every record in scope,
// one reference period at a time under the period lock. A closed period in
// scope refuses the whole remediation before anything is deleted. Running it
// again on the same scope deletes nothing.
func (s *Service) Remediate(ctx context.Context, ruleIDs []string, scope volumetry.Scope) (*Result, error) {
	selected, err := s.selectRules(ruleIDs)
	if err != nil {
		return nil, err
	}
	if scope.Period != "" && !scope.Period.Valid() {
		return nil, &rules.ConfigError{Reason: fmt.Sprintf("invalid period %q", scope.Period)}
	}

	periods, err := s.periods(ctx, selected, scope)
	if err != nil {
		return nil, err
	}
	for _, p := range periods {
		closed, err := volumetry.IsClosed(ctx, s.store, p)
		if err != nil {
			return nil, fmt.Errorf("check period status: %w", err)
		}
		if closed {
			return nil, &volumetry.PeriodClosedError{Period: p}
		}
	}

	start := time.Now()
	engine := exclusion.NewEngine(s.store, reference.NewCache(s.refs), s.logger, exclusion.Options{
		ChunkSize: s.opts.ChunkSize,
		Retry:     retry.Policy{MaxAttempts: 1},
		Origin:    volumetry.OriginRemediation,
	})
	res := &Result{PerStepDetail: []string{}}
	for _, p := range periods {
		if err := s.remediatePeriod(ctx, engine, selected, scope.WithPeriod(p), res); err != nil {
			return res, err
		}
	}

	for _, rule := range selected {
		cond, err := engine.Target(ctx, rule, scope)
		if err != nil {
			return res, err
		}
		n, err := s.store.Count(ctx, cond)
		if err != nil {
			return res, fmt.Errorf("count remaining records: %w", err)
		}
		res.RemainingCount += n
	}

	s.logger.Info().Strs("rule_ids", ruleIDs).Int("periods", len(periods)).
		Int64("deleted", res.DeletedCount).Int64("remaining", res.RemainingCount).
		Dur("duration", time.Since(start)).Msg("remediation finished")
	return res, nil
}

func (s *Service) remediatePeriod(ctx context.Context, engine *exclusion.Engine, selected []rules.Rule,
	scope volumetry.Scope, res *Result) error {
	release, err := s.locker.Acquire(ctx, lock.PeriodKey(string(scope.Period)))
	if err != nil {
		return fmt.Errorf("lock period %s: %w", scope.Period, err)
	}
	defer release()

	// The period may have been closed while waiting for the lock.
	closed, err := volumetry.IsClosed(ctx, s.store, scope.Period)
	if err != nil {
		return fmt.Errorf("check period status: %w", err)
	}
	if closed {
		return &volumetry.PeriodClosedError{Period: scope.Period}
	}

	for _, rule := range selected {
		out, err := engine.Apply(ctx, rule, scope)
		if out != nil {
			res.DeletedCount += out.Excluded
			s.metrics.AddRemediated(rule.ID, out.Excluded)
		}
		if err != nil {
			return fmt.Errorf("rule %s period %s: %w", rule.ID, scope.Period, err)
		}
		res.PerStepDetail = append(res.PerStepDetail,
			fmt.Sprintf("%s %s: deleted %d", rule.ID, scope.Period, out.Excluded))
		s.logger.Info().Str("rule_id", rule.ID).Str("period", string(scope.Period)).
			Int64("deleted", out.Excluded).Msg("remediation step")
	}
	return nil
}

// selectRules resolves ids to rules in pipeline order. Only period-window
// rules can be remediated.
func (s *Service) selectRules(ruleIDs []string) ([]rules.Rule, error) {
	if len(ruleIDs) == 0 {
		return nil, ErrNoRules
	}
	out := make([]rules.Rule, 0, len(ruleIDs))
	seen := map[string]bool{}
	for _, id := range ruleIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, err := s.reg.Rule(id)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		if !r.Kind.IsPeriodWindow() {
			return nil, &rules.ConfigError{RuleID: id, Reason: fmt.Sprintf("kind %q cannot be remediated", r.Kind)}
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b rules.Rule) int { return a.ExecutionOrder - b.ExecutionOrder })
	return out, nil
}

// periods returns the distinct periods in scope any selected rule applies to.
func (s *Service) periods(ctx context.Context, selected []rules.Rule, scope volumetry.Scope) ([]volumetry.Period, error) {
	var out []volumetry.Period
	for _, rule := range selected {
		ps, err := s.store.Periods(ctx, volumetry.And(scope.Cond(), volumetry.Applicable(rule)))
		if err != nil {
			return nil, fmt.Errorf("list periods: %w", err)
		}
		out = append(out, ps...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
