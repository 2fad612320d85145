// Package monitor verifies, over the whole persisted dataset, that every
// rule's post-condition holds. It only reads: each rule's pending records
// are the records its engine would still act on, counted server-side.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medimg/volumetry/internal/domain/exclusion"
	"github.com/medimg/volumetry/internal/domain/normalization"
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/metrics"
)

const Module = "volumetry"

type Status string

const (
	StatusOK      Status = "ok"
	StatusPending Status = "pending"
	StatusError   Status = "error"
)

// Report is the effectiveness of one rule at CheckedAt.
type Report struct {
	RuleID           string                `json:"rule_id"`
	Kind             rules.Kind            `json:"kind"`
	TotalRecords     int64                 `json:"total_records"`
	PendingRecords   int64                 `json:"pending_records"`
	ProcessedRecords int64                 `json:"processed_records"`
	Percentage       float64               `json:"percentage"`
	Status           Status                `json:"status"`
	Error            string                `json:"error,omitempty"`
	SampleOffenders  []volumetry.RecordRef `json:"sample_offenders"`
	CheckedAt        time.Time             `json:"checked_at"`
}

type Options struct {
	SampleSize  int
	Parallelism int
}

type Monitor struct {
	store   volumetry.Store
	refs    reference.Repository
	reg     *rules.Registry
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

func New(store volumetry.Store, refs reference.Repository, reg *rules.Registry, m *metrics.Metrics,
	logger zerolog.Logger, opts Options) *Monitor {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 10
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Monitor{
		store:   store,
		refs:    refs,
		reg:     reg,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "monitor").Logger(),
	}
}

// target abstracts the engines for the monitor.
type target interface {
	Target(ctx context.Context, rule rules.Rule, scope volumetry.Scope) (volumetry.Cond, error)
}

// Verify reports on the given rules, or on every active rule of the module
// when ruleIDs is empty. An unknown rule id fails the whole call; a failure
// counting one rule is reported in that rule's report.
func (m *Monitor) Verify(ctx context.Context, ruleIDs []string) ([]Report, error) {
	selected, err := m.selectRules(ruleIDs)
	if err != nil {
		return nil, err
	}

	refs := reference.NewCache(m.refs)
	excl := exclusion.NewEngine(m.store, refs, m.logger, exclusion.Options{})
	norm := normalization.NewEngine(m.store, refs, m.logger, normalization.Options{})

	reports := make([]Report, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i, rule := range selected {
		i, rule := i, rule
		var eng target = norm
		if exclusion.Handles(rule.Kind) {
			eng = excl
		}
		g.Go(func() error {
			reports[i] = m.verifyRule(gctx, eng, rule)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pending := 0
	for _, r := range reports {
		if r.Status != StatusOK {
			pending++
		}
	}
	m.logger.Info().Int("rules", len(reports)).Int("not_ok", pending).Msg("verification finished")
	return reports, ctx.Err()
}

func (m *Monitor) selectRules(ruleIDs []string) ([]rules.Rule, error) {
	if len(ruleIDs) == 0 {
		var out []rules.Rule
		for _, r := range m.reg.ListRules(Module, "") {
			if r.Active() {
				out = append(out, r)
			}
		}
		return out, nil
	}
	out := make([]rules.Rule, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		r, err := m.reg.Rule(id)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *Monitor) verifyRule(ctx context.Context, eng target, rule rules.Rule) Report {
	rep := Report{RuleID: rule.ID, Kind: rule.Kind, SampleOffenders: []volumetry.RecordRef{}}
	fail := func(err error) Report {
		rep.Status = StatusError
		rep.Error = err.Error()
		rep.CheckedAt = time.Now().UTC()
		m.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("verification failed")
		return rep
	}

	total, err := m.store.Count(ctx, volumetry.Applicable(rule))
	if err != nil {
		return fail(fmt.Errorf("count records: %w", err))
	}
	cond, err := eng.Target(ctx, rule, volumetry.Scope{})
	if err != nil {
		return fail(err)
	}
	pending, err := m.store.Count(ctx, cond)
	if err != nil {
		return fail(fmt.Errorf("count pending records: %w", err))
	}
	if pending > 0 {
		sample, err := m.store.Sample(ctx, cond, m.opts.SampleSize)
		if err != nil {
			return fail(fmt.Errorf("sample pending records: %w", err))
		}
		for _, r := range sample {
			rep.SampleOffenders = append(rep.SampleOffenders, r.Ref())
		}
	}

	// Exclusion targets are a subset of the applicable records counted
	// before, but a concurrent run may have inserted records in between.
	if pending > total {
		total = pending
	}
	rep.TotalRecords = total
	rep.PendingRecords = pending
	rep.ProcessedRecords = total - pending
	rep.Percentage = 100
	if total > 0 {
		rep.Percentage = float64(rep.ProcessedRecords) * 100 / float64(total)
	}
	rep.Status = StatusOK
	if pending > 0 {
		rep.Status = StatusPending
	}
	rep.CheckedAt = time.Now().UTC()
	m.metrics.SetPending(rule.ID, pending)
	return rep
}
