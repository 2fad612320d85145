// Package pipeline runs the rule catalog over a staged batch in execution
// order. Each rule commits its own effects; a failing rule is recorded in
// the run and the next rule proceeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medimg/volumetry/internal/domain/exclusion"
	"github.com/medimg/volumetry/internal/domain/normalization"
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/platform/retry"
)

// Module is the registry module the executor runs.
const Module = "volumetry"

// Error kinds recorded in RuleError.Kind.
const (
	KindConfig       = "config"
	KindTransient    = "transient"
	KindPeriodClosed = "period_closed"
	KindCancelled    = "cancelled"
	KindStore        = "store"
)

type Options struct {
	ChunkSize int
	Retry     retry.Policy
}

// Executor applies registry rules to staged batches.
type Executor struct {
	store   volumetry.Store
	refs    reference.Repository
	reg     *rules.Registry
	locker  lock.Locker
	metrics *metrics.Metrics
	opts    Options
	logger  zerolog.Logger
}

func NewExecutor(store volumetry.Store, refs reference.Repository, reg *rules.Registry, locker lock.Locker,
	m *metrics.Metrics, logger zerolog.Logger, opts Options) *Executor {
	return &Executor{
		store:   store,
		refs:    refs,
		reg:     reg,
		locker:  locker,
		metrics: m,
		opts:    opts,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// Rules returns the active rules the executor applies to batches with tag,
// in execution order.
func (e *Executor) Rules(tag rules.SourceTag) []rules.Rule {
	var out []rules.Rule
	for _, r := range e.reg.ListRules(Module, tag) {
		if r.Active() {
			out = append(out, r)
		}
	}
	return out
}

// Run applies every active rule applicable to the batch's source tag, in
// execution order, and returns the persisted run.
//
// Errors are returned only when the run cannot start: unknown batch, closed
// period, period lock held, or a store failure creating the run. Once
// started, rule failures are recorded in the run, which ends in
// partial-failure. Re-running a batch is safe: every rule is idempotent.
func (e *Executor) Run(ctx context.Context, batchID uuid.UUID) (*volumetry.Run, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	closed, err := volumetry.IsClosed(ctx, e.store, batch.Period)
	if err != nil {
		return nil, fmt.Errorf("check period status: %w", err)
	}
	if closed {
		return nil, &volumetry.PeriodClosedError{Period: batch.Period}
	}

	release, err := e.locker.Acquire(ctx, lock.PeriodKey(string(batch.Period)))
	if err != nil {
		return nil, fmt.Errorf("lock period %s: %w", batch.Period, err)
	}
	defer release()

	run := &volumetry.Run{
		ID:           uuid.New(),
		BatchID:      batch.ID,
		SourceTag:    batch.SourceTag,
		Period:       batch.Period,
		Status:       volumetry.RunStaged,
		RulesApplied: []string{},
		Errors:       []volumetry.RuleError{},
		StartedAt:    time.Now().UTC(),
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	scope := volumetry.Scope{BatchID: batch.ID}
	in, err := e.store.Count(ctx, scope.Cond())
	if err != nil {
		return nil, fmt.Errorf("count batch records: %w", err)
	}
	run.RecordsIn = in
	run.Status = volumetry.RunRunning
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	log := e.logger.With().Str("run_id", run.ID.String()).Str("batch_id", batch.ID.String()).
		Str("period", string(batch.Period)).Logger()
	log.Info().Str("source_tag", string(batch.SourceTag)).Int64("records_in", in).Msg("pipeline run started")

	refs := reference.NewCache(e.refs)
	excl := exclusion.NewEngine(e.store, refs, e.logger, exclusion.Options{
		ChunkSize: e.opts.ChunkSize, Retry: e.opts.Retry, Origin: volumetry.OriginPipeline,
	})
	norm := normalization.NewEngine(e.store, refs, e.logger, normalization.Options{
		ChunkSize: e.opts.ChunkSize, Retry: e.opts.Retry,
	})

	for _, rule := range e.Rules(batch.SourceTag) {
		if err := ctx.Err(); err != nil {
			run.Errors = append(run.Errors, volumetry.RuleError{RuleID: rule.ID, Kind: KindCancelled, Message: err.Error()})
			break
		}
		closed, err := volumetry.IsClosed(ctx, e.store, batch.Period)
		if err == nil && closed {
			err = &volumetry.PeriodClosedError{Period: batch.Period}
		}
		if err != nil {
			run.Errors = append(run.Errors, ruleError(rule.ID, err))
			log.Error().Err(err).Str("rule_id", rule.ID).Msg("run stopped")
			break
		}

		start := time.Now()
		err = e.apply(ctx, excl, norm, rule, scope, run)
		e.metrics.ObserveRule(rule.ID, time.Since(start))
		if err != nil {
			re := ruleError(rule.ID, err)
			run.Errors = append(run.Errors, re)
			e.metrics.IncrementRuleFailure(rule.ID, re.Kind)
			log.Error().Err(err).Str("rule_id", rule.ID).Str("kind", re.Kind).Msg("rule failed")
			if re.Kind == KindPeriodClosed || re.Kind == KindCancelled {
				break
			}
		} else {
			run.RulesApplied = append(run.RulesApplied, rule.ID)
		}
		// Persist progress after every rule so a crash leaves an accurate run.
		if err := e.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn().Err(err).Msg("save run progress")
		}
	}

	return e.finish(ctx, run, scope, log), nil
}

func (e *Executor) apply(ctx context.Context, excl *exclusion.Engine, norm *normalization.Engine,
	rule rules.Rule, scope volumetry.Scope, run *volumetry.Run) error {
	start := time.Now()
	switch {
	case exclusion.Handles(rule.Kind):
		res, err := excl.Apply(ctx, rule, scope)
		if res != nil {
			run.RecordsExcluded += res.Excluded
			e.metrics.AddRuleCounts(rule.ID, res.Excluded, 0, 0)
			for _, s := range res.Skipped {
				run.Errors = append(run.Errors, ruleError(rule.ID, s))
			}
		}
		if err != nil {
			return err
		}
		e.logger.Info().Str("rule_id", rule.ID).Str("batch_id", run.BatchID.String()).
			Int64("excluded", res.Excluded).Int("skipped", len(res.Skipped)).
			Dur("duration", time.Since(start)).Msg("exclusion rule applied")
		return nil

	case normalization.Handles(rule.Kind):
		res, err := norm.Apply(ctx, rule, scope)
		if res != nil {
			run.RecordsMutated += res.Mutated
			run.RecordsSplit += res.Split
			e.metrics.AddRuleCounts(rule.ID, 0, res.Mutated, res.Split)
		}
		if err != nil {
			return err
		}
		e.logger.Info().Str("rule_id", rule.ID).Str("batch_id", run.BatchID.String()).
			Int64("mutated", res.Mutated).Int64("split", res.Split).Int64("inserted", res.Inserted).
			Dur("duration", time.Since(start)).Msg("business rule applied")
		return nil
	}
	return &rules.ConfigError{RuleID: rule.ID, Reason: fmt.Sprintf("no engine for kind %q", rule.Kind)}
}

func (e *Executor) finish(ctx context.Context, run *volumetry.Run, scope volumetry.Scope, log zerolog.Logger) *volumetry.Run {
	ctx = context.WithoutCancel(ctx)
	if out, err := e.store.Count(ctx, scope.Cond()); err != nil {
		run.Errors = append(run.Errors, ruleError("", err))
	} else {
		run.RecordsOut = out
	}

	run.Status = volumetry.RunCompleted
	if len(run.Errors) > 0 {
		run.Status = volumetry.RunPartialFailure
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := e.store.SaveRun(ctx, run); err != nil {
		log.Error().Err(err).Msg("save finished run")
	}
	e.metrics.IncrementRun(string(run.Status))

	log.Info().Str("status", string(run.Status)).Int64("records_out", run.RecordsOut).
		Int64("excluded", run.RecordsExcluded).Int64("mutated", run.RecordsMutated).
		Int64("split", run.RecordsSplit).Int("errors", len(run.Errors)).
		Dur("duration", now.Sub(run.StartedAt)).Msg("pipeline run finished")
	return run
}

func ruleError(ruleID string, err error) volumetry.RuleError {
	kind := KindStore
	switch {
	case rules.IsConfigError(err):
		kind = KindConfig
	case volumetry.IsPeriodClosed(err):
		kind = KindPeriodClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = KindCancelled
	case volumetry.IsTransient(err):
		kind = KindTransient
	}
	return volumetry.RuleError{RuleID: ruleID, Kind: kind, Message: err.Error()}
}

func (e *Executor) GetRun(ctx context.Context, id uuid.UUID) (*volumetry.Run, error) {
	return e.store.GetRun(ctx, id)
}

// ListRuns pages through runs, newest first. A nil batchID lists all runs.
func (e *Executor) ListRuns(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*volumetry.Run, int, error) {
	return e.store.ListRuns(ctx, batchID, limit, offset)
}
