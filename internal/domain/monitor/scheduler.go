package monitor

import (
	"context"
	"time"
)

// Scheduler runs a full verification on a fixed interval. It replaces UI
// polling and uses the same Verify call as the on-demand endpoint.
type Scheduler struct {
	mon      *Monitor
	interval time.Duration
	// OnReport receives each completed verification; nil discards it.
	OnReport func([]Report)
}

func NewScheduler(mon *Monitor, interval time.Duration) *Scheduler {
	return &Scheduler{mon: mon, interval: interval}
}

// Start blocks, verifying every interval until ctx is done. A non-positive
// interval disables the job.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	reports, err := s.mon.Verify(ctx, nil)
	if err != nil {
		s.mon.logger.Error().Err(err).Msg("scheduled verification failed")
		return
	}
	for _, r := range reports {
		if r.Status != StatusOK {
			s.mon.logger.Warn().Str("rule_id", r.RuleID).Str("status", string(r.Status)).
				Int64("pending", r.PendingRecords).Msg("rule post-condition not met")
		}
	}
	if s.OnReport != nil {
		s.OnReport(reports)
	}
}
