package volumetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/platform/lock"
)

// StageRecord is one row of the JSON staging contract. Dates use YYYY-MM-DD.
type StageRecord struct {
	ClientID   string  `json:"client_id"`
	ClientName string  `json:"client_name"`
	Modality   string  `json:"modality"`
	Specialty  string  `json:"specialty"`
	Category   string  `json:"category"`
	Priority   string  `json:"priority"`
	ExamName   string  `json:"exam_name"`
	ExamDate   string  `json:"exam_date"`
	ReportDate string  `json:"report_date"`
	Value      float64 `json:"value"`
	DoctorName string  `json:"doctor_name"`
}

// StageRequest is a batch handed over by the upload collaborator.
type StageRequest struct {
	SourceTag rules.SourceTag `json:"source_tag"`
	Period    string          `json:"period"`
	Legacy    bool            `json:"legacy"`
	Records   []StageRecord   `json:"records"`
}

// Service administers batches, the exclusion log and period status.
type Service struct {
	store  Store
	reg    *rules.Registry
	locker lock.Locker
	logger zerolog.Logger
}

// NewService returns a Service. Closing a period takes the period lock from
// locker, so it waits for runs and remediations holding it.
func NewService(store Store, reg *rules.Registry, locker lock.Locker, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		reg:    reg,
		locker: locker,
		logger: logger.With().Str("component", "volumetry").Logger(),
	}
}

func parseOptionalDate(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("%s %q: expected YYYY-MM-DD", field, s)
	}
	return &t, nil
}

// StageBatch validates and persists a batch with its records.
func (s *Service) StageBatch(ctx context.Context, req *StageRequest) (*Batch, error) {
	if _, ok := s.reg.Classify(req.SourceTag); !ok {
		return nil, fmt.Errorf("unknown source_tag %q", req.SourceTag)
	}
	period, err := ParsePeriod(req.Period)
	if err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, fmt.Errorf("records are required")
	}

	recs := make([]*Record, 0, len(req.Records))
	for i, in := range req.Records {
		examDate, err := parseOptionalDate("exam_date", in.ExamDate)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		reportDate, err := parseOptionalDate("report_date", in.ReportDate)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		recs = append(recs, &Record{
			ID:         uuid.New(),
			ClientID:   in.ClientID,
			ClientName: in.ClientName,
			Modality:   in.Modality,
			Specialty:  in.Specialty,
			Category:   in.Category,
			Priority:   in.Priority,
			ExamName:   in.ExamName,
			ExamDate:   examDate,
			ReportDate: reportDate,
			Value:      in.Value,
			DoctorName: in.DoctorName,
		})
	}

	b := &Batch{SourceTag: req.SourceTag, Period: period, Legacy: req.Legacy}
	if err := s.store.StageBatch(ctx, b, recs); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("batch_id", b.ID.String()).
		Str("source_tag", string(b.SourceTag)).
		Str("period", string(b.Period)).
		Int("records", b.RecordCount).
		Msg("batch staged")
	return b, nil
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return s.store.GetBatch(ctx, id)
}

func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	return s.store.ListBatches(ctx, limit, offset)
}

func (s *Service) ListExclusions(ctx context.Context, f ExclusionFilter, limit, offset int) ([]*ExclusionLogEntry, int, error) {
	return s.store.ListExclusions(ctx, f, limit, offset)
}

func (s *Service) GetPeriod(ctx context.Context, p Period) (*PeriodStatus, error) {
	return s.store.GetPeriodStatus(ctx, p)
}

// ClosePeriod freezes a reference period: runs and remediations targeting
// it are refused from now on. It waits for the operation holding the period
// lock and fails with lock.ErrPeriodBusy if the wait elapses.
func (s *Service) ClosePeriod(ctx context.Context, p Period, by string) (*PeriodStatus, error) {
	release, err := s.locker.Acquire(ctx, lock.PeriodKey(string(p)))
	if err != nil {
		return nil, fmt.Errorf("lock period %s: %w", p, err)
	}
	defer release()

	now := time.Now().UTC()
	st := &PeriodStatus{Period: p, Closed: true, ClosedAt: &now, ClosedBy: by}
	if err := s.store.SetPeriodStatus(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info().Str("period", string(p)).Str("closed_by", by).Msg("period closed")
	return st, nil
}

func (s *Service) OpenPeriod(ctx context.Context, p Period) (*PeriodStatus, error) {
	st := &PeriodStatus{Period: p}
	if err := s.store.SetPeriodStatus(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info().Str("period", string(p)).Msg("period reopened")
	return st, nil
}
