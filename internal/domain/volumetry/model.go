package volumetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medimg/volumetry/internal/domain/rules"
)

// DateLayout is the wire and storage layout of calendar dates.
const DateLayout = "2006-01-02"

// Period is a reference month in YYYY-MM form.
type Period string

// ParsePeriod validates and canonicalizes a YYYY-MM string.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", fmt.Errorf("invalid period %q: expected YYYY-MM", s)
	}
	return Period(t.Format("2006-01")), nil
}

// Start returns the first day of the reference month (UTC). An invalid
// period yields the zero time.
func (p Period) Start() time.Time {
	t, _ := time.Parse("2006-01", string(p))
	return t
}

func (p Period) Valid() bool {
	_, err := time.Parse("2006-01", string(p))
	return err == nil
}

// Date returns a UTC date at midnight.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DatePtr returns a pointer to a UTC date, convenient for records.
func DatePtr(year int, month time.Month, day int) *time.Time {
	d := Date(year, month, day)
	return &d
}

// Record is one volumetry row: one billable imaging exam.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	BatchID    uuid.UUID       `json:"batch_id"`
	SourceTag  rules.SourceTag `json:"source_tag"`
	Period     Period          `json:"period"`
	Legacy     bool            `json:"legacy"`
	ClientID   string          `json:"client_id"`
	ClientName string          `json:"client_name,omitempty"`
	Modality   string          `json:"modality"`
	Specialty  string          `json:"specialty"`
	Category   string          `json:"category"`
	Priority   string          `json:"priority"`
	ExamName   string          `json:"exam_name"`
	ExamDate   *time.Time      `json:"exam_date,omitempty"`
	ReportDate *time.Time      `json:"report_date,omitempty"`
	Value      float64         `json:"value"`
	DoctorName string          `json:"doctor_name"`
	DoctorID   string          `json:"doctor_id,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.ExamDate != nil {
		d := *r.ExamDate
		out.ExamDate = &d
	}
	if r.ReportDate != nil {
		d := *r.ReportDate
		out.ReportDate = &d
	}
	return &out
}

// Ref identifies a record in reports.
func (r *Record) Ref() RecordRef {
	return RecordRef{ID: r.ID, BatchID: r.BatchID, ClientID: r.ClientID, ExamName: r.ExamName}
}

// RecordRef is the short form of a record shown as a sample offender.
type RecordRef struct {
	ID       uuid.UUID `json:"id"`
	BatchID  uuid.UUID `json:"batch_id"`
	ClientID string    `json:"client_id"`
	ExamName string    `json:"exam_name"`
}

// Batch is one staged upload.
type Batch struct {
	ID          uuid.UUID       `json:"id"`
	SourceTag   rules.SourceTag `json:"source_tag"`
	Period      Period          `json:"period"`
	Legacy      bool            `json:"legacy"`
	RecordCount int             `json:"record_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Origin tells which process excluded a record.
type Origin string

const (
	OriginPipeline    Origin = "pipeline"
	OriginRemediation Origin = "remediation"
)

// ExclusionLogEntry is the append-only audit trail of a deleted record.
type ExclusionLogEntry struct {
	ID         uuid.UUID `json:"id"`
	RecordID   uuid.UUID `json:"record_id"`
	Snapshot   *Record   `json:"snapshot"`
	RuleID     string    `json:"rule_id"`
	Reason     string    `json:"reason"`
	ExcludedAt time.Time `json:"excluded_at"`
	BatchID    uuid.UUID `json:"batch_id"`
	Period     Period    `json:"period"`
	Origin     Origin    `json:"origin"`
}

// NewExclusion captures the last state of rec before it is deleted.
func NewExclusion(rec *Record, ruleID, reason string, origin Origin, at time.Time) *ExclusionLogEntry {
	return &ExclusionLogEntry{
		ID:         uuid.New(),
		RecordID:   rec.ID,
		Snapshot:   rec.Clone(),
		RuleID:     ruleID,
		Reason:     reason,
		ExcludedAt: at,
		BatchID:    rec.BatchID,
		Period:     rec.Period,
		Origin:     origin,
	}
}

// ExclusionFilter narrows an exclusion log listing. Zero fields match all.
type ExclusionFilter struct {
	BatchID uuid.UUID
	Period  Period
	RuleID  string
}

// RunStatus is the state of a pipeline run.
type RunStatus string

const (
	RunStaged         RunStatus = "staged"
	RunRunning        RunStatus = "running"
	RunPartialFailure RunStatus = "partial-failure"
	RunCompleted      RunStatus = "completed"
)

// RuleError records a rule that failed during a run.
type RuleError struct {
	RuleID  string `json:"rule_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Run is one execution of the rule pipeline over a batch.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	BatchID         uuid.UUID       `json:"batch_id"`
	SourceTag       rules.SourceTag `json:"source_tag"`
	Period          Period          `json:"period"`
	Status          RunStatus       `json:"status"`
	RulesApplied    []string        `json:"rules_applied"`
	RecordsIn       int64           `json:"records_in"`
	RecordsOut      int64           `json:"records_out"`
	RecordsExcluded int64           `json:"records_excluded"`
	RecordsMutated  int64           `json:"records_mutated"`
	RecordsSplit    int64           `json:"records_split"`
	Errors          []RuleError     `json:"errors"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// PeriodStatus tells whether a reference period still accepts changes.
type PeriodStatus struct {
	Period   Period     `json:"period"`
	Closed   bool       `json:"closed"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
	ClosedBy string     `json:"closed_by,omitempty"`
}

// Scope narrows the persisted records a rule application touches. Zero
// fields match all records.
type Scope struct {
	BatchID   uuid.UUID       `json:"batch_id,omitempty"`
	SourceTag rules.SourceTag `json:"source_tag,omitempty"`
	Period    Period          `json:"period,omitempty"`
}

// Cond returns the predicate selecting the records in scope.
func (s Scope) Cond() Cond {
	var cs []Cond
	if s.BatchID != uuid.Nil {
		cs = append(cs, Eq(FieldBatchID, s.BatchID))
	}
	if s.SourceTag != "" {
		cs = append(cs, Eq(FieldSourceTag, s.SourceTag))
	}
	if s.Period != "" {
		cs = append(cs, Eq(FieldPeriod, s.Period))
	}
	if len(cs) == 0 {
		return All()
	}
	return And(cs...)
}

// WithPeriod returns a copy of s narrowed to one period.
func (s Scope) WithPeriod(p Period) Scope {
	s.Period = p
	return s
}

// Applicable restricts a rule's targets to records whose source tag the rule
// applies to.
func Applicable(r rules.Rule) Cond {
	tags := make([]string, len(r.Applicability))
	for i, t := range r.Applicability {
		tags[i] = string(t)
	}
	return In(FieldSourceTag, tags...)
}
