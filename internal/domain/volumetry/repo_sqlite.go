package volumetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/platform/db"
)

type batchRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	SourceTag   string `gorm:"index;size:64;not null"`
	Period      string `gorm:"index;size:7;not null"`
	Legacy      bool   `gorm:"not null"`
	RecordCount int    `gorm:"not null"`
	CreatedAt   time.Time
}

func (batchRow) TableName() string { return "batches" }

type recordRow struct {
	ID         string  `gorm:"primaryKey;size:36"`
	BatchID    string  `gorm:"index;size:36;not null"`
	SourceTag  string  `gorm:"size:64;not null"`
	Period     string  `gorm:"index;size:7;not null"`
	Legacy     bool    `gorm:"not null"`
	ClientID   string  `gorm:"index;not null"`
	ClientName string  `gorm:"not null"`
	Modality   string  `gorm:"not null"`
	Specialty  string  `gorm:"not null"`
	Category   string  `gorm:"not null"`
	Priority   string  `gorm:"not null"`
	ExamName   string  `gorm:"index;not null"`
	ExamDate   *string `gorm:"size:10"`
	ReportDate *string `gorm:"size:10"`
	Value      float64 `gorm:"not null"`
	DoctorName string  `gorm:"not null"`
	DoctorID   string  `gorm:"not null"`
}

func (recordRow) TableName() string { return "volumetry_records" }

type exclusionRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	RecordID   string    `gorm:"size:36;not null"`
	Snapshot   string    `gorm:"type:text;not null"`
	RuleID     string    `gorm:"index;size:128;not null"`
	Reason     string    `gorm:"type:text;not null"`
	ExcludedAt time.Time `gorm:"index"`
	BatchID    string    `gorm:"index;size:36;not null"`
	Period     string    `gorm:"index;size:7;not null"`
	Origin     string    `gorm:"size:16;not null"`
}

func (exclusionRow) TableName() string { return "exclusion_log" }

type periodRow struct {
	Period   string `gorm:"primaryKey;size:7"`
	Closed   bool   `gorm:"not null"`
	ClosedAt *time.Time
	ClosedBy string `gorm:"not null"`
}

func (periodRow) TableName() string { return "period_status" }

type runRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	BatchID         string `gorm:"index;size:36;not null"`
	SourceTag       string `gorm:"size:64;not null"`
	Period          string `gorm:"size:7;not null"`
	Status          string `gorm:"size:32;not null"`
	RulesApplied    string `gorm:"type:text;not null"`
	RecordsIn       int64
	RecordsOut      int64
	RecordsExcluded int64
	RecordsMutated  int64
	RecordsSplit    int64
	Errors          string    `gorm:"type:text;not null"`
	StartedAt       time.Time `gorm:"index"`
	FinishedAt      *time.Time
}

func (runRow) TableName() string { return "pipeline_runs" }

// MigrateSQLite creates the dataset tables in the embedded store.
func MigrateSQLite(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&batchRow{}, &recordRow{}, &exclusionRow{}, &periodRow{}, &runRow{})
}

type storeSQLite struct{ db *gorm.DB }

// NewStoreSQLite returns a Store on the embedded SQLite backend. The schema
// must have been created with MigrateSQLite.
func NewStoreSQLite(gdb *gorm.DB) Store {
	return &storeSQLite{db: gdb}
}

func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	if db.IsSQLiteBusy(err) {
		return &TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sqliteArgs binds dates as their text form and ids as strings, matching
// how rows are stored.
func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case time.Time:
			out[i] = v.Format(DateLayout)
		case uuid.UUID:
			out[i] = v.String()
		default:
			out[i] = a
		}
	}
	return out
}

func fmtDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(DateLayout)
	return &s
}

func parseDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, *s)
	if err != nil {
		return nil, fmt.Errorf("invalid stored date %q: %w", *s, err)
	}
	return &t, nil
}

func toRecordRow(r *Record) recordRow {
	return recordRow{
		ID: r.ID.String(), BatchID: r.BatchID.String(), SourceTag: string(r.SourceTag),
		Period: string(r.Period), Legacy: r.Legacy, ClientID: r.ClientID, ClientName: r.ClientName,
		Modality: r.Modality, Specialty: r.Specialty, Category: r.Category, Priority: r.Priority,
		ExamName: r.ExamName, ExamDate: fmtDate(r.ExamDate), ReportDate: fmtDate(r.ReportDate),
		Value: r.Value, DoctorName: r.DoctorName, DoctorID: r.DoctorID,
	}
}

func (row recordRow) toRecord() (*Record, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", row.ID, err)
	}
	batchID, err := uuid.Parse(row.BatchID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", row.BatchID, err)
	}
	examDate, err := parseDate(row.ExamDate)
	if err != nil {
		return nil, err
	}
	reportDate, err := parseDate(row.ReportDate)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID: id, BatchID: batchID, SourceTag: rules.SourceTag(row.SourceTag), Period: Period(row.Period),
		Legacy: row.Legacy, ClientID: row.ClientID, ClientName: row.ClientName, Modality: row.Modality,
		Specialty: row.Specialty, Category: row.Category, Priority: row.Priority, ExamName: row.ExamName,
		ExamDate: examDate, ReportDate: reportDate, Value: row.Value, DoctorName: row.DoctorName,
		DoctorID: row.DoctorID,
	}, nil
}

func toRecords(rows []recordRow) ([]*Record, error) {
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *storeSQLite) StageBatch(ctx context.Context, b *Batch, recs []*Record) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.RecordCount = len(recs)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&batchRow{
			ID: b.ID.String(), SourceTag: string(b.SourceTag), Period: string(b.Period),
			Legacy: b.Legacy, RecordCount: b.RecordCount, CreatedAt: b.CreatedAt,
		}).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		rows := make([]recordRow, len(recs))
		for i, r := range recs {
			stamp(r, b)
			rows[i] = toRecordRow(r)
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	return classifySQLite("stage batch", err)
}

func (row batchRow) toBatch() (*Batch, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", row.ID, err)
	}
	return &Batch{
		ID: id, SourceTag: rules.SourceTag(row.SourceTag), Period: Period(row.Period),
		Legacy: row.Legacy, RecordCount: row.RecordCount, CreatedAt: row.CreatedAt,
	}, nil
}

func (s *storeSQLite) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	var row batchRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classifySQLite("get batch", err)
	}
	return row.toBatch()
}

func (s *storeSQLite) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	var total int64
	q := s.db.WithContext(ctx).Model(&batchRow{}).Session(&gorm.Session{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classifySQLite("count batches", err)
	}
	var rows []batchRow
	if err := q.Order("created_at DESC, id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, classifySQLite("list batches", err)
	}
	items := make([]*Batch, 0, len(rows))
	for _, row := range rows {
		b, err := row.toBatch()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, int(total), nil
}

func (s *storeSQLite) ScanChunks(ctx context.Context, cond Cond, chunkSize int, fn func([]*Record) error) error {
	where, args := cond.SQLFor(SQLite)
	args = sqliteArgs(args)
	q := `SELECT * FROM volumetry_records WHERE ` + where + ` AND id > ? ORDER BY id LIMIT ?`

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rows []recordRow
		if err := s.db.WithContext(ctx).Raw(q, append(args, after, chunkSize)...).Scan(&rows).Error; err != nil {
			return classifySQLite("scan records", err)
		}
		if len(rows) == 0 {
			return nil
		}
		chunk, err := toRecords(rows)
		if err != nil {
			return err
		}
		after = rows[len(rows)-1].ID
		if err := fn(chunk); err != nil {
			return err
		}
		if len(rows) < chunkSize {
			return nil
		}
	}
}

func (s *storeSQLite) Count(ctx context.Context, cond Cond) (int64, error) {
	where, args := cond.SQLFor(SQLite)
	var n int64
	err := s.db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM volumetry_records WHERE `+where, sqliteArgs(args)...).Scan(&n).Error
	return n, classifySQLite("count records", err)
}

func (s *storeSQLite) Sample(ctx context.Context, cond Cond, limit int) ([]*Record, error) {
	where, args := cond.SQLFor(SQLite)
	var rows []recordRow
	err := s.db.WithContext(ctx).
		Raw(`SELECT * FROM volumetry_records WHERE `+where+` ORDER BY id LIMIT ?`, append(sqliteArgs(args), limit)...).
		Scan(&rows).Error
	if err != nil {
		return nil, classifySQLite("sample records", err)
	}
	return toRecords(rows)
}

func (s *storeSQLite) Periods(ctx context.Context, cond Cond) ([]Period, error) {
	where, args := cond.SQLFor(SQLite)
	var ps []string
	err := s.db.WithContext(ctx).
		Raw(`SELECT DISTINCT period FROM volumetry_records WHERE `+where+` ORDER BY period`, sqliteArgs(args)...).
		Scan(&ps).Error
	if err != nil {
		return nil, classifySQLite("list periods", err)
	}
	out := make([]Period, len(ps))
	for i, p := range ps {
		out[i] = Period(p)
	}
	return out, nil
}

func (s *storeSQLite) UpdateRecords(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range recs {
			row := toRecordRow(r)
			err := tx.Model(&recordRow{}).Where("id = ?", row.ID).Updates(map[string]any{
				"client_id": row.ClientID, "client_name": row.ClientName, "modality": row.Modality,
				"specialty": row.Specialty, "category": row.Category, "priority": row.Priority,
				"exam_name": row.ExamName, "exam_date": row.ExamDate, "report_date": row.ReportDate,
				"value": row.Value, "doctor_name": row.DoctorName, "doctor_id": row.DoctorID,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	return classifySQLite("update records", err)
}

func (s *storeSQLite) Exclude(ctx context.Context, entries []*ExclusionLogEntry) ([]*ExclusionLogEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var written []*ExclusionLogEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []exclusionRow
		for _, e := range entries {
			res := tx.Exec(`DELETE FROM volumetry_records WHERE id = ?`, e.RecordID.String())
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			snap, err := json.Marshal(e.Snapshot)
			if err != nil {
				return fmt.Errorf("marshal snapshot: %w", err)
			}
			rows = append(rows, exclusionRow{
				ID: e.ID.String(), RecordID: e.RecordID.String(), Snapshot: string(snap),
				RuleID: e.RuleID, Reason: e.Reason, ExcludedAt: e.ExcludedAt,
				BatchID: e.BatchID.String(), Period: string(e.Period), Origin: string(e.Origin),
			})
			written = append(written, e)
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
	if err != nil {
		return nil, classifySQLite("exclude records", err)
	}
	return written, nil
}

func (s *storeSQLite) SplitRecord(ctx context.Context, originalID uuid.UUID, parts []*Record) (bool, error) {
	var split bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`DELETE FROM volumetry_records WHERE id = ?`, originalID.String())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		rows := make([]recordRow, len(parts))
		for i, p := range parts {
			rows[i] = toRecordRow(p)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		split = true
		return nil
	})
	if err != nil {
		return false, classifySQLite("split record", err)
	}
	return split, nil
}

func (s *storeSQLite) ListExclusions(ctx context.Context, f ExclusionFilter, limit, offset int) ([]*ExclusionLogEntry, int, error) {
	q := s.db.WithContext(ctx).Model(&exclusionRow{})
	if f.BatchID != uuid.Nil {
		q = q.Where("batch_id = ?", f.BatchID.String())
	}
	if f.Period != "" {
		q = q.Where("period = ?", string(f.Period))
	}
	if f.RuleID != "" {
		q = q.Where("rule_id = ?", f.RuleID)
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classifySQLite("count exclusions", err)
	}
	var rows []exclusionRow
	if err := q.Order("excluded_at, id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, classifySQLite("list exclusions", err)
	}
	items := make([]*ExclusionLogEntry, 0, len(rows))
	for _, row := range rows {
		e := &ExclusionLogEntry{
			RuleID: row.RuleID, Reason: row.Reason, ExcludedAt: row.ExcludedAt,
			Period: Period(row.Period), Origin: Origin(row.Origin),
		}
		var err error
		if e.ID, err = uuid.Parse(row.ID); err != nil {
			return nil, 0, fmt.Errorf("invalid log id %q: %w", row.ID, err)
		}
		if e.RecordID, err = uuid.Parse(row.RecordID); err != nil {
			return nil, 0, fmt.Errorf("invalid record id %q: %w", row.RecordID, err)
		}
		if e.BatchID, err = uuid.Parse(row.BatchID); err != nil {
			return nil, 0, fmt.Errorf("invalid batch id %q: %w", row.BatchID, err)
		}
		if err := json.Unmarshal([]byte(row.Snapshot), &e.Snapshot); err != nil {
			return nil, 0, fmt.Errorf("decode snapshot %s: %w", row.ID, err)
		}
		items = append(items, e)
	}
	return items, int(total), nil
}

func (s *storeSQLite) GetPeriodStatus(ctx context.Context, p Period) (*PeriodStatus, error) {
	var row periodRow
	err := s.db.WithContext(ctx).Where("period = ?", string(p)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &PeriodStatus{Period: p}, nil
	}
	if err != nil {
		return nil, classifySQLite("get period status", err)
	}
	return &PeriodStatus{Period: p, Closed: row.Closed, ClosedAt: row.ClosedAt, ClosedBy: row.ClosedBy}, nil
}

func (s *storeSQLite) SetPeriodStatus(ctx context.Context, st *PeriodStatus) error {
	row := periodRow{Period: string(st.Period), Closed: st.Closed, ClosedAt: st.ClosedAt, ClosedBy: st.ClosedBy}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "period"}},
		DoUpdates: clause.AssignmentColumns([]string{"closed", "closed_at", "closed_by"}),
	}).Create(&row).Error
	return classifySQLite("set period status", err)
}

func (s *storeSQLite) SaveRun(ctx context.Context, run *Run) error {
	applied, err := json.Marshal(run.RulesApplied)
	if err != nil {
		return fmt.Errorf("marshal rules applied: %w", err)
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	row := runRow{
		ID: run.ID.String(), BatchID: run.BatchID.String(), SourceTag: string(run.SourceTag),
		Period: string(run.Period), Status: string(run.Status), RulesApplied: string(applied),
		RecordsIn: run.RecordsIn, RecordsOut: run.RecordsOut, RecordsExcluded: run.RecordsExcluded,
		RecordsMutated: run.RecordsMutated, RecordsSplit: run.RecordsSplit, Errors: string(errs),
		StartedAt: run.StartedAt, FinishedAt: run.FinishedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "rules_applied", "records_in", "records_out", "records_excluded",
			"records_mutated", "records_split", "errors", "finished_at",
		}),
	}).Create(&row).Error
	return classifySQLite("save run", err)
}

func (row runRow) toRun() (*Run, error) {
	r := &Run{
		SourceTag: rules.SourceTag(row.SourceTag), Period: Period(row.Period), Status: RunStatus(row.Status),
		RecordsIn: row.RecordsIn, RecordsOut: row.RecordsOut, RecordsExcluded: row.RecordsExcluded,
		RecordsMutated: row.RecordsMutated, RecordsSplit: row.RecordsSplit,
		StartedAt: row.StartedAt, FinishedAt: row.FinishedAt,
	}
	var err error
	if r.ID, err = uuid.Parse(row.ID); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", row.ID, err)
	}
	if r.BatchID, err = uuid.Parse(row.BatchID); err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", row.BatchID, err)
	}
	if err := json.Unmarshal([]byte(row.RulesApplied), &r.RulesApplied); err != nil {
		return nil, fmt.Errorf("decode rules applied: %w", err)
	}
	if err := json.Unmarshal([]byte(row.Errors), &r.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	return r, nil
}

func (s *storeSQLite) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var row runRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, classifySQLite("get run", err)
	}
	return row.toRun()
}

func (s *storeSQLite) ListRuns(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	q := s.db.WithContext(ctx).Model(&runRow{})
	if batchID != uuid.Nil {
		q = q.Where("batch_id = ?", batchID.String())
	}
	q = q.Session(&gorm.Session{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classifySQLite("count runs", err)
	}
	var rows []runRow
	if err := q.Order("started_at DESC, id").Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
		return nil, 0, classifySQLite("list runs", err)
	}
	items := make([]*Run, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRun()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, int(total), nil
}
