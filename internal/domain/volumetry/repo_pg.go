package volumetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const recCols = `id, batch_id, source_tag, period, legacy, client_id, client_name,
	modality, specialty, category, priority, exam_name, exam_date, report_date,
	value, doctor_name, doctor_id`

var recColumns = []string{
	"id", "batch_id", "source_tag", "period", "legacy", "client_id", "client_name",
	"modality", "specialty", "category", "priority", "exam_name", "exam_date", "report_date",
	"value", "doctor_name", "doctor_id",
}

var logColumns = []string{
	"id", "record_id", "snapshot", "rule_id", "reason", "excluded_at", "batch_id", "period", "origin",
}

// pgTransientCodes are the SQLSTATEs retried by the pipeline.
var pgTransientCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"57014": true, // query_canceled (statement_timeout)
}

func classifyPG(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgTransientCodes[pgErr.Code] {
		return &TransientStoreError{Op: op, Err: err}
	}
	if pgconn.SafeToRetry(err) {
		return &TransientStoreError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rebind rewrites ? placeholders as $n, numbering from start+1.
func rebind(q string, start int) string {
	var b strings.Builder
	n := start
	for _, ch := range q {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var tag, period string
	err := row.Scan(&r.ID, &r.BatchID, &tag, &period, &r.Legacy, &r.ClientID, &r.ClientName,
		&r.Modality, &r.Specialty, &r.Category, &r.Priority, &r.ExamName, &r.ExamDate, &r.ReportDate,
		&r.Value, &r.DoctorName, &r.DoctorID)
	r.SourceTag = rules.SourceTag(tag)
	r.Period = Period(period)
	return &r, err
}

func recordValues(r *Record) []any {
	return []any{r.ID, r.BatchID, string(r.SourceTag), string(r.Period), r.Legacy, r.ClientID, r.ClientName,
		r.Modality, r.Specialty, r.Category, r.Priority, r.ExamName, r.ExamDate, r.ReportDate,
		r.Value, r.DoctorName, r.DoctorID}
}

func (s *storePG) queryRecords(ctx context.Context, sql string, args ...any) ([]*Record, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *storePG) StageBatch(ctx context.Context, b *Batch, recs []*Record) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.RecordCount = len(recs)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batches (id, source_tag, period, legacy, record_count, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			b.ID, string(b.SourceTag), string(b.Period), b.Legacy, b.RecordCount, b.CreatedAt); err != nil {
			return err
		}
		rows := make([][]any, len(recs))
		for i, r := range recs {
			stamp(r, b)
			rows[i] = recordValues(r)
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"volumetry_records"}, recColumns, pgx.CopyFromRows(rows))
		return err
	})
	return classifyPG("stage batch", err)
}

// stamp copies batch-level attributes onto a staged record.
func stamp(r *Record, b *Batch) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.BatchID = b.ID
	r.SourceTag = b.SourceTag
	r.Period = b.Period
	r.Legacy = b.Legacy
}

const batchCols = `id, source_tag, period, legacy, record_count, created_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	var tag, period string
	if err := row.Scan(&b.ID, &tag, &period, &b.Legacy, &b.RecordCount, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.SourceTag = rules.SourceTag(tag)
	b.Period = Period(period)
	return &b, nil
}

func (s *storePG) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(s.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM batches WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return b, classifyPG("get batch", err)
}

func (s *storePG) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM batches`).Scan(&total); err != nil {
		return nil, 0, classifyPG("count batches", err)
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+batchCols+` FROM batches ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, classifyPG("list batches", err)
	}
	defer rows.Close()
	var items []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (s *storePG) ScanChunks(ctx context.Context, cond Cond, chunkSize int, fn func([]*Record) error) error {
	where, args := cond.SQL()
	q := `SELECT ` + recCols + ` FROM volumetry_records WHERE ` + rebind(where, 0) +
		fmt.Sprintf(` AND id > $%d ORDER BY id LIMIT $%d`, len(args)+1, len(args)+2)

	after := uuid.Nil
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.queryRecords(ctx, q, append(args, after, chunkSize)...)
		if err != nil {
			return classifyPG("scan records", err)
		}
		if len(chunk) == 0 {
			return nil
		}
		after = chunk[len(chunk)-1].ID
		if err := fn(chunk); err != nil {
			return err
		}
		if len(chunk) < chunkSize {
			return nil
		}
	}
}

func (s *storePG) Count(ctx context.Context, cond Cond) (int64, error) {
	where, args := cond.SQL()
	var n int64
	err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM volumetry_records WHERE `+rebind(where, 0), args...).Scan(&n)
	return n, classifyPG("count records", err)
}

func (s *storePG) Sample(ctx context.Context, cond Cond, limit int) ([]*Record, error) {
	where, args := cond.SQL()
	q := `SELECT ` + recCols + ` FROM volumetry_records WHERE ` + rebind(where, 0) +
		fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	items, err := s.queryRecords(ctx, q, append(args, limit)...)
	return items, classifyPG("sample records", err)
}

func (s *storePG) Periods(ctx context.Context, cond Cond) ([]Period, error) {
	where, args := cond.SQL()
	rows, err := s.conn(ctx).Query(ctx, `SELECT DISTINCT period FROM volumetry_records WHERE `+rebind(where, 0)+` ORDER BY period`, args...)
	if err != nil {
		return nil, classifyPG("list periods", err)
	}
	defer rows.Close()
	var out []Period
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, Period(p))
	}
	return out, classifyPG("list periods", rows.Err())
}

func (s *storePG) UpdateRecords(ctx context.Context, recs []*Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range recs {
			batch.Queue(`
				UPDATE volumetry_records SET client_id=$2, client_name=$3, modality=$4, specialty=$5,
					category=$6, priority=$7, exam_name=$8, exam_date=$9, report_date=$10,
					value=$11, doctor_name=$12, doctor_id=$13
				WHERE id = $1`,
				r.ID, r.ClientID, r.ClientName, r.Modality, r.Specialty,
				r.Category, r.Priority, r.ExamName, r.ExamDate, r.ReportDate,
				r.Value, r.DoctorName, r.DoctorID)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return classifyPG("update records", err)
}

func (s *storePG) Exclude(ctx context.Context, entries []*ExclusionLogEntry) ([]*ExclusionLogEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var written []*ExclusionLogEntry
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.RecordID.String()
		}
		rows, err := tx.Query(ctx, `DELETE FROM volumetry_records WHERE id = ANY($1::uuid[]) RETURNING id`, ids)
		if err != nil {
			return err
		}
		deleted := make(map[uuid.UUID]bool, len(ids))
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			deleted[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var copyRows [][]any
		for _, e := range entries {
			if !deleted[e.RecordID] {
				continue
			}
			snap, err := json.Marshal(e.Snapshot)
			if err != nil {
				return fmt.Errorf("marshal snapshot: %w", err)
			}
			copyRows = append(copyRows, []any{e.ID, e.RecordID, snap, e.RuleID, e.Reason, e.ExcludedAt,
				e.BatchID, string(e.Period), string(e.Origin)})
			written = append(written, e)
		}
		if len(copyRows) == 0 {
			return nil
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"exclusion_log"}, logColumns, pgx.CopyFromRows(copyRows))
		return err
	})
	if err != nil {
		return nil, classifyPG("exclude records", err)
	}
	return written, nil
}

func (s *storePG) SplitRecord(ctx context.Context, originalID uuid.UUID, parts []*Record) (bool, error) {
	var split bool
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM volumetry_records WHERE id = $1`, originalID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		rows := make([][]any, len(parts))
		for i, p := range parts {
			rows[i] = recordValues(p)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"volumetry_records"}, recColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		split = true
		return nil
	})
	if err != nil {
		return false, classifyPG("split record", err)
	}
	return split, nil
}

const logCols = `id, record_id, snapshot, rule_id, reason, excluded_at, batch_id, period, origin`

func (s *storePG) ListExclusions(ctx context.Context, f ExclusionFilter, limit, offset int) ([]*ExclusionLogEntry, int, error) {
	var conds []string
	var args []any
	if f.BatchID != uuid.Nil {
		args = append(args, f.BatchID)
		conds = append(conds, fmt.Sprintf("batch_id = $%d", len(args)))
	}
	if f.Period != "" {
		args = append(args, string(f.Period))
		conds = append(conds, fmt.Sprintf("period = $%d", len(args)))
	}
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		conds = append(conds, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exclusion_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, classifyPG("count exclusions", err)
	}
	q := `SELECT ` + logCols + ` FROM exclusion_log` + where +
		fmt.Sprintf(` ORDER BY excluded_at, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.conn(ctx).Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, classifyPG("list exclusions", err)
	}
	defer rows.Close()
	var items []*ExclusionLogEntry
	for rows.Next() {
		var e ExclusionLogEntry
		var snap []byte
		var period, origin string
		if err := rows.Scan(&e.ID, &e.RecordID, &snap, &e.RuleID, &e.Reason, &e.ExcludedAt,
			&e.BatchID, &period, &origin); err != nil {
			return nil, 0, err
		}
		e.Period = Period(period)
		e.Origin = Origin(origin)
		if err := json.Unmarshal(snap, &e.Snapshot); err != nil {
			return nil, 0, fmt.Errorf("decode snapshot %s: %w", e.ID, err)
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}

// GetPeriodStatus returns an open status for periods never closed.
func (s *storePG) GetPeriodStatus(ctx context.Context, p Period) (*PeriodStatus, error) {
	st := &PeriodStatus{Period: p}
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT closed, closed_at, closed_by FROM period_status WHERE period = $1`, string(p),
	).Scan(&st.Closed, &st.ClosedAt, &st.ClosedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, classifyPG("get period status", err)
	}
	return st, nil
}

func (s *storePG) SetPeriodStatus(ctx context.Context, st *PeriodStatus) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO period_status (period, closed, closed_at, closed_by)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (period) DO UPDATE SET closed=EXCLUDED.closed, closed_at=EXCLUDED.closed_at,
			closed_by=EXCLUDED.closed_by`,
		string(st.Period), st.Closed, st.ClosedAt, st.ClosedBy)
	return classifyPG("set period status", err)
}

const runCols = `id, batch_id, source_tag, period, status, rules_applied, records_in, records_out,
	records_excluded, records_mutated, records_split, errors, started_at, finished_at`

func (s *storePG) SaveRun(ctx context.Context, run *Run) error {
	applied, err := json.Marshal(run.RulesApplied)
	if err != nil {
		return fmt.Errorf("marshal rules applied: %w", err)
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO pipeline_runs (`+runCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, rules_applied=EXCLUDED.rules_applied,
			records_in=EXCLUDED.records_in, records_out=EXCLUDED.records_out,
			records_excluded=EXCLUDED.records_excluded, records_mutated=EXCLUDED.records_mutated,
			records_split=EXCLUDED.records_split, errors=EXCLUDED.errors, finished_at=EXCLUDED.finished_at`,
		run.ID, run.BatchID, string(run.SourceTag), string(run.Period), string(run.Status), applied,
		run.RecordsIn, run.RecordsOut, run.RecordsExcluded, run.RecordsMutated, run.RecordsSplit,
		errs, run.StartedAt, run.FinishedAt)
	return classifyPG("save run", err)
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var tag, period, status string
	var applied, errs []byte
	if err := row.Scan(&r.ID, &r.BatchID, &tag, &period, &status, &applied, &r.RecordsIn, &r.RecordsOut,
		&r.RecordsExcluded, &r.RecordsMutated, &r.RecordsSplit, &errs, &r.StartedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	r.SourceTag = rules.SourceTag(tag)
	r.Period = Period(period)
	r.Status = RunStatus(status)
	if err := json.Unmarshal(applied, &r.RulesApplied); err != nil {
		return nil, fmt.Errorf("decode rules applied: %w", err)
	}
	if err := json.Unmarshal(errs, &r.Errors); err != nil {
		return nil, fmt.Errorf("decode run errors: %w", err)
	}
	return &r, nil
}

func (s *storePG) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	r, err := scanRun(s.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM pipeline_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, classifyPG("get run", err)
}

func (s *storePG) ListRuns(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	where := ""
	var args []any
	if batchID != uuid.Nil {
		where = " WHERE batch_id = $1"
		args = append(args, batchID)
	}
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pipeline_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, classifyPG("count runs", err)
	}
	q := `SELECT ` + runCols + ` FROM pipeline_runs` + where +
		fmt.Sprintf(` ORDER BY started_at DESC, id LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	rows, err := s.conn(ctx).Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, classifyPG("list runs", err)
	}
	defer rows.Close()
	var items []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, r)
	}
	return items, total, rows.Err()
}
