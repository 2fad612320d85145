package reference

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medimg/volumetry/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// list runs q and scans every row with fn.
func list[T any](ctx context.Context, q queryable, sql string, fn func(pgx.Row) (T, error)) ([]T, error) {
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []T
	for rows.Next() {
		item, err := fn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *repoPG) ValueMappings(ctx context.Context) ([]ValueMapping, error) {
	return list(ctx, r.conn(ctx), `SELECT exam_name, value FROM ref_value_mapping ORDER BY exam_name`,
		func(row pgx.Row) (ValueMapping, error) {
			var m ValueMapping
			return m, row.Scan(&m.ExamName, &m.Value)
		})
}

func scanMapping(row pgx.Row) (Mapping, error) {
	var m Mapping
	return m, row.Scan(&m.Raw, &m.Canonical)
}

func (r *repoPG) PriorityMappings(ctx context.Context) ([]Mapping, error) {
	return list(ctx, r.conn(ctx), `SELECT raw, canonical FROM ref_priority_mapping ORDER BY raw`, scanMapping)
}

func (r *repoPG) CategoryMappings(ctx context.Context) ([]Mapping, error) {
	return list(ctx, r.conn(ctx), `SELECT raw, canonical FROM ref_category_mapping ORDER BY raw`, scanMapping)
}

func (r *repoPG) Clients(ctx context.Context) ([]Client, error) {
	return list(ctx, r.conn(ctx), `SELECT id, canonical_name, active FROM ref_client ORDER BY id`,
		func(row pgx.Row) (Client, error) {
			var c Client
			return c, row.Scan(&c.ID, &c.CanonicalName, &c.Active)
		})
}

func (r *repoPG) Doctors(ctx context.Context) ([]Doctor, error) {
	return list(ctx, r.conn(ctx), `SELECT id, full_name, specialty FROM ref_doctor ORDER BY id`,
		func(row pgx.Row) (Doctor, error) {
			var d Doctor
			return d, row.Scan(&d.ID, &d.FullName, &d.Specialty)
		})
}

func (r *repoPG) Cadastre(ctx context.Context) ([]CadastreExam, error) {
	return list(ctx, r.conn(ctx), `SELECT exam_name, specialty, category FROM ref_exam_cadastre ORDER BY exam_name`,
		func(row pgx.Row) (CadastreExam, error) {
			var e CadastreExam
			return e, row.Scan(&e.ExamName, &e.Specialty, &e.Category)
		})
}

func (r *repoPG) DynamicRules(ctx context.Context) ([]DynamicRule, error) {
	return list(ctx, r.conn(ctx), `
		SELECT id, priority, criteria, action, reason, active, scope_legacy, scope_incremental
		FROM dynamic_exclusion_rules ORDER BY priority, id`,
		func(row pgx.Row) (DynamicRule, error) {
			var d DynamicRule
			var crit []byte
			err := row.Scan(&d.ID, &d.Priority, &crit, &d.Action, &d.Reason, &d.Active, &d.ScopeLegacy, &d.ScopeIncremental)
			d.Criteria = crit
			return d, err
		})
}

func (r *repoPG) Replace(ctx context.Context, ds *Dataset) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		for _, t := range []string{"ref_value_mapping", "ref_priority_mapping", "ref_category_mapping",
			"ref_client", "ref_doctor", "ref_exam_cadastre", "dynamic_exclusion_rules"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("clear %s: %w", t, err)
			}
		}

		copies := []struct {
			table string
			cols  []string
			rows  [][]any
		}{
			{"ref_value_mapping", []string{"exam_name", "value"}, nil},
			{"ref_priority_mapping", []string{"raw", "canonical"}, nil},
			{"ref_category_mapping", []string{"raw", "canonical"}, nil},
			{"ref_client", []string{"id", "canonical_name", "active"}, nil},
			{"ref_doctor", []string{"id", "full_name", "specialty"}, nil},
			{"ref_exam_cadastre", []string{"exam_name", "specialty", "category"}, nil},
			{"dynamic_exclusion_rules", []string{"id", "priority", "criteria", "action", "reason", "active", "scope_legacy", "scope_incremental"}, nil},
		}
		for _, v := range ds.Values {
			copies[0].rows = append(copies[0].rows, []any{v.ExamName, v.Value})
		}
		for _, m := range ds.Priorities {
			copies[1].rows = append(copies[1].rows, []any{m.Raw, m.Canonical})
		}
		for _, m := range ds.Categories {
			copies[2].rows = append(copies[2].rows, []any{m.Raw, m.Canonical})
		}
		for _, c := range ds.Clients {
			copies[3].rows = append(copies[3].rows, []any{c.ID, c.CanonicalName, c.Active})
		}
		for _, d := range ds.Doctors {
			copies[4].rows = append(copies[4].rows, []any{d.ID, d.FullName, d.Specialty})
		}
		for _, e := range ds.Cadastre {
			copies[5].rows = append(copies[5].rows, []any{e.ExamName, e.Specialty, e.Category})
		}
		for _, d := range ds.DynamicRules {
			copies[6].rows = append(copies[6].rows, []any{d.ID, d.Priority, []byte(d.Criteria), d.Action, d.Reason,
				d.Active, d.ScopeLegacy, d.ScopeIncremental})
		}

		for _, c := range copies {
			if len(c.rows) == 0 {
				continue
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{c.table}, c.cols, pgx.CopyFromRows(c.rows)); err != nil {
				return fmt.Errorf("copy %s: %w", c.table, err)
			}
		}
		return nil
	})
}
