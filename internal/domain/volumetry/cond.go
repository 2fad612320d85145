package volumetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medimg/volumetry/internal/domain/rules"
)

// Field is a record column. Field values are the column names used by every
// store backend.
type Field string

const (
	FieldID         Field = "id"
	FieldBatchID    Field = "batch_id"
	FieldSourceTag  Field = "source_tag"
	FieldPeriod     Field = "period"
	FieldLegacy     Field = "legacy"
	FieldClientID   Field = "client_id"
	FieldClientName Field = "client_name"
	FieldModality   Field = "modality"
	FieldSpecialty  Field = "specialty"
	FieldCategory   Field = "category"
	FieldPriority   Field = "priority"
	FieldExamName   Field = "exam_name"
	FieldExamDate   Field = "exam_date"
	FieldReportDate Field = "report_date"
	FieldValue      Field = "value"
	FieldDoctorName Field = "doctor_name"
	FieldDoctorID   Field = "doctor_id"
)

var knownFields = map[Field]bool{
	FieldID: true, FieldBatchID: true, FieldSourceTag: true, FieldPeriod: true, FieldLegacy: true,
	FieldClientID: true, FieldClientName: true, FieldModality: true, FieldSpecialty: true,
	FieldCategory: true, FieldPriority: true, FieldExamName: true, FieldExamDate: true,
	FieldReportDate: true, FieldValue: true, FieldDoctorName: true, FieldDoctorID: true,
}

// Get returns the value of a string field.
func (r *Record) Get(f Field) string {
	switch f {
	case FieldSourceTag:
		return string(r.SourceTag)
	case FieldPeriod:
		return string(r.Period)
	case FieldClientID:
		return r.ClientID
	case FieldClientName:
		return r.ClientName
	case FieldModality:
		return r.Modality
	case FieldSpecialty:
		return r.Specialty
	case FieldCategory:
		return r.Category
	case FieldPriority:
		return r.Priority
	case FieldExamName:
		return r.ExamName
	case FieldDoctorName:
		return r.DoctorName
	case FieldDoctorID:
		return r.DoctorID
	}
	return ""
}

// Set assigns a string field. It reports false for fields that are not
// plain strings.
func (r *Record) Set(f Field, v string) bool {
	switch f {
	case FieldClientID:
		r.ClientID = v
	case FieldClientName:
		r.ClientName = v
	case FieldModality:
		r.Modality = v
	case FieldSpecialty:
		r.Specialty = v
	case FieldCategory:
		r.Category = v
	case FieldPriority:
		r.Priority = v
	case FieldExamName:
		r.ExamName = v
	case FieldDoctorName:
		r.DoctorName = v
	case FieldDoctorID:
		r.DoctorID = v
	default:
		return false
	}
	return true
}

func (r *Record) value(f Field) any {
	switch f {
	case FieldID:
		return r.ID
	case FieldBatchID:
		return r.BatchID
	case FieldLegacy:
		return r.Legacy
	case FieldValue:
		return r.Value
	case FieldExamDate:
		return r.ExamDate
	case FieldReportDate:
		return r.ReportDate
	}
	return r.Get(f)
}

type op uint8

const (
	opAll op = iota
	opNone
	opEq
	opIn
	opInFold
	opLt
	opLte
	opGt
	opGte
	opNull
	opBlank
	opZero
	opLike
	opNotUpper
	opContainsAny
	opAnd
	opOr
	opNot
)

// Cond is a record predicate. The same value is evaluated in memory by Match
// and compiled to SQL by SQL, so engines and the monitor agree on which rows
// a rule targets. A comparison against a missing value is false in both.
type Cond struct {
	op    op
	field Field
	args  []any
	subs  []Cond
}

func All() Cond  { return Cond{op: opAll} }
func None() Cond { return Cond{op: opNone} }

func Eq(f Field, v any) Cond {
	return Cond{op: opEq, field: f, args: []any{normalize(v)}}
}

// In matches when the field equals one of vals. An empty list matches nothing.
func In(f Field, vals ...string) Cond {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return Cond{op: opIn, field: f, args: args}
}

// InFold is In compared on the upper-cased field value.
func InFold(f Field, vals ...string) Cond {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = strings.ToUpper(v)
	}
	return Cond{op: opInFold, field: f, args: args}
}

func Lt(f Field, v any) Cond  { return Cond{op: opLt, field: f, args: []any{normalize(v)}} }
func Lte(f Field, v any) Cond { return Cond{op: opLte, field: f, args: []any{normalize(v)}} }
func Gt(f Field, v any) Cond  { return Cond{op: opGt, field: f, args: []any{normalize(v)}} }
func Gte(f Field, v any) Cond { return Cond{op: opGte, field: f, args: []any{normalize(v)}} }

// IsNull matches a missing date.
func IsNull(f Field) Cond { return Cond{op: opNull, field: f} }

// Blank matches a missing or empty string.
func Blank(f Field) Cond { return Cond{op: opBlank, field: f} }

// Zero matches a missing or zero numeric value.
func Zero(f Field) Cond { return Cond{op: opZero, field: f} }

// Like matches a SQL LIKE pattern (% and _ wildcards), case-sensitively.
func Like(f Field, pattern string) Cond {
	return Cond{op: opLike, field: f, args: []any{pattern}}
}

// NotUpper matches values that change when upper-cased.
func NotUpper(f Field) Cond { return Cond{op: opNotUpper, field: f} }

// ContainsAny matches values holding at least one of the runes in chars.
func ContainsAny(f Field, chars string) Cond {
	return Cond{op: opContainsAny, field: f, args: []any{chars}}
}

func And(cs ...Cond) Cond { return Cond{op: opAnd, subs: cs} }
func Or(cs ...Cond) Cond  { return Cond{op: opOr, subs: cs} }
func Not(c Cond) Cond     { return Cond{op: opNot, subs: []Cond{c}} }

// Outside matches a date that is missing or not within [lo, hi].
func Outside(f Field, lo, hi time.Time) Cond {
	return Or(IsNull(f), Lt(f, lo), Gt(f, hi))
}

func normalize(v any) any {
	switch x := v.(type) {
	case rules.SourceTag:
		return string(x)
	case Period:
		return string(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case time.Time:
		return truncDate(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return truncDate(*x)
	}
	return v
}

func truncDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Match evaluates the predicate against a record in memory.
func (c Cond) Match(r *Record) bool {
	switch c.op {
	case opAll:
		return true
	case opNone:
		return false
	case opAnd:
		for _, s := range c.subs {
			if !s.Match(r) {
				return false
			}
		}
		return true
	case opOr:
		for _, s := range c.subs {
			if s.Match(r) {
				return true
			}
		}
		return false
	case opNot:
		return !c.subs[0].Match(r)
	case opEq:
		return compare(r.value(c.field), c.args[0]) == 0
	case opIn:
		v := r.Get(c.field)
		for _, a := range c.args {
			if a.(string) == v {
				return true
			}
		}
		return false
	case opInFold:
		v := strings.ToUpper(r.Get(c.field))
		for _, a := range c.args {
			if a.(string) == v {
				return true
			}
		}
		return false
	case opLt:
		return compare(r.value(c.field), c.args[0]) == -1
	case opLte:
		n := compare(r.value(c.field), c.args[0])
		return n == -1 || n == 0
	case opGt:
		return compare(r.value(c.field), c.args[0]) == 1
	case opGte:
		n := compare(r.value(c.field), c.args[0])
		return n == 1 || n == 0
	case opNull:
		d, ok := r.value(c.field).(*time.Time)
		return ok && d == nil
	case opBlank:
		return r.Get(c.field) == ""
	case opZero:
		return r.Value == 0
	case opLike:
		return likeMatch([]rune(c.args[0].(string)), []rune(r.Get(c.field)))
	case opNotUpper:
		v := r.Get(c.field)
		return v != strings.ToUpper(v)
	case opContainsAny:
		return strings.ContainsAny(r.Get(c.field), c.args[0].(string))
	}
	return false
}

// compare returns -1, 0 or 1, or 2 when the values are not comparable
// (missing or of different types).
func compare(a, b any) int {
	switch x := a.(type) {
	case *time.Time:
		y, ok := b.(time.Time)
		if x == nil || !ok {
			return 2
		}
		return truncDate(*x).Compare(y)
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 2
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		y, ok := b.(string)
		if !ok {
			return 2
		}
		return strings.Compare(x, y)
	case bool:
		y, ok := b.(bool)
		if !ok || x != y {
			return 2
		}
		return 0
	case uuid.UUID:
		y, ok := b.(uuid.UUID)
		if !ok || x != y {
			return 2
		}
		return 0
	}
	return 2
}

func likeMatch(p, s []rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case '%':
			for len(p) > 0 && p[0] == '%' {
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if likeMatch(p, s[i:]) {
					return true
				}
			}
			return false
		case '_':
			if len(s) == 0 {
				return false
			}
		default:
			if len(s) == 0 || s[0] != p[0] {
				return false
			}
		}
		p, s = p[1:], s[1:]
	}
	return len(s) == 0
}

// Dialect selects the rendering of operators that have no common SQL form.
type Dialect uint8

const (
	Postgres Dialect = iota
	SQLite
)

// SQL renders the predicate for Postgres. See SQLFor.
func (c Cond) SQL() (string, []any) {
	return c.SQLFor(Postgres)
}

// SQLFor renders the predicate as a WHERE fragment with ? placeholders.
// Time arguments are passed as time.Time; backends bind them as dates.
func (c Cond) SQLFor(d Dialect) (string, []any) {
	var b strings.Builder
	var args []any
	c.render(&b, &args, d)
	return b.String(), args
}

func (c Cond) render(b *strings.Builder, args *[]any, d Dialect) {
	if c.field != "" && !knownFields[c.field] {
		panic(fmt.Sprintf("volumetry: unknown field %q", c.field))
	}
	col := string(c.field)
	switch c.op {
	case opAll:
		b.WriteString("1 = 1")
	case opNone:
		b.WriteString("1 = 0")
	case opAnd, opOr:
		if len(c.subs) == 0 {
			if c.op == opAnd {
				b.WriteString("1 = 1")
			} else {
				b.WriteString("1 = 0")
			}
			return
		}
		sep := " AND "
		if c.op == opOr {
			sep = " OR "
		}
		b.WriteString("(")
		for i, s := range c.subs {
			if i > 0 {
				b.WriteString(sep)
			}
			s.render(b, args, d)
		}
		b.WriteString(")")
	case opNot:
		// NULL comparisons inside are false, not unknown, as in Match.
		b.WriteString("NOT COALESCE(")
		c.subs[0].render(b, args, d)
		b.WriteString(", FALSE)")
	case opEq:
		b.WriteString(col + " = ?")
		*args = append(*args, c.args[0])
	case opIn, opInFold:
		if len(c.args) == 0 {
			b.WriteString("1 = 0")
			return
		}
		if c.op == opInFold {
			col = "UPPER(" + col + ")"
		}
		b.WriteString(col + " IN (")
		for i, a := range c.args {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			*args = append(*args, a)
		}
		b.WriteString(")")
	case opLt, opLte, opGt, opGte:
		sym := map[op]string{opLt: "<", opLte: "<=", opGt: ">", opGte: ">="}[c.op]
		b.WriteString(col + " " + sym + " ?")
		*args = append(*args, c.args[0])
	case opNull:
		b.WriteString(col + " IS NULL")
	case opBlank:
		b.WriteString("(" + col + " IS NULL OR " + col + " = '')")
	case opZero:
		b.WriteString("(" + col + " IS NULL OR " + col + " = 0)")
	case opLike:
		b.WriteString(col + " LIKE ?")
		*args = append(*args, c.args[0])
	case opNotUpper:
		b.WriteString(col + " <> UPPER(" + col + ")")
	case opContainsAny:
		chars := c.args[0].(string)
		if chars == "" {
			b.WriteString("1 = 0")
			return
		}
		if d == SQLite {
			b.WriteString(col + " GLOB ?")
			*args = append(*args, "*["+chars+"]*")
			return
		}
		b.WriteString(col + " ~ ?")
		*args = append(*args, regexClass(chars))
	}
}

// regexClass builds a Postgres bracket expression matching any rune of
// chars, each written as an escape.
func regexClass(chars string) string {
	var b strings.Builder
	b.WriteString("[")
	for _, r := range chars {
		if r > 0xFFFF {
			fmt.Fprintf(&b, `\U%08x`, r)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}
	b.WriteString("]")
	return b.String()
}
