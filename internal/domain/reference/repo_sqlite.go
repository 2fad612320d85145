package reference

import (
	"context"

	"gorm.io/gorm"
)

type valueRow struct {
	ExamName string `gorm:"primaryKey"`
	Value    float64
}

func (valueRow) TableName() string { return "ref_value_mapping" }

type priorityRow struct {
	Raw       string `gorm:"primaryKey"`
	Canonical string `gorm:"not null"`
}

func (priorityRow) TableName() string { return "ref_priority_mapping" }

type categoryRow struct {
	Raw       string `gorm:"primaryKey"`
	Canonical string `gorm:"not null"`
}

func (categoryRow) TableName() string { return "ref_category_mapping" }

type clientRow struct {
	ID            string `gorm:"primaryKey"`
	CanonicalName string `gorm:"not null"`
	Active        bool   `gorm:"not null"`
}

func (clientRow) TableName() string { return "ref_client" }

type doctorRow struct {
	ID        string `gorm:"primaryKey"`
	FullName  string `gorm:"index;not null"`
	Specialty string `gorm:"not null"`
}

func (doctorRow) TableName() string { return "ref_doctor" }

type cadastreRow struct {
	ExamName  string `gorm:"primaryKey"`
	Specialty string `gorm:"not null"`
	Category  string `gorm:"not null"`
}

func (cadastreRow) TableName() string { return "ref_exam_cadastre" }

type dynamicRuleRow struct {
	ID               string `gorm:"primaryKey"`
	Priority         int    `gorm:"index"`
	Criteria         string `gorm:"type:text;not null"`
	Action           string `gorm:"not null"`
	Reason           string `gorm:"type:text;not null"`
	Active           bool   `gorm:"not null"`
	ScopeLegacy      bool   `gorm:"not null"`
	ScopeIncremental bool   `gorm:"not null"`
}

func (dynamicRuleRow) TableName() string { return "dynamic_exclusion_rules" }

// MigrateSQLite creates the reference tables in the embedded store.
func MigrateSQLite(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&valueRow{}, &priorityRow{}, &categoryRow{}, &clientRow{},
		&doctorRow{}, &cadastreRow{}, &dynamicRuleRow{})
}

type repoSQLite struct{ db *gorm.DB }

func NewRepoSQLite(gdb *gorm.DB) Repository {
	return &repoSQLite{db: gdb}
}

func (r *repoSQLite) ValueMappings(ctx context.Context) ([]ValueMapping, error) {
	var rows []valueRow
	if err := r.db.WithContext(ctx).Order("exam_name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ValueMapping, len(rows))
	for i, row := range rows {
		out[i] = ValueMapping{ExamName: row.ExamName, Value: row.Value}
	}
	return out, nil
}

func (r *repoSQLite) PriorityMappings(ctx context.Context) ([]Mapping, error) {
	var rows []priorityRow
	if err := r.db.WithContext(ctx).Order("raw").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Mapping, len(rows))
	for i, row := range rows {
		out[i] = Mapping{Raw: row.Raw, Canonical: row.Canonical}
	}
	return out, nil
}

func (r *repoSQLite) CategoryMappings(ctx context.Context) ([]Mapping, error) {
	var rows []categoryRow
	if err := r.db.WithContext(ctx).Order("raw").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Mapping, len(rows))
	for i, row := range rows {
		out[i] = Mapping{Raw: row.Raw, Canonical: row.Canonical}
	}
	return out, nil
}

func (r *repoSQLite) Clients(ctx context.Context) ([]Client, error) {
	var rows []clientRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Client, len(rows))
	for i, row := range rows {
		out[i] = Client(row)
	}
	return out, nil
}

func (r *repoSQLite) Doctors(ctx context.Context) ([]Doctor, error) {
	var rows []doctorRow
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Doctor, len(rows))
	for i, row := range rows {
		out[i] = Doctor(row)
	}
	return out, nil
}

func (r *repoSQLite) Cadastre(ctx context.Context) ([]CadastreExam, error) {
	var rows []cadastreRow
	if err := r.db.WithContext(ctx).Order("exam_name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]CadastreExam, len(rows))
	for i, row := range rows {
		out[i] = CadastreExam(row)
	}
	return out, nil
}

func (r *repoSQLite) DynamicRules(ctx context.Context) ([]DynamicRule, error) {
	var rows []dynamicRuleRow
	if err := r.db.WithContext(ctx).Order("priority, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]DynamicRule, len(rows))
	for i, row := range rows {
		out[i] = DynamicRule{
			ID: row.ID, Priority: row.Priority, Criteria: []byte(row.Criteria), Action: row.Action,
			Reason: row.Reason, Active: row.Active, ScopeLegacy: row.ScopeLegacy, ScopeIncremental: row.ScopeIncremental,
		}
	}
	return out, nil
}

func (r *repoSQLite) Replace(ctx context.Context, ds *Dataset) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&valueRow{}, &priorityRow{}, &categoryRow{}, &clientRow{},
			&doctorRow{}, &cadastreRow{}, &dynamicRuleRow{}} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}

		var values []valueRow
		for _, v := range ds.Values {
			values = append(values, valueRow{ExamName: v.ExamName, Value: v.Value})
		}
		var priorities []priorityRow
		for _, m := range ds.Priorities {
			priorities = append(priorities, priorityRow{Raw: m.Raw, Canonical: m.Canonical})
		}
		var categories []categoryRow
		for _, m := range ds.Categories {
			categories = append(categories, categoryRow{Raw: m.Raw, Canonical: m.Canonical})
		}
		var clients []clientRow
		for _, c := range ds.Clients {
			clients = append(clients, clientRow(c))
		}
		var doctors []doctorRow
		for _, d := range ds.Doctors {
			doctors = append(doctors, doctorRow(d))
		}
		var cadastre []cadastreRow
		for _, e := range ds.Cadastre {
			cadastre = append(cadastre, cadastreRow(e))
		}
		var dyn []dynamicRuleRow
		for _, d := range ds.DynamicRules {
			dyn = append(dyn, dynamicRuleRow{
				ID: d.ID, Priority: d.Priority, Criteria: string(d.Criteria), Action: d.Action, Reason: d.Reason,
				Active: d.Active, ScopeLegacy: d.ScopeLegacy, ScopeIncremental: d.ScopeIncremental,
			})
		}

		if err := createAll(tx, values); err != nil {
			return err
		}
		if err := createAll(tx, priorities); err != nil {
			return err
		}
		if err := createAll(tx, categories); err != nil {
			return err
		}
		if err := createAll(tx, clients); err != nil {
			return err
		}
		if err := createAll(tx, doctors); err != nil {
			return err
		}
		if err := createAll(tx, cadastre); err != nil {
			return err
		}
		return createAll(tx, dyn)
	})
}

func createAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, 500).Error
}
