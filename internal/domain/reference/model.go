package reference

import (
	"encoding/json"
)

// ValueMapping is one de-para entry: the billed value of an exam description.
type ValueMapping struct {
	ExamName string  `json:"exam_name" yaml:"exam_name"`
	Value    float64 `json:"value" yaml:"value"`
}

// Mapping translates a raw priority or category string to its canonical form.
type Mapping struct {
	Raw       string `json:"raw" yaml:"raw"`
	Canonical string `json:"canonical" yaml:"canonical"`
}

// Client is a client registry entry.
type Client struct {
	ID            string `json:"id" yaml:"id"`
	CanonicalName string `json:"canonical_name" yaml:"canonical_name"`
	Active        bool   `json:"active" yaml:"active"`
}

// Doctor is a roster entry.
type Doctor struct {
	ID        string `json:"id" yaml:"id"`
	FullName  string `json:"full_name" yaml:"full_name"`
	Specialty string `json:"specialty" yaml:"specialty"`
}

// CadastreExam maps an exam name to its specialty and category.
type CadastreExam struct {
	ExamName  string `json:"exam_name" yaml:"exam_name"`
	Specialty string `json:"specialty" yaml:"specialty"`
	Category  string `json:"category" yaml:"category"`
}

// DynamicRule is a data-defined exclusion rule as stored. Criteria stay raw
// JSON here; the exclusion engine parses them strictly.
type DynamicRule struct {
	ID               string          `json:"id" yaml:"id"`
	Priority         int             `json:"priority" yaml:"priority"`
	Criteria         json.RawMessage `json:"criteria" yaml:"-"`
	Action           string          `json:"action" yaml:"action"`
	Reason           string          `json:"reason" yaml:"reason"`
	Active           bool            `json:"active" yaml:"active"`
	ScopeLegacy      bool            `json:"scope_legacy" yaml:"scope_legacy"`
	ScopeIncremental bool            `json:"scope_incremental" yaml:"scope_incremental"`
}

// Dataset is a full snapshot of the reference tables, used to seed local
// stores and tests.
type Dataset struct {
	Values       []ValueMapping `yaml:"values"`
	Priorities   []Mapping      `yaml:"priorities"`
	Categories   []Mapping      `yaml:"categories"`
	Clients      []Client       `yaml:"clients"`
	Doctors      []Doctor       `yaml:"doctors"`
	Cadastre     []CadastreExam `yaml:"cadastre"`
	DynamicRules []DynamicRule  `yaml:"-"`
}
