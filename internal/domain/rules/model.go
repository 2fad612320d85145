package rules

import (
	"slices"
)

// Category groups rules for reporting.
type Category string

const (
	CategoryTemporal    Category = "temporal"
	CategoryData        Category = "data"
	CategoryValidation  Category = "validation"
	CategoryCalculation Category = "calculation"
	CategoryAccess      Category = "access"
	CategoryIntegration Category = "integration"
	CategoryAutomation  Category = "automation"
	CategoryExclusion   Category = "exclusion"
)

var validCategories = map[Category]bool{
	CategoryTemporal: true, CategoryData: true, CategoryValidation: true, CategoryCalculation: true,
	CategoryAccess: true, CategoryIntegration: true, CategoryAutomation: true, CategoryExclusion: true,
}

// Type decides which engine executes a rule.
type Type string

const (
	TypeExclusion Type = "exclusion"
	TypeBusiness  Type = "business"
)

// Status is the publication status of a rule. Only active rules are executed.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

var validStatuses = map[Status]bool{
	StatusActive: true, StatusInactive: true, StatusPending: true,
}

// SourceTag identifies the upload channel that produced a batch.
type SourceTag string

// TagClass selects the billing-window formula for a source tag.
type TagClass string

const (
	TagClassCurrent     TagClass = "current"
	TagClassRetroactive TagClass = "retroactive"
)

// Kind is the concrete rule family. Every kind belongs to exactly one Type.
type Kind string

const (
	KindPeriodWindowRetroactive Kind = "period_window_retroactive"
	KindPeriodWindowCurrent     Kind = "period_window_current"
	KindDynamicCriteria         Kind = "dynamic_criteria"
	KindTextNormalize           Kind = "text_normalize"
	KindClientMapping           Kind = "client_mapping"
	KindPriorityCanonicalize    Kind = "priority_canonicalize"
	KindCategoryCanonicalize    Kind = "category_canonicalize"
	KindValueFill               Kind = "value_fill"
	KindSpecialtySubstitution   Kind = "specialty_substitution"
	KindExamSplit               Kind = "exam_split"
)

var kindTypes = map[Kind]Type{
	KindPeriodWindowRetroactive: TypeExclusion,
	KindPeriodWindowCurrent:     TypeExclusion,
	KindDynamicCriteria:         TypeExclusion,
	KindTextNormalize:           TypeBusiness,
	KindClientMapping:           TypeBusiness,
	KindPriorityCanonicalize:    TypeBusiness,
	KindCategoryCanonicalize:    TypeBusiness,
	KindValueFill:               TypeBusiness,
	KindSpecialtySubstitution:   TypeBusiness,
	KindExamSplit:               TypeBusiness,
}

// IsPeriodWindow reports whether k is one of the billing-window exclusion kinds.
func (k Kind) IsPeriodWindow() bool {
	return k == KindPeriodWindowRetroactive || k == KindPeriodWindowCurrent
}

// TagClass returns the source tag classification a period-window kind
// applies to.
func (k Kind) TagClass() (TagClass, bool) {
	switch k {
	case KindPeriodWindowRetroactive:
		return TagClassRetroactive, true
	case KindPeriodWindowCurrent:
		return TagClassCurrent, true
	}
	return "", false
}

// Composite is one exam-split entry: a composite exam name and the
// individual exams that replace it.
type Composite struct {
	Key      string   `yaml:"key" json:"key"`
	Parts    []string `yaml:"parts" json:"parts"`
	Category string   `yaml:"category" json:"category"`
}

// Params is the kind-specific configuration of a rule. Which fields are
// meaningful depends on Kind; the registry validates them at load time.
type Params struct {
	Fields            []string    `yaml:"fields,omitempty" json:"fields,omitempty"`
	Honorifics        []string    `yaml:"honorifics,omitempty" json:"honorifics,omitempty"`
	SourceSpecialties []string    `yaml:"source_specialties,omitempty" json:"source_specialties,omitempty"`
	RosterSpecialty   string      `yaml:"roster_specialty,omitempty" json:"roster_specialty,omitempty"`
	Canonical         []string    `yaml:"canonical,omitempty" json:"canonical,omitempty"`
	Composites        []Composite `yaml:"composites,omitempty" json:"composites,omitempty"`
}

func (p Params) clone() Params {
	out := Params{
		Fields:            slices.Clone(p.Fields),
		Honorifics:        slices.Clone(p.Honorifics),
		SourceSpecialties: slices.Clone(p.SourceSpecialties),
		RosterSpecialty:   p.RosterSpecialty,
		Canonical:         slices.Clone(p.Canonical),
	}
	for _, c := range p.Composites {
		out.Composites = append(out.Composites, Composite{Key: c.Key, Parts: slices.Clone(c.Parts), Category: c.Category})
	}
	return out
}

// Rule is one published entry of the catalog. Rules are immutable once
// loaded; the registry hands out copies.
type Rule struct {
	ID             string      `yaml:"id" json:"id"`
	Module         string      `yaml:"module" json:"module"`
	Category       Category    `yaml:"category" json:"category"`
	ExecutionOrder int         `yaml:"order" json:"execution_order"`
	Type           Type        `yaml:"type" json:"type"`
	Kind           Kind        `yaml:"kind" json:"kind"`
	Status         Status      `yaml:"status" json:"status"`
	Applicability  []SourceTag `yaml:"applicability" json:"applicability"`
	Description    string      `yaml:"description,omitempty" json:"description,omitempty"`
	Params         Params      `yaml:"params,omitempty" json:"params,omitempty"`
}

// Active reports whether the rule is executed by the pipeline.
func (r Rule) Active() bool {
	return r.Status == StatusActive
}

// AppliesTo reports whether the rule is applicable to batches with the given tag.
func (r Rule) AppliesTo(tag SourceTag) bool {
	return slices.Contains(r.Applicability, tag)
}

func (r Rule) clone() Rule {
	out := r
	out.Applicability = slices.Clone(r.Applicability)
	out.Params = r.Params.clone()
	return out
}
