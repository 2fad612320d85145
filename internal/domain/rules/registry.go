package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/medimg/volumetry/pkg/textnorm"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// AllTags is the applicability wildcard: the rule applies to every declared
// source tag.
const AllTags SourceTag = "*"

// NormalizableFields are the record fields a text_normalize rule may clean.
var NormalizableFields = map[string]bool{
	"doctor_name": true,
	"client_name": true,
	"exam_name":   true,
}

type catalog struct {
	Version    int                    `yaml:"version"`
	SourceTags map[SourceTag]TagClass `yaml:"source_tags"`
	Rules      []Rule                 `yaml:"rules"`
}

// Registry is the static, versioned rule catalog. It has no side effects and
// is safe for concurrent use once loaded.
type Registry struct {
	version int
	rules   []Rule
	byID    map[string]int
	tags    map[SourceTag]TagClass
}

// Default loads the catalog embedded in the binary.
func Default() (*Registry, error) {
	return Load(defaultCatalog)
}

// LoadFile loads a catalog from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule catalog %s: %w", path, err)
	}
	return Load(data)
}

// Load parses and validates a YAML catalog. Any invalid rule fails the whole
// load with a ConfigError: a catalog with a duplicate (module, order) pair
// has no well-defined execution order.
func Load(data []byte) (*Registry, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cat catalog
	if err := dec.Decode(&cat); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("parse catalog: %v", err)}
	}
	if len(cat.SourceTags) == 0 {
		return nil, configErr("", "catalog declares no source tags")
	}
	for tag, class := range cat.SourceTags {
		if class != TagClassCurrent && class != TagClassRetroactive {
			return nil, configErr("", "source tag %q has unknown classification %q", tag, class)
		}
	}

	reg := &Registry{
		version: cat.Version,
		byID:    make(map[string]int, len(cat.Rules)),
		tags:    cat.SourceTags,
	}

	orders := make(map[string]map[int]string)
	for _, r := range cat.Rules {
		if err := reg.validate(&r); err != nil {
			return nil, err
		}
		if _, dup := reg.byID[r.ID]; dup {
			return nil, configErr(r.ID, "duplicate rule id")
		}
		if orders[r.Module] == nil {
			orders[r.Module] = make(map[int]string)
		}
		if other, taken := orders[r.Module][r.ExecutionOrder]; taken {
			return nil, configErr(r.ID, "execution order %d already used by %s in module %s", r.ExecutionOrder, other, r.Module)
		}
		orders[r.Module][r.ExecutionOrder] = r.ID
		reg.byID[r.ID] = len(reg.rules)
		reg.rules = append(reg.rules, r)
	}

	sort.SliceStable(reg.rules, func(i, j int) bool {
		if reg.rules[i].Module != reg.rules[j].Module {
			return reg.rules[i].Module < reg.rules[j].Module
		}
		return reg.rules[i].ExecutionOrder < reg.rules[j].ExecutionOrder
	})
	for i, r := range reg.rules {
		reg.byID[r.ID] = i
	}
	return reg, nil
}

func (reg *Registry) validate(r *Rule) error {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return configErr("", "rule without id")
	}
	if strings.TrimSpace(r.Module) == "" {
		return configErr(r.ID, "module is required")
	}
	if !validCategories[r.Category] {
		return configErr(r.ID, "invalid category %q", r.Category)
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	if !validStatuses[r.Status] {
		return configErr(r.ID, "invalid status %q", r.Status)
	}
	want, ok := kindTypes[r.Kind]
	if !ok {
		return configErr(r.ID, "unknown kind %q", r.Kind)
	}
	if r.Type != want {
		return configErr(r.ID, "kind %s must have type %s, got %q", r.Kind, want, r.Type)
	}

	tags, err := reg.expandTags(r.ID, r.Applicability)
	if err != nil {
		return err
	}
	r.Applicability = tags

	if class, ok := r.Kind.TagClass(); ok {
		for _, tag := range r.Applicability {
			if reg.tags[tag] != class {
				return configErr(r.ID, "source tag %s is %s, rule only evaluates %s batches", tag, reg.tags[tag], class)
			}
		}
	}
	return validateParams(r)
}

func (reg *Registry) expandTags(ruleID string, in []SourceTag) ([]SourceTag, error) {
	if len(in) == 0 {
		return nil, configErr(ruleID, "applicability is empty")
	}
	seen := make(map[SourceTag]bool)
	var out []SourceTag
	for _, tag := range in {
		if tag == AllTags {
			for t := range reg.tags {
				seen[t] = true
			}
			continue
		}
		if _, ok := reg.tags[tag]; !ok {
			return nil, configErr(ruleID, "undeclared source tag %q", tag)
		}
		seen[tag] = true
	}
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func validateParams(r *Rule) error {
	p := &r.Params
	switch r.Kind {
	case KindTextNormalize:
		if len(p.Fields) == 0 {
			return configErr(r.ID, "text_normalize requires params.fields")
		}
		for _, f := range p.Fields {
			if !NormalizableFields[f] {
				return configErr(r.ID, "field %q cannot be normalized", f)
			}
		}
		for i, h := range p.Honorifics {
			p.Honorifics[i] = strings.TrimSuffix(textnorm.Fold(h), ".")
		}
	case KindPriorityCanonicalize, KindCategoryCanonicalize:
		if len(p.Canonical) == 0 {
			return configErr(r.ID, "%s requires params.canonical", r.Kind)
		}
		for i, c := range p.Canonical {
			p.Canonical[i] = textnorm.Key(c)
		}
	case KindSpecialtySubstitution:
		if len(p.SourceSpecialties) == 0 {
			return configErr(r.ID, "specialty_substitution requires params.source_specialties")
		}
		if strings.TrimSpace(p.RosterSpecialty) == "" {
			return configErr(r.ID, "specialty_substitution requires params.roster_specialty")
		}
		for i, s := range p.SourceSpecialties {
			p.SourceSpecialties[i] = textnorm.Key(s)
		}
		p.RosterSpecialty = textnorm.Key(p.RosterSpecialty)
	case KindExamSplit:
		if len(p.Composites) == 0 {
			return configErr(r.ID, "exam_split requires params.composites")
		}
		keys := make(map[string]bool)
		for i := range p.Composites {
			c := &p.Composites[i]
			c.Key = textnorm.Key(c.Key)
			c.Category = textnorm.Key(c.Category)
			if c.Key == "" || c.Category == "" || len(c.Parts) == 0 {
				return configErr(r.ID, "composite %d needs key, category and parts", i)
			}
			if keys[c.Key] {
				return configErr(r.ID, "composite %q declared twice", c.Key)
			}
			keys[c.Key] = true
			for j, part := range c.Parts {
				c.Parts[j] = textnorm.Key(part)
				if c.Parts[j] == "" {
					return configErr(r.ID, "composite %q has an empty part", c.Key)
				}
			}
		}
		// A part that is itself a composite would be split again on re-run.
		for _, c := range p.Composites {
			for _, part := range c.Parts {
				if keys[part] {
					return configErr(r.ID, "part %q of %q is itself a composite", part, c.Key)
				}
			}
		}
	}
	return nil
}

// Version is the catalog version declared in the YAML document.
func (reg *Registry) Version() int {
	return reg.version
}

// ListRules returns rules ordered by module then execution order. Empty
// module or tag arguments match everything.
func (reg *Registry) ListRules(module string, tag SourceTag) []Rule {
	var out []Rule
	for _, r := range reg.rules {
		if module != "" && r.Module != module {
			continue
		}
		if tag != "" && !r.AppliesTo(tag) {
			continue
		}
		out = append(out, r.clone())
	}
	return out
}

// Rule returns the rule with the given id.
func (reg *Registry) Rule(id string) (Rule, error) {
	i, ok := reg.byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reg.rules[i].clone(), nil
}

// Classify returns the billing-window classification of a source tag.
func (reg *Registry) Classify(tag SourceTag) (TagClass, bool) {
	c, ok := reg.tags[tag]
	return c, ok
}

// SourceTags returns every declared tag, sorted.
func (reg *Registry) SourceTags() []SourceTag {
	out := make([]SourceTag, 0, len(reg.tags))
	for t := range reg.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TagsOfClass returns the declared tags with the given classification, sorted.
func (reg *Registry) TagsOfClass(class TagClass) []SourceTag {
	var out []SourceTag
	for _, t := range reg.SourceTags() {
		if reg.tags[t] == class {
			out = append(out, t)
		}
	}
	return out
}
