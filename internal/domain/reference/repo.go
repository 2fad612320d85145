package reference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Repository is the query contract of the reference collaborators. The
// pipeline only reads; Replace exists for seeding local stores.
type Repository interface {
	ValueMappings(ctx context.Context) ([]ValueMapping, error)
	PriorityMappings(ctx context.Context) ([]Mapping, error)
	CategoryMappings(ctx context.Context) ([]Mapping, error)
	Clients(ctx context.Context) ([]Client, error)
	Doctors(ctx context.Context) ([]Doctor, error)
	Cadastre(ctx context.Context) ([]CadastreExam, error)
	DynamicRules(ctx context.Context) ([]DynamicRule, error)

	// Replace swaps the content of every reference table for ds.
	Replace(ctx context.Context, ds *Dataset) error
}

type yamlDynamicRule struct {
	DynamicRule `yaml:",inline"`
	Criteria    map[string]any `yaml:"criteria"`
}

type yamlDataset struct {
	Dataset      `yaml:",inline"`
	DynamicRules []yamlDynamicRule `yaml:"dynamic_rules"`
}

// ParseDataset reads a YAML reference dataset. Dynamic rule criteria are
// kept as JSON, the storage form.
func ParseDataset(data []byte) (*Dataset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw yamlDataset
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse reference dataset: %w", err)
	}
	ds := raw.Dataset
	ds.DynamicRules = nil
	for _, r := range raw.DynamicRules {
		crit, err := json.Marshal(r.Criteria)
		if err != nil {
			return nil, fmt.Errorf("dynamic rule %s: encode criteria: %w", r.ID, err)
		}
		rule := r.DynamicRule
		rule.Criteria = crit
		ds.DynamicRules = append(ds.DynamicRules, rule)
	}
	return &ds, nil
}

// LoadDatasetFile reads a YAML reference dataset from disk.
func LoadDatasetFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reference dataset %s: %w", path, err)
	}
	return ParseDataset(data)
}
