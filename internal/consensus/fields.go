package consensus

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldTable is the static field-to-provider assignment: which provider is
// primary for each field and how much each provider's vote weighs. It is
// loaded once at startup.
type FieldTable struct {
	Defaults FieldDefaults        `yaml:"defaults"`
	Fields   map[string]FieldRule `yaml:"fields"`
}

// FieldDefaults apply to fields without their own weights.
type FieldDefaults struct {
	Weights map[string]float64 `yaml:"weights"`
}

// FieldRule configures one field.
type FieldRule struct {
	Primary string             `yaml:"primary"`
	Weights map[string]float64 `yaml:"weights,omitempty"`
}

// LoadFieldTable reads the table from a YAML file with a top-level
// "consensus" key.
func LoadFieldTable(path string) (*FieldTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "consensus: read field table %s", path)
	}
	return ParseFieldTable(data)
}

// ParseFieldTable parses the YAML form of a field table.
func ParseFieldTable(data []byte) (*FieldTable, error) {
	var wrapper struct {
		Consensus FieldTable `yaml:"consensus"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "consensus: parse field table")
	}

	t := &wrapper.Consensus
	if t.Fields == nil {
		t.Fields = map[string]FieldRule{}
	}
	for field, rule := range t.Fields {
		for p, w := range rule.Weights {
			if w < 0 {
				return nil, eris.Errorf("consensus: negative weight %v for %s on field %s", w, p, field)
			}
		}
	}
	for p, w := range t.Defaults.Weights {
		if w < 0 {
			return nil, eris.Errorf("consensus: negative default weight %v for %s", w, p)
		}
	}
	return t, nil
}

// Primary returns the designated primary provider for field, or "".
func (t *FieldTable) Primary(field string) string {
	if t == nil {
		return ""
	}
	return t.Fields[field].Primary
}

// Weight returns provider's vote weight for field. Field weights win over
// defaults; unlisted providers weigh 1.
func (t *FieldTable) Weight(field, provider string) float64 {
	if t != nil {
		if w, ok := t.Fields[field].Weights[provider]; ok {
			return w
		}
		if w, ok := t.Defaults.Weights[provider]; ok {
			return w
		}
	}
	return 1
}

// FieldNames returns the configured fields in sorted order.
func (t *FieldTable) FieldNames() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.Fields))
	for f := range t.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}
