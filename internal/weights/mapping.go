package weights

import (
	_ "embed"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dmi/internal/registry"
)

//go:embed ce_table_to_cpi_mapping.yaml
var defaultMappingYAML []byte

// MappingRow maps one published table item label to a category. Rows with
// Include false are known items whose share counts as excluded. Ignore rows
// restate other rows (totals, nested detail) and are not counted at all.
type MappingRow struct {
	Label      string `yaml:"ce_item_label"`
	CategoryID string `yaml:"cpi_category_id"`
	Include    bool   `yaml:"include_in_inflation_universe"`
	Ignore     bool   `yaml:"ignore"`
}

// Mapping is the pinned label-to-category artifact.
type Mapping struct {
	Version string       `yaml:"version"`
	Rows    []MappingRow `yaml:"rows"`

	byLabel map[string]int
}

// LoadMapping reads a mapping YAML file. An empty path loads the embedded default.
func LoadMapping(path string) (*Mapping, error) {
	if path == "" {
		return ParseMapping(defaultMappingYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "weights: read mapping %s", path)
	}
	return ParseMapping(data)
}

// ParseMapping decodes mapping YAML and indexes it by normalized label.
func ParseMapping(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "weights: parse mapping")
	}
	if len(m.Rows) == 0 {
		return nil, eris.New("weights: mapping has no rows")
	}

	m.byLabel = make(map[string]int, len(m.Rows))
	for i, r := range m.Rows {
		key := NormalizeLabel(r.Label)
		if key == "" {
			return nil, eris.Errorf("weights: mapping row %d has no label", i)
		}
		if _, dup := m.byLabel[key]; dup {
			return nil, eris.Errorf("weights: duplicate mapping label %q", r.Label)
		}
		if r.Include && r.Ignore {
			return nil, eris.Errorf("weights: label %q is both included and ignored", r.Label)
		}
		if r.Include && r.CategoryID == "" {
			return nil, eris.Errorf("weights: included label %q has no category", r.Label)
		}
		m.byLabel[key] = i
	}
	return &m, nil
}

// Lookup returns the mapping row for a sheet label.
func (m *Mapping) Lookup(label string) (MappingRow, bool) {
	i, ok := m.byLabel[NormalizeLabel(label)]
	if !ok {
		return MappingRow{}, false
	}
	return m.Rows[i], true
}

// Check verifies that every included category resolves in the registry.
func (m *Mapping) Check(reg *registry.Registry) error {
	for _, r := range m.Rows {
		if !r.Include {
			continue
		}
		if _, ok := reg.Get(r.CategoryID); !ok {
			return eris.Errorf("weights: label %q maps to unknown category %q", r.Label, r.CategoryID)
		}
	}
	return nil
}

var footnoteRe = regexp.MustCompile(`\s*\(\d+\)$`)

// NormalizeLabel canonicalizes a table label for matching: Unicode NFKC,
// case folding, collapsed whitespace, and trailing footnote markers and
// punctuation removed.
func NormalizeLabel(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = footnoteRe.ReplaceAllString(s, "")
	return strings.TrimRight(s, ":. ")
}
