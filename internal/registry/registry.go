// Package registry holds the static dictionary of expenditure categories,
// the universes they belong to, and their parent/child rollups.
package registry

import (
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/dmi/internal/model"
)

//go:embed categories.yaml
var defaultYAML []byte

// Registry is an immutable, validated set of categories.
type Registry struct {
	Version string

	categories []model.CategorySpec
	byID       map[string]*model.CategorySpec
	children   map[string][]string
}

type registryFile struct {
	Version    string               `yaml:"version"`
	Categories []model.CategorySpec `yaml:"categories"`
}

// Default returns the embedded registry.
func Default() (*Registry, error) {
	return Parse(defaultYAML)
}

// Load reads a registry YAML file. An empty path loads the embedded default.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "registry: parse yaml")
	}
	return New(f.Version, f.Categories)
}

// New builds a registry from category specs, rejecting duplicate IDs,
// dangling parents and parent cycles.
func New(version string, cats []model.CategorySpec) (*Registry, error) {
	if len(cats) == 0 {
		return nil, eris.New("registry: no categories")
	}

	r := &Registry{
		Version:    version,
		categories: append([]model.CategorySpec(nil), cats...),
		byID:       make(map[string]*model.CategorySpec, len(cats)),
		children:   make(map[string][]string),
	}
	for i := range r.categories {
		c := &r.categories[i]
		if c.CategoryID == "" {
			return nil, eris.Errorf("registry: category at position %d has no id", i)
		}
		if _, dup := r.byID[c.CategoryID]; dup {
			return nil, eris.Errorf("registry: duplicate category %q", c.CategoryID)
		}
		r.byID[c.CategoryID] = c
	}

	for _, c := range r.categories {
		if c.ParentCategoryID == "" {
			continue
		}
		if _, ok := r.byID[c.ParentCategoryID]; !ok {
			return nil, eris.Errorf("registry: category %q has unknown parent %q", c.CategoryID, c.ParentCategoryID)
		}
		r.children[c.ParentCategoryID] = append(r.children[c.ParentCategoryID], c.CategoryID)
	}
	for _, ids := range r.children {
		sort.Strings(ids)
	}

	for _, c := range r.categories {
		seen := map[string]bool{c.CategoryID: true}
		for p := c.ParentCategoryID; p != ""; p = r.byID[p].ParentCategoryID {
			if seen[p] {
				return nil, eris.Errorf("registry: parent cycle through %q", c.CategoryID)
			}
			seen[p] = true
		}
	}

	return r, nil
}

// Get returns the category with the given ID.
func (r *Registry) Get(id string) (model.CategorySpec, bool) {
	c, ok := r.byID[id]
	if !ok {
		return model.CategorySpec{}, false
	}
	return *c, true
}

// Categories returns every category in registry order.
func (r *Registry) Categories() []model.CategorySpec {
	return append([]model.CategorySpec(nil), r.categories...)
}

// Universe returns the IDs of the categories in a universe, sorted.
func (r *Registry) Universe(universeID string) ([]string, error) {
	var ids []string
	for _, c := range r.categories {
		if c.InUniverse(universeID) {
			ids = append(ids, c.CategoryID)
		}
	}
	if len(ids) == 0 {
		return nil, eris.Errorf("registry: unknown or empty universe %q", universeID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Universes returns every universe ID referenced by a category, sorted.
func (r *Registry) Universes() []string {
	set := make(map[string]struct{})
	for _, c := range r.categories {
		for _, u := range c.UniverseIDs {
			set[u] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Children returns the direct children of a category, sorted.
func (r *Registry) Children(id string) []string {
	return append([]string(nil), r.children[id]...)
}

// Resolve checks that every ID is a member of the universe and returns the
// IDs that are not.
func (r *Registry) Resolve(universeID string, ids []string) []string {
	var missing []string
	for _, id := range ids {
		c, ok := r.byID[id]
		if !ok || !c.InUniverse(universeID) {
			missing = append(missing, id)
		}
	}
	return missing
}

// Rollup sums leaf values into every ancestor. The returned map holds the
// input values plus one entry per ancestor reached.
func (r *Registry) Rollup(values map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(values))
	for id, v := range values {
		c, ok := r.byID[id]
		if !ok {
			return nil, eris.Errorf("registry: rollup of unknown category %q", id)
		}
		out[id] += v
		for p := c.ParentCategoryID; p != ""; p = r.byID[p].ParentCategoryID {
			out[p] += v
		}
	}
	return out, nil
}
