package preview

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CatalogEntry describes one versioned seed or snapshot source.
type CatalogEntry struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Path        string `yaml:"path"`
}

// Catalog is the parsed seed catalog (seeds.yaml). Relative entry paths
// resolve against the catalog file's directory.
type Catalog struct {
	DefaultSeedVersion string         `yaml:"default_seed_version"`
	Seeds              []CatalogEntry `yaml:"seeds"`
	Snapshots          []CatalogEntry `yaml:"snapshots"`

	dir string
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse seed catalog %s: %w", path, err)
	}
	cat.dir = filepath.Dir(path)
	return &cat, nil
}

// Seed resolves a seed version to its entry with an absolute path.
func (c *Catalog) Seed(version string) (CatalogEntry, bool) {
	return c.resolve(c.Seeds, version)
}

// Snapshot resolves a snapshot version to its entry with an absolute path.
func (c *Catalog) Snapshot(version string) (CatalogEntry, bool) {
	return c.resolve(c.Snapshots, version)
}

func (c *Catalog) resolve(entries []CatalogEntry, version string) (CatalogEntry, bool) {
	for _, e := range entries {
		if e.Version != version {
			continue
		}
		if e.Path != "" && !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(c.dir, e.Path)
		}
		return e, true
	}
	return CatalogEntry{}, false
}
