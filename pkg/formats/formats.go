// Package formats holds the static catalog of output formats passed to the renderer.
package formats

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed formats.yaml
var defaultCatalog []byte

// Format is one output target.
type Format struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Width       int    `yaml:"width" json:"width"`
	Height      int    `yaml:"height" json:"height"`
	AspectRatio string `yaml:"aspect_ratio" json:"aspect_ratio"`
}

type catalogFile struct {
	Formats []Format `yaml:"formats"`
}

// Catalog is an immutable set of formats keyed by id.
type Catalog struct {
	byID map[string]Format
	ids  []string
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from path, or the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read format catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode format catalog: %w", err)
	}
	if len(file.Formats) == 0 {
		return nil, fmt.Errorf("format catalog is empty")
	}

	c := &Catalog{byID: make(map[string]Format, len(file.Formats))}
	for _, f := range file.Formats {
		f.ID = strings.ToUpper(strings.TrimSpace(f.ID))
		if f.ID == "" {
			return nil, fmt.Errorf("format with empty id")
		}
		if f.Width <= 0 || f.Height <= 0 {
			return nil, fmt.Errorf("format %s has invalid dimensions %dx%d", f.ID, f.Width, f.Height)
		}
		if _, dup := c.byID[f.ID]; dup {
			return nil, fmt.Errorf("duplicate format id %s", f.ID)
		}
		c.byID[f.ID] = f
		c.ids = append(c.ids, f.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// Get returns the format for id.
func (c *Catalog) Get(id string) (Format, bool) {
	f, ok := c.byID[strings.ToUpper(strings.TrimSpace(id))]
	return f, ok
}

// IDs returns every format id in sorted order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

// All returns every format sorted by id.
func (c *Catalog) All() []Format {
	out := make([]Format, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.byID[id])
	}
	return out
}

// Resolve maps ids to formats, failing on the first unknown id.
// An empty ids list selects every format.
func (c *Catalog) Resolve(ids []string) ([]Format, error) {
	if len(ids) == 0 {
		return c.All(), nil
	}
	out := make([]Format, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		f, ok := c.Get(id)
		if !ok {
			return nil, fmt.Errorf("unknown format %q", id)
		}
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}
