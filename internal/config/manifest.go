package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nervemesh/nerve/internal/model"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidSlug reports whether s is a URL-safe node slug.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// LoadManifest reads the local node manifest (YAML) describing this node's
// identity and capability surface: slug, name, type, collections, autonomous
// collectors, workflows, domains, data types, keywords.
func LoadManifest(path string) (*model.CapabilitySnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m model.CapabilitySnapshot
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if !ValidSlug(m.Slug) {
		return nil, fmt.Errorf("manifest %s: invalid slug %q", path, m.Slug)
	}
	if m.Name == "" {
		m.Name = m.Slug
	}
	if m.Type == "" {
		m.Type = model.NodeTypeChild
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("manifest %s: invalid type %q", path, m.Type)
	}
	for i, c := range m.Collections {
		if c.Name == "" {
			return nil, fmt.Errorf("manifest %s: collections[%d]: name is required", path, i)
		}
		if c.Class == "" {
			return nil, fmt.Errorf("manifest %s: collections[%d]: class is required", path, i)
		}
	}
	for i, c := range m.Collectors {
		if c.Name == "" || c.Goal == "" {
			return nil, fmt.Errorf("manifest %s: autonomous_collectors[%d]: name and goal are required", path, i)
		}
	}

	return &m, nil
}
