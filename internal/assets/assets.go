// Package assets maps a device profile and component set to the concrete
// release artifacts an install needs. Resolution is a pure lookup over the
// embedded catalog; fetching is a stage action, not this package's job.
package assets

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lyndonlyu/freemark/internal/device"
)

// Component identifies one installable artifact family.
type Component string

const (
	Framework  Component = "framework"
	Extensions Component = "extensions"
	Launcher   Component = "launcher"
	Reader     Component = "reader"
	TripleTap  Component = "tripletap"
)

// Spec is a fully resolved artifact: where to fetch it, what it must hash
// to, and where it lands on the device.
type Spec struct {
	ID         string `yaml:"-"`
	URL        string `yaml:"url"`
	File       string `yaml:"file"`
	SHA256     string `yaml:"sha256"`
	RemotePath string `yaml:"remote_path"`
	Size       int64  `yaml:"size"`
}

// UnknownArtifactError is returned when a requested component has no mapping
// for the resolved instruction set.
type UnknownArtifactError struct {
	Component Component
	Arch      device.Arch
}

func (e *UnknownArtifactError) Error() string {
	return fmt.Sprintf("assets: no %s artifact for %s", e.Component, e.Arch)
}

//go:embed catalog.yaml
var catalogYAML []byte

// Catalog holds per-architecture artifact tables. The "any" table serves
// architecture-independent artifacts.
type Catalog struct {
	tables map[string]map[Component]Spec
}

// Load parses the embedded catalog. The catalog ships inside the binary, so
// a parse failure is a build defect, not a runtime condition; Load still
// returns the error so tests can assert on catalog integrity.
func Load() (*Catalog, error) {
	var raw map[string]map[Component]Spec
	if err := yaml.Unmarshal(catalogYAML, &raw); err != nil {
		return nil, fmt.Errorf("assets: parse catalog: %w", err)
	}
	for arch, table := range raw {
		for comp, spec := range table {
			spec.ID = fmt.Sprintf("%s-%s", comp, arch)
			table[comp] = spec
		}
	}
	return &Catalog{tables: raw}, nil
}

// Resolve returns the specs for the requested components on the given
// profile, in a stable order. Architecture-specific tables take precedence
// over the "any" table.
func (c *Catalog) Resolve(profile device.Profile, components []Component) ([]Spec, error) {
	sorted := append([]Component(nil), components...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var specs []Spec
	for _, comp := range sorted {
		spec, err := c.lookup(profile.Arch, comp)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Lookup resolves a single component.
func (c *Catalog) Lookup(arch device.Arch, comp Component) (Spec, error) {
	return c.lookup(arch, comp)
}

func (c *Catalog) lookup(arch device.Arch, comp Component) (Spec, error) {
	if table, ok := c.tables[arch.String()]; ok {
		if spec, ok := table[comp]; ok {
			return spec, nil
		}
	}
	if table, ok := c.tables["any"]; ok {
		if spec, ok := table[comp]; ok {
			return spec, nil
		}
	}
	return Spec{}, &UnknownArtifactError{Component: comp, Arch: arch}
}
