package envs

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wrapbench/wrapbench/internal/digest"
)

// Package is one pinned dependency of an environment.
type Package struct {
	Name       string
	Constraint string
}

func (p Package) String() string {
	if p.Constraint == "" {
		return p.Name
	}
	return p.Name + " " + p.Constraint
}

// Descriptor declares the isolated runtime an environment provides. It is
// never mutated after creation; edits produce a new descriptor with a new
// hash. The on-disk form is a conda-style environment.yaml.
type Descriptor struct {
	Channels []string
	Packages []Package
}

type descriptorFile struct {
	Channels     []string `yaml:"channels,omitempty"`
	Dependencies []string `yaml:"dependencies"`
}

func (d Descriptor) Empty() bool {
	return len(d.Packages) == 0
}

// Hash is a pure function of the descriptor's content.
func (d Descriptor) Hash() string {
	parts := make([]string, 0, len(d.Channels)+len(d.Packages)+1)
	parts = append(parts, d.Channels...)
	parts = append(parts, "--")
	for _, pkg := range d.Packages {
		parts = append(parts, pkg.String())
	}
	return digest.Strings(parts)
}

func (d Descriptor) Encode() ([]byte, error) {
	file := descriptorFile{Channels: d.Channels}
	for _, pkg := range d.Packages {
		file.Dependencies = append(file.Dependencies, pkg.String())
	}
	return yaml.Marshal(file)
}

func ParseDescriptor(data []byte) (Descriptor, error) {
	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Descriptor{}, fmt.Errorf("parse environment descriptor: %w", err)
	}
	desc := Descriptor{Channels: file.Channels}
	for _, dep := range file.Dependencies {
		pkg, err := parseDependency(dep)
		if err != nil {
			return Descriptor{}, err
		}
		desc.Packages = append(desc.Packages, pkg)
	}
	return desc, nil
}

func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return desc, nil
}

func parseDependency(dep string) (Package, error) {
	fields := strings.Fields(dep)
	if len(fields) == 0 {
		return Package{}, fmt.Errorf("empty dependency entry")
	}
	name := fields[0]
	constraint := strings.Join(fields[1:], " ")
	// "pigz=2.3.4" and "pigz =2.3.4" mean the same pin.
	if constraint == "" {
		if idx := strings.IndexAny(name, "=<>!"); idx > 0 {
			constraint = name[idx:]
			name = name[:idx]
		}
	}
	return Package{Name: name, Constraint: constraint}, nil
}
