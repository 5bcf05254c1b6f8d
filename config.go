package sectembed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size that can be written as "16MiB" or "4096" in YAML
type ByteSize int64

// UnmarshalYAML implements the yaml.Unmarshaler interface for ByteSize
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: unsupported size format: %v", value.Line, value.Kind)
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface for ByteSize
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

// Manifest describes the regions to embed into one program
type Manifest struct {
	Target        string        `yaml:"target"`
	Kind          string        `yaml:"kind"`
	Output        string        `yaml:"output"`
	MaxRegionSize ByteSize      `yaml:"max_region_size"`
	Logging       LoggingConfig `yaml:"logging"`
	Regions       []RegionSpec  `yaml:"regions"`
	Require       []RequireSpec `yaml:"require"`

	path string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RegionSpec is one region of a manifest. At most one of File and Data is
// set, a region with neither is empty.
type RegionSpec struct {
	Name  string `yaml:"name"`
	File  string `yaml:"file"`
	Data  string `yaml:"data"`
	Size  *int   `yaml:"size"`
	Plist bool   `yaml:"plist"`

	// Line is where the region is listed, it serves as its call site
	Line int `yaml:"-"`
}

// UnmarshalYAML records the line of the region
func (s *RegionSpec) UnmarshalYAML(value *yaml.Node) error {
	type plain RegionSpec
	if err := value.Decode((*plain)(s)); err != nil {
		return err
	}
	s.Line = value.Line
	return nil
}

// RequireSpec is a region the program reads
type RequireSpec struct {
	Name string
	Line int
}

// UnmarshalYAML reads a plain region name and records its line
func (s *RequireSpec) UnmarshalYAML(value *yaml.Node) error {
	if err := value.Decode(&s.Name); err != nil {
		return err
	}
	s.Line = value.Line
	return nil
}

// MarshalYAML writes the region name
func (s RequireSpec) MarshalYAML() (interface{}, error) {
	return s.Name, nil
}

// DefaultManifest returns a manifest for the current platform with no regions
func DefaultManifest() *Manifest {
	return &Manifest{
		Target:  DefaultTarget().String(),
		Kind:    KindImage.String(),
		Output:  "regions.out",
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadManifestFromBytes parses a YAML manifest and merges it with the
// defaults. Environment variables take precedence over the YAML. path is
// used for call sites and to resolve relative file names.
func LoadManifestFromBytes(data []byte, path string) (*Manifest, error) {
	m := DefaultManifest()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
	}
	m.path = path
	m.applyEnvOverrides()
	return m, nil
}

// LoadManifest reads a YAML manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return LoadManifestFromBytes(data, path)
}

// applyEnvOverrides applies SECTEMBED_* environment variables
func (m *Manifest) applyEnvOverrides() {
	m.Target = env.Str("SECTEMBED_TARGET", m.Target)
	m.Kind = env.Str("SECTEMBED_KIND", m.Kind)
	m.Output = env.Str("SECTEMBED_OUTPUT", m.Output)
	m.Logging.Level = env.Str("SECTEMBED_LOG_LEVEL", m.Logging.Level)
}

// Path returns the file the manifest was read from
func (m *Manifest) Path() string {
	return m.path
}

// Validate checks the manifest without reading any region content
func (m *Manifest) Validate() error {
	target, err := ParseTarget(m.Target)
	if err != nil {
		return err
	}
	if err := target.Check(); err != nil {
		return err
	}
	if _, err := ParseKind(m.Kind); err != nil {
		return err
	}
	if m.MaxRegionSize < 0 {
		return fmt.Errorf("max_region_size must not be negative")
	}
	for _, spec := range m.Regions {
		site := m.site(spec.Line)
		if _, err := ParseRegion(spec.Name); err != nil {
			return fmt.Errorf("%s: %w", site, err)
		}
		if spec.File != "" && spec.Data != "" {
			return fmt.Errorf("%s: region %s has both file and data", site, spec.Name)
		}
		if spec.Size != nil && *spec.Size < 0 {
			return fmt.Errorf("%s: region %s has a negative size", site, spec.Name)
		}
	}
	for _, req := range m.Require {
		if _, err := ParseRegion(req.Name); err != nil {
			return fmt.Errorf("%s: %w", m.site(req.Line), err)
		}
	}
	return nil
}

func (m *Manifest) site(line int) CallSite {
	file := m.path
	if file == "" {
		file = "<manifest>"
	}
	return CallSite{File: file, Line: line}
}

// content returns the bytes of a region, reading its file relative to the
// manifest's directory.
func (m *Manifest) content(spec RegionSpec) ([]byte, error) {
	if spec.File == "" {
		return []byte(spec.Data), nil
	}
	path := spec.File
	if !filepath.IsAbs(path) && m.path != "" {
		path = filepath.Join(filepath.Dir(m.path), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
