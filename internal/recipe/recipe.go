// Package recipe loads and validates faebuild.yaml package recipes.
package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind is the type of a declared source.
type Kind int

const (
	KindGit Kind = iota + 1
	KindArchive
	KindFile
	KindPatch
)

func (k Kind) String() string {
	switch k {
	case KindGit:
		return "git"
	case KindArchive:
		return "archive"
	case KindFile:
		return "file"
	case KindPatch:
		return "patch"
	default:
		return "unknown"
	}
}

// ParseKind maps a recipe source type to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "git":
		return KindGit, nil
	case "archive":
		return KindArchive, nil
	case "file":
		return KindFile, nil
	case "patch":
		return KindPatch, nil
	default:
		return 0, fmt.Errorf("unknown source type %q", s)
	}
}

func (k *Kind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*k = parsed
	return nil
}

func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// BuildSystem names the driver that compiles the staged tree.
type BuildSystem string

const (
	Simple     BuildSystem = "simple"
	CmakeNinja BuildSystem = "cmake-ninja"
	Cmake      BuildSystem = "cmake"
	Meson      BuildSystem = "meson"
	AutoTools  BuildSystem = "autotools"
)

func (b BuildSystem) valid() bool {
	switch b {
	case Simple, CmakeNinja, Cmake, Meson, AutoTools:
		return true
	}
	return false
}

// Names is a package name, or several for split packages.
type Names []string

func (n *Names) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*n = Names{s}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*n = list
	return nil
}

// Recipe is a parsed faebuild.yaml.
type Recipe struct {
	Name         Names             `yaml:"name"`
	Version      string            `yaml:"version"`
	Rel          uint32            `yaml:"rel"`
	Arch         []string          `yaml:"arch"`
	URL          string            `yaml:"url"`
	License      string            `yaml:"license"`
	Depends      string            `yaml:"depends,omitempty"`
	BuildDepends string            `yaml:"builddepends,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	BuildSystem  BuildSystem       `yaml:"buildsystem"`
	ConfigOpts   []string          `yaml:"configopts,omitempty"`
	BuildSteps   []string          `yaml:"buildsteps,omitempty"`
	Sources      []Source          `yaml:"sources"`
}

// ParseError reports a recipe file that could not be read or decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("reading recipe %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads, decodes and validates the recipe at path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	r, err := Parse(data)
	if err != nil {
		var fieldErr *FieldError
		if errors.As(err, &fieldErr) {
			return nil, err
		}
		return nil, &ParseError{Path: path, Err: err}
	}
	return r, nil
}

// Parse decodes and validates a recipe document. Unknown keys are errors.
func Parse(data []byte) (*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var r Recipe
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks the recipe and resolves every source's derived fields.
// It must succeed before any source is fetched.
func (r *Recipe) Validate() error {
	if len(r.Name) == 0 || r.Name[0] == "" {
		return &FieldError{Index: -1, Field: "name", Missing: true}
	}
	if r.Version == "" {
		return &FieldError{Index: -1, Field: "version", Missing: true}
	}
	if r.BuildSystem != "" && !r.BuildSystem.valid() {
		return &FieldError{Index: -1, Field: "buildsystem", Err: fmt.Errorf("unknown build system %q", r.BuildSystem)}
	}
	for i := range r.Sources {
		if err := r.Sources[i].Resolve(i); err != nil {
			return err
		}
	}
	return nil
}

// Referenced returns the cache entry names the recipe's sources use.
func (r *Recipe) Referenced() []string {
	names := make([]string, 0, len(r.Sources))
	for _, src := range r.Sources {
		if src.Dest != "" {
			names = append(names, src.Dest)
		}
	}
	return names
}
