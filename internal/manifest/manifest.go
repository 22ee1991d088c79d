package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Default filenames and values for a freshly initialized workspace.
const (
	Filename            = "manifest.yaml"
	DefaultHostname     = "fuzzer"
	DefaultExecutor     = "afl"
	DefaultHarness      = "test_default.cpp"
	DefaultInputSeeds   = "in"
	DefaultOutputDir    = "out"
	DefaultTimeoutSecs  = 3600
	manifestSectionName = "manifest"
)

// Args is a list of command-line arguments.
//
// Accepted formats:
//   - sequence: compile_args: ["-O2", "-g"]
//   - string:   compile_args: "-O2 -g"  (split shell-style)
type Args []string

func (a *Args) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			*a = nil
			return nil
		}
		return a.split(n.Value)
	case yaml.SequenceNode:
		var out []string
		if err := n.Decode(&out); err != nil {
			return fmt.Errorf("compile_args: %w", err)
		}
		*a = out
		return nil
	default:
		return fmt.Errorf("compile_args must be a string or a sequence")
	}
}

func (a *Args) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*a = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return a.split(s)
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("compile_args must be a string or an array of strings")
	}
	*a = out
	return nil
}

func (a *Args) split(s string) error {
	if strings.TrimSpace(s) == "" {
		*a = nil
		return nil
	}
	parts, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("compile_args: %w", err)
	}
	*a = parts
	return nil
}

// ManifestSection is the raw `manifest` section. Pointer fields record
// presence so the validator can tell a missing key from an empty one.
type ManifestSection struct {
	Name           *string   `yaml:"name,omitempty" json:"name,omitempty"`
	Executor       *string   `yaml:"executor,omitempty" json:"executor,omitempty"`
	Hostname       *string   `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	ProvisionSteps *[]string `yaml:"provision_steps,omitempty" json:"provision_steps,omitempty"`
}

// CompileSection describes how the harness is compiled.
type CompileSection struct {
	Harness string `yaml:"compile_test,omitempty" json:"compile_test,omitempty"`
	Args    Args   `yaml:"compile_args,omitempty" json:"compile_args,omitempty"`
}

// TestSection describes how the executor runs against the harness.
type TestSection struct {
	InputSeeds *string `yaml:"input_seeds,omitempty" json:"input_seeds,omitempty"`
	OutputDir  *string `yaml:"output_test_dir,omitempty" json:"output_test_dir,omitempty"`
	Timeout    *int    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	NoFork     *bool   `yaml:"no_fork,omitempty" json:"no_fork,omitempty"`
}

// Document is a manifest as read from disk or a request body, before
// validation.
type Document struct {
	Manifest *ManifestSection `yaml:"manifest,omitempty" json:"manifest,omitempty"`
	Compile  *CompileSection  `yaml:"compile,omitempty" json:"compile,omitempty"`
	Test     *TestSection     `yaml:"test,omitempty" json:"test,omitempty"`
}

// Manifest is a validated workspace manifest with defaults applied.
type Manifest struct {
	Name           string
	Executor       string
	Hostname       string
	ProvisionSteps []string
	Compile        Compile
	Test           Test
}

// Compile holds validated compile settings.
type Compile struct {
	Harness string
	Args    []string
}

// Test holds validated executor run settings.
type Test struct {
	InputSeeds  string
	OutputDir   string
	TimeoutSecs int
	NoFork      bool
}

// Parse decodes a YAML manifest document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &doc, nil
}

// Load reads and decodes the YAML manifest at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// Default returns the template manifest written for a workspace that was
// initialized without one.
func Default(name string) *Document {
	executor := DefaultExecutor
	hostname := DefaultHostname
	steps := []string{}
	seeds := DefaultInputSeeds
	out := DefaultOutputDir
	timeout := DefaultTimeoutSecs
	noFork := false
	return &Document{
		Manifest: &ManifestSection{
			Name:           &name,
			Executor:       &executor,
			Hostname:       &hostname,
			ProvisionSteps: &steps,
		},
		Compile: &CompileSection{
			Harness: DefaultHarness,
			Args:    Args{},
		},
		Test: &TestSection{
			InputSeeds: &seeds,
			OutputDir:  &out,
			Timeout:    &timeout,
			NoFork:     &noFork,
		},
	}
}

// Document converts a validated manifest back to its document form.
func (m *Manifest) Document() *Document {
	name, executor, hostname := m.Name, m.Executor, m.Hostname
	steps := append([]string{}, m.ProvisionSteps...)
	seeds, out := m.Test.InputSeeds, m.Test.OutputDir
	timeout, noFork := m.Test.TimeoutSecs, m.Test.NoFork
	return &Document{
		Manifest: &ManifestSection{
			Name:           &name,
			Executor:       &executor,
			Hostname:       &hostname,
			ProvisionSteps: &steps,
		},
		Compile: &CompileSection{
			Harness: m.Compile.Harness,
			Args:    append(Args{}, m.Compile.Args...),
		},
		Test: &TestSection{
			InputSeeds: &seeds,
			OutputDir:  &out,
			Timeout:    &timeout,
			NoFork:     &noFork,
		},
	}
}

// Encode renders a validated manifest as YAML, the on-disk workspace format.
func Encode(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m.Document()); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}
