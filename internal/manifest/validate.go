package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Allowed lists the executors fuzzbed can provision.
var Allowed = []string{"afl", "eclipser", "honggfuzz", "angora", "ensemble"}

// NotSupported lists executors that are known but not provisionable yet.
var NotSupported = []string{"manticore", "angr", "libfuzzer"}

// requiredFields are the keys that must be present in the manifest section,
// in reporting order.
var requiredFields = []string{"name", "executor"}

// ErrInvalidManifest is matched by every manifest validation error.
var ErrInvalidManifest = errors.New("invalid manifest")

// MissingSectionError reports an absent top-level section.
type MissingSectionError struct {
	Section string
}

func (e *MissingSectionError) Error() string {
	return fmt.Sprintf("no %s section defined in configuration", e.Section)
}

func (e *MissingSectionError) Is(target error) bool { return target == ErrInvalidManifest }

// MissingFieldError reports every required key absent from a section.
type MissingFieldError struct {
	Section string
	Fields  []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing entries in %s: %s", e.Section, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldError) Is(target error) bool { return target == ErrInvalidManifest }

// UnsupportedExecutorError reports a known executor that is not yet supported.
type UnsupportedExecutorError struct {
	Executor string
}

func (e *UnsupportedExecutorError) Error() string {
	return fmt.Sprintf("%s executor not yet supported by fuzzbed", e.Executor)
}

func (e *UnsupportedExecutorError) Is(target error) bool { return target == ErrInvalidManifest }

// UnknownExecutorError reports an executor in neither the allowed nor the
// not-supported set.
type UnknownExecutorError struct {
	Executor string
}

func (e *UnknownExecutorError) Error() string {
	return fmt.Sprintf("%s executor not found", e.Executor)
}

func (e *UnknownExecutorError) Is(target error) bool { return target == ErrInvalidManifest }

// InvalidFieldError reports a present field with an unusable value.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidFieldError) Is(target error) bool { return target == ErrInvalidManifest }

// Validate checks doc against the required-field schema and the executor
// allow-list and returns the typed manifest with defaults applied.
func Validate(doc *Document) (*Manifest, error) {
	if doc == nil || doc.Manifest == nil {
		return nil, &MissingSectionError{Section: manifestSectionName}
	}
	sec := doc.Manifest

	var missing []string
	for _, field := range requiredFields {
		switch field {
		case "name":
			if sec.Name == nil {
				missing = append(missing, field)
			}
		case "executor":
			if sec.Executor == nil {
				missing = append(missing, field)
			}
		}
	}
	if len(missing) > 0 {
		return nil, &MissingFieldError{Section: manifestSectionName, Fields: missing}
	}

	executor := strings.TrimSpace(*sec.Executor)
	if slices.Contains(NotSupported, executor) {
		return nil, &UnsupportedExecutorError{Executor: executor}
	}
	if !slices.Contains(Allowed, executor) {
		return nil, &UnknownExecutorError{Executor: executor}
	}

	m := &Manifest{
		Name:           *sec.Name,
		Executor:       executor,
		Hostname:       DefaultHostname,
		ProvisionSteps: []string{},
		Compile: Compile{
			Harness: DefaultHarness,
			Args:    []string{},
		},
		Test: Test{
			InputSeeds:  DefaultInputSeeds,
			OutputDir:   DefaultOutputDir,
			TimeoutSecs: DefaultTimeoutSecs,
		},
	}
	if sec.Hostname != nil && strings.TrimSpace(*sec.Hostname) != "" {
		m.Hostname = strings.TrimSpace(*sec.Hostname)
	}
	if sec.ProvisionSteps != nil {
		m.ProvisionSteps = append(m.ProvisionSteps, (*sec.ProvisionSteps)...)
	}

	if c := doc.Compile; c != nil {
		if strings.TrimSpace(c.Harness) != "" {
			m.Compile.Harness = strings.TrimSpace(c.Harness)
		}
		m.Compile.Args = append(m.Compile.Args, c.Args...)
	}

	if t := doc.Test; t != nil {
		if t.InputSeeds != nil && strings.TrimSpace(*t.InputSeeds) != "" {
			m.Test.InputSeeds = strings.TrimSpace(*t.InputSeeds)
		}
		if t.OutputDir != nil && strings.TrimSpace(*t.OutputDir) != "" {
			m.Test.OutputDir = strings.TrimSpace(*t.OutputDir)
		}
		if t.Timeout != nil && *t.Timeout > 0 {
			m.Test.TimeoutSecs = *t.Timeout
		}
		if t.NoFork != nil {
			m.Test.NoFork = *t.NoFork
		}
	}

	for _, f := range []struct{ field, value string }{
		{"compile.compile_test", m.Compile.Harness},
		{"test.input_seeds", m.Test.InputSeeds},
		{"test.output_test_dir", m.Test.OutputDir},
	} {
		if reason := checkRelativeName(f.value); reason != "" {
			return nil, &InvalidFieldError{Field: f.field, Reason: reason}
		}
	}

	return m, nil
}

// checkRelativeName keeps workspace-relative names inside the workspace.
func checkRelativeName(name string) string {
	if filepath.IsAbs(name) {
		return "must be relative to the workspace"
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "must stay inside the workspace"
	}
	return ""
}
