package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestValidate_MissingSection(t *testing.T) {
	_, err := Validate(&Document{Compile: &CompileSection{Harness: "h.cpp"}})

	var target *MissingSectionError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "manifest", target.Section)
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = Validate(nil)
	assert.ErrorAs(t, err, &target)
}

func TestValidate_MissingFieldsReportedTogether(t *testing.T) {
	_, err := Validate(&Document{Manifest: &ManifestSection{}})

	var target *MissingFieldError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, []string{"name", "executor"}, target.Fields)
	assert.Contains(t, err.Error(), "name, executor")
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestValidate_Executors(t *testing.T) {
	tests := []struct {
		name     string
		executor string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "manticore is not yet supported",
			executor: "manticore",
			check: func(t *testing.T, err error) {
				var target *UnsupportedExecutorError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "manticore", target.Executor)
			},
		},
		{
			name:     "libfuzzer is not yet supported",
			executor: "libfuzzer",
			check: func(t *testing.T, err error) {
				var target *UnsupportedExecutorError
				require.ErrorAs(t, err, &target)
			},
		},
		{
			name:     "unknown executor",
			executor: "radamsa",
			check: func(t *testing.T, err error) {
				var target *UnknownExecutorError
				require.ErrorAs(t, err, &target)
				assert.Equal(t, "radamsa", target.Executor)
			},
		},
		{
			name:     "afl is allowed",
			executor: "afl",
			check: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{Manifest: &ManifestSection{
				Name:     strPtr("target"),
				Executor: strPtr(tt.executor),
			}}
			_, err := Validate(doc)
			tt.check(t, err)
		})
	}
}

func TestValidate_AppliesDefaults(t *testing.T) {
	m, err := Validate(&Document{Manifest: &ManifestSection{
		Name:     strPtr("target"),
		Executor: strPtr("honggfuzz"),
	}})
	require.NoError(t, err)

	assert.Equal(t, "fuzzer", m.Hostname)
	assert.NotNil(t, m.ProvisionSteps)
	assert.Empty(t, m.ProvisionSteps)
	assert.Equal(t, DefaultHarness, m.Compile.Harness)
	assert.Equal(t, "in", m.Test.InputSeeds)
	assert.Equal(t, "out", m.Test.OutputDir)
	assert.Equal(t, 3600, m.Test.TimeoutSecs)
	assert.False(t, m.Test.NoFork)
}

func TestValidate_RejectsEscapingPaths(t *testing.T) {
	seeds := "../outside"
	_, err := Validate(&Document{
		Manifest: &ManifestSection{Name: strPtr("t"), Executor: strPtr("afl")},
		Test:     &TestSection{InputSeeds: &seeds},
	})

	var target *InvalidFieldError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "test.input_seeds", target.Field)
	assert.True(t, errors.Is(err, ErrInvalidManifest))
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
manifest:
  name: libpng
  executor: eclipser
  hostname: box
  provision_steps:
    - apt-get update
    - make
compile:
  compile_test: png_test.cpp
  compile_args: "-O2 -g -DNAME='a b'"
test:
  input_seeds: seeds
  timeout: 60
  no_fork: true
`)
	doc, err := Parse(data)
	require.NoError(t, err)

	m, err := Validate(doc)
	require.NoError(t, err)
	assert.Equal(t, "libpng", m.Name)
	assert.Equal(t, "eclipser", m.Executor)
	assert.Equal(t, "box", m.Hostname)
	assert.Equal(t, []string{"apt-get update", "make"}, m.ProvisionSteps)
	assert.Equal(t, "png_test.cpp", m.Compile.Harness)
	assert.Equal(t, []string{"-O2", "-g", "-DNAME=a b"}, m.Compile.Args)
	assert.Equal(t, "seeds", m.Test.InputSeeds)
	assert.Equal(t, "out", m.Test.OutputDir)
	assert.Equal(t, 60, m.Test.TimeoutSecs)
	assert.True(t, m.Test.NoFork)
}

func TestParse_CompileArgsSequence(t *testing.T) {
	doc, err := Parse([]byte("manifest: {name: x, executor: afl}\ncompile:\n  compile_args: [\"-a\", \"-b c\"]\n"))
	require.NoError(t, err)
	assert.Equal(t, Args{"-a", "-b c"}, doc.Compile.Args)
}

func TestArgs_UnmarshalJSON(t *testing.T) {
	var a Args
	require.NoError(t, a.UnmarshalJSON([]byte(`"-x  -y"`)))
	assert.Equal(t, Args{"-x", "-y"}, a)

	require.NoError(t, a.UnmarshalJSON([]byte(`["-z"]`)))
	assert.Equal(t, Args{"-z"}, a)

	assert.Error(t, a.UnmarshalJSON([]byte(`42`)))
}

func TestEncodeRoundTripsThroughValidate(t *testing.T) {
	m, err := Validate(Default("demo"))
	require.NoError(t, err)

	data, err := Encode(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provision_steps: []")

	path := filepath.Join(t.TempDir(), Filename)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	again, err := Validate(doc)
	require.NoError(t, err)
	assert.Equal(t, m, again)
}
