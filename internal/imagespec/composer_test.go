package imagespec

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest(t *testing.T, executor string, steps []string) *manifest.Manifest {
	t.Helper()
	doc := manifest.Default("demo")
	doc.Manifest.Executor = &executor
	doc.Manifest.ProvisionSteps = &steps
	m, err := manifest.Validate(doc)
	require.NoError(t, err)
	return m
}

func newDefaultComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer(Options{})
	require.NoError(t, err)
	return c
}

func TestCompose_Deterministic(t *testing.T) {
	c := newDefaultComposer(t)
	m := validManifest(t, "afl", []string{"apt-get update"})

	first, err := c.Compose(m, "demo")
	require.NoError(t, err)
	second, err := c.Compose(m, "demo")
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Equal(t, first.Tag, second.Tag)
	assert.Len(t, first.Digest, 64)
	assert.Equal(t, "fuzzbed/demo:"+first.Digest[:12], first.Tag)
}

func TestCompose_SubstitutesToolAndWorkspace(t *testing.T) {
	c := newDefaultComposer(t)
	spec, err := c.Compose(validManifest(t, "afl", nil), "demo")
	require.NoError(t, err)

	content := string(spec.Content)
	assert.Contains(t, content, "FROM deepstate:latest")
	assert.Contains(t, content, `"deepstate-afl"`)
	assert.Contains(t, content, "/home/fuzzer/demo")
	assert.Contains(t, content, `"config.ini"`)
	assert.NotContains(t, content, "{")
}

func TestCompose_EmptyProvisioningLeavesBlankLine(t *testing.T) {
	c := NewComposerFromTemplate("A\n{PROVISION_STEPS}\nB\n")
	spec, err := c.Compose(validManifest(t, "afl", []string{}), "demo")
	require.NoError(t, err)
	assert.Equal(t, "A\n\nB\n", string(spec.Content))
}

func TestCompose_TwoStepsInOrder(t *testing.T) {
	c := NewComposerFromTemplate("A\n{PROVISION_STEPS}\nB\n")
	spec, err := c.Compose(validManifest(t, "afl", []string{"apt-get update", "make"}), "demo")
	require.NoError(t, err)
	assert.Equal(t, "A\nRUN apt-get update\nRUN make\nB\n", string(spec.Content))
}

func TestCompose_UnknownPlaceholdersPassThrough(t *testing.T) {
	c := NewComposerFromTemplate("{TOOL} {USER} {WS_NAME} {NOPE}")
	spec, err := c.Compose(validManifest(t, "honggfuzz", nil), "demo")
	require.NoError(t, err)
	assert.Equal(t, "honggfuzz {USER} demo {NOPE}", string(spec.Content))
}

func TestCompose_StepsAreNotRescanned(t *testing.T) {
	c := NewComposerFromTemplate("{PROVISION_STEPS}")
	spec, err := c.Compose(validManifest(t, "afl", []string{"echo {TOOL}"}), "demo")
	require.NoError(t, err)
	assert.Equal(t, "RUN echo {TOOL}", string(spec.Content))
}

func TestCompose_Errors(t *testing.T) {
	c := newDefaultComposer(t)

	_, err := c.Compose(&manifest.Manifest{Name: "x"}, "demo")
	assert.ErrorContains(t, err, "executor")

	_, err = c.Compose(validManifest(t, "afl", nil), " ")
	assert.ErrorContains(t, err, "workspace")

	_, err = c.Compose(nil, "demo")
	assert.Error(t, err)
}

func TestNewComposer_TemplatePathAndBaseImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmpl")
	require.NoError(t, os.WriteFile(path, []byte("FROM custom\nRUN {TOOL}\n"), 0o644))

	c, err := NewComposer(Options{TemplatePath: path, BaseImage: "ignored"})
	require.NoError(t, err)
	spec, err := c.Compose(validManifest(t, "angora", nil), "demo")
	require.NoError(t, err)
	assert.Equal(t, "FROM custom\nRUN angora\n", string(spec.Content))

	c, err = NewComposer(Options{BaseImage: "registry.local/deepstate:1"})
	require.NoError(t, err)
	spec, err = c.Compose(validManifest(t, "angora", nil), "demo")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(spec.Content), "FROM registry.local/deepstate:1\n"))

	_, err = NewComposer(Options{TemplatePath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestTag_LowercasesWorkspace(t *testing.T) {
	assert.Equal(t, "fuzzbed/libpng:0123456789ab", Tag("LibPNG", "0123456789abcdef"))
	assert.Equal(t, "fuzzbed/x:abc", Tag("x", "abc"))
}

func TestTagFoldsNamesDockerCannotReference(t *testing.T) {
	for name, want := range map[string]string{
		"demo-":     "demo",
		"_x":        "x",
		"a..b":      "a-b",
		"a.b_c__d":  "a.b_c__d",
		"a--b":      "a--b",
		"a-_b":      "a-b",
		"Lib.PNG-2": "lib.png-2",
		"___":       "workspace",
	} {
		assert.Equal(t, "fuzzbed/"+want+":abc", Tag(name, "abc"), "workspace %q", name)
	}
}

func TestRenderExecutorConfig(t *testing.T) {
	m := validManifest(t, "eclipser", []string{"make", "make install"})
	m.Compile.Args = []string{"-O2", "-g"}

	data, err := RenderExecutorConfig(m)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, "[manifest]\nname = demo\nexecutor = eclipser\nhostname = fuzzer\n")
	assert.Contains(t, out, "provision_steps =\n    make\n    make install\n")
	assert.Contains(t, out, "compile_args =\n    -O2\n    -g\n")
	assert.Contains(t, out, "timeout = 3600\nno_fork = false\n")

	again, err := RenderExecutorConfig(m)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestDefaultHarness(t *testing.T) {
	h := string(DefaultHarness("test_default.cpp"))
	assert.True(t, strings.HasPrefix(h, "// test_default.cpp\n"))
	assert.Contains(t, h, "#include <deepstate/DeepState.hpp>")
}
