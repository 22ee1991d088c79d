package imagespec

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/fuzzbed/fuzzbed/internal/manifest"
)

// The executor reads a configparser-style INI file. Multi-valued keys use
// indented continuation lines.
var executorConfigTmpl = template.Must(template.New("config.ini").Funcs(template.FuncMap{
	"lines": continuation,
}).Parse(`[manifest]
name = {{ .Name }}
executor = {{ .Executor }}
hostname = {{ .Hostname }}
provision_steps ={{ lines .ProvisionSteps }}

[compile]
compile_test = {{ .Compile.Harness }}
compile_args ={{ lines .Compile.Args }}

[test]
input_seeds = {{ .Test.InputSeeds }}
output_test_dir = {{ .Test.OutputDir }}
timeout = {{ .Test.TimeoutSecs }}
no_fork = {{ .Test.NoFork }}
`))

func continuation(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return "\n    " + strings.Join(values, "\n    ")
}

// RenderExecutorConfig renders the executor config file for m.
func RenderExecutorConfig(m *manifest.Manifest) ([]byte, error) {
	var buf bytes.Buffer
	if err := executorConfigTmpl.Execute(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const harnessTemplate = `// {HARNESS_NAME}
//

#include <deepstate/DeepState.hpp>

using namespace deepstate;


TEST(Unit, TestName) {
    LOG(TRACE) << "Running unit test";

    // .. include test logic here
}
`

// DefaultHarness returns the starter harness written when a workspace is
// initialized without one.
func DefaultHarness(filename string) []byte {
	return []byte(strings.ReplaceAll(harnessTemplate, "{HARNESS_NAME}", filename))
}
