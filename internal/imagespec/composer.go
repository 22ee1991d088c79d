package imagespec

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/zeebo/blake3"
)

// Filename is the name of the rendered image spec inside a workspace.
const Filename = "Dockerfile"

// ConfigFilename is the executor config file referenced by the image spec.
const ConfigFilename = "config.ini"

// DefaultBaseImage is the executor base image used when none is configured.
const DefaultBaseImage = "deepstate:latest"

// ContainerUser owns the workspace inside the container.
const ContainerUser = "fuzzer"

// Placeholders substituted by Compose.
const (
	PlaceholderTool           = "{TOOL}"
	PlaceholderWorkspace      = "{WS_NAME}"
	PlaceholderConfFile       = "{CONF_FILE}"
	PlaceholderProvisionSteps = "{PROVISION_STEPS}"
)

func defaultTemplate(baseImage string) string {
	return "FROM " + baseImage + `

# Pre-execution provisioning
{PROVISION_STEPS}

# Initialize container host with workspace
RUN chown -R ` + ContainerUser + ":" + ContainerUser + " /home/" + ContainerUser + `
USER ` + ContainerUser + `
COPY . /home/` + ContainerUser + `/{WS_NAME}
WORKDIR /home/` + ContainerUser + `/{WS_NAME}

CMD ["deepstate-{TOOL}", "--config", "{CONF_FILE}"]
`
}

// Spec is a rendered container build description.
type Spec struct {
	Content []byte
	Digest  string
	Tag     string
}

// Options configures a Composer.
type Options struct {
	// BaseImage replaces the FROM line of the built-in template.
	BaseImage string
	// TemplatePath points at a user template. When set, BaseImage is ignored.
	TemplatePath string
}

// Composer renders image specs from validated manifests.
type Composer struct {
	template string
}

// NewComposer returns a Composer using the built-in template, or the user
// template at opts.TemplatePath.
func NewComposer(opts Options) (*Composer, error) {
	if opts.TemplatePath != "" {
		data, err := os.ReadFile(opts.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("read image template: %w", err)
		}
		return &Composer{template: string(data)}, nil
	}
	base := opts.BaseImage
	if base == "" {
		base = DefaultBaseImage
	}
	return &Composer{template: defaultTemplate(base)}, nil
}

// NewComposerFromTemplate returns a Composer over an in-memory template.
func NewComposerFromTemplate(tmpl string) *Composer {
	return &Composer{template: tmpl}
}

// Compose renders the image spec for a workspace. Output is a pure function
// of the manifest and workspace name.
func (c *Composer) Compose(m *manifest.Manifest, workspace string) (Spec, error) {
	if m == nil {
		return Spec{}, fmt.Errorf("compose image spec: manifest is nil")
	}
	if strings.TrimSpace(m.Executor) == "" {
		return Spec{}, fmt.Errorf("compose image spec: manifest has no executor")
	}
	if strings.TrimSpace(workspace) == "" {
		return Spec{}, fmt.Errorf("compose image spec: workspace name is empty")
	}

	// Single pass: substituted values are never rescanned for placeholders.
	r := strings.NewReplacer(
		PlaceholderTool, m.Executor,
		PlaceholderWorkspace, workspace,
		PlaceholderConfFile, ConfigFilename,
		PlaceholderProvisionSteps, ProvisionBlock(m.ProvisionSteps),
	)
	content := []byte(r.Replace(c.template))

	digest := Digest(content)
	return Spec{
		Content: content,
		Digest:  digest,
		Tag:     Tag(workspace, digest),
	}, nil
}

// ProvisionBlock renders one RUN line per step, in order. No steps yields
// the empty string, leaving the placeholder line blank.
func ProvisionBlock(steps []string) string {
	lines := make([]string, 0, len(steps))
	for _, step := range steps {
		lines = append(lines, "RUN "+step)
	}
	return strings.Join(lines, "\n")
}

// Digest returns the BLAKE3-256 hex digest of content.
func Digest(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Tag returns the image tag for a workspace spec digest. The workspace name
// is folded into a valid repository path component.
func Tag(workspace, digest string) string {
	short := digest
	if len(short) > 12 {
		short = short[:12]
	}
	return "fuzzbed/" + repositoryComponent(workspace) + ":" + short
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// repositoryComponent maps a workspace name onto
// [a-z0-9]+((\.|_|__|-+)[a-z0-9]+)*. The digest in the tag already
// includes the workspace name, so folded names cannot share an image.
func repositoryComponent(workspace string) string {
	out := nonAlnum.ReplaceAllStringFunc(strings.ToLower(workspace), func(sep string) string {
		switch {
		case sep == "." || sep == "_" || sep == "__":
			return sep
		case strings.Trim(sep, "-") == "":
			return sep
		}
		return "-"
	})
	out = strings.Trim(out, "._-")
	if out == "" {
		return "workspace"
	}
	return out
}
