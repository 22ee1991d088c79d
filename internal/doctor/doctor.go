// Package doctor checks a testbed offline: configuration, workspace
// manifests, and whether the generated files still match what the current
// manifest and image template would produce.
package doctor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/fuzzbed/fuzzbed/internal/config"
	"github.com/fuzzbed/fuzzbed/internal/imagespec"
	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/fuzzbed/fuzzbed/internal/orchestrator"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	// Fixed lists the files rewritten when fixing was requested.
	Fixed []string `json:"fixed,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category  string `json:"category"`
	Workspace string `json:"workspace,omitempty"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

// Doctor inspects a testbed through its workspace store.
type Doctor struct {
	cfg      *config.Config
	store    *workspace.Store
	composer *imagespec.Composer
}

func New(cfg *config.Config, store *workspace.Store, composer *imagespec.Composer) *Doctor {
	return &Doctor{cfg: cfg, store: store, composer: composer}
}

// Check runs every check. With fix set, drifted generated files are
// regenerated from the manifest and reported in Result.Fixed instead of as
// warnings.
func (d *Doctor) Check(fix bool) *Result {
	r := &Result{}

	d.checkConfig(r)
	for _, h := range d.store.List() {
		d.checkWorkspace(r, h, fix)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (r *Result) addError(category, ws, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Workspace: ws, Field: field, Message: msg})
}

func (r *Result) addWarning(category, ws, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Workspace: ws, Field: field, Message: msg})
}

func (d *Doctor) checkConfig(r *Result) {
	if d.cfg == nil {
		return
	}
	if err := config.Validate(d.cfg); err != nil {
		for _, msg := range strings.Split(err.Error(), "\n") {
			r.addError("config", "", "", msg)
		}
	}
	auth := d.cfg.API.Auth
	if auth.APIKey == "" && len(auth.Tokens) == 0 {
		r.addWarning("api", "", "api.auth", "no credentials configured, the API accepts anonymous requests")
	}
	if auth.APIKey != "" && len(auth.Tokens) > 0 {
		r.addWarning("api", "", "api.auth", "both api_key and tokens are set, api_key grants full access")
	}
	if d.cfg.Jobs.Retention == 0 {
		r.addWarning("jobs", "", "jobs.retention", "retention is 0, terminal jobs are kept forever")
	}
}

func (d *Doctor) checkWorkspace(r *Result, h workspace.Handle, fix bool) {
	data, err := d.store.ReadFile(h, orchestrator.ManifestFilename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.addError("manifest", h.Name, orchestrator.ManifestFilename, "manifest is missing")
		} else {
			r.addError("manifest", h.Name, orchestrator.ManifestFilename, err.Error())
		}
		return
	}
	doc, err := manifest.Parse(data)
	if err != nil {
		r.addError("manifest", h.Name, orchestrator.ManifestFilename, err.Error())
		return
	}
	m, err := manifest.Validate(doc)
	if err != nil {
		r.addError("manifest", h.Name, orchestrator.ManifestFilename, err.Error())
		return
	}

	if _, err := d.store.ReadFile(h, m.Compile.Harness); err != nil {
		r.addWarning("harness", h.Name, m.Compile.Harness, "harness named in the manifest is missing")
	}

	spec, err := d.composer.Compose(m, h.Name)
	if err != nil {
		r.addError("image", h.Name, imagespec.Filename, err.Error())
		return
	}
	d.compare(r, h, imagespec.Filename, spec.Content, fix, func(current []byte) string {
		return fmt.Sprintf("image spec is stale (digest %s, expected %s)",
			short(imagespec.Digest(current)), short(spec.Digest))
	})

	ini, err := imagespec.RenderExecutorConfig(m)
	if err != nil {
		r.addError("config.ini", h.Name, imagespec.ConfigFilename, err.Error())
		return
	}
	d.compare(r, h, imagespec.ConfigFilename, ini, fix, func([]byte) string {
		return "executor config does not match the manifest"
	})
}

// compare reports or repairs a generated file whose content differs from
// want. A missing file counts as drift.
func (d *Doctor) compare(r *Result, h workspace.Handle, rel string, want []byte, fix bool, describe func(current []byte) string) {
	current, err := d.store.ReadFile(h, rel)
	if err == nil && bytes.Equal(current, want) {
		return
	}
	msg := "file is missing"
	if err == nil {
		msg = describe(current)
	}

	if !fix {
		r.addWarning("drift", h.Name, rel, msg)
		return
	}
	if err := d.store.Regenerate(h.Name, rel, want); err != nil {
		r.addError("drift", h.Name, rel, fmt.Sprintf("regenerate failed: %v", err))
		return
	}
	r.Fixed = append(r.Fixed, h.Name+"/"+rel)
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Testbed healthy.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Testbed healthy (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Testbed has problems (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.location()+e.Message)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.location()+w.Message)
	}
	for _, f := range r.Fixed {
		fmt.Fprintf(&b, "  FIXED %s\n", f)
	}

	return b.String()
}

func (i Issue) location() string {
	switch {
	case i.Workspace != "" && i.Field != "":
		return i.Workspace + "/" + i.Field + ": "
	case i.Workspace != "":
		return i.Workspace + ": "
	case i.Field != "":
		return i.Field + ": "
	}
	return ""
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
