// Package orchestrator is the transport-agnostic request surface of fuzzbed.
// It validates input, prepares workspaces and hands jobs to the lifecycle
// controller; the HTTP API and CLI are thin bindings over it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzbed/fuzzbed/internal/events"
	"github.com/fuzzbed/fuzzbed/internal/imagespec"
	"github.com/fuzzbed/fuzzbed/internal/jobs"
	"github.com/fuzzbed/fuzzbed/internal/journal"
	"github.com/fuzzbed/fuzzbed/internal/lifecycle"
	"github.com/fuzzbed/fuzzbed/internal/manifest"
	"github.com/fuzzbed/fuzzbed/internal/workspace"
)

const (
	// DefaultWorkspace is used when init is called without a name.
	DefaultWorkspace = "workspace"
	// ManifestFilename is the manifest kept inside each workspace.
	ManifestFilename = "manifest.yaml"
	// JobNamePrefix prefixes generated job names.
	JobNamePrefix = "worker_"
)

var (
	ErrInvalidJobName      = errors.New("invalid job name")
	ErrHistoryUnavailable  = errors.New("job history is not recorded")
	ErrInvalidHarnessName  = errors.New("invalid harness file name")
	ErrManifestUnreadable  = errors.New("workspace manifest is unreadable")
	ErrManifestOutside     = errors.New("manifest path is outside the testbed")
	harnessExtensions      = []string{".c", ".cc", ".cpp", ".cxx"}
	containerNameCharacter = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)
)

// Launcher runs and stops jobs. *lifecycle.Controller implements it.
type Launcher interface {
	Launch(ctx context.Context, rec jobs.Record, spec imagespec.Spec, lc lifecycle.LaunchConfig) error
	Stop(ctx context.Context, jobName string) (jobs.Record, error)
}

// HistoryReader returns the recorded transitions of a job.
type HistoryReader interface {
	History(ctx context.Context, jobName string) ([]journal.Transition, error)
}

// Publisher receives workspace events.
type Publisher interface {
	Publish(eventType string, data any)
}

type InitRequest struct {
	WorkspaceName string
	// Manifest takes precedence over ManifestPath. With neither, the default
	// manifest for the workspace is used.
	Manifest     *manifest.Document
	ManifestPath string
	// Harnesses maps file names to contents. Empty writes the starter harness.
	Harnesses map[string][]byte
}

type InitResult struct {
	Workspace workspace.Handle
	Manifest  *manifest.Manifest
	ImageTag  string
	Digest    string
}

type StartRequest struct {
	WorkspaceName string
	// JobName is generated when empty.
	JobName string
}

// Health summarizes the service for the health endpoint.
type Health struct {
	Uptime     time.Duration
	Jobs       map[jobs.State]int
	Workspaces int
	ActiveRuns int
}

type Service struct {
	store     *workspace.Store
	composer  *imagespec.Composer
	registry  *jobs.Registry
	launcher  Launcher
	history   HistoryReader
	publisher Publisher
	logger    *slog.Logger
	startedAt time.Time
	active    func() int
}

type Option func(*Service)

func WithHistory(h HistoryReader) Option {
	return func(s *Service) { s.history = h }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithActiveRuns reports live run goroutines in Health.
func WithActiveRuns(f func() int) Option {
	return func(s *Service) { s.active = f }
}

func New(store *workspace.Store, composer *imagespec.Composer, registry *jobs.Registry, launcher Launcher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		composer:  composer,
		registry:  registry,
		launcher:  launcher,
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "orchestrator")
	return s
}

// Init validates the manifest and materializes a new workspace: manifest,
// executor config, harnesses, seed directory and image spec. Nothing is left
// behind when any step fails.
func (s *Service) Init(ctx context.Context, req InitRequest) (res InitResult, err error) {
	name := strings.TrimSpace(req.WorkspaceName)
	if name == "" {
		name = DefaultWorkspace
	}

	doc := req.Manifest
	if doc == nil && req.ManifestPath != "" {
		path, err := s.resolveManifestPath(req.ManifestPath)
		if err != nil {
			return InitResult{}, fmt.Errorf("%w: %w", manifest.ErrInvalidManifest, err)
		}
		if doc, err = manifest.Load(path); err != nil {
			return InitResult{}, fmt.Errorf("%w: %v", manifest.ErrInvalidManifest, err)
		}
	}
	if doc == nil {
		doc = manifest.Default(name)
	}
	m, err := manifest.Validate(doc)
	if err != nil {
		return InitResult{}, err
	}
	for file := range req.Harnesses {
		if err := checkHarnessName(file); err != nil {
			return InitResult{}, err
		}
	}

	h, err := s.store.Create(ctx, name)
	if err != nil {
		return InitResult{}, err
	}
	logger := s.logger.With("workspace", name)
	defer func() {
		if err == nil {
			return
		}
		if rbErr := s.store.Rollback(h); rbErr != nil {
			logger.Error("workspace rollback failed", "error", rbErr)
		}
	}()

	spec, err := s.populate(h, m, req.Harnesses)
	if err != nil {
		return InitResult{}, err
	}
	if err = s.store.Commit(h); err != nil {
		return InitResult{}, err
	}

	logger.Info("workspace initialized", "executor", m.Executor, "image_tag", spec.Tag)
	if s.publisher != nil {
		s.publisher.Publish(events.WorkspaceCreated, map[string]any{
			"workspace_name": name,
			"path":           h.Path,
			"executor":       m.Executor,
		})
	}
	return InitResult{Workspace: h, Manifest: m, ImageTag: spec.Tag, Digest: spec.Digest}, nil
}

func (s *Service) populate(h workspace.Handle, m *manifest.Manifest, harnesses map[string][]byte) (imagespec.Spec, error) {
	encoded, err := manifest.Encode(m)
	if err != nil {
		return imagespec.Spec{}, err
	}
	if err := s.store.WriteFile(h, ManifestFilename, encoded); err != nil {
		return imagespec.Spec{}, err
	}

	conf, err := imagespec.RenderExecutorConfig(m)
	if err != nil {
		return imagespec.Spec{}, fmt.Errorf("render executor config: %w", err)
	}
	if err := s.store.WriteFile(h, imagespec.ConfigFilename, conf); err != nil {
		return imagespec.Spec{}, err
	}

	if len(harnesses) == 0 {
		harnesses = map[string][]byte{m.Compile.Harness: imagespec.DefaultHarness(m.Compile.Harness)}
	}
	for _, file := range slices.Sorted(maps.Keys(harnesses)) {
		if err := s.store.WriteFile(h, file, harnesses[file]); err != nil {
			return imagespec.Spec{}, err
		}
	}

	if err := s.store.MkdirAll(h, m.Test.InputSeeds); err != nil {
		return imagespec.Spec{}, err
	}

	spec, err := s.composer.Compose(m, h.Name)
	if err != nil {
		return imagespec.Spec{}, err
	}
	if err := s.store.WriteFile(h, imagespec.Filename, spec.Content); err != nil {
		return imagespec.Spec{}, err
	}
	return spec, nil
}

// Start registers a job for an initialized workspace and hands it to the
// launcher. The returned record is in the requested state; progress is
// observed through Job or Status.
func (s *Service) Start(ctx context.Context, req StartRequest) (jobs.Record, error) {
	h, err := s.store.Open(req.WorkspaceName)
	if err != nil {
		return jobs.Record{}, err
	}

	jobName := req.JobName
	if jobName == "" {
		jobName = GenerateJobName()
	} else if !containerNameCharacter.MatchString(jobName) {
		return jobs.Record{}, fmt.Errorf("%w: %q", ErrInvalidJobName, jobName)
	}

	m, err := s.LoadManifest(h)
	if err != nil {
		return jobs.Record{}, err
	}
	spec, err := s.composer.Compose(m, h.Name)
	if err != nil {
		return jobs.Record{}, err
	}

	rec, err := s.registry.Register(jobName, h.Name)
	if err != nil {
		return jobs.Record{}, err
	}

	lc := lifecycle.LaunchConfig{ContextDir: h.Path, Hostname: m.Hostname}
	if err := s.launcher.Launch(ctx, rec, spec, lc); err != nil {
		if _, terr := s.registry.Transition(jobName, jobs.StateFailed, err.Error()); terr != nil {
			s.logger.Warn("could not fail unlaunched job", "job_name", jobName, "error", terr)
		}
		return jobs.Record{}, fmt.Errorf("launch %s: %w", jobName, err)
	}

	s.logger.Info("job requested", "job_name", jobName, "workspace", h.Name, "image_tag", spec.Tag)
	return rec, nil
}

// resolveManifestPath confines a caller-supplied manifest path to the
// testbed root. Relative paths are taken from the root; symlinks are
// resolved before the check.
func (s *Service) resolveManifestPath(p string) (string, error) {
	root, err := filepath.EvalSymlinks(s.store.Root())
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	if clean := filepath.Clean(p); !within(root, clean) && !within(s.store.Root(), clean) {
		return "", fmt.Errorf("%w: %s", ErrManifestOutside, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrManifestOutside, p)
	}
	return resolved, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// LoadManifest reads and validates the manifest stored in a workspace.
func (s *Service) LoadManifest(h workspace.Handle) (*manifest.Manifest, error) {
	data, err := s.store.ReadFile(h, ManifestFilename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	doc, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", manifest.ErrInvalidManifest, err)
	}
	return manifest.Validate(doc)
}

// Status returns every job, or the single named job.
func (s *Service) Status(_ context.Context, jobName string) ([]jobs.Record, error) {
	if jobName == "" {
		return s.registry.List(nil), nil
	}
	rec, err := s.registry.Get(jobName)
	if err != nil {
		return nil, err
	}
	return []jobs.Record{rec}, nil
}

// Jobs lists jobs, optionally only those in one state.
func (s *Service) Jobs(filter *jobs.State) []jobs.Record {
	return s.registry.List(filter)
}

func (s *Service) Job(jobName string) (jobs.Record, error) {
	return s.registry.Get(jobName)
}

func (s *Service) Stop(ctx context.Context, jobName string) (jobs.Record, error) {
	rec, err := s.launcher.Stop(ctx, jobName)
	if err != nil {
		return rec, err
	}
	s.logger.Info("job stopped", "job_name", jobName, "cleanup_incomplete", rec.CleanupIncomplete)
	return rec, nil
}

func (s *Service) Workspaces() []workspace.Handle {
	return s.store.List()
}

// Harnesses lists the C and C++ sources at the top of a workspace.
func (s *Service) Harnesses(name string) ([]string, error) {
	h, err := s.store.Open(name)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ReadDir(h)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(harnessExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (s *Service) History(ctx context.Context, jobName string) ([]journal.Transition, error) {
	if s.history == nil {
		return nil, ErrHistoryUnavailable
	}
	if _, err := s.registry.Get(jobName); err != nil {
		return nil, err
	}
	// Journal writes trail the registry; wait for them without holding any
	// registry lock.
	s.registry.Flush()
	return s.history.History(ctx, jobName)
}

func (s *Service) Health() Health {
	h := Health{
		Uptime:     time.Since(s.startedAt),
		Jobs:       s.registry.Counts(),
		Workspaces: len(s.store.List()),
	}
	if s.active != nil {
		h.ActiveRuns = s.active()
	}
	return h
}

// GenerateJobName returns a fresh worker_<8 hex> name.
func GenerateJobName() string {
	id := uuid.New()
	return JobNamePrefix + strings.ReplaceAll(id.String(), "-", "")[:8]
}

func checkHarnessName(file string) error {
	if file == "" || filepath.IsAbs(file) || strings.ContainsAny(file, `/\`) || strings.HasPrefix(file, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidHarnessName, file)
	}
	if file == ManifestFilename || file == imagespec.Filename || file == imagespec.ConfigFilename {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidHarnessName, file)
	}
	return nil
}
