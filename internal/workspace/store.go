package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// StateDir is the orchestrator's own directory under the testbed root.
const StateDir = ".fuzzbed"

var (
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrInvalidName       = errors.New("invalid workspace name")
)

// Handle identifies a workspace directory under the testbed root.
type Handle struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Store tracks the workspaces under a testbed root.
//
// The view is seeded by scanning the root and is only refreshed by Rescan
// (or Watch). Directories created by other processes are invisible until
// then.
type Store struct {
	root   string
	logger *slog.Logger

	mu        sync.Mutex
	committed map[string]Handle
	order     []string
	reserved  map[string]Handle
}

// NewStore opens the testbed root, creating it if needed, and scans it.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("testbed root is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		root:      filepath.Clean(trimmed),
		logger:    logger.With("component", "workspace"),
		committed: make(map[string]Handle),
		reserved:  make(map[string]Handle),
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("create testbed root: %w", err)
	}
	if err := s.Rescan(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the testbed root directory.
func (s *Store) Root() string {
	return s.root
}

// Exists reports whether name is committed or reserved.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(name)
}

func (s *Store) existsLocked(name string) bool {
	if _, ok := s.committed[name]; ok {
		return true
	}
	_, ok := s.reserved[name]
	return ok
}

// Create reserves name and creates its directory. At most one concurrent
// caller for the same name succeeds; the others get ErrWorkspaceExists.
// The returned handle must be finished with Commit or Rollback.
func (s *Store) Create(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	if err := validateName(name); err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.existsLocked(name) {
		return Handle{}, fmt.Errorf("%w: %s", ErrWorkspaceExists, name)
	}

	h := Handle{Name: name, Path: filepath.Join(s.root, name)}
	if err := os.Mkdir(h.Path, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return Handle{}, fmt.Errorf("%w: %s", ErrWorkspaceExists, name)
		}
		return Handle{}, fmt.Errorf("create workspace %q: %w", name, err)
	}

	s.reserved[name] = h
	return h, nil
}

// Commit publishes a reserved workspace.
func (s *Store) Commit(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[h.Name]; !ok {
		return fmt.Errorf("workspace %q is not reserved", h.Name)
	}
	delete(s.reserved, h.Name)
	s.committed[h.Name] = h
	s.order = append(s.order, h.Name)
	s.logger.Info("workspace committed", "workspace", h.Name, "path", h.Path)
	return nil
}

// Rollback removes a reserved workspace's directory and releases the name.
func (s *Store) Rollback(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[h.Name]; !ok {
		return fmt.Errorf("workspace %q is not reserved", h.Name)
	}
	delete(s.reserved, h.Name)
	if err := os.RemoveAll(h.Path); err != nil {
		return fmt.Errorf("remove workspace %q: %w", h.Name, err)
	}
	s.logger.Info("workspace rolled back", "workspace", h.Name)
	return nil
}

// List returns committed workspaces in discovery order.
func (s *Store) List() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Handle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.committed[name])
	}
	return out
}

// Open resolves a committed workspace.
func (s *Store) Open(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.committed[name]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, name)
	}
	return h, nil
}

// Rescan rebuilds the committed set from the directories under the root.
// Reservations in flight are left alone.
func (s *Store) Rescan(ctx context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read testbed root: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	committed := make(map[string]Handle, len(entries))
	order := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !entry.IsDir() || validateName(entry.Name()) != nil {
			continue
		}
		name := entry.Name()
		if _, ok := s.reserved[name]; ok {
			continue
		}
		committed[name] = Handle{Name: name, Path: filepath.Join(s.root, name)}
		order = append(order, name)
	}

	s.committed = committed
	s.order = order
	s.logger.Debug("testbed rescanned", "workspaces", len(order))
	return nil
}

// WriteFile atomically writes data to rel inside the workspace.
func (s *Store) WriteFile(h Handle, rel string, data []byte) error {
	path, err := resolve(h, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Regenerate rewrites a file in a committed workspace. Only generated files
// (the image spec and executor config) are expected to change after init.
func (s *Store) Regenerate(name, rel string, data []byte) error {
	h, err := s.Open(name)
	if err != nil {
		return err
	}
	return s.WriteFile(h, rel, data)
}

// MkdirAll creates rel and any parents inside the workspace.
func (s *Store) MkdirAll(h Handle, rel string) error {
	path, err := resolve(h, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	return nil
}

// ReadFile reads rel from the workspace.
func (s *Store) ReadFile(h Handle, rel string) ([]byte, error) {
	path, err := resolve(h, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// ReadDir lists the top level of the workspace, sorted by name.
func (s *Store) ReadDir(h Handle) ([]os.DirEntry, error) {
	return os.ReadDir(h.Path)
}

func resolve(h Handle, rel string) (string, error) {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace %q", rel, h.Name)
	}
	return filepath.Join(h.Path, clean), nil
}

func validateName(name string) error {
	if name == "" || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("%w: %q may only contain letters, digits, '.', '-' and '_'", ErrInvalidName, name)
		}
	}
	return nil
}
