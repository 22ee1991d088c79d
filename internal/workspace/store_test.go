package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "testbed"), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

func TestStoreCreateCommitOpen(t *testing.T) {
	s := newTestStore(t)

	h, err := s.Create(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if want := filepath.Join(s.Root(), "demo"); h.Path != want {
		t.Fatalf("Create() path = %q, want %q", h.Path, want)
	}
	if info, err := os.Stat(h.Path); err != nil || !info.IsDir() {
		t.Fatalf("workspace dir missing: %v", err)
	}
	if !s.Exists("demo") {
		t.Fatalf("Exists() = false for reserved workspace")
	}
	if len(s.List()) != 0 {
		t.Fatalf("List() includes uncommitted workspace")
	}
	if _, err := s.Open("demo"); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("Open() before commit error = %v, want ErrWorkspaceNotFound", err)
	}

	if err := s.Commit(h); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	opened, err := s.Open("demo")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != h {
		t.Fatalf("Open() = %+v, want %+v", opened, h)
	}

	if _, err := s.Create(context.Background(), "demo"); !errors.Is(err, ErrWorkspaceExists) {
		t.Fatalf("second Create() error = %v, want ErrWorkspaceExists", err)
	}
}

func TestStoreConcurrentCreateSingleWinner(t *testing.T) {
	s := newTestStore(t)

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		exists  int
		start   = make(chan struct{})
		unknown []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Create(context.Background(), "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrWorkspaceExists):
				exists++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 || exists != callers-1 || len(unknown) != 0 {
		t.Fatalf("wins=%d exists=%d unknown=%v, want exactly one winner", wins, exists, unknown)
	}
}

func TestStoreRollbackRemovesDirectory(t *testing.T) {
	s := newTestStore(t)

	h, err := s.Create(context.Background(), "demo")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.WriteFile(h, "manifest.yaml", []byte("x")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := s.Rollback(h); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Fatalf("workspace dir still present after rollback: %v", err)
	}
	if s.Exists("demo") {
		t.Fatalf("Exists() = true after rollback")
	}
	if _, err := s.Create(context.Background(), "demo"); err != nil {
		t.Fatalf("Create() after rollback error = %v", err)
	}
}

func TestStoreCreateRejectsInvalidNames(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"", ".", "..", ".fuzzbed", "a/b", `a\b`, " demo", "demo!"} {
		if _, err := s.Create(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Create(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestStoreCreateHonorsContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Create(ctx, "demo"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Create() error = %v, want context.Canceled", err)
	}
}

func TestStoreScanAndRescan(t *testing.T) {
	root := filepath.Join(t.TempDir(), "testbed")
	for _, dir := range []string{"alpha", "beta", StateDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(root, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	got := s.List()
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "beta" {
		t.Fatalf("List() = %+v, want alpha, beta", got)
	}

	if err := os.Mkdir(filepath.Join(root, "gamma"), 0o755); err != nil {
		t.Fatal(err)
	}
	if s.Exists("gamma") {
		t.Fatalf("store learned of gamma without a rescan")
	}
	if err := s.Rescan(context.Background()); err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}
	if !s.Exists("gamma") {
		t.Fatalf("Exists(gamma) = false after rescan")
	}
}

func TestStoreRescanKeepsReservations(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Create(context.Background(), "pending")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Rescan(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("rescan committed an in-flight reservation")
	}
	if err := s.Commit(h); err != nil {
		t.Fatalf("Commit() after rescan error = %v", err)
	}
}

func TestStoreFileHelpers(t *testing.T) {
	s := newTestStore(t)
	h, err := s.Create(context.Background(), "demo")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.MkdirAll(h, "in"); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := s.WriteFile(h, "sub/Dockerfile", []byte("FROM x\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := s.ReadFile(h, "sub/Dockerfile")
	if err != nil || string(got) != "FROM x\n" {
		t.Fatalf("ReadFile() = %q, %v", got, err)
	}
	if err := s.WriteFile(h, "../escape", []byte("x")); err == nil {
		t.Fatalf("WriteFile() outside workspace succeeded")
	}

	if err := s.Regenerate("demo", "Dockerfile", []byte("y")); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("Regenerate() on reserved workspace error = %v", err)
	}
	if err := s.Commit(h); err != nil {
		t.Fatal(err)
	}
	if err := s.Regenerate("demo", "Dockerfile", []byte("y")); err != nil {
		t.Fatalf("Regenerate() error = %v", err)
	}
}

func TestStoreWatchPicksUpNewDirectories(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rescans := make(chan []Handle, 8)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, func(list []Handle) {
			select {
			case rescans <- list:
			default:
			}
		})
	}()

	// Give the watcher a moment to register the root.
	time.Sleep(50 * time.Millisecond)
	if err := os.Mkdir(filepath.Join(s.Root(), "external"), 0o755); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !s.Exists("external") {
		if time.Now().After(deadline) {
			t.Fatalf("watch did not rescan after external mkdir")
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case list := <-rescans:
		if len(list) != 1 || list[0].Name != "external" {
			t.Fatalf("rescan callback got %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatalf("rescan callback not invoked")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
}
