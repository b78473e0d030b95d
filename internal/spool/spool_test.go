package spool

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	s := New(filepath.Join(base, "temp"), filepath.Join(base, "downloads"))
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}
	return s
}

func TestEnsureDirsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureDirs(); err != nil {
		t.Fatalf("second EnsureDirs failed: %v", err)
	}
	tempDir, downloadDir := s.Dirs()
	for _, dir := range []string{tempDir, downloadDir} {
		if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
			t.Fatalf("expected directory at %s", dir)
		}
	}
}

func TestNewArtifactRolesAndDirs(t *testing.T) {
	s := newTestStore(t)
	tempDir, downloadDir := s.Dirs()

	inter := s.NewArtifact(RoleIntermediate, "jpeg")
	if filepath.Dir(inter.Path) != tempDir {
		t.Fatalf("intermediate artifact in wrong dir: %s", inter.Path)
	}
	if filepath.Ext(inter.Path) != ".jpeg" {
		t.Fatalf("unexpected extension: %s", inter.Path)
	}

	final := s.NewArtifact(RoleFinal, "webp")
	if filepath.Dir(final.Path) != downloadDir {
		t.Fatalf("final artifact in wrong dir: %s", final.Path)
	}
}

func TestNewArtifactNoCollisionsUnderConcurrency(t *testing.T) {
	s := newTestStore(t)

	const workers = 50
	const perWorker = 4

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				a := s.NewArtifact(RoleIntermediate, "png")
				mu.Lock()
				if seen[a.Path] {
					t.Errorf("colliding artifact path: %s", a.Path)
				}
				seen[a.Path] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d unique paths, got %d", workers*perWorker, len(seen))
	}
}

func TestRemoverDeletesExistingFile(t *testing.T) {
	r := NewRemover(3, time.Millisecond, slog.Default())
	path := filepath.Join(t.TempDir(), "artifact.jpg")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !r.Remove(path) {
		t.Fatalf("expected removal to succeed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists")
	}
}

func TestRemoverAbsentPathIsSuccess(t *testing.T) {
	r := NewRemover(3, time.Millisecond, slog.Default())
	if !r.Remove(filepath.Join(t.TempDir(), "never-existed.png")) {
		t.Fatalf("deleting an absent path must be success")
	}
}

func TestRemoverReportsExhaustion(t *testing.T) {
	// A non-empty directory cannot be removed with os.Remove, so every
	// attempt fails and the remover must report it.
	dir := filepath.Join(t.TempDir(), "locked")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "held.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := NewRemover(2, time.Millisecond, slog.Default())
	if r.Remove(dir) {
		t.Fatalf("expected removal to fail after retries")
	}
}

func TestRemoveAllAggregates(t *testing.T) {
	base := t.TempDir()
	good := filepath.Join(base, "good.jpg")
	if err := os.WriteFile(good, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	locked := filepath.Join(base, "locked")
	if err := os.MkdirAll(locked, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(locked, "held.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	r := NewRemover(2, time.Millisecond, slog.Default())
	if r.RemoveAll(good, locked) {
		t.Fatalf("expected aggregate failure")
	}
	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Fatalf("good file should still be deleted despite the failure")
	}
}
