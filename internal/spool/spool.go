package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Role identifies which spool directory an artifact lives in.
type Role string

const (
	RoleIntermediate Role = "intermediate" // re-encoded image, before metadata embedding
	RoleFinal        Role = "final"        // metadata-embedded image returned to the caller
)

// Artifact is one transient file in a spool directory. The path is computed
// before the file exists; the encode or embed step makes it live.
type Artifact struct {
	Role Role
	Path string
}

// Store manages the two spool directories and hands out collision-free
// artifact paths. Path uniqueness is the only isolation between concurrent
// requests, so the name carries a UUID rather than a bare timestamp.
type Store struct {
	tempDir     string
	downloadDir string
}

// New creates a Store over the given directories. Call EnsureDirs before
// handing out artifacts.
func New(tempDir, downloadDir string) *Store {
	return &Store{tempDir: tempDir, downloadDir: downloadDir}
}

// EnsureDirs creates both spool directories, tolerating already-exists.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{s.tempDir, s.downloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create spool directory %s: %w", dir, err)
		}
	}
	return nil
}

// Dirs returns the temp and download directories, in that order.
func (s *Store) Dirs() (string, string) {
	return s.tempDir, s.downloadDir
}

// NewArtifact computes a unique path for an artifact of the given role and
// extension. The file is not created here.
func (s *Store) NewArtifact(role Role, ext string) Artifact {
	var dir, prefix string
	switch role {
	case RoleFinal:
		dir, prefix = s.downloadDir, "output"
	default:
		dir, prefix = s.tempDir, "temp"
	}
	name := fmt.Sprintf("%s-%d-%s.%s", prefix, time.Now().UnixMilli(), uuid.NewString(), ext)
	return Artifact{Role: role, Path: filepath.Join(dir, name)}
}
