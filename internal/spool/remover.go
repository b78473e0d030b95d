package spool

import (
	"log/slog"
	"os"
	"time"
)

// Remover deletes artifacts with bounded retries. The external metadata tool
// can hold a file handle briefly after exit on some platforms, so a failed
// removal is retried after a fixed delay instead of being reported
// immediately.
type Remover struct {
	Attempts int
	Delay    time.Duration
	Log      *slog.Logger
}

// NewRemover returns a Remover with the given policy. Zero or negative
// attempts degrade to a single try.
func NewRemover(attempts int, delay time.Duration, log *slog.Logger) *Remover {
	if attempts < 1 {
		attempts = 1
	}
	return &Remover{Attempts: attempts, Delay: delay, Log: log}
}

// Remove deletes path, retrying up to the attempt bound. A missing file is
// success: deletion is idempotent. Returns false only when every attempt
// failed.
func (r *Remover) Remove(path string) bool {
	var lastErr error
	for i := 0; i < r.Attempts; i++ {
		err := os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return true
		}
		lastErr = err
		if i < r.Attempts-1 {
			time.Sleep(r.Delay)
		}
	}
	if r.Log != nil {
		r.Log.Warn("failed to delete artifact after retries",
			"path", path,
			"attempts", r.Attempts,
			"error", lastErr,
		)
	}
	return false
}

// RemoveAll deletes every path and reports whether all succeeded. It never
// stops early; each artifact gets its full retry budget.
func (r *Remover) RemoveAll(paths ...string) bool {
	ok := true
	for _, p := range paths {
		if !r.Remove(p) {
			ok = false
		}
	}
	return ok
}
