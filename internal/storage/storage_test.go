package storage

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordStart("req-1", "png"); err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	if err := s.RecordResult("req-1", "completed", "processed-image-req-1.png", "", false); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	recs, err := s.RecentRequests(10)
	if err != nil {
		t.Fatalf("RecentRequests failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.ID != "req-1" || rec.Status != "completed" || rec.Format != "png" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CleanupFailed {
		t.Fatalf("cleanup flag should be false")
	}
	if rec.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestRecordFailureWithCleanupFlag(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordStart("req-2", "webp"); err != nil {
		t.Fatalf("RecordStart failed: %v", err)
	}
	if err := s.RecordResult("req-2", "failed", "", "metadata write failed", true); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	recs, err := s.RecentRequests(10)
	if err != nil {
		t.Fatalf("RecentRequests failed: %v", err)
	}
	if recs[0].Error != "metadata write failed" {
		t.Fatalf("unexpected error field: %q", recs[0].Error)
	}
	if !recs[0].CleanupFailed {
		t.Fatalf("cleanup flag should be true")
	}
}

func TestRequestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	meta := map[string]any{"Title": "Harbour", "GPSLatitudeRef": "South"}
	if err := s.RecordMetadata("req-3", meta); err != nil {
		t.Fatalf("RecordMetadata failed: %v", err)
	}

	got, err := s.RequestMetadata("req-3")
	if err != nil {
		t.Fatalf("RequestMetadata failed: %v", err)
	}
	if got["Title"] != "Harbour" {
		t.Fatalf("unexpected metadata: %v", got)
	}
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store
	if err := s.RecordStart("x", "jpeg"); err != nil {
		t.Fatalf("nil store RecordStart errored: %v", err)
	}
	if err := s.RecordResult("x", "failed", "", "err", false); err != nil {
		t.Fatalf("nil store RecordResult errored: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil store Close errored: %v", err)
	}
}
