package stats

import (
	"path/filepath"
	"testing"
)

func TestBumpAndGet(t *testing.T) {
	s := NewShard()
	s.Bump(CacheHitDirect, 1)
	s.Bump(CacheHitDirect, 1)
	if got := s.Get(CacheHitDirect); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestSnapshotComplete(t *testing.T) {
	s := NewShard()
	s.Bump(CacheMiss, 3)
	s.Bump(CacheHitDirect, 5)
	snap := s.Snapshot()
	if snap[CacheMiss] != 3 || snap[CacheHitDirect] != 5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestResetZeroesAllCounters(t *testing.T) {
	s := NewShard()
	s.Bump(CacheMiss, 10)
	s.Reset()
	if s.Get(CacheMiss) != 0 {
		t.Fatalf("expected 0 after reset, got %d", s.Get(CacheMiss))
	}
}

func TestSetOverwritesGauge(t *testing.T) {
	s := NewShard()
	s.Set(FilesInCache, 42)
	if s.Get(FilesInCache) != 42 {
		t.Fatalf("got %d, want 42", s.Get(FilesInCache))
	}
	s.Set(FilesInCache, 7)
	if s.Get(FilesInCache) != 7 {
		t.Fatalf("got %d, want 7", s.Get(FilesInCache))
	}
}

func TestSaveFileThenLoadFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats")

	s := NewShard()
	s.Bump(CacheHitDirect, 4)
	s.Bump(CacheMiss, 2)
	if err := s.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	loaded := NewShard()
	if err := loaded.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := loaded.Get(CacheHitDirect); got != 4 {
		t.Fatalf("CacheHitDirect = %d, want 4", got)
	}
	if got := loaded.Get(CacheMiss); got != 2 {
		t.Fatalf("CacheMiss = %d, want 2", got)
	}
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	s := NewShard()
	path := filepath.Join(t.TempDir(), "does-not-exist")
	if err := s.LoadFile(path); err != nil {
		t.Fatalf("expected no error for a missing stats file, got %v", err)
	}
	if got := s.Get(CacheMiss); got != 0 {
		t.Fatalf("expected zero-value counters, got %d", got)
	}
}

func TestLoadFileThenBumpAccumulatesAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats")

	first := NewShard()
	first.Bump(CacheHitDirect, 1)
	if err := first.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	second := NewShard()
	if err := second.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	second.Bump(CacheHitDirect, 1)
	if err := second.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	third := NewShard()
	if err := third.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := third.Get(CacheHitDirect); got != 2 {
		t.Fatalf("CacheHitDirect = %d, want 2 after two separate processes each bumping once", got)
	}
}
