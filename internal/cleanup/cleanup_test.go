package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAged(t *testing.T, dir, name string, size int, age time.Duration) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestSweepShardUnderLimitIsNoOp(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "a.o", 10, time.Hour)

	limits := Limits{MaxSize: 1000, MaxFiles: 100, ShardCount: 1}
	if err := SweepShard(dir, limits); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.o")); err != nil {
		t.Fatal("expected file to survive sweep under limit")
	}
}

func TestSweepShardEvictsOldestFirst(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "old.o", 100, 2*time.Hour)
	writeAged(t, dir, "new.o", 100, time.Minute)

	limits := Limits{MaxSize: 100, MaxFiles: 10, ShardCount: 1, Multiplier: 1}
	if err := SweepShard(dir, limits); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.o")); !os.IsNotExist(err) {
		t.Fatal("expected oldest file to be evicted")
	}
	if _, err := os.Stat(filepath.Join(dir, "new.o")); err != nil {
		t.Fatal("expected newest file to survive")
	}
}

func TestSweepShardMissingDirIsNoOp(t *testing.T) {
	if err := SweepShard(filepath.Join(t.TempDir(), "missing"), Limits{MaxSize: 1, MaxFiles: 1, ShardCount: 1}); err != nil {
		t.Fatal(err)
	}
}

func TestSweepShardZeroBudgetMeansUnlimited(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "a.o", 100, 2*time.Hour)
	writeAged(t, dir, "b.o", 100, time.Minute)

	limits := Limits{MaxSize: 0, MaxFiles: 0, ShardCount: 1}
	if err := SweepShard(dir, limits); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.o")); err != nil {
		t.Fatal("MaxSize/MaxFiles <= 0 should mean unlimited, not zero")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.o")); err != nil {
		t.Fatal("MaxSize/MaxFiles <= 0 should mean unlimited, not zero")
	}
}
