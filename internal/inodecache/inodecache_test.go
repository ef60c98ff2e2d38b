package inodecache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/standardbeagle/goccache/internal/digest"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inodecache.bin")
	c, err := Open(path, Options{BucketCount: 16})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGetHits(t *testing.T) {
	c := openTestCache(t)
	key := StatKey{Dev: 1, Ino: 42, Mtime: 100, Ctime: 100, Size: 10}
	var sum digest.Digest
	sum[0] = 0xAB

	old := time.Unix(0, 0)
	now := old.Add(time.Hour)
	c.Put(key, sum, 0, old, old, now)

	got, _, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if got != sum {
		t.Fatalf("got digest %s, want %s", got, sum)
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := openTestCache(t)
	_, _, ok := c.Get(StatKey{Dev: 1, Ino: 999})
	if ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestPutRejectsRecentMtime(t *testing.T) {
	c := openTestCache(t)
	key := StatKey{Dev: 1, Ino: 7}
	now := time.Unix(1000, 0)
	recent := now.Add(-time.Second) // within default 2s min_age
	c.Put(key, digest.Digest{1}, 0, recent, recent, now)

	_, _, ok := c.Get(key)
	if ok {
		t.Fatal("expected entry to be rejected due to mtime-aliasing guard")
	}
}

func TestBucketLRUPromotion(t *testing.T) {
	c := openTestCache(t)
	old := time.Unix(0, 0)
	now := old.Add(time.Hour)

	// Repeated hits on a single key keep it retrievable.
	key := StatKey{Dev: 2, Ino: 5, Size: 1}
	c.Put(key, digest.Digest{2}, 0, old, old, now)
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Get(key); !ok {
			t.Fatalf("iteration %d: expected repeated hit", i)
		}
	}

	// With a single bucket every key shares the same 4 slots: a hit on the
	// oldest entry promotes it, so the next insert evicts the one behind it.
	single, err := Open(filepath.Join(t.TempDir(), "single.bin"), Options{BucketCount: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { single.Close() })
	keys := []StatKey{{Ino: 1}, {Ino: 2}, {Ino: 3}, {Ino: 4}}
	for i, k := range keys {
		single.Put(k, digest.Digest{byte(i + 1)}, 0, old, old, now)
	}
	if _, _, ok := single.Get(keys[0]); !ok {
		t.Fatal("expected oldest entry to be cached before the next insert")
	}
	single.Put(StatKey{Ino: 5}, digest.Digest{5}, 0, old, old, now)
	if _, _, ok := single.Get(keys[0]); !ok {
		t.Fatal("expected promoted entry to survive the next insert")
	}
	if _, _, ok := single.Get(keys[1]); ok {
		t.Fatal("expected least recently used entry to be evicted")
	}
}
