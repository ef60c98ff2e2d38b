package manifest

import (
	"fmt"
	"testing"
	"time"

	"github.com/standardbeagle/goccache/internal/digest"
)

type fakeStatProvider struct {
	sizes  map[string]uint64
	mtimes map[string]int64
	hashes map[string]digest.Digest
	failed map[string]bool
}

func newFakeStatProvider() *fakeStatProvider {
	return &fakeStatProvider{
		sizes:  map[string]uint64{},
		mtimes: map[string]int64{},
		hashes: map[string]digest.Digest{},
		failed: map[string]bool{},
	}
}

func (f *fakeStatProvider) Stat(path string) (uint64, int64, int64, error) {
	if f.failed[path] {
		return 0, 0, 0, fmt.Errorf("stat failed")
	}
	return f.sizes[path], f.mtimes[path], f.mtimes[path], nil
}

func (f *fakeStatProvider) Hash(path string) (digest.Digest, error) {
	if f.failed[path] {
		return digest.Digest{}, fmt.Errorf("hash failed")
	}
	return f.hashes[path], nil
}

func TestAddThenResolveHit(t *testing.T) {
	m := New()
	sp := newFakeStatProvider()
	sp.hashes["a.h"] = digest.Digest{1}
	sp.sizes["a.h"] = 10

	resultKey := digest.Digest{9}
	ok := m.Add(resultKey, []RecordedFile{{Path: "a.h", Digest: digest.Digest{1}, Size: 10}})
	if !ok {
		t.Fatal("expected Add to succeed")
	}

	got, found, err := m.Resolve(sp, ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !found || got != resultKey {
		t.Fatalf("Resolve = %v,%v, want %v,true", got, found, resultKey)
	}
}

func TestResolveMissOnDigestMismatch(t *testing.T) {
	m := New()
	sp := newFakeStatProvider()
	sp.hashes["a.h"] = digest.Digest{2} // differs from recorded

	m.Add(digest.Digest{9}, []RecordedFile{{Path: "a.h", Digest: digest.Digest{1}}})

	_, found, err := m.Resolve(sp, ResolveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss on digest mismatch")
	}
}

func TestAddDuplicateResultKeyNoOp(t *testing.T) {
	m := New()
	resultKey := digest.Digest{5}
	m.Add(resultKey, []RecordedFile{{Path: "a.h"}})
	if m.Add(resultKey, []RecordedFile{{Path: "b.h"}}) {
		t.Fatal("expected duplicate Add to return false")
	}
	if len(m.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(m.Entries))
	}
}

func TestResolveTrustsStatMatchWithoutHashing(t *testing.T) {
	m := New()
	sp := newFakeStatProvider()
	sp.sizes["a.h"] = 100
	sp.mtimes["a.h"] = 42
	// Intentionally do not set sp.hashes["a.h"]; a stat-match hit must not
	// need to call Hash to succeed.
	sp.failed["a.h"] = false

	m.Add(digest.Digest{1}, []RecordedFile{{Path: "a.h", Size: 100, IncludeMtime: true, Mtime: 42, Ctime: 42}})

	_, found, err := m.Resolve(sp, ResolveOptions{TrustStatMatches: true})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected stat-match fast path to hit")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.Add(digest.Digest{1}, []RecordedFile{
		{Path: "a.h", Digest: digest.Digest{11}, Size: 5, IncludeMtime: true, Mtime: 100, Ctime: 200},
	})
	m.Add(digest.Digest{2}, []RecordedFile{
		{Path: "a.h", Digest: digest.Digest{11}, Size: 5},
		{Path: "b.h", Digest: digest.Digest{22}, Size: 7},
	})

	encoded := Encode(m)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Paths) != len(m.Paths) || len(decoded.FileInfos) != len(m.FileInfos) || len(decoded.Entries) != len(m.Entries) {
		t.Fatalf("decoded shape mismatch: %+v vs %+v", decoded, m)
	}
	if decoded.Entries[0].ResultKey != m.Entries[0].ResultKey {
		t.Fatal("result key mismatch after round trip")
	}
}

func TestMergeDeduplicatesByResultKey(t *testing.T) {
	a := New()
	a.Add(digest.Digest{1}, []RecordedFile{{Path: "a.h", Digest: digest.Digest{11}}})

	b := New()
	b.Add(digest.Digest{1}, []RecordedFile{{Path: "a.h", Digest: digest.Digest{11}}}) // same key
	b.Add(digest.Digest{2}, []RecordedFile{{Path: "b.h", Digest: digest.Digest{22}}}) // new

	a.Merge(b)
	if len(a.Entries) != 2 {
		t.Fatalf("expected 2 entries after merge, got %d", len(a.Entries))
	}
}

func TestSafeToRecordTimestamp(t *testing.T) {
	mtime := int64(1000)
	ctime := int64(1000)
	epsilon := time.Second

	tooSoon := time.Unix(1000, 0).Add(500 * time.Millisecond)
	if SafeToRecordTimestamp(mtime, ctime, tooSoon, epsilon) {
		t.Fatal("expected unsafe when compile starts within epsilon of mtime")
	}

	safe := time.Unix(1000, 0).Add(2 * time.Second)
	if !SafeToRecordTimestamp(mtime, ctime, safe, epsilon) {
		t.Fatal("expected safe when compile starts well after mtime+epsilon")
	}
}
