package digest

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDigestDeterministic(t *testing.T) {
	h1 := New()
	h1.Update([]byte("hello"))
	d1 := h1.Digest()

	h2 := New()
	h2.Update([]byte("hello"))
	d2 := h2.Digest()

	if d1 != d2 {
		t.Fatalf("same input produced different digests: %s vs %s", d1, d2)
	}
}

func TestDigestReusableAfterFinalize(t *testing.T) {
	h := New()
	h.Update([]byte("a"))
	d1 := h.Digest()
	h.Update([]byte("b"))
	d2 := h.Digest()
	if d1 == d2 {
		t.Fatal("expected different digest after further updates")
	}

	h2 := New()
	h2.Update([]byte("ab"))
	if h2.Digest() != d2 {
		t.Fatal("hasher state after continued updates should match a single-shot hash of the concatenation")
	}
}

func TestUpdateDelimitedAvoidsConcatenationCollision(t *testing.T) {
	// "-I" + "/x" must not collide with "-I/x" as one token.
	h1 := New()
	h1.UpdateDelimited("arg", []byte("-I"))
	h1.UpdateDelimited("arg", []byte("/x"))
	d1 := h1.Digest()

	h2 := New()
	h2.UpdateDelimited("arg", []byte("-I/x"))
	d2 := h2.Digest()

	if d1 == d2 {
		t.Fatal("delimited updates of split vs joined arguments must not collide")
	}
}

func TestUpdateInt64LittleEndian(t *testing.T) {
	h1 := New()
	h1.UpdateInt64(1)
	d1 := h1.Digest()

	h2 := New()
	h2.Update([]byte{1, 0, 0, 0, 0, 0, 0, 0})
	d2 := h2.Digest()

	if d1 != d2 {
		t.Fatal("UpdateInt64(1) should match manual little-endian encoding")
	}
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.c")
	if err := os.WriteFile(path, []byte("int main(){}"), 0o644); err != nil {
		t.Fatal(err)
	}
	d1, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}

	h := New()
	h.Update([]byte("int main(){}"))
	d2 := h.Digest()

	if d1 != d2 {
		t.Fatal("HashFile should match hashing the content directly")
	}
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "nope.c"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromHexRoundTrip(t *testing.T) {
	h := New()
	h.Update([]byte("round trip"))
	d := h.Digest()

	parsed, err := FromHex(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != d {
		t.Fatal("FromHex(d.String()) should equal d")
	}
}
