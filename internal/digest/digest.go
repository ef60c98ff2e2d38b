// Package digest implements a fixed-width content digest and a
// delimited streaming hasher built on BLAKE3.
package digest

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"

	"github.com/standardbeagle/goccache/internal/telemetry"
)

// Size is the width of a Digest in bytes (20-byte BLAKE3 output).
const Size = 20

// Digest is an opaque fixed-width content digest.
type Digest [Size]byte

// String renders the digest as lowercase hex.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal reports whether two digests are byte-for-byte identical.
func (d Digest) Equal(other Digest) bool {
	return d == other
}

// IsZero reports whether d is the zero digest (used as a sentinel for
// "no digest computed").
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalBinary implements encoding.BinaryMarshaler for the manifest codec.
func (d Digest) MarshalBinary() ([]byte, error) {
	out := make([]byte, Size)
	copy(out, d[:])
	return out, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for the manifest codec.
func (d *Digest) UnmarshalBinary(data []byte) error {
	if len(data) != Size {
		return fmt.Errorf("digest: expected %d bytes, got %d", Size, len(data))
	}
	copy(d[:], data)
	return nil
}

// FromHex parses a lowercase-hex digest string.
func FromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex: %w", err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("digest: expected %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// hashDelimiter matches upstream ccache's HASH_DELIMITER byte-for-byte so
// anyone inspecting the debug byte-stream trace recognizes the framing,
// even though the two caches are not wire-compatible.
const hashDelimiter = "\x00cCaChE\x00"

// Hasher accumulates bytes and emits a Digest. It remains usable after
// Digest() is called, matching blake3_hasher_finalize's non-destructive
// semantics.
type Hasher struct {
	h     *blake3.Hasher
	trace *telemetry.HashTrace
}

// New creates a Hasher with no debug trace attached.
func New() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// EnableTrace attaches a debug sink that records the exact byte stream and
// a human-readable transcript. Observable output only — never affects the
// digest.
func (h *Hasher) EnableTrace(section string, trace *telemetry.HashTrace) {
	h.trace = trace
	if h.trace != nil {
		h.trace.WriteText("=== " + section + " ===\n")
	}
}

// Update appends bytes verbatim.
func (h *Hasher) Update(b []byte) *Hasher {
	h.h.Write(b)
	if h.trace != nil {
		h.trace.WriteBinary(b)
		h.trace.WriteText(hex.EncodeToString(b))
		h.trace.WriteText("\n")
	}
	return h
}

// UpdateDelimited appends delimiter(tag) then bytes, so that concatenation
// ambiguities between adjacent logical inputs cannot collide.
func (h *Hasher) UpdateDelimited(tag string, b []byte) *Hasher {
	h.h.Write([]byte(hashDelimiter))
	h.h.Write([]byte(tag))
	h.h.Write([]byte{0})
	if h.trace != nil {
		h.trace.WriteBinary([]byte(hashDelimiter + tag + "\x00"))
		h.trace.WriteText("### " + tag + "\n")
	}
	h.Update(b)
	return h
}

// UpdateInt64 appends the 8-byte little-endian encoding of n.
func (h *Hasher) UpdateInt64(n int64) *Hasher {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	h.h.Write(buf[:])
	if h.trace != nil {
		h.trace.WriteBinary(buf[:])
		h.trace.WriteText(fmt.Sprintf("%d\n", n))
	}
	return h
}

// Digest finalizes a copy of the current hash state. The hasher remains
// usable for further updates.
func (h *Hasher) Digest() Digest {
	var d Digest
	sum := h.h.Sum(nil)
	copy(d[:], sum)
	return d
}

// Sum hashes an in-memory byte slice in one shot, for callers addressing
// content that is already resident (a captured stdout buffer, a raw file
// read for cache storage) rather than streaming it off disk.
func Sum(b []byte) Digest {
	h := New()
	h.Update(b)
	return h.Digest()
}

// fileChunkSize is the streaming read size for HashFile: a preallocated
// buffer reused across reads rather than a single whole-file read.
const fileChunkSize = 64 * 1024

// HashFile streams a file's contents into a fresh Hasher and returns its
// digest. Returns an IoError-flavored error if the path is unreadable.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()

	h := New()
	buf := make([]byte, fileChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, fmt.Errorf("digest: read %s: %w", path, err)
		}
	}
	return h.Digest(), nil
}
