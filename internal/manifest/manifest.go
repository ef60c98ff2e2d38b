// Package manifest implements the per-manifest-key table of
// ManifestEntry records used by direct mode to skip the preprocessor
// entirely when every recorded input still matches.
//
// Binary layout and the resolve/add/merge semantics follow a
// length-prefixed-table encoding style (a
// fixed header, then tables written in a fixed order, each self-describing
// its element count).
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/standardbeagle/goccache/internal/digest"
)

const formatVersion = 1

// FileInfo records what the manifest knows about one included file at the
// time an entry was recorded.
type FileInfo struct {
	PathIndex uint32
	Digest    digest.Digest
	Size      uint64
	Mtime     int64
	Ctime     int64
}

// Entry is one cache candidate: the set of files (by FileInfo index) that
// must all still match for ResultKey to be a valid hit.
type Entry struct {
	ResultKey   digest.Digest
	FileIndexes []uint32
}

// Manifest holds every known entry for a single manifest key, plus the path
// and FileInfo tables the entries index into.
type Manifest struct {
	Paths     []string
	FileInfos []FileInfo
	Entries   []Entry // insertion order, newest first
}

// New returns an empty manifest.
func New() *Manifest {
	return &Manifest{}
}

// StatProvider supplies the current on-disk state needed to validate a
// FileInfo without necessarily rehashing (sloppiness fast path).
type StatProvider interface {
	// Stat returns the current (size, mtime, ctime) for path.
	Stat(path string) (size uint64, mtime, ctime int64, err error)
	// Hash returns the current content digest for path, possibly
	// served from the inode cache.
	Hash(path string) (digest.Digest, error)
}

// ResolveOptions controls which fast paths resolve may take.
type ResolveOptions struct {
	// TrustStatMatches enables the file_stat_matches sloppiness: if size
	// and mtime (and ctime, per TrustCtime) match the recorded values, the
	// stored digest is trusted without rehashing.
	TrustStatMatches bool
	TrustCtime       bool
}

// Resolve finds the first entry (in stored, newest-first order) all of
// whose files still match.
func (m *Manifest) Resolve(sp StatProvider, opts ResolveOptions) (digest.Digest, bool, error) {
	for _, e := range m.Entries {
		ok, err := m.entryMatches(e, sp, opts)
		if err != nil {
			return digest.Digest{}, false, err
		}
		if ok {
			return e.ResultKey, true, nil
		}
	}
	return digest.Digest{}, false, nil
}

func (m *Manifest) entryMatches(e Entry, sp StatProvider, opts ResolveOptions) (bool, error) {
	for _, idx := range e.FileIndexes {
		if int(idx) >= len(m.FileInfos) {
			return false, fmt.Errorf("manifest: file info index %d out of range", idx)
		}
		fi := m.FileInfos[idx]
		path := m.Paths[fi.PathIndex]

		if opts.TrustStatMatches {
			size, mtime, ctime, err := sp.Stat(path)
			if err != nil {
				return false, nil
			}
			if size == fi.Size && mtime == fi.Mtime && (!opts.TrustCtime || ctime == fi.Ctime) {
				continue
			}
		}

		current, err := sp.Hash(path)
		if err != nil {
			return false, nil
		}
		if current != fi.Digest {
			return false, nil
		}
	}
	return true, nil
}

// RecordedFile is one file to attach to a new entry via Add.
type RecordedFile struct {
	Path   string
	Digest digest.Digest
	Size   uint64
	// IncludeMtime reports whether the timestamp pair should be stored at
	// all; when false a zero sentinel is stored instead, forcing a content
	// rehash on future resolves.
	IncludeMtime bool
	Mtime        int64
	Ctime        int64
}

// Add appends a new entry for resultKey and the given files, extending the
// path/file-info tables as needed. Returns false without modifying the
// manifest if resultKey already has an entry.
func (m *Manifest) Add(resultKey digest.Digest, files []RecordedFile) bool {
	for _, e := range m.Entries {
		if e.ResultKey == resultKey {
			return false
		}
	}

	pathIndex := make(map[string]uint32, len(m.Paths))
	for i, p := range m.Paths {
		pathIndex[p] = uint32(i)
	}

	indexes := make([]uint32, 0, len(files))
	for _, f := range files {
		pIdx, ok := pathIndex[f.Path]
		if !ok {
			pIdx = uint32(len(m.Paths))
			m.Paths = append(m.Paths, f.Path)
			pathIndex[f.Path] = pIdx
		}
		mtime, ctime := f.Mtime, f.Ctime
		if !f.IncludeMtime {
			mtime, ctime = 0, 0
		}
		fiIdx := uint32(len(m.FileInfos))
		m.FileInfos = append(m.FileInfos, FileInfo{
			PathIndex: pIdx,
			Digest:    f.Digest,
			Size:      f.Size,
			Mtime:     mtime,
			Ctime:     ctime,
		})
		indexes = append(indexes, fiIdx)
	}

	m.Entries = append([]Entry{{ResultKey: resultKey, FileIndexes: indexes}}, m.Entries...)
	return true
}

// SafeToRecordTimestamp applies the freshness epsilon rule: a
// timestamp may be cached only if compileStart is strictly after
// max(mtime, ctime) + epsilon.
func SafeToRecordTimestamp(mtime, ctime int64, compileStart time.Time, epsilon time.Duration) bool {
	newest := mtime
	if ctime > newest {
		newest = ctime
	}
	threshold := time.Unix(newest, 0).Add(epsilon)
	return compileStart.After(threshold)
}

// Merge unions two manifests sharing a manifest key, deduplicating entries
// by ResultKey. other's entries are
// appended after m's so m's own entries keep lookup priority.
func (m *Manifest) Merge(other *Manifest) {
	have := make(map[digest.Digest]bool, len(m.Entries))
	for _, e := range m.Entries {
		have[e.ResultKey] = true
	}
	own := len(m.Entries)
	for _, e := range other.Entries {
		if have[e.ResultKey] {
			continue
		}
		files := make([]RecordedFile, 0, len(e.FileIndexes))
		for _, idx := range e.FileIndexes {
			fi := other.FileInfos[idx]
			files = append(files, RecordedFile{
				Path:         other.Paths[fi.PathIndex],
				Digest:       fi.Digest,
				Size:         fi.Size,
				IncludeMtime: fi.Mtime != 0 || fi.Ctime != 0,
				Mtime:        fi.Mtime,
				Ctime:        fi.Ctime,
			})
		}
		m.Add(e.ResultKey, files)
		have[e.ResultKey] = true
	}
	// Add put each new entry at the front; move them behind m's own entries,
	// restoring other's newest-first order among them.
	added := m.Entries[:len(m.Entries)-own]
	for i, j := 0, len(added)-1; i < j; i, j = i+1, j-1 {
		added[i], added[j] = added[j], added[i]
	}
	m.Entries = append(append([]Entry{}, m.Entries[len(added):]...), added...)
}

// Encode serializes the manifest using the on-disk payload layout.
func Encode(m *Manifest) []byte {
	var buf bytes.Buffer
	buf.WriteByte(formatVersion)

	writeU32(&buf, uint32(len(m.Paths)))
	for _, p := range m.Paths {
		writeU32(&buf, uint32(len(p)))
		buf.WriteString(p)
	}

	writeU32(&buf, uint32(len(m.FileInfos)))
	for _, fi := range m.FileInfos {
		writeU32(&buf, fi.PathIndex)
		buf.Write(fi.Digest[:])
		writeU64(&buf, fi.Size)
		writeI64(&buf, fi.Mtime)
		writeI64(&buf, fi.Ctime)
	}

	writeU32(&buf, uint32(len(m.Entries)))
	for _, e := range m.Entries {
		buf.Write(e.ResultKey[:])
		writeU32(&buf, uint32(len(e.FileIndexes)))
		for _, idx := range e.FileIndexes {
			writeU32(&buf, idx)
		}
	}
	return buf.Bytes()
}

// Decode parses the payload Encode produces.
func Decode(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("manifest: read version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("manifest: unsupported format version %d", version)
	}

	m := &Manifest{}

	nPaths, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.Paths = make([]string, nPaths)
	for i := range m.Paths {
		n, err := readU32(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return nil, fmt.Errorf("manifest: read path: %w", err)
		}
		m.Paths[i] = string(b)
	}

	nInfos, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.FileInfos = make([]FileInfo, nInfos)
	for i := range m.FileInfos {
		fi := FileInfo{}
		if fi.PathIndex, err = readU32(r); err != nil {
			return nil, err
		}
		if _, err := r.Read(fi.Digest[:]); err != nil {
			return nil, fmt.Errorf("manifest: read digest: %w", err)
		}
		if fi.Size, err = readU64(r); err != nil {
			return nil, err
		}
		if fi.Mtime, err = readI64(r); err != nil {
			return nil, err
		}
		if fi.Ctime, err = readI64(r); err != nil {
			return nil, err
		}
		m.FileInfos[i] = fi
	}

	nEntries, err := readU32(r)
	if err != nil {
		return nil, err
	}
	m.Entries = make([]Entry, nEntries)
	for i := range m.Entries {
		var e Entry
		if _, err := r.Read(e.ResultKey[:]); err != nil {
			return nil, fmt.Errorf("manifest: read result key: %w", err)
		}
		nIdx, err := readU32(r)
		if err != nil {
			return nil, err
		}
		e.FileIndexes = make([]uint32, nIdx)
		for j := range e.FileIndexes {
			if e.FileIndexes[j], err = readU32(r); err != nil {
				return nil, err
			}
		}
		m.Entries[i] = e
	}
	return m, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	writeU64(buf, uint64(v))
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("manifest: read u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("manifest: read u64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}
