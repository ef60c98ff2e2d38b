package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/standardbeagle/goccache/internal/digest"
)

// FileType tags one file produced by a compile so Phase 6 retrieval knows
// what to do with it on a hit: write it to a compiler-chosen path, or
// replay it onto a standard stream. The set is closed — a compile can
// produce at most one of each.
type FileType uint8

const (
	FileObject FileType = iota
	FileDependency
	FileStdoutOutput
	FileStderrOutput
	FileCoverageUnmangled
	FileCoverageMangled
	FileStackUsage
	FileDiagnostic
	FileDwarfObject
	FileAssemblerListing
)

func (t FileType) String() string {
	switch t {
	case FileObject:
		return "object"
	case FileDependency:
		return "dependency"
	case FileStdoutOutput:
		return "stdout_output"
	case FileStderrOutput:
		return "stderr_output"
	case FileCoverageUnmangled:
		return "coverage_unmangled"
	case FileCoverageMangled:
		return "coverage_mangled"
	case FileStackUsage:
		return "stackusage"
	case FileDiagnostic:
		return "diagnostic"
	case FileDwarfObject:
		return "dwarf_object"
	case FileAssemblerListing:
		return "assembler_listing"
	default:
		return fmt.Sprintf("filetype(%d)", uint8(t))
	}
}

// ResultFile is one entry in a Result's ordered file list: either the bytes
// themselves (Raw == false — used for small streams like stdout/stderr) or
// a reference to a separately addressed EntryRawFile (Raw == true — used
// for object files and the other bulkier compiler outputs, so two results
// sharing byte-identical output share the underlying storage).
type ResultFile struct {
	Type FileType
	Raw  bool
	// Digest addresses the EntryRawFile payload when Raw is true.
	Digest digest.Digest
	// Data holds the payload directly when Raw is false.
	Data []byte
}

// Result is the decoded form of an EntryResult payload: the ordered list of
// files a compile produced, replayed onto disk and the inherited stdio
// streams on a cache hit.
type Result struct {
	Files []ResultFile
}

const resultFormatVersion = 1

// EncodeResult serializes r using the same length-prefixed-table style as
// the manifest codec: a format byte, then one entry per file in order.
func EncodeResult(r *Result) []byte {
	var buf bytes.Buffer
	buf.WriteByte(resultFormatVersion)
	writeResultU32(&buf, uint32(len(r.Files)))
	for _, f := range r.Files {
		buf.WriteByte(byte(f.Type))
		if f.Raw {
			buf.WriteByte(1)
			buf.Write(f.Digest[:])
		} else {
			buf.WriteByte(0)
			writeResultU32(&buf, uint32(len(f.Data)))
			buf.Write(f.Data)
		}
	}
	return buf.Bytes()
}

// DecodeResult parses the payload EncodeResult produces.
func DecodeResult(data []byte) (*Result, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("storage: read result version: %w", err)
	}
	if version != resultFormatVersion {
		return nil, fmt.Errorf("storage: unsupported result format version %d", version)
	}

	n, err := readResultU32(r)
	if err != nil {
		return nil, err
	}
	out := &Result{Files: make([]ResultFile, n)}
	for i := range out.Files {
		typByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("storage: read result file type: %w", err)
		}
		rawByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("storage: read result raw flag: %w", err)
		}
		f := ResultFile{Type: FileType(typByte), Raw: rawByte != 0}
		if f.Raw {
			if _, err := r.Read(f.Digest[:]); err != nil {
				return nil, fmt.Errorf("storage: read result digest: %w", err)
			}
		} else {
			size, err := readResultU32(r)
			if err != nil {
				return nil, err
			}
			f.Data = make([]byte, size)
			if size > 0 {
				if _, err := r.Read(f.Data); err != nil {
					return nil, fmt.Errorf("storage: read result data: %w", err)
				}
			}
		}
		out.Files[i] = f
	}
	return out, nil
}

func writeResultU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readResultU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, fmt.Errorf("storage: read u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
