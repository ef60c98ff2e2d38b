// Package inodecache implements a process-shared memoization table from
// StatKey to (Digest, ScanFlags), avoiding redundant header hashing across
// concurrent invocations that compile the same translation unit.
//
// An mmap'd header-plus-fixed-slots layout: a file opened with
// unix.Open, sized with unix.Ftruncate, and mapped read-write with
// unix.Mmap (golang.org/x/sys/unix), carrying a small versioned header followed by fixed-size
// records.
package inodecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/standardbeagle/goccache/internal/digest"
	"github.com/standardbeagle/goccache/internal/scanner"
	"github.com/standardbeagle/goccache/internal/telemetry"
)

const (
	magic         = "GCIC"
	formatVersion = 1

	defaultBucketCount  = 32768
	entriesPerBucket    = 4
	defaultMinAge       = 2 * time.Second
	defaultStaleTimeout = 5 * time.Second
	spinIterations      = 2000
)

// StatKey identifies a file by the metadata that changes whenever its
// content does (modulo the mtime-aliasing race the Mtime guard covers).
type StatKey struct {
	Dev   uint64
	Ino   uint64
	Mtime int64
	Ctime int64
	Size  int64
}

// entry is the fixed-size on-disk/on-mmap record for one bucket slot.
// Layout: key (40 bytes) | digest (20 bytes) | scan flags (1 byte) |
// padding (3 bytes) = 64 bytes, chosen so slots land on a cacheline-ish
// boundary.
type entry struct {
	Dev   uint64
	Ino   uint64
	Mtime int64
	Ctime int64
	Size  int64
	Sum   digest.Digest
	Flags byte
	_     [3]byte
}

const entrySize = 64

// header occupies the start of the mapped file: magic(4) version(4)
// bucket_count(4) hits(8) misses(8), 28 bytes rounded up to 32.
const headerSize = 32

// Cache is a handle on the mapped inode-cache file.
type Cache struct {
	path        string
	data        []byte
	bucketCount uint32
	minAge      time.Duration
	staleAfter  time.Duration
	closed      bool
}

// Options configures Open.
type Options struct {
	BucketCount  uint32
	MinAge       time.Duration
	StaleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BucketCount == 0 {
		o.BucketCount = defaultBucketCount
	}
	if o.MinAge == 0 {
		o.MinAge = defaultMinAge
	}
	if o.StaleTimeout == 0 {
		o.StaleTimeout = defaultStaleTimeout
	}
	return o
}

// knownGoodFilesystems lists the Linux filesystem magic numbers ccache
// trusts the inode cache on.
var knownGoodFilesystems = map[int64]string{
	0x01021994: "tmpfs",
	0xEF53:     "ext2/3/4",
	0x58465342: "xfs",
	0x9123683E: "btrfs",
}

// Available reports whether dir's filesystem is on the known-good list.
// On any Statfs failure, it conservatively reports unavailable.
func Available(dir string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		telemetry.LogCache("inodecache: statfs(%s) failed: %v, disabling", dir, err)
		return false
	}
	if _, ok := knownGoodFilesystems[int64(st.Type)]; !ok {
		telemetry.LogCache("inodecache: filesystem type 0x%x at %s not on known-good list, disabling", st.Type, dir)
		return false
	}
	return true
}

// Open maps (creating if necessary) the inode-cache file at path.
func Open(path string, opts Options) (*Cache, error) {
	opts = opts.withDefaults()

	size := headerSize + int64(opts.BucketCount)*entriesPerBucket*entrySize + int64(opts.BucketCount)*8

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("inodecache: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("inodecache: stat %s: %w", path, err)
	}

	if st.Size() == 0 {
		if err := unix.Ftruncate(fd, size); err != nil {
			return nil, fmt.Errorf("inodecache: truncate %s: %w", path, err)
		}
	} else if st.Size() != size {
		// Stale layout from a different bucket count or format version:
		// drop and recreate on a format version mismatch.
		if err := unix.Ftruncate(fd, 0); err != nil {
			return nil, fmt.Errorf("inodecache: reset %s: %w", path, err)
		}
		if err := unix.Ftruncate(fd, size); err != nil {
			return nil, fmt.Errorf("inodecache: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("inodecache: mmap %s: %w", path, err)
	}

	c := &Cache{
		path:        path,
		data:        data,
		bucketCount: opts.BucketCount,
		minAge:      opts.MinAge,
		staleAfter:  opts.StaleTimeout,
	}

	if !c.headerValid() {
		c.initHeader()
	}
	return c, nil
}

func (c *Cache) headerValid() bool {
	if string(c.data[0:4]) != magic {
		return false
	}
	version := binary.LittleEndian.Uint32(c.data[4:8])
	return version == formatVersion
}

func (c *Cache) initHeader() {
	copy(c.data[0:4], magic)
	binary.LittleEndian.PutUint32(c.data[4:8], formatVersion)
	binary.LittleEndian.PutUint32(c.data[8:12], c.bucketCount)
	for i := headerSize; i < len(c.data); i++ {
		c.data[i] = 0
	}
}

// Close unmaps the file. The mapping stays valid for other processes.
func (c *Cache) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Munmap(c.data)
}

func (c *Cache) lockOffset(bucket uint32) int {
	return headerSize + int(c.bucketCount)*entriesPerBucket*entrySize + int(bucket)*8
}

func (c *Cache) bucketOffset(bucket uint32) int {
	return headerSize + int(bucket)*entriesPerBucket*entrySize
}

func (c *Cache) lockWord(bucket uint32) *int64 {
	off := c.lockOffset(bucket)
	return (*int64)(unsafe.Pointer(&c.data[off]))
}

// errStale is returned by acquire when its spin budget runs out; callers
// never see it: Get reports a miss and Put stores nothing.
var errStale = errors.New("inodecache: stale lock")

// acquire CAS-locks bucket for the current PID, rebuilding the whole table
// if the lock is held by the same unchanged owner for longer than
// staleAfter.
func (c *Cache) acquire(bucket uint32) error {
	word := c.lockWord(bucket)
	self := int64(os.Getpid())

	var lastOwner int64
	staleStart := time.Time{}
	for iter := 0; ; iter++ {
		if atomic.CompareAndSwapInt64(word, 0, self) {
			return nil
		}
		owner := atomic.LoadInt64(word)
		if owner != lastOwner {
			lastOwner = owner
			staleStart = time.Now()
		}
		if !staleStart.IsZero() && time.Since(staleStart) > c.staleAfter {
			telemetry.LogCache("inodecache: bucket %d lock stale (owner pid %d unchanged for %s), rebuilding", bucket, owner, c.staleAfter)
			c.initHeader()
			atomic.StoreInt64(word, 0)
			continue
		}
		if iter > 0 && iter%64 == 0 {
			time.Sleep(time.Microsecond)
		}
		if iter > spinIterations*1000 {
			return errStale
		}
	}
}

func (c *Cache) release(bucket uint32) {
	atomic.StoreInt64(c.lockWord(bucket), 0)
}

func bucketFor(key StatKey, count uint32) uint32 {
	h := digest.New()
	h.UpdateInt64(int64(key.Dev))
	h.UpdateInt64(int64(key.Ino))
	h.UpdateInt64(key.Mtime)
	h.UpdateInt64(key.Ctime)
	h.UpdateInt64(key.Size)
	d := h.Digest()
	first4 := binary.LittleEndian.Uint32(d[:4])
	return first4 % count
}

func readEntry(b []byte, off int) entry {
	var e entry
	e.Dev = binary.LittleEndian.Uint64(b[off:])
	e.Ino = binary.LittleEndian.Uint64(b[off+8:])
	e.Mtime = int64(binary.LittleEndian.Uint64(b[off+16:]))
	e.Ctime = int64(binary.LittleEndian.Uint64(b[off+24:]))
	e.Size = int64(binary.LittleEndian.Uint64(b[off+32:]))
	copy(e.Sum[:], b[off+40:off+40+digest.Size])
	e.Flags = b[off+40+digest.Size]
	return e
}

func writeEntry(b []byte, off int, e entry) {
	binary.LittleEndian.PutUint64(b[off:], e.Dev)
	binary.LittleEndian.PutUint64(b[off+8:], e.Ino)
	binary.LittleEndian.PutUint64(b[off+16:], uint64(e.Mtime))
	binary.LittleEndian.PutUint64(b[off+24:], uint64(e.Ctime))
	binary.LittleEndian.PutUint64(b[off+32:], uint64(e.Size))
	copy(b[off+40:off+40+digest.Size], e.Sum[:])
	b[off+40+digest.Size] = e.Flags
}

func keyMatches(e entry, key StatKey) bool {
	return e.Dev == key.Dev && e.Ino == key.Ino &&
		e.Mtime == key.Mtime && e.Ctime == key.Ctime && e.Size == key.Size
}

// Get looks up key, returning its cached digest and scan flags on a hit.
// A hit promotes the entry to the front of its bucket (LRU).
func (c *Cache) Get(key StatKey) (digest.Digest, scanner.Flags, bool) {
	bucket := bucketFor(key, c.bucketCount)
	if err := c.acquire(bucket); err != nil {
		return digest.Digest{}, 0, false
	}
	defer c.release(bucket)

	base := c.bucketOffset(bucket)
	for i := 0; i < entriesPerBucket; i++ {
		e := readEntry(c.data, base+i*entrySize)
		if !keyMatches(e, key) {
			continue
		}
		if i > 0 {
			c.promote(base, i)
		}
		atomic.AddUint64((*uint64)(unsafe.Pointer(&c.data[12])), 1)
		return e.Sum, scanner.Flags(e.Flags), true
	}
	atomic.AddUint64((*uint64)(unsafe.Pointer(&c.data[20])), 1)
	return digest.Digest{}, 0, false
}

// promote moves the entry found at slot i to slot 0, sliding 0..i-1 down.
func (c *Cache) promote(base, i int) {
	found := readEntry(c.data, base+i*entrySize)
	for j := i; j > 0; j-- {
		prev := readEntry(c.data, base+(j-1)*entrySize)
		writeEntry(c.data, base+j*entrySize, prev)
	}
	writeEntry(c.data, base, found)
}

// Put inserts or refreshes key -> (sum, flags) at the front of its bucket,
// evicting the LRU slot if the bucket is full. The entry is rejected (the
// call is a no-op) if mtime or ctime is within minAge of now, guarding against
// mtime-aliasing on coarse-grained filesystem clocks.
func (c *Cache) Put(key StatKey, sum digest.Digest, flags scanner.Flags, mtime, ctime time.Time, now time.Time) {
	if now.Sub(mtime) < c.minAge || now.Sub(ctime) < c.minAge {
		return
	}
	bucket := bucketFor(key, c.bucketCount)
	if err := c.acquire(bucket); err != nil {
		return
	}
	defer c.release(bucket)

	base := c.bucketOffset(bucket)
	for j := entriesPerBucket - 1; j > 0; j-- {
		prev := readEntry(c.data, base+(j-1)*entrySize)
		writeEntry(c.data, base+j*entrySize, prev)
	}
	writeEntry(c.data, base, entry{
		Dev: key.Dev, Ino: key.Ino, Mtime: key.Mtime, Ctime: key.Ctime, Size: key.Size,
		Sum: sum, Flags: byte(flags),
	})
}

// StatKeyFor builds a StatKey from a os.FileInfo on platforms exposing a
// syscall.Stat_t-shaped Sys().
func StatKeyFor(info os.FileInfo) (StatKey, bool) {
	st, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return StatKey{}, false
	}
	return StatKey{
		Dev:   uint64(st.Dev),
		Ino:   st.Ino,
		Mtime: st.Mtim.Sec,
		Ctime: st.Ctim.Sec,
		Size:  st.Size,
	}, true
}
