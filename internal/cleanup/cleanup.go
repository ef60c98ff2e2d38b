// Package cleanup implements per-shard LRU eviction triggered after a
// write-back, keeping each shard under its size and file-count share of
// the configured cache budget.
//
// The sweep is a size/count-bounded LRU pass that runs synchronously in
// the caller; there is no background ticker.
package cleanup

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/standardbeagle/goccache/internal/telemetry"
)

// Limits bounds a single shard's occupancy. A sweep starts once the shard
// exceeds its share of MaxSize/MaxFiles; Multiplier shrinks the target it
// then evicts down to below that share, so cleanup doesn't trigger again on
// the very next write.
type Limits struct {
	MaxSize       int64
	MaxFiles      int64
	ShardCount    int64
	Multiplier    float64
}

// noLimit stands in for "this axis has no configured budget" — MaxSize or
// MaxFiles <= 0, matching the config convention that 0 means unlimited
// rather than "evict everything."
const noLimit = int64(^uint64(0) >> 1)

func (l Limits) shardSizeLimit() int64 {
	if l.MaxSize <= 0 {
		return noLimit
	}
	return int64(float64(l.MaxSize/l.shardCount()) * l.multiplier())
}

func (l Limits) shardFileLimit() int64 {
	if l.MaxFiles <= 0 {
		return noLimit
	}
	return int64(float64(l.MaxFiles/l.shardCount()) * l.multiplier())
}

func (l Limits) shardCount() int64 {
	if l.ShardCount <= 0 {
		return 1
	}
	return l.ShardCount
}

func (l Limits) multiplier() float64 {
	if l.Multiplier <= 0 || l.Multiplier > 1 {
		return 0.8
	}
	return l.Multiplier
}

type fileEntry struct {
	path  string
	size  int64
	mtime int64
}

// SweepShard enumerates dir, and if either its total size or file count
// exceeds the shard's share of the budget, deletes entries oldest-mtime-
// first until both are back under the (multiplier-shrunk) limit. Within a
// single cache entry's pair, the `.o` file is deleted before its sibling
// `.stderr` so readers that gate on `.stderr` presence never observe a
// cached result without its object file.
func SweepShard(dir string, limits Limits) error {
	entries, totalSize, err := scanShard(dir)
	if err != nil {
		return err
	}

	sizeTrigger, fileTrigger := noLimit, noLimit
	if limits.MaxSize > 0 {
		sizeTrigger = limits.MaxSize / limits.shardCount()
	}
	if limits.MaxFiles > 0 {
		fileTrigger = limits.MaxFiles / limits.shardCount()
	}
	if totalSize <= sizeTrigger && int64(len(entries)) <= fileTrigger {
		return nil
	}

	sizeLimit := limits.shardSizeLimit()
	fileLimit := limits.shardFileLimit()

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })
	orderForDeletion(entries)

	count := int64(len(entries))
	for _, e := range entries {
		if totalSize <= sizeLimit && count <= fileLimit {
			break
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			telemetry.Log("cleanup", "failed to remove %s: %v", e.path, err)
			continue
		}
		totalSize -= e.size
		count--
	}
	return nil
}

func scanShard(dir string) ([]fileEntry, int64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	var entries []fileEntry
	var total int64
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, fileEntry{
			path:  filepath.Join(dir, de.Name()),
			size:  info.Size(),
			mtime: info.ModTime().Unix(),
		})
		total += info.Size()
	}
	return entries, total, nil
}

// orderForDeletion stabilizes same-mtime pairs so a `.o` file sorts before
// its `.stderr` sibling, preserving the legacy ordering invariant even
// when both share a write timestamp.
func orderForDeletion(entries []fileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].mtime != entries[j].mtime {
			return false // already ordered by the primary sort
		}
		return isObjectFile(entries[i].path) && !isObjectFile(entries[j].path)
	})
}

func isObjectFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".o" || ext == ".obj"
}
