package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// FileExt is the extension of segment files
	FileExt = ".seg"
	// TempExt marks files that are still being written by compaction
	TempExt = ".tmp"

	mergeBits = 16
	mergeMask = 1<<mergeBits - 1
)

// ID identifies a segment and orders it among all others. The high bits hold
// the generation; the low 16 bits hold a merge sequence that is non-zero
// only for compaction outputs, which therefore sort after the segments they
// replace and before any segment of a later generation.
type ID uint64

// NewID builds an ID from a generation and merge sequence.
func NewID(generation uint64, merge uint16) ID {
	return ID(generation<<mergeBits | uint64(merge))
}

func (id ID) Generation() uint64 { return uint64(id) >> mergeBits }
func (id ID) Merge() uint16      { return uint16(uint64(id) & mergeMask) }

// IsMerged reports whether id belongs to a compaction output
func (id ID) IsMerged() bool { return id.Merge() != 0 }

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Generation(), id.Merge())
}

// FileName returns the file name of segment id; names sort in ID order.
func FileName(id ID) string {
	return fmt.Sprintf("%020d%s", uint64(id), FileExt)
}

// Path returns the path of segment id inside dir
func Path(dir string, id ID) string {
	return filepath.Join(dir, FileName(id))
}

// ParseFileName extracts the ID from a segment file name.
func ParseFileName(name string) (ID, bool) {
	if !strings.HasSuffix(name, FileExt) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(name, FileExt), 10, 64)
	if err != nil {
		return 0, false
	}
	return ID(n), true
}

// FindSegments returns the IDs of all segment files in dir in ascending order.
func FindSegments(dir string) ([]ID, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+FileExt))
	if err != nil {
		return nil, fmt.Errorf("failed to glob segment files: %w", err)
	}

	ids := make([]ID, 0, len(matches))
	for _, path := range matches {
		if id, ok := ParseFileName(filepath.Base(path)); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RemoveTempFiles deletes leftovers of interrupted compactions and returns their paths.
func RemoveTempFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+TempExt))
	if err != nil {
		return nil, fmt.Errorf("failed to glob temporary files: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return matches, nil
}

// SyncDir fsyncs a directory so that file creations and renames in it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
