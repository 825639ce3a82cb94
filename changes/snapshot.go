// Package changes records point-in-time snapshots of a vfs.FS and compares
// them to decide what was added, modified, or deleted.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chazu/gramlab/vfs"
)

// ErrStatusUnknown is returned when a scan is cancelled. The caller must not
// treat the scan as either a change or a non-change.
var ErrStatusUnknown = errors.New("changes: status unknown")

// Filter selects which files a snapshot covers.
type Filter func(loc vfs.Location, path string) bool

// All matches every file.
func All(vfs.Location, string) bool { return true }

// OnlySuffix matches files whose path ends with one of the suffixes.
func OnlySuffix(suffixes ...string) Filter {
	return func(_ vfs.Location, path string) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(path, s) {
				return true
			}
		}
		return false
	}
}

// UnderPrefix matches files whose path starts with prefix.
func UnderPrefix(prefix string) Filter {
	return func(_ vfs.Location, path string) bool {
		return strings.HasPrefix(path, prefix)
	}
}

// And combines filters; a file must pass every one.
func And(filters ...Filter) Filter {
	return func(loc vfs.Location, path string) bool {
		for _, f := range filters {
			if !f(loc, path) {
				return false
			}
		}
		return true
	}
}

// Snapshot is an immutable record of which files existed, when each was
// last written, and one aggregate digest over all of their content.
type Snapshot struct {
	times   map[vfs.Key]time.Time
	digests map[vfs.Key]vfs.Digest
	hash    [32]byte
	taken   time.Time
}

// Take records the files matched by filter in the given locations. The
// aggregate digest is SHA-256 over each file's key and content in sorted key
// order. ctx is checked between files.
func Take(ctx context.Context, fs vfs.Reader, locations []vfs.Location, filter Filter) (*Snapshot, error) {
	if filter == nil {
		filter = All
	}
	s := &Snapshot{
		times:   make(map[vfs.Key]time.Time),
		digests: make(map[vfs.Key]vfs.Digest),
		taken:   time.Now(),
	}

	locs := append([]vfs.Location(nil), locations...)
	sort.Slice(locs, func(i, j int) bool { return locs[i] < locs[j] })

	h := sha256.New()
	var lenBuf [8]byte
	for _, loc := range locs {
		for _, f := range fs.List(loc, "") {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrStatusUnknown, err)
			}
			if !filter(loc, f.Path) {
				continue
			}
			key := f.Key()
			s.times[key] = f.ModTime
			s.digests[key] = f.Digest

			// Length-prefix both parts so adjacent files cannot run together.
			name := key.String()
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(name)))
			h.Write(lenBuf[:])
			h.Write([]byte(name))
			binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f.Content)))
			h.Write(lenBuf[:])
			h.Write(f.Content)
		}
	}
	copy(s.hash[:], h.Sum(nil))
	return s, nil
}

// Hash returns the aggregate content digest.
func (s *Snapshot) Hash() [32]byte {
	return s.hash
}

// Len returns the number of files recorded.
func (s *Snapshot) Len() int {
	return len(s.times)
}

// Taken returns when the snapshot was recorded.
func (s *Snapshot) Taken() time.Time {
	return s.taken
}

// ModTime returns the recorded modification time for key.
func (s *Snapshot) ModTime(key vfs.Key) (time.Time, bool) {
	t, ok := s.times[key]
	return t, ok
}

// Keys returns every recorded key in sorted order.
func (s *Snapshot) Keys() []vfs.Key {
	keys := make([]vfs.Key, 0, len(s.times))
	for k := range s.times {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// sameTimes reports whether both snapshots recorded exactly the same keys
// with exactly the same modification times.
func (s *Snapshot) sameTimes(other *Snapshot) bool {
	if len(s.times) != len(other.times) {
		return false
	}
	for k, t := range s.times {
		ot, ok := other.times[k]
		if !ok || !ot.Equal(t) {
			return false
		}
	}
	return true
}

func sortKeys(keys []vfs.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}
