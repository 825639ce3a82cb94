// Package vfs is the in-memory filesystem the pipeline generates into and
// compiles against. Nothing in it touches the disk except Mirror.
package vfs

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// ErrNotFound is returned (wrapped in a *PathError) when a file is missing.
var ErrNotFound = errors.New("file not found")

// PathError records the operation and key that failed.
type PathError struct {
	Op  string
	Key Key
	Err error
}

func (e *PathError) Error() string {
	return "vfs: " + e.Op + " " + e.Key.String() + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// Digest is the 128-bit content digest of a file.
type Digest [16]byte

// DigestOf computes the digest the FS stores for data.
func DigestOf(data []byte) Digest {
	return Digest(xxh3.Hash128(data).Bytes())
}

// File is a read-only view of one stored file. Content is a copy; mutating
// it does not affect the FS.
type File struct {
	Location Location
	Path     string
	Content  []byte
	ModTime  time.Time
	Digest   Digest
}

// Key returns the file's identity.
func (f File) Key() Key {
	return Key{Location: f.Location, Path: f.Path}
}

// Size returns the content length in bytes.
func (f File) Size() int {
	return len(f.Content)
}

type entry struct {
	content []byte
	modTime time.Time
	digest  Digest
}

// FS is an addressable in-memory store of files keyed by (Location, Path).
// It is safe for concurrent use, but the pipeline gives each session its own
// FS and only that session's compiler writes to it.
type FS struct {
	mu    sync.RWMutex
	files [numLocations]map[string]*entry
	clock func() time.Time
	last  time.Time
}

// Option configures a FS.
type Option func(*FS)

// WithClock replaces time.Now as the source of modification times.
func WithClock(clock func() time.Time) Option {
	return func(fs *FS) { fs.clock = clock }
}

// New creates an empty FS.
func New(opts ...Option) *FS {
	fs := &FS{clock: time.Now}
	for i := range fs.files {
		fs.files[i] = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// CleanPath normalizes p to a slash-separated relative path rooted at the
// location; ".." cannot climb above the root. It panics on empty paths,
// which only come from programming errors.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		panic(fmt.Sprintf("vfs: invalid path %q", p))
	}
	return p
}

func (fs *FS) bucket(loc Location) map[string]*entry {
	if !loc.Valid() {
		panic(fmt.Sprintf("vfs: invalid location %d", uint8(loc)))
	}
	return fs.files[loc]
}

// tick returns the next modification time. Times are strictly increasing
// within one FS so that two writes in the same clock tick still order.
func (fs *FS) tick() time.Time {
	now := fs.clock()
	if !now.After(fs.last) {
		now = fs.last.Add(time.Nanosecond)
	}
	fs.last = now
	return now
}

// Write stores a copy of data at (loc, p), replacing any previous content.
// Every write bumps the modification time, even when the bytes are
// unchanged; the change tracker uses digests to see through that.
func (fs *FS) Write(loc Location, p string, data []byte) {
	p = CleanPath(p)
	content := make([]byte, len(data))
	copy(content, data)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bucket(loc)[p] = &entry{
		content: content,
		modTime: fs.tick(),
		digest:  DigestOf(content),
	}
}

// WriteString is Write for string content.
func (fs *FS) WriteString(loc Location, p string, data string) {
	fs.Write(loc, p, []byte(data))
}

// Restore stores data with an explicit modification time. It is used when
// loading a mirror and does not advance the FS clock past modTime.
func (fs *FS) Restore(loc Location, p string, data []byte, modTime time.Time) {
	p = CleanPath(p)
	content := make([]byte, len(data))
	copy(content, data)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.bucket(loc)[p] = &entry{content: content, modTime: modTime, digest: DigestOf(content)}
	if modTime.After(fs.last) {
		fs.last = modTime
	}
}

// Read returns a copy of the content at (loc, p).
func (fs *FS) Read(loc Location, p string) ([]byte, error) {
	p = CleanPath(p)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	e, ok := fs.bucket(loc)[p]
	if !ok {
		return nil, &PathError{Op: "read", Key: Key{loc, p}, Err: ErrNotFound}
	}
	out := make([]byte, len(e.content))
	copy(out, e.content)
	return out, nil
}

// Stat returns the file at (loc, p) including a copy of its content.
func (fs *FS) Stat(loc Location, p string) (File, error) {
	p = CleanPath(p)
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	e, ok := fs.bucket(loc)[p]
	if !ok {
		return File{}, &PathError{Op: "stat", Key: Key{loc, p}, Err: ErrNotFound}
	}
	return e.file(loc, p), nil
}

// Exists reports whether (loc, p) holds a file.
func (fs *FS) Exists(loc Location, p string) bool {
	p = CleanPath(p)
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, ok := fs.bucket(loc)[p]
	return ok
}

// List returns the files in loc whose path starts with prefix, sorted by
// path. An empty prefix lists the whole location.
func (fs *FS) List(loc Location, prefix string) []File {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	bucket := fs.bucket(loc)
	paths := make([]string, 0, len(bucket))
	for p := range bucket {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		files = append(files, bucket[p].file(loc, p))
	}
	return files
}

// Delete removes (loc, p). Deleting a missing file is not an error.
func (fs *FS) Delete(loc Location, p string) {
	p = CleanPath(p)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.bucket(loc), p)
}

// DeletePrefix removes every file in loc under prefix and returns how many
// were removed.
func (fs *FS) DeletePrefix(loc Location, prefix string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	bucket := fs.bucket(loc)
	n := 0
	for p := range bucket {
		if strings.HasPrefix(p, prefix) {
			delete(bucket, p)
			n++
		}
	}
	return n
}

// Len returns the number of files in loc.
func (fs *FS) Len(loc Location) int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return len(fs.bucket(loc))
}

// Locations returns the locations that hold at least one file, in
// declaration order.
func (fs *FS) Locations() []Location {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var locs []Location
	for _, loc := range AllLocations() {
		if len(fs.files[loc]) > 0 {
			locs = append(locs, loc)
		}
	}
	return locs
}

func (e *entry) file(loc Location, p string) File {
	content := make([]byte, len(e.content))
	copy(content, e.content)
	return File{
		Location: loc,
		Path:     p,
		Content:  content,
		ModTime:  e.modTime,
		Digest:   e.digest,
	}
}

// Reader is the read-only view of a FS handed to components that must not
// write to it.
type Reader interface {
	Read(loc Location, p string) ([]byte, error)
	Stat(loc Location, p string) (File, error)
	List(loc Location, prefix string) []File
	Exists(loc Location, p string) bool
}

var _ Reader = (*FS)(nil)
