package changes

import (
	"strings"

	"github.com/chazu/gramlab/vfs"
)

// Diff lists the keys that changed between two snapshots, each list sorted.
type Diff struct {
	Added    []vfs.Key
	Modified []vfs.Key
	Deleted  []vfs.Key
}

// Compare computes the changes from old to new.
//
// The diff is empty when the timestamp maps are identical or when the
// aggregate digests are identical. The digest check turns no-op rewrites
// (same bytes, new timestamp) into non-changes. Otherwise a file is modified
// only if both its timestamp and its own digest changed.
func Compare(old, new *Snapshot) Diff {
	var d Diff
	if old == nil || new == nil {
		return d
	}
	if old.sameTimes(new) || old.hash == new.hash {
		return d
	}

	for k, t := range new.times {
		ot, ok := old.times[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case !ot.Equal(t) && old.digests[k] != new.digests[k]:
			d.Modified = append(d.Modified, k)
		}
	}
	for k := range old.times {
		if _, ok := new.times[k]; !ok {
			d.Deleted = append(d.Deleted, k)
		}
	}

	sortKeys(d.Added)
	sortKeys(d.Modified)
	sortKeys(d.Deleted)
	return d
}

// IsEmpty reports whether nothing changed.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Changed returns added and modified keys together, sorted.
func (d Diff) Changed() []vfs.Key {
	out := make([]vfs.Key, 0, len(d.Added)+len(d.Modified))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	sortKeys(out)
	return out
}

// Filter returns a diff holding only the keys pred accepts.
func (d Diff) Filter(pred func(vfs.Key) bool) Diff {
	keep := func(keys []vfs.Key) []vfs.Key {
		var out []vfs.Key
		for _, k := range keys {
			if pred(k) {
				out = append(out, k)
			}
		}
		return out
	}
	return Diff{
		Added:    keep(d.Added),
		Modified: keep(d.Modified),
		Deleted:  keep(d.Deleted),
	}
}

// String summarizes the diff for logs.
func (d Diff) String() string {
	if d.IsEmpty() {
		return "no changes"
	}
	var b strings.Builder
	write := func(sign string, keys []vfs.Key) {
		for _, k := range keys {
			if b.Len() > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sign)
			b.WriteString(k.String())
		}
	}
	write("+", d.Added)
	write("~", d.Modified)
	write("-", d.Deleted)
	return b.String()
}
