package vfs

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock(start time.Time) func() time.Time {
	return func() time.Time { return start }
}

func TestWriteRead(t *testing.T) {
	fs := New()
	fs.WriteString(GeneratedSource, "Expr/rules/expr.gsrc", "(rule expr 0 (tok INT))")

	got, err := fs.Read(GeneratedSource, "Expr/rules/expr.gsrc")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "(rule expr 0 (tok INT))" {
		t.Errorf("Read = %q", got)
	}

	// Returned bytes are a copy.
	got[0] = 'X'
	again, _ := fs.Read(GeneratedSource, "Expr/rules/expr.gsrc")
	if again[0] != '(' {
		t.Error("mutating Read result changed stored content")
	}
}

func TestReadNotFound(t *testing.T) {
	fs := New()
	_, err := fs.Read(Source, "missing.g")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	var pe *PathError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %T, want *PathError", err)
	}
	if pe.Key != (Key{Source, "missing.g"}) {
		t.Errorf("PathError.Key = %v", pe.Key)
	}
}

func TestLocationsDoNotShareStorage(t *testing.T) {
	fs := New()
	fs.WriteString(Source, "a.txt", "source")
	fs.WriteString(ClassOutput, "a.txt", "class")

	src, _ := fs.Read(Source, "a.txt")
	cls, _ := fs.Read(ClassOutput, "a.txt")
	if string(src) != "source" || string(cls) != "class" {
		t.Errorf("got %q and %q", src, cls)
	}
	if fs.Exists(GeneratedSource, "a.txt") {
		t.Error("file leaked into GeneratedSource")
	}
	if locs := fs.Locations(); len(locs) != 2 || locs[0] != Source || locs[1] != ClassOutput {
		t.Errorf("Locations() = %v", locs)
	}
}

func TestListSortedByPath(t *testing.T) {
	fs := New()
	for _, p := range []string{"G/rules/c.gsrc", "G/rules/a.gsrc", "G/GLexer.gsrc", "H/x.gsrc", "G/rules/b.gsrc"} {
		fs.WriteString(GeneratedSource, p, p)
	}

	files := fs.List(GeneratedSource, "G/")
	want := []string{"G/GLexer.gsrc", "G/rules/a.gsrc", "G/rules/b.gsrc", "G/rules/c.gsrc"}
	if len(files) != len(want) {
		t.Fatalf("List returned %d files, want %d", len(files), len(want))
	}
	for i, f := range files {
		if f.Path != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, f.Path, want[i])
		}
	}
}

func TestWriteBumpsModTimeAndDigest(t *testing.T) {
	fs := New(WithClock(fixedClock(time.Unix(1000, 0))))

	fs.WriteString(Source, "g.g", "grammar A;")
	first, _ := fs.Stat(Source, "g.g")

	fs.WriteString(Source, "g.g", "grammar A;")
	second, _ := fs.Stat(Source, "g.g")

	if !second.ModTime.After(first.ModTime) {
		t.Errorf("same-tick rewrite did not advance ModTime: %v then %v", first.ModTime, second.ModTime)
	}
	if first.Digest != second.Digest {
		t.Error("identical content produced different digests")
	}

	fs.WriteString(Source, "g.g", "grammar B;")
	third, _ := fs.Stat(Source, "g.g")
	if third.Digest == second.Digest {
		t.Error("different content produced the same digest")
	}
}

func TestCleanPath(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a/b.g", "a/b.g"},
		{"/a/b.g", "a/b.g"},
		{"a//b/./c.g", "a/b/c.g"},
		{"a\\b.g", "a/b.g"},
		{"../../etc/passwd", "etc/passwd"},
	}
	for _, tt := range tests {
		if got := CleanPath(tt.in); got != tt.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanPathEmptyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("CleanPath(\"\") did not panic")
		}
	}()
	CleanPath("")
}

func TestDeleteAndDeletePrefix(t *testing.T) {
	fs := New()
	fs.WriteString(ClassOutput, "G/a.gclass", "a")
	fs.WriteString(ClassOutput, "G/b.gclass", "b")
	fs.WriteString(ClassOutput, "H/c.gclass", "c")

	fs.Delete(ClassOutput, "G/a.gclass")
	fs.Delete(ClassOutput, "G/a.gclass") // no-op
	if fs.Exists(ClassOutput, "G/a.gclass") {
		t.Error("Delete left the file behind")
	}

	if n := fs.DeletePrefix(ClassOutput, "G/"); n != 1 {
		t.Errorf("DeletePrefix removed %d, want 1", n)
	}
	if fs.Len(ClassOutput) != 1 {
		t.Errorf("Len = %d, want 1", fs.Len(ClassOutput))
	}
}

func TestParseLocation(t *testing.T) {
	for _, loc := range AllLocations() {
		got, err := ParseLocation(loc.String())
		if err != nil || got != loc {
			t.Errorf("ParseLocation(%q) = %v, %v", loc.String(), got, err)
		}
	}
	if _, err := ParseLocation("nowhere"); err == nil {
		t.Error("ParseLocation accepted an unknown name")
	}
}

func TestMirrorSaveLoad(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "mirror", "vfs.db")
	m, err := OpenMirror(dbPath)
	if err != nil {
		t.Fatalf("OpenMirror: %v", err)
	}
	defer m.Close()

	src := New()
	src.WriteString(GeneratedSource, "G/GLexer.gsrc", "(lexer G)")
	src.Write(ClassOutput, "G/GLexer.gclass", []byte{0xA1, 0x01, 0x02})
	src.WriteString(Source, "G.g", "grammar G;")

	ctx := context.Background()
	n, err := m.Save(ctx, "G.g", src, GeneratedSource, ClassOutput)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if n != 2 {
		t.Errorf("Save wrote %d files, want 2", n)
	}

	dst := New()
	n, err = m.Load(ctx, "G.g", dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("Load restored %d files, want 2", n)
	}

	want, _ := src.Stat(ClassOutput, "G/GLexer.gclass")
	got, err := dst.Stat(ClassOutput, "G/GLexer.gclass")
	if err != nil {
		t.Fatalf("Stat after load: %v", err)
	}
	if got.Digest != want.Digest {
		t.Error("restored content differs")
	}
	if !got.ModTime.Equal(want.ModTime) {
		t.Errorf("restored ModTime = %v, want %v", got.ModTime, want.ModTime)
	}
	if dst.Exists(Source, "G.g") {
		t.Error("unsaved location was restored")
	}
}

func TestMirrorNamespaces(t *testing.T) {
	m, err := OpenMirror(filepath.Join(t.TempDir(), "vfs.db"))
	if err != nil {
		t.Fatalf("OpenMirror: %v", err)
	}
	defer m.Close()
	ctx := context.Background()

	g := New()
	g.WriteString(ClassOutput, "G/GLexer.gclass", "g")
	g.WriteString(ClassOutput, "shared.gclass", "from g")
	h := New()
	h.WriteString(ClassOutput, "H/HLexer.gclass", "h")
	h.WriteString(ClassOutput, "shared.gclass", "from h")
	if _, err := m.Save(ctx, "G.g", g, ClassOutput); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Save(ctx, "H.g", h, ClassOutput); err != nil {
		t.Fatal(err)
	}

	dst := New()
	n, err := m.Load(ctx, "G.g", dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Load restored %d files, want 2", n)
	}
	if dst.Exists(ClassOutput, "H/HLexer.gclass") {
		t.Error("rows of another namespace were restored")
	}
	if got, _ := dst.Read(ClassOutput, "shared.gclass"); string(got) != "from g" {
		t.Errorf("shared.gclass = %q, want %q", got, "from g")
	}

	// Saving one namespace leaves the other's rows alone.
	if _, err := m.Save(ctx, "H.g", New(), ClassOutput); err != nil {
		t.Fatal(err)
	}
	if n, _ := m.Load(ctx, "G.g", New()); n != 2 {
		t.Errorf("G.g rows after clearing H.g = %d, want 2", n)
	}
}
