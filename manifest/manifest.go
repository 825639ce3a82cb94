// Package manifest handles gramlab.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/gramlab/pipeline"
)

// FileName is the name of the project file.
const FileName = "gramlab.toml"

// Manifest represents a gramlab.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Grammar Grammar `toml:"grammar"`
	Compile Compile `toml:"compile"`
	Samples Samples `toml:"samples"`

	// Dir is the directory containing the gramlab.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name string `toml:"name"`
}

// Grammar names the grammar under edit.
type Grammar struct {
	File    string   `toml:"file"`
	Start   string   `toml:"start,omitempty"`
	Imports []string `toml:"imports,omitempty"`
}

// Compile configures compilation.
type Compile struct {
	Incremental bool   `toml:"incremental"`
	Mirror      string `toml:"mirror,omitempty"`
}

// Samples configures the inputs parsed against the grammar.
type Samples struct {
	Dirs       []string `toml:"dirs"`
	Extensions []string `toml:"extensions,omitempty"`
}

// ErrNoGrammar is returned by Load when grammar.file is missing.
var ErrNoGrammar = errors.New("grammar.file is not set")

// Load parses a gramlab.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Manifest{Compile: Compile{Incremental: true}}
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if m.Grammar.File == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoGrammar)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Samples.Dirs) == 0 {
		m.Samples.Dirs = []string{"samples"}
	}
	if m.Project.Name == "" {
		m.Project.Name = strings.TrimSuffix(filepath.Base(m.Grammar.File), filepath.Ext(m.Grammar.File))
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a gramlab.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Write encodes m as dir/gramlab.toml, replacing any existing file.
func Write(dir string, m *Manifest) error {
	path := filepath.Join(dir, FileName)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	if err := toml.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return f.Close()
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// GrammarPath returns the absolute path of the grammar file.
func (m *Manifest) GrammarPath() string {
	return m.abs(m.Grammar.File)
}

// ImportDirPaths returns absolute paths for the import directories. The
// grammar's own directory comes first.
func (m *Manifest) ImportDirPaths() []string {
	paths := []string{filepath.Dir(m.GrammarPath())}
	for _, d := range m.Grammar.Imports {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// SampleDirPaths returns absolute paths for the sample directories.
func (m *Manifest) SampleDirPaths() []string {
	var paths []string
	for _, d := range m.Samples.Dirs {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// MirrorPath returns the absolute path of the VFS mirror database, or ""
// when none is configured.
func (m *Manifest) MirrorPath() string {
	if m.Compile.Mirror == "" {
		return ""
	}
	return m.abs(m.Compile.Mirror)
}

// IsSample reports whether path is a sample input: it lies under a sample
// directory and, when extensions are configured, has one of them.
func (m *Manifest) IsSample(path string) bool {
	path = m.abs(path)
	if len(m.Samples.Extensions) > 0 {
		ext := filepath.Ext(path)
		found := false
		for _, e := range m.Samples.Extensions {
			if ext == e {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, d := range m.SampleDirPaths() {
		if rel, err := filepath.Rel(d, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// SessionOptions returns the pipeline options the manifest implies. The
// mirror is not included; callers open it with MirrorPath.
func (m *Manifest) SessionOptions() []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithImportDirs(m.ImportDirPaths()...),
		pipeline.WithIncremental(m.Compile.Incremental),
	}
	if m.Grammar.Start != "" {
		opts = append(opts, pipeline.WithStart(m.Grammar.Start))
	}
	return opts
}
