package grammar

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/gramlab/vfs"
)

// ErrImportNotFound is returned by resolvers for an unknown grammar name.
var ErrImportNotFound = errors.New("grammar not found")

// GrammarExtensions are tried, in order, when resolving an import.
var GrammarExtensions = []string{".g4", ".g"}

// Resolver finds the text of an imported grammar by name.
type Resolver interface {
	Resolve(name string) (source, text string, err error)
}

// SourceResolver looks in the Source location of a VFS first, then in each
// directory of Dirs on disk.
type SourceResolver struct {
	FS   vfs.Reader
	Dirs []string
}

// Resolve implements Resolver.
func (r SourceResolver) Resolve(name string) (string, string, error) {
	if r.FS != nil {
		for _, ext := range GrammarExtensions {
			if data, err := r.FS.Read(vfs.Source, name+ext); err == nil {
				return name + ext, string(data), nil
			}
		}
	}
	for _, dir := range r.Dirs {
		for _, ext := range GrammarExtensions {
			p := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(p)
			if err == nil {
				return p, string(data), nil
			}
			if !errors.Is(err, os.ErrNotExist) {
				return "", "", fmt.Errorf("import %s: %w", name, err)
			}
		}
	}
	return "", "", fmt.Errorf("import %s: %w", name, ErrImportNotFound)
}

// ImportedSource is the text of one resolved import.
type ImportedSource struct {
	Name   string
	Source string
	Text   string
}

// Unit is a grammar with its imports resolved and merged.
type Unit struct {
	Main    *Grammar // as parsed
	Merged  *Grammar // main rules first, then imported rules not overridden
	Text    string
	Imports []ImportedSource // resolution order
}

// Load parses text, resolves imports transitively through r and checks the
// merged grammar. Rules of the importing grammar win over imported ones.
func Load(source, text string, r Resolver) (*Unit, ErrorList) {
	main, errs := Parse(source, text)
	if len(errs) > 0 {
		return nil, errs
	}
	errs = append(errs, checkDuplicates(main)...)

	u := &Unit{Main: main, Text: text}
	merged := &Grammar{
		Name:   main.Name,
		Kind:   main.Kind,
		Pos:    main.Pos,
		Source: main.Source,
		Rules:  append([]*Rule(nil), main.Rules...),
	}
	defined := make(map[string]bool, len(main.Rules))
	for _, rule := range main.Rules {
		defined[rule.Name] = true
	}

	type pending struct {
		imp  Import
		from string
	}
	visited := map[string]bool{main.Name: true}
	queue := make([]pending, 0, len(main.Imports))
	for _, imp := range main.Imports {
		queue = append(queue, pending{imp, main.Source})
	}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next.imp.Name] {
			continue
		}
		visited[next.imp.Name] = true

		if r == nil {
			errs = append(errs, errorAt(next.from, next.imp.Pos, "cannot import %s: no import path", next.imp.Name))
			continue
		}
		src, importText, err := r.Resolve(next.imp.Name)
		if err != nil {
			errs = append(errs, errorAt(next.from, next.imp.Pos, "cannot import %s: %v", next.imp.Name, err))
			continue
		}
		ig, perrs := Parse(src, importText)
		if len(perrs) > 0 {
			errs = append(errs, perrs...)
			continue
		}
		errs = append(errs, checkDuplicates(ig)...)
		u.Imports = append(u.Imports, ImportedSource{Name: next.imp.Name, Source: src, Text: importText})
		for _, rule := range ig.Rules {
			if !defined[rule.Name] {
				defined[rule.Name] = true
				merged.Rules = append(merged.Rules, rule)
			}
		}
		for _, imp := range ig.Imports {
			queue = append(queue, pending{imp, src})
		}
	}
	if len(errs) > 0 {
		errs.Sort()
		return nil, errs
	}

	if errs = Check(merged); len(errs) > 0 {
		errs.Sort()
		return nil, errs
	}
	u.Merged = merged
	return u, nil
}

func checkDuplicates(g *Grammar) ErrorList {
	var errs ErrorList
	seen := make(map[string]bool, len(g.Rules))
	for _, r := range g.Rules {
		if seen[r.Name] {
			errs = append(errs, errorAt(g.Source, r.Pos, "rule %s redefinition", r.Name))
		}
		seen[r.Name] = true
	}
	return errs
}

// Fingerprint returns the content fingerprint of the unit: a hex SHA-256
// over the grammar text and every resolved import.
func (u *Unit) Fingerprint() string {
	return Fingerprint(u.Text, u.Imports...)
}

// Fingerprint hashes grammar text and imports. Each part is length-prefixed
// so that moving bytes between parts changes the result.
func Fingerprint(text string, imports ...ImportedSource) string {
	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(text)
	for _, imp := range imports {
		write(imp.Name)
		write(imp.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}
