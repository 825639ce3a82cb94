// Package gsrc is the toolchain for generated grammar sources. It decodes
// every .gsrc file of the task's source locations, checks each grammar as a
// whole, and writes a class file for every candidate source that is free
// of errors.
package gsrc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/vfs"
)

var log = commonlog.GetLogger("gramlab.gsrc")

// Toolchain implements compiler.Toolchain for generated grammar sources.
type Toolchain struct{}

// New returns a toolchain.
func New() *Toolchain {
	return &Toolchain{}
}

var _ compiler.Toolchain = (*Toolchain)(nil)

// grammarOf returns the grammar a source belongs to: its top directory.
func grammarOf(p string) string {
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// Compile implements compiler.Toolchain.
func (t *Toolchain) Compile(ctx context.Context, task *compiler.Task) (bool, error) {
	var sources []vfs.Key
	for _, loc := range task.SourceLocations {
		for _, f := range task.FS.List(loc, "") {
			if strings.HasSuffix(f.Path, bytecode.SourceSuffix) {
				sources = append(sources, f.Key())
			}
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Less(sources[j]) })

	// Decode everything: analysis needs the whole grammar even when only
	// some sources are candidates.
	early := make(map[string][]compiler.Diagnostic)
	failed := make(map[string]bool)
	units := make(map[string]*Unit)
	models := make(map[string]*model)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fail := func(sev compiler.Severity, code string, line, col int, format string, args ...interface{}) {
			early[src.Path] = append(early[src.Path], compiler.Diagnostic{
				Severity: sev, Code: code, Path: src.Path, Line: line, Column: col,
				Message: fmt.Sprintf(format, args...),
			})
			failed[src.Path] = true
		}

		data, err := task.FS.Read(src.Location, src.Path)
		if err != nil {
			fail(compiler.SeverityFatal, CodeUnreadable, 0, 0, "cannot read source: %v", err)
			continue
		}
		u, err := Decode(src.Path, string(data))
		if err != nil {
			var se *SyntaxError
			if errors.As(err, &se) {
				fail(compiler.SeverityError, CodeMalformed, se.Line, se.Column, "%s", se.Message)
			} else {
				fail(compiler.SeverityError, CodeMalformed, 0, 0, "%v", err)
			}
			continue
		}

		name := grammarOf(src.Path)
		m := models[name]
		if m == nil {
			m = newModel(name)
			models[name] = m
		}
		switch {
		case u.Lexer != nil:
			if u.Lexer.Grammar != name || m.lexer != nil {
				fail(compiler.SeverityError, CodeMalformed, 1, 1, "unexpected lexer for grammar %s in %s", u.Lexer.Grammar, name)
				continue
			}
			m.lexer = u
		case u.Adapter != nil:
			if u.Adapter.Grammar != name || m.adapter != nil {
				fail(compiler.SeverityError, CodeMalformed, 1, 1, "unexpected adapter for grammar %s in %s", u.Adapter.Grammar, name)
				continue
			}
			m.adapter = u
		default:
			if _, dup := m.rules[u.Rule.Name]; dup {
				fail(compiler.SeverityError, CodeMalformed, u.Rule.Line, u.Rule.Column, "rule %s defined twice", u.Rule.Name)
				continue
			}
			m.rules[u.Rule.Name] = u
		}
		m.units = append(m.units, u)
		units[src.Path] = u
	}

	analyses := make(map[string]*analysis, len(models))
	for name, m := range models {
		analyses[name] = analyze(m)
	}

	// Report in source order.
	ok := true
	for _, src := range sources {
		diags := early[src.Path]
		if a := analyses[grammarOf(src.Path)]; a != nil {
			diags = append(diags, a.diags[src.Path]...)
		}
		for _, d := range diags {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if d.Severity.Blocking() {
				ok = false
			}
			task.Listener.Report(d)
		}
	}
	// Grammar-level diagnostics with no source path.
	for _, name := range sortedModelNames(models) {
		for _, d := range analyses[name].diags[""] {
			ok = false
			task.Listener.Report(d)
		}
	}

	for _, src := range task.Sources {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		classPath := bytecode.ClassPath(src.Path)
		u := units[src.Path]
		a := analyses[grammarOf(src.Path)]
		if u == nil || failed[src.Path] || a == nil || a.bad[src.Path] {
			task.FS.Delete(task.Output, classPath)
			continue
		}
		data, err := bytecode.MarshalClass(t.classFor(grammarOf(src.Path), u))
		if err != nil {
			return false, fmt.Errorf("encoding %s: %w", classPath, err)
		}
		task.FS.Write(task.Output, classPath, data)
	}

	removeOrphans(task)
	log.Debugf("compiled %d of %d sources in %d grammars", len(task.Sources), len(sources), len(models))
	return ok, nil
}

func (t *Toolchain) classFor(grammar string, u *Unit) *bytecode.ClassFile {
	switch {
	case u.Lexer != nil:
		cf := bytecode.NewClassFile(bytecode.ClassLexer, grammar, grammar, u.Path)
		cf.Tokens = u.Lexer.Tokens
		return cf
	case u.Adapter != nil:
		cf := bytecode.NewClassFile(bytecode.ClassAdapter, grammar, grammar, u.Path)
		cf.Entry = u.Adapter.Entry
		cf.Rules = u.Adapter.Rules
		cf.GrammarHash = u.Adapter.Hash
		return cf
	default:
		cf := bytecode.NewClassFile(bytecode.ClassRule, grammar, u.Rule.Name, u.Path)
		cf.Index = u.Rule.Index
		cf.Chunk = CompileRule(u.Rule)
		return cf
	}
}

// removeOrphans deletes class files whose source no longer exists.
func removeOrphans(task *compiler.Task) {
	for _, f := range task.FS.List(task.Output, "") {
		if !strings.HasSuffix(f.Path, bytecode.ClassSuffix) {
			continue
		}
		src := bytecode.SourcePath(f.Path)
		found := false
		for _, loc := range task.SourceLocations {
			if task.FS.Exists(loc, src) {
				found = true
				break
			}
		}
		if !found {
			task.FS.Delete(task.Output, f.Path)
		}
	}
}

func sortedModelNames(models map[string]*model) []string {
	names := make([]string, 0, len(models))
	for n := range models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
