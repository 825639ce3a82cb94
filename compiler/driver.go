// Package compiler drives a toolchain against the virtual filesystem:
// it decides which generated sources are stale, runs the toolchain once
// over them, and records diagnostics and produced class files.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/gramlab/changes"
	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/vfs"
)

var log = commonlog.GetLogger("gramlab.compiler")

// Driver compiles the generated sources of one session.
type Driver struct {
	FS        *vfs.FS
	Toolchain Toolchain

	// Output is where class files go. The zero value is vfs.Source, so
	// NewDriver sets vfs.ClassOutput.
	Output vfs.Location

	// Incremental limits the candidates to sources whose class file is
	// missing or older than the source.
	Incremental bool
}

// NewDriver returns a driver writing to vfs.ClassOutput.
func NewDriver(fs *vfs.FS, tc Toolchain, incremental bool) *Driver {
	return &Driver{FS: fs, Toolchain: tc, Output: vfs.ClassOutput, Incremental: incremental}
}

// Compile compiles the generated sources found in sourceLocations.
func (d *Driver) Compile(ctx context.Context, sourceLocations ...vfs.Location) *Result {
	b := NewBuilder()

	sources, err := d.collect(ctx, sourceLocations)
	if err != nil {
		b.Cancel()
		return b.Build()
	}
	candidates := sources
	if d.Incremental {
		candidates = d.stale(sources)
		if len(candidates) == 0 {
			log.Debugf("all %d sources up to date", len(sources))
			b.MarkPrecompiled()
			return b.Build()
		}
	}
	b.SetInputs(candidates)

	outputs := []vfs.Location{d.Output}
	classes := changes.OnlySuffix(bytecode.ClassSuffix)
	before, err := changes.Take(ctx, d.FS, outputs, classes)
	if err != nil {
		b.Cancel()
		return b.Build()
	}

	task := &Task{
		FS:              d.FS,
		Sources:         candidates,
		SourceLocations: sourceLocations,
		Output:          d.Output,
		Listener:        b,
	}
	ok, err := d.invoke(ctx, task)
	if ctx.Err() != nil {
		b.Cancel()
		return b.Build()
	}
	if err != nil {
		log.Errorf("toolchain failed: %s", err.Error())
		b.Throw(err)
	}
	b.ToolchainFinished(ok)

	after, err := changes.Take(ctx, d.FS, outputs, classes)
	if err != nil {
		b.Cancel()
		return b.Build()
	}
	b.SetOutputs(changes.Compare(before, after).Changed())

	r := b.Build()
	log.Infof("compiled %d sources: %s, %d outputs, %d diagnostics in %s",
		len(candidates), r.Outcome(), len(r.outputs), len(r.diagnostics), r.Elapsed())
	return r
}

// collect lists the generated sources in locations, sorted by key.
func (d *Driver) collect(ctx context.Context, locations []vfs.Location) ([]vfs.Key, error) {
	var keys []vfs.Key
	for _, loc := range locations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, f := range d.FS.List(loc, "") {
			if strings.HasSuffix(f.Path, bytecode.SourceSuffix) {
				keys = append(keys, f.Key())
			}
		}
	}
	return keys, nil
}

// stale keeps the sources whose class file is missing or older.
func (d *Driver) stale(sources []vfs.Key) []vfs.Key {
	var out []vfs.Key
	for _, src := range sources {
		srcFile, err := d.FS.Stat(src.Location, src.Path)
		if err != nil {
			continue
		}
		class, err := d.FS.Stat(d.Output, bytecode.ClassPath(src.Path))
		if errors.Is(err, vfs.ErrNotFound) || class.ModTime.Before(srcFile.ModTime) {
			out = append(out, src)
		}
	}
	return out
}

// invoke runs the toolchain, converting a panic into an error.
func (d *Driver) invoke(ctx context.Context, task *Task) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("toolchain panic: %v", r)
		}
	}()
	return d.Toolchain.Compile(ctx, task)
}
