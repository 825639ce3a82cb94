package compiler

import (
	"context"

	"github.com/chazu/gramlab/vfs"
)

// Task is one toolchain invocation.
type Task struct {
	FS              *vfs.FS
	Sources         []vfs.Key      // candidates, sorted
	SourceLocations []vfs.Location // every location the sources may refer into
	Output          vfs.Location
	Listener        DiagnosticListener
}

// Toolchain compiles a set of generated sources into class files.
//
// Compile reports success when it produced usable output for every source.
// A returned error means the toolchain itself failed, as opposed to
// rejecting its input; rejected input is reported through the listener.
// Implementations should return ctx.Err() promptly once ctx is done.
type Toolchain interface {
	Compile(ctx context.Context, task *Task) (bool, error)
}

// ToolchainFunc adapts a function to Toolchain.
type ToolchainFunc func(ctx context.Context, task *Task) (bool, error)

func (f ToolchainFunc) Compile(ctx context.Context, task *Task) (bool, error) {
	return f(ctx, task)
}
