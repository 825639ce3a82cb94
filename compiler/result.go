package compiler

import (
	"sync"
	"time"

	"github.com/chazu/gramlab/vfs"
)

// Outcome is the overall status of a compile.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	// OutcomeUnknown means the compile was cancelled before its status
	// could be decided.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the immutable record of one compile invocation.
type Result struct {
	outcome     Outcome
	diagnostics []Diagnostic
	inputs      []vfs.Key
	outputs     []vfs.Key
	thrown      error
	elapsed     time.Duration
	precompiled bool
}

// Success reports whether the compile succeeded.
func (r *Result) Success() bool { return r.outcome == OutcomeSucceeded }

// Usable reports whether the compiled output may be loaded.
func (r *Result) Usable() bool { return r.Success() }

func (r *Result) Outcome() Outcome { return r.outcome }

// Diagnostics returns the diagnostics in the order they were reported.
func (r *Result) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), r.diagnostics...)
}

// InputFiles returns the sources handed to the toolchain.
func (r *Result) InputFiles() []vfs.Key { return append([]vfs.Key(nil), r.inputs...) }

// OutputFiles returns the class files the toolchain added or changed.
func (r *Result) OutputFiles() []vfs.Key { return append([]vfs.Key(nil), r.outputs...) }

// Thrown returns the error the toolchain raised, if any.
func (r *Result) Thrown() error { return r.thrown }

func (r *Result) Elapsed() time.Duration { return r.elapsed }

// Precompiled reports that no source was stale and the toolchain did not run.
func (r *Result) Precompiled() bool { return r.precompiled }

// Count returns the number of diagnostics with the given severity.
func (r *Result) Count(s Severity) int {
	n := 0
	for _, d := range r.diagnostics {
		if d.Severity == s {
			n++
		}
	}
	return n
}

// FirstBlocking returns the first error or fatal diagnostic.
func (r *Result) FirstBlocking() (Diagnostic, bool) {
	for _, d := range r.diagnostics {
		if d.Severity.Blocking() {
			return d, true
		}
	}
	return Diagnostic{}, false
}

// Builder accumulates a Result during one compile. It is safe for the
// toolchain to report diagnostics from several goroutines.
type Builder struct {
	mu          sync.Mutex
	start       time.Time
	diagnostics []Diagnostic
	inputs      []vfs.Key
	outputs     []vfs.Key
	thrown      error
	toolchainOK bool
	ran         bool
	cancelled   bool
	precompiled bool
}

// NewBuilder starts timing a compile.
func NewBuilder() *Builder {
	return &Builder{start: time.Now()}
}

// Report implements DiagnosticListener.
func (b *Builder) Report(d Diagnostic) {
	b.mu.Lock()
	b.diagnostics = append(b.diagnostics, d)
	b.mu.Unlock()
}

func (b *Builder) SetInputs(keys []vfs.Key) {
	b.mu.Lock()
	b.inputs = append([]vfs.Key(nil), keys...)
	b.mu.Unlock()
}

func (b *Builder) SetOutputs(keys []vfs.Key) {
	b.mu.Lock()
	b.outputs = append([]vfs.Key(nil), keys...)
	b.mu.Unlock()
}

// ToolchainFinished records the toolchain's own verdict.
func (b *Builder) ToolchainFinished(ok bool) {
	b.mu.Lock()
	b.ran = true
	b.toolchainOK = ok
	b.mu.Unlock()
}

// Throw records an error raised by the toolchain.
func (b *Builder) Throw(err error) {
	b.mu.Lock()
	if b.thrown == nil {
		b.thrown = err
	}
	b.mu.Unlock()
}

// Cancel marks the compile as cancelled; the outcome becomes unknown.
func (b *Builder) Cancel() {
	b.mu.Lock()
	b.cancelled = true
	b.mu.Unlock()
}

// MarkPrecompiled records that nothing needed compiling.
func (b *Builder) MarkPrecompiled() {
	b.mu.Lock()
	b.precompiled = true
	b.mu.Unlock()
}

// Build freezes the builder into a Result.
func (b *Builder) Build() *Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Result{
		diagnostics: append([]Diagnostic(nil), b.diagnostics...),
		inputs:      b.inputs,
		outputs:     b.outputs,
		thrown:      b.thrown,
		elapsed:     time.Since(b.start),
		precompiled: b.precompiled,
	}
	switch {
	case b.cancelled:
		r.outcome = OutcomeUnknown
	case b.precompiled:
		r.outcome = OutcomeSucceeded
	case b.thrown != nil || !b.ran || !b.toolchainOK:
		r.outcome = OutcomeFailed
	default:
		r.outcome = OutcomeSucceeded
		for _, d := range b.diagnostics {
			if d.Severity.Blocking() {
				r.outcome = OutcomeFailed
				break
			}
		}
	}
	return r
}
