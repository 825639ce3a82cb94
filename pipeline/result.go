package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/isolation"
	"github.com/chazu/gramlab/proxy"
)

// Stage classifies a Result by its first failure.
type Stage int

const (
	Success Stage = iota
	GenerationFailure
	CompileFailure
	RunFailure
	PartialSuccess
)

var stageNames = [...]string{
	Success:           "success",
	GenerationFailure: "generation failure",
	CompileFailure:    "compile failure",
	RunFailure:        "run failure",
	PartialSuccess:    "partial success",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageError is the error Rethrow returns.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrCompileCanceled is surfaced by Rethrow when the compile was cancelled
// and its outcome is unknown.
var ErrCompileCanceled = errors.New("compile canceled, outcome unknown")

// GenerationResult is the outcome of loading a grammar and generating
// sources from it.
type GenerationResult struct {
	Grammar     string // declared grammar name, empty if the text did not parse
	Fingerprint string
	Errors      grammar.ErrorList
	Err         error // failure outside the grammar itself
	Files       []string
	Elapsed     time.Duration
}

// Success reports whether sources were generated.
func (g *GenerationResult) Success() bool {
	return g.Err == nil && len(g.Errors) == 0
}

func (g *GenerationResult) err() error {
	if g.Err != nil {
		return g.Err
	}
	return g.Errors.Err()
}

// ParseResult is the outcome of running the parser on one input.
type ParseResult struct {
	Tree    *proxy.ParseTree
	Thrown  *isolation.Thrown
	Elapsed time.Duration
}

// Usable reports whether a tree was produced without a throw.
func (p *ParseResult) Usable() bool {
	return p.Thrown == nil && p.Tree != nil && !p.Tree.IsUnparsed()
}

// Result aggregates every stage of one pipeline call. Stages after a failed
// one are nil. Compile is the cached result when WasCompiled is false.
type Result struct {
	Generation  *GenerationResult
	Compile     *compiler.Result
	Parse       *ParseResult
	WasCompiled bool
	WasParsed   bool
}

// Usable reports whether every stage that ran succeeded.
func (r *Result) Usable() bool {
	if r.Generation == nil || !r.Generation.Success() {
		return false
	}
	if r.Compile == nil || !r.Compile.Usable() {
		return false
	}
	if r.WasParsed && (r.Parse == nil || !r.Parse.Usable()) {
		return false
	}
	return true
}

// Partial reports whether the result is usable but carries warnings or
// recoverable syntax errors.
func (r *Result) Partial() bool {
	if !r.Usable() {
		return false
	}
	if r.Compile.Count(compiler.SeverityWarning) > 0 {
		return true
	}
	return r.Parse != nil && r.Parse.Tree.HasErrors()
}

// Stage classifies the result.
func (r *Result) Stage() Stage {
	switch {
	case r.Generation == nil || !r.Generation.Success():
		return GenerationFailure
	case r.Compile == nil || !r.Compile.Usable():
		return CompileFailure
	case r.WasParsed && (r.Parse == nil || !r.Parse.Usable()):
		return RunFailure
	case r.Partial():
		return PartialSuccess
	}
	return Success
}

// Rethrow returns the first captured failure as a *StageError, or nil.
// Recoverable syntax errors are not failures.
func (r *Result) Rethrow() error {
	switch r.Stage() {
	case GenerationFailure:
		if r.Generation == nil {
			return &StageError{Stage: GenerationFailure, Err: errors.New("no generation result")}
		}
		return &StageError{Stage: GenerationFailure, Err: r.Generation.err()}
	case CompileFailure:
		return &StageError{Stage: CompileFailure, Err: compileErr(r.Compile)}
	case RunFailure:
		if r.Parse != nil && r.Parse.Thrown != nil {
			return &StageError{Stage: RunFailure, Err: r.Parse.Thrown}
		}
		return &StageError{Stage: RunFailure, Err: errors.New("no parse tree produced")}
	}
	return nil
}

func compileErr(c *compiler.Result) error {
	switch {
	case c == nil:
		return errors.New("not compiled")
	case c.Thrown() != nil:
		return c.Thrown()
	case c.Outcome() == compiler.OutcomeUnknown:
		return ErrCompileCanceled
	}
	if d, ok := c.FirstBlocking(); ok {
		return errors.New(d.String())
	}
	return errors.New("toolchain reported failure")
}
