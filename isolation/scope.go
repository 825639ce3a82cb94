package isolation

import (
	"context"
	"fmt"
	"sync"
)

// EntryPoint names what to run in a scope.
type EntryPoint struct {
	Grammar string
	// Rule overrides the adapter's entry rule when set.
	Rule string
}

func (e EntryPoint) String() string {
	if e.Rule == "" {
		return e.Grammar
	}
	return e.Grammar + "." + e.Rule
}

// Parser is the capability a scope hands out. Callers only ever see this
// interface; the value behind it is the scope's loaded adapter.
type Parser interface {
	Parse(ctx context.Context, input string) (*RawTree, error)
}

// Scope owns the classes loaded from one artifact set. A scope is created
// and disposed through a Registry.
type Scope struct {
	handle Handle

	// mu is held for reading by every parse and for writing by loading and
	// Dispose, so Dispose waits for in-flight parses.
	mu       sync.RWMutex
	loader   *Loader
	disposed bool
}

// Handle returns the registry handle of the scope.
func (s *Scope) Handle() Handle { return s.handle }

// Disposed reports whether Dispose has run.
func (s *Scope) Disposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

// ClassNames returns the names of the classes in the scope's artifact set.
func (s *Scope) ClassNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil
	}
	return s.loader.Names()
}

// Resolve loads and links the adapter for entry and returns it as a Parser.
func (s *Scope) Resolve(entry EntryPoint) (Parser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}
	a, err := s.loader.loadAdapter(entry.Grammar)
	if err != nil {
		return nil, err
	}
	name := entry.Rule
	if name == "" {
		name = a.entry
	}
	start, ok := a.byName[name]
	if !ok {
		return nil, &ClassNotFoundError{Name: name}
	}
	return &adapterParser{scope: s, adapter: a, start: start}, nil
}

// Dispose waits for in-flight parses, drops every loaded class and marks the
// scope unusable. It is idempotent.
func (s *Scope) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.loader.clear()
	s.loader = nil
	s.disposed = true
}

func (s *Scope) String() string {
	return fmt.Sprintf("scope(%s)", s.handle)
}

// adapterParser is the Parser behind a resolved adapter class.
type adapterParser struct {
	scope   *Scope
	adapter *AdapterClass
	start   *RuleClass
}

func (p *adapterParser) Parse(ctx context.Context, input string) (*RawTree, error) {
	p.scope.mu.RLock()
	defer p.scope.mu.RUnlock()
	if p.scope.disposed {
		return nil, ErrDisposed
	}

	a := p.adapter
	tokens, lexErrs, err := a.lexer.tokenize(ctx, input, a.runtime.CheckEvery)
	if err != nil {
		return nil, err
	}
	m := newMachine(ctx, a.runtime, a.lexer, tokens)
	root, parseErrs, err := m.parse(p.start)
	if err != nil {
		return nil, err
	}
	return &RawTree{
		Root:    root,
		Tokens:  tokens,
		Errors:  append(lexErrs, parseErrs...),
		Lexer:   a.lexer,
		Adapter: a,
	}, nil
}
