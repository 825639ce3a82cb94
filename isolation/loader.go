package isolation

import (
	"fmt"

	"github.com/chazu/gramlab/pkg/bytecode"
)

// Loader resolves class names for one scope: the scope's own artifacts
// first, then the shared library. Defined classes are cached, so every name
// resolves to one instance for the loader's lifetime.
type Loader struct {
	artifacts map[string]*bytecode.ClassFile
	shared    *Library
	defined   map[string]Class
}

func newLoader(artifacts map[string]*bytecode.ClassFile, shared *Library) *Loader {
	return &Loader{
		artifacts: artifacts,
		shared:    shared,
		defined:   make(map[string]Class),
	}
}

// Load resolves name. Anything outside the artifacts and the shared library
// is a *ClassNotFoundError.
func (l *Loader) Load(name string) (Class, error) {
	if c, ok := l.defined[name]; ok {
		return c, nil
	}
	if cf, ok := l.artifacts[name]; ok {
		c, err := define(cf)
		if err != nil {
			return nil, err
		}
		l.defined[name] = c
		return c, nil
	}
	if c, ok := l.shared.Lookup(name); ok {
		return c, nil
	}
	return nil, &ClassNotFoundError{Name: name}
}

// Names returns the class names of the artifacts.
func (l *Loader) Names() []string {
	names := make([]string, 0, len(l.artifacts))
	for n := range l.artifacts {
		names = append(names, n)
	}
	return names
}

// Defined returns how many artifact classes have been defined so far.
func (l *Loader) Defined() int { return len(l.defined) }

func (l *Loader) clear() {
	l.artifacts = nil
	l.defined = nil
	l.shared = nil
}

func define(cf *bytecode.ClassFile) (Class, error) {
	switch cf.Kind {
	case bytecode.ClassRule:
		return defineRule(cf), nil
	case bytecode.ClassLexer:
		return defineLexer(cf)
	case bytecode.ClassAdapter:
		return defineAdapter(cf), nil
	}
	return nil, &LinkError{Class: cf.ClassName(), Message: fmt.Sprintf("unknown class kind %s", cf.Kind)}
}

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// loadAdapter resolves and links the adapter of grammar along with
// everything it references.
func (l *Loader) loadAdapter(grammar string) (*AdapterClass, error) {
	name := grammar + "Adapter"
	c, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	a, ok := c.(*AdapterClass)
	if !ok {
		return nil, &LinkError{Class: name, Message: "not an adapter class"}
	}
	if a.linked {
		return a, nil
	}
	if err := l.linkAdapter(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (l *Loader) linkAdapter(a *AdapterClass) error {
	lexer, err := l.loadLexer(a.grammar)
	if err != nil {
		return err
	}
	c, err := l.Load(RuntimeClassName)
	if err != nil {
		return err
	}
	rt, ok := c.(*RuntimeClass)
	if !ok {
		return &LinkError{Class: a.ClassName(), Message: RuntimeClassName + " is not a runtime class"}
	}

	rules := make([]*RuleClass, len(a.names))
	byName := make(map[string]*RuleClass, len(a.names))
	for i, n := range a.names {
		r, err := l.loadRule(n)
		if err != nil {
			return err
		}
		if r.index != i {
			return &LinkError{Class: a.ClassName(), Message: fmt.Sprintf("rule %s has index %d, listed at %d", n, r.index, i)}
		}
		rules[i] = r
		byName[n] = r
	}
	for _, r := range rules {
		if err := l.linkRule(r, lexer); err != nil {
			return err
		}
	}
	if _, ok := byName[a.entry]; !ok {
		return &LinkError{Class: a.ClassName(), Message: "entry rule " + a.entry + " is not listed"}
	}

	a.rules = rules
	a.byName = byName
	a.lexer = lexer
	a.runtime = rt
	a.linked = true
	return nil
}

func (l *Loader) loadLexer(grammar string) (*LexerClass, error) {
	name := grammar + "Lexer"
	c, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	lc, ok := c.(*LexerClass)
	if !ok {
		return nil, &LinkError{Class: name, Message: "not a lexer class"}
	}
	if lc.linked {
		return lc, nil
	}
	eof, err := l.Load("EOF")
	if err != nil {
		return nil, err
	}
	ek, ok := eof.(*TokenKind)
	if !ok || ek.Type != EOFType {
		return nil, &LinkError{Class: name, Message: "EOF is not the end-of-input token"}
	}
	for _, k := range lc.kinds {
		if k.Channel != 0 && !l.shared.channel(k.Channel) {
			return nil, &LinkError{Class: name, Message: fmt.Sprintf("token %s uses undeclared channel %d", k.Name, k.Channel)}
		}
	}
	lc.eof = ek
	lc.linked = true
	return lc, nil
}

func (l *Loader) loadRule(name string) (*RuleClass, error) {
	c, err := l.Load(name)
	if err != nil {
		return nil, err
	}
	r, ok := c.(*RuleClass)
	if !ok {
		return nil, &LinkError{Class: name, Message: "not a rule class"}
	}
	return r, nil
}

// linkRule resolves the names behind every OpCall and OpMatch in r.
func (l *Loader) linkRule(r *RuleClass, lexer *LexerClass) error {
	if r.linked {
		return nil
	}
	code := r.chunk.Code
	calls := make([]*RuleClass, len(r.chunk.Constants))
	types := make([]int, len(r.chunk.Constants))
	for ip := 0; ip < len(code); {
		op := bytecode.Opcode(code[ip])
		switch op {
		case bytecode.OpCall:
			idx := r.chunk.ReadUint16(ip + 1)
			if calls[idx] == nil {
				target, err := l.loadRule(r.chunk.Constants[idx])
				if err != nil {
					return err
				}
				calls[idx] = target
			}
		case bytecode.OpMatch:
			idx := r.chunk.ReadUint16(ip + 1)
			if types[idx] == 0 {
				typ, err := l.tokenType(r.chunk.Constants[idx], lexer)
				if err != nil {
					return err
				}
				types[idx] = typ
			}
		}
		ip += op.InstructionLen()
	}
	r.calls = calls
	r.types = types
	r.linked = true
	return nil
}

func (l *Loader) tokenType(name string, lexer *LexerClass) (int, error) {
	if k, ok := lexer.byName[name]; ok {
		return k.Type, nil
	}
	c, err := l.Load(name)
	if err != nil {
		return 0, err
	}
	k, ok := c.(*TokenKind)
	if !ok {
		return 0, &LinkError{Class: name, Message: "not a token"}
	}
	return k.Type, nil
}
