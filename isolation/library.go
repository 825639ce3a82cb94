package isolation

import "github.com/chazu/gramlab/pkg/bytecode"

// RuntimeClassName is the name the shared runtime class is resolved by.
const RuntimeClassName = "runtime"

// RuntimeClass carries the limits every parser in a scope runs under.
type RuntimeClass struct {
	// MaxDepth bounds nested rule calls.
	MaxDepth int
	// MaxRecoveries bounds single-token deletions per parse.
	MaxRecoveries int
	// CheckEvery is how many machine steps or tokens pass between
	// cancellation checks.
	CheckEvery int
}

func (rt *RuntimeClass) ClassName() string { return RuntimeClassName }

// DefaultRuntime returns the limits of the base library.
func DefaultRuntime() *RuntimeClass {
	return &RuntimeClass{MaxDepth: 1000, MaxRecoveries: 32, CheckEvery: 1024}
}

// ChannelClass names a token channel.
type ChannelClass struct {
	Name   string
	Number int
}

func (c *ChannelClass) ClassName() string { return c.Name }

// Library is the set of classes every scope may resolve in addition to its
// own artifacts. It is immutable once built and may be shared by any number
// of scopes.
type Library struct {
	classes map[string]Class
}

// NewLibrary returns a library holding exactly the given classes.
func NewLibrary(classes ...Class) *Library {
	lib := &Library{classes: make(map[string]Class, len(classes))}
	for _, c := range classes {
		lib.classes[c.ClassName()] = c
	}
	return lib
}

// NewBaseLibrary returns the base library: the EOF token, the default and
// hidden channels, and the runtime class with rt's limits (the defaults
// when rt is nil).
func NewBaseLibrary(rt *RuntimeClass) *Library {
	if rt == nil {
		rt = DefaultRuntime()
	}
	return NewLibrary(
		&TokenKind{Type: EOFType, Name: "EOF", Display: "<EOF>"},
		&ChannelClass{Name: "DEFAULT_TOKEN_CHANNEL", Number: 0},
		&ChannelClass{Name: "HIDDEN", Number: bytecode.HiddenChannel},
		rt,
	)
}

// Lookup resolves a shared class by name.
func (lib *Library) Lookup(name string) (Class, bool) {
	if lib == nil {
		return nil, false
	}
	c, ok := lib.classes[name]
	return c, ok
}

// channel reports whether n is a channel the library declares.
func (lib *Library) channel(n int) bool {
	if lib == nil {
		return false
	}
	for _, c := range lib.classes {
		if ch, ok := c.(*ChannelClass); ok && ch.Number == n {
			return true
		}
	}
	return false
}
