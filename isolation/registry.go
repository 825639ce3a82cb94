// Package isolation loads compiled class files into disposable scopes and
// runs parsers inside them. A scope is reachable only through its Registry;
// once disposed, nothing in the registry or the scope keeps its classes
// alive.
package isolation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/vfs"
)

var log = commonlog.GetLogger("gramlab.isolation")

// Handle identifies a scope within a Registry. Handles are never reused.
type Handle uint64

func (h Handle) String() string {
	return fmt.Sprintf("s-%d", uint64(h))
}

// Registry is an arena of scopes. Each pipeline session owns one.
type Registry struct {
	mu     sync.Mutex
	scopes map[Handle]*Scope
	nextID atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scopes: make(map[Handle]*Scope)}
}

// Open reads the class files at paths in loc and creates a scope over them.
// Nothing is defined until the scope resolves an entry point. Classes not in
// the artifact set resolve against shared.
func (r *Registry) Open(fs vfs.Reader, loc vfs.Location, paths []string, shared *Library) (Handle, error) {
	artifacts := make(map[string]*bytecode.ClassFile, len(paths))
	for _, p := range paths {
		data, err := fs.Read(loc, p)
		if err != nil {
			return 0, err
		}
		cf, err := bytecode.UnmarshalClass(data)
		if err != nil {
			return 0, fmt.Errorf("isolation: %s: %w", p, err)
		}
		name := cf.ClassName()
		if prev, ok := artifacts[name]; ok {
			return 0, fmt.Errorf("isolation: class %s defined by both %s and %s", name, prev.Source, cf.Source)
		}
		artifacts[name] = cf
	}

	h := Handle(r.nextID.Add(1))
	s := &Scope{handle: h, loader: newLoader(artifacts, shared)}

	r.mu.Lock()
	r.scopes[h] = s
	r.mu.Unlock()

	log.Debugf("opened %s with %d classes", h, len(artifacts))
	return h, nil
}

// OpenLocation opens a scope over every class file under prefix in loc.
func (r *Registry) OpenLocation(fs vfs.Reader, loc vfs.Location, prefix string, shared *Library) (Handle, error) {
	var paths []string
	for _, f := range fs.List(loc, prefix) {
		if isClassPath(f.Path) {
			paths = append(paths, f.Path)
		}
	}
	return r.Open(fs, loc, paths, shared)
}

// Get returns the live scope for h.
func (r *Registry) Get(h Handle) (*Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scopes[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return s, nil
}

// Dispose removes h from the registry and disposes its scope, waiting for
// in-flight parses to finish.
func (r *Registry) Dispose(h Handle) error {
	r.mu.Lock()
	s, ok := r.scopes[h]
	delete(r.scopes, h)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	s.Dispose()
	log.Debugf("disposed %s", h)
	return nil
}

// DisposeAll disposes every live scope and returns how many there were.
func (r *Registry) DisposeAll() int {
	r.mu.Lock()
	scopes := r.scopes
	r.scopes = make(map[Handle]*Scope)
	r.mu.Unlock()
	for _, s := range scopes {
		s.Dispose()
	}
	return len(scopes)
}

// Live returns the handles of the live scopes in creation order.
func (r *Registry) Live() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]Handle, 0, len(r.scopes))
	for h := range r.scopes {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

func isClassPath(p string) bool {
	return strings.HasSuffix(p, bytecode.ClassSuffix)
}
