// Package pipeline ties the stages together: one Session per grammar under
// edit generates sources, compiles them incrementally, runs the parser in a
// disposable isolation scope and returns detached results.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"

	"github.com/chazu/gramlab/changes"
	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/compiler/gsrc"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/isolation"
	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/proxy"
	"github.com/chazu/gramlab/vfs"
)

var log = commonlog.GetLogger("gramlab.pipeline")

// ErrClosed is reported by a session used after Close.
var ErrClosed = errors.New("pipeline: session closed")

// Option configures a Session.
type Option func(*Session)

// WithImportDirs adds directories searched for imported grammars after the
// session's own Source location.
func WithImportDirs(dirs ...string) Option {
	return func(s *Session) { s.importDirs = append(s.importDirs, dirs...) }
}

// WithStart overrides the entry rule.
func WithStart(rule string) Option {
	return func(s *Session) { s.start = rule }
}

// WithIncremental selects incremental compilation. It is on by default.
func WithIncremental(on bool) Option {
	return func(s *Session) { s.incremental = on }
}

// WithMetrics records the session's activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLibrary sets the shared library scopes resolve against.
func WithLibrary(lib *isolation.Library) Option {
	return func(s *Session) { s.library = lib }
}

// WithToolchain replaces the gsrc toolchain.
func WithToolchain(tc compiler.Toolchain) Option {
	return func(s *Session) { s.toolchain = tc }
}

// WithMirror restores the session's files from m on creation and saves them
// after every compile.
func WithMirror(m *vfs.Mirror) Option {
	return func(s *Session) { s.mirror = m }
}

// generation is one compiled artifact set and the scope loaded from it.
type generation struct {
	fingerprint string
	grammar     string
	gen         *GenerationResult
	comp        *compiler.Result
	handle      isolation.Handle
	openErr     error
	ok          bool
}

// Session is the pipeline for one grammar. It owns its VFS, its scope
// registry and its caches; sessions share nothing mutable.
type Session struct {
	name        string
	importDirs  []string
	start       string
	incremental bool
	toolchain   compiler.Toolchain
	library     *isolation.Library
	metrics     *Metrics
	mirror      *vfs.Mirror

	fs       *vfs.FS
	driver   *compiler.Driver
	registry *isolation.Registry

	compiles singleflight.Group
	parses   singleflight.Group
	buildMu  sync.Mutex // serializes generation and compile

	// Guarded by buildMu. compiledHash is the GeneratedSource snapshot the
	// last finished compile saw; it is invalid after a cancelled compile.
	compiledHash  [32]byte
	compiledValid bool

	mu        sync.Mutex
	text      string
	current   *generation
	last      *Result
	lastFP    string
	lastInput string
	closed    bool
}

// NewSession creates a session for the grammar file name. The name is the
// grammar's path in the Source location and the source of its diagnostics.
func NewSession(name string, opts ...Option) *Session {
	s := &Session{
		name:        vfs.CleanPath(name),
		incremental: true,
		fs:          vfs.New(),
		registry:    isolation.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.toolchain == nil {
		s.toolchain = gsrc.New()
	}
	if s.library == nil {
		s.library = isolation.NewBaseLibrary(nil)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.driver = compiler.NewDriver(s.fs, s.toolchain, s.incremental)

	if s.mirror != nil {
		n, err := s.mirror.Load(context.Background(), s.name, s.fs)
		if err != nil {
			log.Errorf("restore %s from %s: %s", s.name, s.mirror.Path(), err.Error())
		} else if n > 0 {
			log.Infof("restored %d files for %s", n, s.name)
			if data, err := s.fs.Read(vfs.Source, s.name); err == nil {
				s.text = string(data)
			}
		}
	}
	return s
}

// Name returns the grammar file name.
func (s *Session) Name() string { return s.name }

// FS returns a read-only view of the session's files.
func (s *Session) FS() vfs.Reader { return s.fs }

// Registry returns the session's scope registry.
func (s *Session) Registry() *isolation.Registry { return s.registry }

// Grammar returns the current grammar text.
func (s *Session) Grammar() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

// SetGrammar replaces the grammar text. Nothing is compiled until the next
// Parse or Compile.
func (s *Session) SetGrammar(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	s.fs.WriteString(vfs.Source, s.name, text)
}

// SetImport stores an importable grammar in the session's Source location.
func (s *Session) SetImport(path, text string) {
	s.fs.WriteString(vfs.Source, path, text)
}

// Close disposes every scope. Later calls report ErrClosed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	n := s.registry.DisposeAll()
	s.metrics.liveScopes.Sub(float64(n))
	s.current = nil
	s.last = nil
}

// Compile generates and compiles the current grammar without parsing.
func (s *Session) Compile(ctx context.Context) *Result {
	unit, gen := s.load()
	if !gen.Success() {
		return &Result{Generation: gen}
	}
	g, compiled := s.ensure(ctx, unit, gen.Fingerprint)
	r := &Result{Generation: g.gen, Compile: g.comp, WasCompiled: compiled}
	if canceled(r) && ctx.Err() == nil {
		// Joined a build whose first caller gave up.
		g, compiled = s.ensure(ctx, unit, gen.Fingerprint)
		r = &Result{Generation: g.gen, Compile: g.comp, WasCompiled: compiled}
	}
	return r
}

// Parse runs input through the pipeline. Calling it again with the same
// input and an unchanged grammar returns the same *Result.
//
// Concurrent calls with the same input share one run under the first
// caller's context. A caller whose own context is still live retries once
// when that shared run was cancelled.
func (s *Session) Parse(ctx context.Context, input string) *Result {
	unit, gen := s.load()
	key := gen.Fingerprint + "\x00" + input
	do := func() *Result {
		v, _, _ := s.parses.Do(key, func() (interface{}, error) {
			return s.parse(ctx, unit, gen, input), nil
		})
		return v.(*Result)
	}
	r := do()
	if canceled(r) && ctx.Err() == nil {
		r = do()
	}
	return r
}

func (s *Session) parse(ctx context.Context, unit *grammar.Unit, gen *GenerationResult, input string) *Result {
	fp := gen.Fingerprint
	s.mu.Lock()
	if s.last != nil && s.lastFP == fp && s.lastInput == input {
		r := s.last
		s.mu.Unlock()
		s.metrics.hit("identity")
		return r
	}
	s.mu.Unlock()

	res := &Result{Generation: gen}
	if gen.Success() {
		g, compiled := s.ensure(ctx, unit, fp)
		res = &Result{Generation: g.gen, Compile: g.comp, WasCompiled: compiled}
		if g.gen.Success() && g.comp != nil && g.comp.Usable() {
			res.Parse = s.run(ctx, g, input)
			res.WasParsed = true
		}
	}
	s.metrics.observeParse(res)

	if cacheable(res) {
		s.mu.Lock()
		if !s.closed {
			s.last, s.lastFP, s.lastInput = res, fp, input
		}
		s.mu.Unlock()
	}
	return res
}

// cacheable reports whether res may answer a repeated call. Cancelled
// results may not.
func cacheable(res *Result) bool {
	if res.Generation.Err != nil {
		return false
	}
	return !canceled(res)
}

// canceled reports whether res was cut short by its context.
func canceled(res *Result) bool {
	if err := res.Generation.Err; err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return true
	}
	if res.Compile != nil && res.Compile.Outcome() == compiler.OutcomeUnknown {
		return true
	}
	return res.Parse != nil && res.Parse.Thrown != nil && res.Parse.Thrown.Kind == isolation.KindCanceled
}

// load parses the grammar and resolves its imports. The returned
// GenerationResult carries the fingerprint even when loading failed.
func (s *Session) load() (*grammar.Unit, *GenerationResult) {
	start := time.Now()
	s.mu.Lock()
	text, closed := s.text, s.closed
	s.mu.Unlock()

	if closed {
		return nil, &GenerationResult{Fingerprint: grammar.Fingerprint(text), Err: ErrClosed}
	}
	unit, errs := grammar.Load(s.name, text, grammar.SourceResolver{FS: s.fs, Dirs: s.importDirs})
	if len(errs) > 0 {
		return nil, &GenerationResult{
			Fingerprint: grammar.Fingerprint(text),
			Errors:      errs,
			Elapsed:     time.Since(start),
		}
	}
	return unit, &GenerationResult{
		Grammar:     unit.Merged.Name,
		Fingerprint: unit.Fingerprint(),
		Elapsed:     time.Since(start),
	}
}

// ensure returns the generation for fp, building it unless the current one
// already matches. Concurrent builds of one fingerprint are coalesced.
func (s *Session) ensure(ctx context.Context, unit *grammar.Unit, fp string) (*generation, bool) {
	if cur := s.currentFor(fp); cur != nil {
		s.metrics.hit("fingerprint")
		return cur, false
	}
	type built struct {
		g     *generation
		fresh bool
	}
	v, _, _ := s.compiles.Do(fp, func() (interface{}, error) {
		s.buildMu.Lock()
		defer s.buildMu.Unlock()
		// Another caller may have finished this build since the check above.
		if cur := s.currentFor(fp); cur != nil {
			return built{cur, false}, nil
		}
		return built{s.build(ctx, unit, fp), true}, nil
	})
	b := v.(built)
	return b.g, b.fresh
}

func (s *Session) currentFor(fp string) *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.fingerprint == fp {
		return s.current
	}
	return nil
}

// build generates and compiles fp and installs the result. The caller holds
// buildMu.
func (s *Session) build(ctx context.Context, unit *grammar.Unit, fp string) *generation {
	start := time.Now()
	g := &generation{fingerprint: fp, grammar: unit.Merged.Name}
	g.gen = &GenerationResult{Grammar: g.grammar, Fingerprint: fp}

	before, err := changes.Take(ctx, s.fs, []vfs.Location{vfs.GeneratedSource}, changes.All)
	if err != nil {
		g.gen.Err = err
		return g
	}
	out, errs := grammar.Generate(unit, grammar.Options{Start: s.start})
	if len(errs) > 0 {
		g.gen.Errors = errs
		g.gen.Elapsed = time.Since(start)
		s.install(g)
		return g
	}
	out.Sync(s.fs, vfs.GeneratedSource)
	for _, f := range out.Files {
		g.gen.Files = append(g.gen.Files, f.Path)
	}
	g.gen.Elapsed = time.Since(start)

	after, err := changes.Take(ctx, s.fs, []vfs.Location{vfs.GeneratedSource}, changes.All)
	if err != nil {
		g.gen.Err = err
		return g
	}
	diff := changes.Compare(before, after)
	s.keepUnchangedTimes(before, after, diff)

	// The shortcut needs proof that this exact source set was compiled: a
	// cancelled compile leaves new sources next to old classes.
	hash := after.Hash()
	if diff.IsEmpty() && s.compiledValid && s.compiledHash == hash && s.classesPresent(out) {
		b := compiler.NewBuilder()
		b.MarkPrecompiled()
		g.comp = b.Build()
		s.metrics.observeCompile(g.comp, true)
		log.Debugf("%s: generated sources unchanged, toolchain skipped", s.name)
	} else {
		g.comp = s.driver.Compile(ctx, vfs.GeneratedSource)
		s.metrics.observeCompile(g.comp, g.comp.Precompiled())
	}
	if g.comp.Outcome() == compiler.OutcomeUnknown {
		s.compiledValid = false
		return g
	}
	s.compiledHash, s.compiledValid = hash, g.comp.Success()

	s.install(g)
	if g.ok && s.mirror != nil {
		if _, err := s.mirror.Save(ctx, s.name, s.fs, vfs.Source, vfs.GeneratedSource, vfs.ClassOutput); err != nil {
			log.Errorf("save %s to %s: %s", s.name, s.mirror.Path(), err.Error())
		}
	}
	log.Infof("%s: built %.12s in %s (%s)", s.name, fp, time.Since(start), g.comp.Outcome())
	return g
}

// keepUnchangedTimes gives regenerated files whose content did not change
// their previous modification time back, so the incremental driver only
// sees real changes as stale.
func (s *Session) keepUnchangedTimes(before, after *changes.Snapshot, diff changes.Diff) {
	changed := make(map[vfs.Key]bool)
	for _, k := range diff.Changed() {
		changed[k] = true
	}
	for _, k := range after.Keys() {
		if changed[k] {
			continue
		}
		old, ok := before.ModTime(k)
		if !ok {
			continue
		}
		if data, err := s.fs.Read(k.Location, k.Path); err == nil {
			s.fs.Restore(k.Location, k.Path, data, old)
		}
	}
}

func (s *Session) classesPresent(out *grammar.Output) bool {
	for _, f := range out.Files {
		if !s.fs.Exists(vfs.ClassOutput, bytecode.ClassPath(f.Path)) {
			return false
		}
	}
	return true
}

// install makes g the current generation. The previous scope is disposed
// before a new one is opened.
func (s *Session) install(g *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old := s.current; old != nil && old.ok {
		if err := s.registry.Dispose(old.handle); err == nil {
			s.metrics.liveScopes.Dec()
		}
	}
	s.current = g
	if !g.gen.Success() || !g.comp.Usable() {
		return
	}
	h, err := s.registry.OpenLocation(s.fs, vfs.ClassOutput, g.grammar+"/", s.library)
	if err != nil {
		g.openErr = err
		log.Errorf("%s: open scope: %s", s.name, err.Error())
		return
	}
	s.metrics.liveScopes.Inc()
	g.handle = h
	g.ok = true
}

func (s *Session) run(ctx context.Context, g *generation, input string) *ParseResult {
	start := time.Now()
	pr := &ParseResult{}
	defer func() { pr.Elapsed = time.Since(start) }()

	if g.openErr != nil {
		pr.Thrown = &isolation.Thrown{Kind: isolation.KindError, Message: g.openErr.Error()}
		pr.Tree = proxy.Unparsed(input, g.fingerprint, pr.Thrown.Error())
		return pr
	}
	scope, err := s.registry.Get(g.handle)
	if err != nil {
		pr.Thrown = &isolation.Thrown{Kind: isolation.KindDisposed, Message: err.Error()}
		pr.Tree = proxy.Unparsed(input, g.fingerprint, pr.Thrown.Error())
		return pr
	}
	raw, thrown := isolation.Run(ctx, scope, isolation.EntryPoint{Grammar: g.grammar}, input)
	if thrown != nil {
		pr.Thrown = thrown
		pr.Tree = proxy.Unparsed(input, g.fingerprint, thrown.Error())
		return pr
	}
	pr.Tree = proxy.Detach(raw, input)
	return pr
}
