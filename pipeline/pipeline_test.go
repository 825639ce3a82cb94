package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
	"weak"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/compiler/gsrc"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/isolation"
	"github.com/chazu/gramlab/pkg/bytecode"
	"github.com/chazu/gramlab/vfs"
)

const abGrammar = `grammar AB;
s : 'a' ID EOF ;
ID : [a-z]+ ;
WS : [ ]+ -> skip ;
`

func newSession(t *testing.T, text string, opts ...Option) *Session {
	t.Helper()
	s := NewSession("AB.g4", opts...)
	s.SetGrammar(text)
	t.Cleanup(s.Close)
	return s
}

func mustUsable(t *testing.T, r *Result) {
	t.Helper()
	if !r.Usable() {
		t.Fatalf("result not usable: stage %s: %v", r.Stage(), r.Rethrow())
	}
}

func TestParse_SameInputReturnsSameResult(t *testing.T) {
	s := newSession(t, abGrammar)
	ctx := context.Background()

	r1 := s.Parse(ctx, "a b")
	mustUsable(t, r1)
	if !r1.WasCompiled || !r1.WasParsed {
		t.Errorf("first call: compiled %v, parsed %v", r1.WasCompiled, r1.WasParsed)
	}
	if got := r1.Parse.Tree.String(); got != "(s a b <EOF>)" {
		t.Errorf("tree = %s", got)
	}

	r2 := s.Parse(ctx, "a b")
	if r2 != r1 {
		t.Error("repeated input did not return the same result")
	}

	r3 := s.Parse(ctx, "a c")
	mustUsable(t, r3)
	if r3 == r2 {
		t.Fatal("new input returned the previous result")
	}
	if r3.WasCompiled || !r3.WasParsed {
		t.Errorf("new input: compiled %v, parsed %v", r3.WasCompiled, r3.WasParsed)
	}
	if r3.Compile != r1.Compile {
		t.Error("unchanged grammar did not reuse the compile result")
	}

	// Only the immediately preceding call is remembered.
	if r4 := s.Parse(ctx, "a b"); r4 == r1 || r4.WasCompiled {
		t.Errorf("returning to old input: same %v, compiled %v", r4 == r1, r4.WasCompiled)
	}
}

func TestParse_SameGrammarTextSkipsCompile(t *testing.T) {
	s := newSession(t, abGrammar)
	ctx := context.Background()
	mustUsable(t, s.Parse(ctx, "a b"))

	s.SetGrammar(abGrammar)
	r := s.Parse(ctx, "a x")
	mustUsable(t, r)
	if r.WasCompiled {
		t.Error("identical grammar text was recompiled")
	}
	if n := len(s.Registry().Live()); n != 1 {
		t.Errorf("live scopes = %d, want 1", n)
	}
}

// currentScope returns a weak pointer to the session's only live scope.
func currentScope(t *testing.T, s *Session) (isolation.Handle, weak.Pointer[isolation.Scope]) {
	t.Helper()
	live := s.Registry().Live()
	if len(live) != 1 {
		t.Fatalf("live scopes = %v, want one", live)
	}
	sc, err := s.Registry().Get(live[0])
	if err != nil {
		t.Fatal(err)
	}
	return live[0], weak.Make(sc)
}

func TestParse_GrammarChangeDisposesOldScope(t *testing.T) {
	s := newSession(t, abGrammar)
	ctx := context.Background()
	r1 := s.Parse(ctx, "a b")
	mustUsable(t, r1)
	old, ws := currentScope(t, s)

	s.SetGrammar(strings.Replace(abGrammar, "'a' ID", "'a' ID ID?", 1))
	r2 := s.Parse(ctx, "a b c")
	mustUsable(t, r2)
	if !r2.WasCompiled {
		t.Error("changed grammar was not recompiled")
	}

	if _, err := s.Registry().Get(old); !errors.Is(err, isolation.ErrUnknownHandle) {
		t.Errorf("old scope still registered: %v", err)
	}
	if n := len(s.Registry().Live()); n != 1 {
		t.Errorf("live scopes = %d, want 1", n)
	}
	for i := 0; i < 5 && ws.Value() != nil; i++ {
		runtime.GC()
	}
	if ws.Value() != nil {
		t.Error("old scope still reachable after the grammar changed")
	}

	// Results from the old grammar stay readable.
	if got := r1.Parse.Tree.String(); got != "(s a b <EOF>)" {
		t.Errorf("old tree = %s", got)
	}
}

func TestParse_CommentEditRecompilesOnlyAdapter(t *testing.T) {
	s := newSession(t, abGrammar)
	ctx := context.Background()
	mustUsable(t, s.Parse(ctx, "a b"))

	s.SetGrammar(abGrammar + "// trailing note\n")
	r := s.Parse(ctx, "a b")
	mustUsable(t, r)
	if !r.WasCompiled {
		t.Fatal("edited grammar was not recompiled")
	}
	want := bytecode.ClassPath(grammar.AdapterPath("AB"))
	if out := r.Compile.OutputFiles(); len(out) != 1 || out[0].Path != want {
		t.Errorf("outputs = %v, want only %s", out, want)
	}
	if in := r.Compile.InputFiles(); len(in) != 1 || in[0].Path != grammar.AdapterPath("AB") {
		t.Errorf("inputs = %v", in)
	}
}

func TestParse_SyntaxErrorsArePartialSuccess(t *testing.T) {
	s := newSession(t, abGrammar)
	for _, input := range []string{"a", "b b", "a 1 b", "a b c"} {
		r := s.Parse(context.Background(), input)
		if r.Stage() != PartialSuccess {
			t.Errorf("%q: stage = %s, want %s", input, r.Stage(), PartialSuccess)
			continue
		}
		if err := r.Rethrow(); err != nil {
			t.Errorf("%q: Rethrow = %v", input, err)
		}
		errs := r.Parse.Tree.SyntaxErrors()
		if len(errs) == 0 {
			t.Errorf("%q: no syntax errors", input)
		}
		for _, e := range errs {
			if e.Offset < 0 || e.Offset >= len(input) {
				t.Errorf("%q: offset %d outside [0, %d)", input, e.Offset, len(input))
			}
		}
	}
}

func TestResult_Stages(t *testing.T) {
	tests := []struct {
		name    string
		grammar string
		stage   Stage
		errText string
	}{
		{"success", abGrammar, Success, ""},
		{"unparsable grammar", "grammar AB; s : 'a' ", GenerationFailure, ""},
		{"undefined token", "grammar AB;\ns : 'a' NOPE ;\n", GenerationFailure, "NOPE"},
		{"left recursion", "grammar AB;\ns : s 'a' | 'b' ;\n", CompileFailure, "left-recursive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, tt.grammar)
			r := s.Parse(context.Background(), "a b")
			if r.Stage() != tt.stage {
				t.Fatalf("stage = %s, want %s: %v", r.Stage(), tt.stage, r.Rethrow())
			}
			err := r.Rethrow()
			if tt.stage == Success {
				if err != nil {
					t.Errorf("Rethrow = %v", err)
				}
				return
			}
			var se *StageError
			if !errors.As(err, &se) || se.Stage != tt.stage {
				t.Fatalf("Rethrow = %v", err)
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Rethrow = %q, want it to mention %q", err, tt.errText)
			}
			if r.WasParsed || r.Parse != nil {
				t.Error("parser ran after a failed stage")
			}
		})
	}
}

func TestParse_FailedCompileIsReused(t *testing.T) {
	s := newSession(t, "grammar AB;\ns : s 'a' | 'b' ;\n")
	r1 := s.Parse(context.Background(), "b")
	r2 := s.Parse(context.Background(), "b a")
	if r1.Stage() != CompileFailure || r2.Stage() != CompileFailure {
		t.Fatalf("stages = %s, %s", r1.Stage(), r2.Stage())
	}
	if !r1.WasCompiled || r2.WasCompiled {
		t.Errorf("compiled = %v, %v, want true, false", r1.WasCompiled, r2.WasCompiled)
	}
	if n := len(s.Registry().Live()); n != 0 {
		t.Errorf("live scopes = %d after a failed compile", n)
	}
}

func TestParse_Imports(t *testing.T) {
	s := NewSession("Main.g4")
	defer s.Close()
	s.SetImport("Words.g4", "lexer grammar Words;\nID : [a-z]+ ;\nWS : [ ]+ -> skip ;\n")
	s.SetGrammar("grammar Main;\nimport Words;\nlist : ID+ EOF ;\n")

	r := s.Parse(context.Background(), "one two three")
	mustUsable(t, r)
	if r.Generation.Grammar != "Main" || len(r.Parse.Tree.Tokens()) != 4 {
		t.Errorf("grammar %s, tokens %d", r.Generation.Grammar, len(r.Parse.Tree.Tokens()))
	}

	// Editing the import changes the fingerprint.
	s.SetImport("Words.g4", "lexer grammar Words;\nID : [a-z0-9]+ ;\nWS : [ ]+ -> skip ;\n")
	r = s.Parse(context.Background(), "one 2")
	mustUsable(t, r)
	if !r.WasCompiled {
		t.Error("edited import did not trigger a compile")
	}
}

func TestCompile_WithoutParsing(t *testing.T) {
	s := newSession(t, abGrammar)
	r := s.Compile(context.Background())
	mustUsable(t, r)
	if r.WasParsed || !r.WasCompiled {
		t.Errorf("compiled %v, parsed %v", r.WasCompiled, r.WasParsed)
	}
	if r2 := s.Parse(context.Background(), "a b"); r2.WasCompiled {
		t.Error("parse after Compile compiled again")
	}
}

func TestParse_Canceled(t *testing.T) {
	s := newSession(t, abGrammar)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := s.Parse(ctx, "a b")
	if r.Usable() {
		t.Fatal("cancelled call produced a usable result")
	}
	r2 := s.Parse(context.Background(), "a b")
	if r2 == r {
		t.Fatal("cancelled result was cached")
	}
	mustUsable(t, r2)
}

// cancelOnCall cancels its context on the nth toolchain run and delegates
// every other run to gsrc.
type cancelOnCall struct {
	n      int
	calls  int
	cancel context.CancelFunc
}

func (c *cancelOnCall) Compile(ctx context.Context, task *compiler.Task) (bool, error) {
	c.calls++
	if c.calls == c.n {
		c.cancel()
		return false, ctx.Err()
	}
	return gsrc.New().Compile(ctx, task)
}

func TestParse_CanceledCompileIsRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tc := &cancelOnCall{n: 2, cancel: cancel}
	s := newSession(t, abGrammar, WithToolchain(tc))
	mustUsable(t, s.Parse(context.Background(), "a b"))

	s.SetGrammar("grammar AB;\ns : 'c' ID EOF ;\nID : [a-z]+ ;\nWS : [ ]+ -> skip ;\n")
	if r := s.Parse(ctx, "c b"); r.Usable() {
		t.Fatal("cancelled compile produced a usable result")
	}

	// The new sources are already in place, but nothing compiled them.
	r := s.Parse(context.Background(), "c b")
	mustUsable(t, r)
	if r.Compile.Precompiled() || !r.WasCompiled {
		t.Errorf("precompiled %v, compiled %v: old classes were reused", r.Compile.Precompiled(), r.WasCompiled)
	}
	if tc.calls != 3 {
		t.Errorf("toolchain ran %d times, want 3", tc.calls)
	}
	if got := r.Parse.Tree.String(); got != "(s c b <EOF>)" {
		t.Errorf("tree = %q", got)
	}
	if errs := r.Parse.Tree.SyntaxErrors(); len(errs) != 0 {
		t.Errorf("syntax errors = %v", errs)
	}
}

// blockingToolchain holds its first run until release is closed.
type blockingToolchain struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingToolchain) Compile(ctx context.Context, task *compiler.Task) (bool, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return gsrc.New().Compile(ctx, task)
}

func TestParse_JoinedCallerOutlivesCanceledLeader(t *testing.T) {
	tc := &blockingToolchain{entered: make(chan struct{}), release: make(chan struct{})}
	s := newSession(t, abGrammar, WithToolchain(tc))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	var ra, rb *Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ra = s.Parse(ctxA, "a b")
	}()
	<-tc.entered
	go func() {
		defer wg.Done()
		rb = s.Parse(context.Background(), "a b")
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()
	close(tc.release)
	wg.Wait()

	if ra.Usable() {
		t.Error("cancelled caller got a usable result")
	}
	mustUsable(t, rb)
	if got := rb.Parse.Tree.String(); got != "(s a b <EOF>)" {
		t.Errorf("tree = %q", got)
	}
}

func TestCompile_JoinedCallerOutlivesCanceledLeader(t *testing.T) {
	tc := &blockingToolchain{entered: make(chan struct{}), release: make(chan struct{})}
	s := newSession(t, abGrammar, WithToolchain(tc))

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	var ra, rb *Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ra = s.Compile(ctxA)
	}()
	<-tc.entered
	go func() {
		defer wg.Done()
		rb = s.Compile(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()
	close(tc.release)
	wg.Wait()

	if ra.Usable() {
		t.Error("cancelled caller got a usable result")
	}
	mustUsable(t, rb)
}

func TestSession_Close(t *testing.T) {
	s := NewSession("AB.g4")
	s.SetGrammar(abGrammar)
	mustUsable(t, s.Parse(context.Background(), "a b"))

	s.Close()
	s.Close()
	if n := len(s.Registry().Live()); n != 0 {
		t.Errorf("live scopes after Close = %d", n)
	}
	r := s.Parse(context.Background(), "a b")
	if !errors.Is(r.Rethrow(), ErrClosed) {
		t.Errorf("Rethrow after Close = %v", r.Rethrow())
	}
}

func TestParse_Concurrent(t *testing.T) {
	s := newSession(t, abGrammar)

	const n = 16
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Parse(context.Background(), fmt.Sprintf("a %s", strings.Repeat("z", i%4+1)))
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.Usable() {
			t.Errorf("result %d: %s: %v", i, r.Stage(), r.Rethrow())
			continue
		}
		if r.Compile != results[0].Compile {
			t.Errorf("result %d used a different compile", i)
		}
	}
	if n := len(s.Registry().Live()); n != 1 {
		t.Errorf("live scopes = %d, want 1", n)
	}
}

func TestSession_MirrorSkipsToolchain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	m, err := vfs.OpenMirror(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSession("AB.g4", WithMirror(m))
	s.SetGrammar(abGrammar)
	mustUsable(t, s.Parse(context.Background(), "a b"))
	s.Close()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	m, err = vfs.OpenMirror(path)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	s = NewSession("AB.g4", WithMirror(m))
	defer s.Close()
	if s.Grammar() != abGrammar {
		t.Fatalf("restored grammar = %q", s.Grammar())
	}
	r := s.Parse(context.Background(), "a b")
	mustUsable(t, r)
	if !r.Compile.Precompiled() {
		t.Error("restored session ran the toolchain")
	}
	if !s.FS().Exists(vfs.ClassOutput, bytecode.ClassPath(grammar.LexerPath("AB"))) {
		t.Error("lexer class not restored")
	}
}

func TestSession_MirrorSharedBetweenGrammars(t *testing.T) {
	m, err := vfs.OpenMirror(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	cd := "grammar CD;\ns : 'c' ID EOF ;\nID : [a-z]+ ;\nWS : [ ]+ -> skip ;\n"
	ab := NewSession("AB.g4", WithMirror(m))
	ab.SetGrammar(abGrammar)
	mustUsable(t, ab.Parse(context.Background(), "a b"))
	ab.Close()
	other := NewSession("CD.g4", WithMirror(m))
	other.SetGrammar(cd)
	mustUsable(t, other.Parse(context.Background(), "c d"))
	other.Close()

	s := NewSession("CD.g4", WithMirror(m))
	defer s.Close()
	if s.Grammar() != cd {
		t.Fatalf("restored grammar = %q", s.Grammar())
	}
	if s.FS().Exists(vfs.Source, "AB.g4") || s.FS().Exists(vfs.ClassOutput, bytecode.ClassPath(grammar.LexerPath("AB"))) {
		t.Error("another grammar's files were restored")
	}
	r := s.Parse(context.Background(), "c d")
	mustUsable(t, r)
	if !r.Compile.Precompiled() {
		t.Error("restored session ran the toolchain")
	}
}

// counter returns the value of the counter name with the given label value.
func counter(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	s := newSession(t, abGrammar, WithMetrics(metrics))
	ctx := context.Background()

	s.Parse(ctx, "a b")
	s.Parse(ctx, "a b")
	s.Parse(ctx, "a")

	if got := counter(t, reg, "gramlab_compiles_total", "succeeded"); got != 1 {
		t.Errorf("succeeded compiles = %v, want 1", got)
	}
	if got := counter(t, reg, "gramlab_cache_hits_total", "identity"); got != 1 {
		t.Errorf("identity hits = %v, want 1", got)
	}
	if got := counter(t, reg, "gramlab_cache_hits_total", "fingerprint"); got != 1 {
		t.Errorf("fingerprint hits = %v, want 1", got)
	}
	if got := counter(t, reg, "gramlab_parses_total", "partial success"); got != 1 {
		t.Errorf("partial parses = %v, want 1", got)
	}
}
