package isolation

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"weak"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/compiler/gsrc"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/vfs"
)

const exprGrammar = `grammar Expr;
prog : stat+ EOF ;
stat : expr ';' | ID '=' expr ';' ;
expr : term (('+' | '-') term)* ;
term : INT | ID | '(' expr ')' ;
ID  : [a-zA-Z_] [a-zA-Z_0-9]* ;
INT : [0-9]+ ;
WS  : [ \t\r\n]+ -> skip ;
`

// buildFS generates and compiles text into a fresh FS.
func buildFS(t *testing.T, text string) *vfs.FS {
	t.Helper()
	u, errs := grammar.Load("", text, nil)
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	out, errs := grammar.Generate(u, grammar.Options{})
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	fs := vfs.New()
	out.Sync(fs, vfs.GeneratedSource)
	r := compiler.NewDriver(fs, gsrc.New(), false).Compile(context.Background(), vfs.GeneratedSource)
	if !r.Success() {
		t.Fatalf("compile: %v", r.Diagnostics())
	}
	return fs
}

func openScope(t *testing.T, fs *vfs.FS, name string, lib *Library) (*Registry, *Scope) {
	t.Helper()
	reg := NewRegistry()
	h, err := reg.OpenLocation(fs, vfs.ClassOutput, name+"/", lib)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := reg.Get(h)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return reg, s
}

func mustRun(t *testing.T, s *Scope, entry EntryPoint, input string) *RawTree {
	t.Helper()
	tree, thrown := Run(context.Background(), s, entry, input)
	if thrown != nil {
		t.Fatalf("Run(%q) threw %v", input, thrown)
	}
	return tree
}

func TestRun_Expr(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x = 1 + 2;\ny;")

	if len(tree.Errors) != 0 {
		t.Fatalf("errors = %+v", tree.Errors)
	}
	if len(tree.Tokens) != 9 {
		t.Fatalf("tokens = %d, want 9", len(tree.Tokens))
	}
	root := tree.Root
	if root.Rule.Name() != "prog" || root.Rule.Index() != 0 {
		t.Errorf("root rule = %s/%d", root.Rule.Name(), root.Rule.Index())
	}
	if len(root.Children) != 3 {
		t.Fatalf("root children = %d, want 3", len(root.Children))
	}
	first := root.Children[0].Node
	if first == nil || first.Rule.Name() != "stat" || first.Start != 0 || first.Stop != 5 {
		t.Errorf("first stat = %+v", first)
	}
	if len(first.Children) != 4 {
		t.Errorf("assignment children = %d, want 4", len(first.Children))
	}
	second := root.Children[1].Node
	if second == nil || second.Start != 6 || second.Stop != 7 {
		t.Errorf("second stat = %+v", second)
	}
	eof := root.Children[2]
	if eof.Node != nil || tree.Tokens[eof.Token].Type() != EOFType {
		t.Errorf("last child = %+v", eof)
	}

	y := tree.Tokens[6]
	if y.Text != "y" || y.Line != 2 || y.Column != 0 || y.Start != 11 || y.Stop != 11 {
		t.Errorf("token y = %+v", y)
	}
	if tree.GrammarHash() == "" {
		t.Error("grammar hash missing")
	}
	if names := tree.TokenNames(); names[7] != "ID" || names[8] != "INT" {
		t.Errorf("token names = %v", names)
	}
}

func TestRun_EntryOverride(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "Expr", Rule: "expr"}, "1 + 2")
	if tree.Root.Rule.Name() != "expr" || tree.Root.Stop != 2 {
		t.Errorf("root = %s %d..%d", tree.Root.Rule.Name(), tree.Root.Start, tree.Root.Stop)
	}

	_, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr", Rule: "nope"}, "1")
	if thrown == nil || thrown.Kind != KindClassNotFound {
		t.Errorf("unknown rule threw %v", thrown)
	}
}

func TestRun_SyntaxErrorRecovery(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))

	tree := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x = = 1;")
	if len(tree.Errors) != 1 {
		t.Fatalf("errors = %+v", tree.Errors)
	}
	e := tree.Errors[0]
	if e.Offset != 4 || e.Length != 1 || e.Token != 2 || e.Line != 1 || e.Column != 4 {
		t.Errorf("error = %+v", e)
	}
	if want := "mismatched input '=' expecting {'(', ID, INT}"; e.Message != want {
		t.Errorf("message = %q, want %q", e.Message, want)
	}
	if tree.Root.Rule.Name() != "prog" || tree.Root.Children[0].Node == nil {
		t.Errorf("recovered tree root = %+v", tree.Root)
	}
}

func TestRun_UnrecoverableSyntaxError(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))

	tree := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x = ;")
	if len(tree.Errors) != 2 {
		t.Fatalf("errors = %+v", tree.Errors)
	}
	if tree.Errors[0].Offset != 4 || !strings.HasPrefix(tree.Errors[0].Message, "mismatched input ';'") {
		t.Errorf("first error = %+v", tree.Errors[0])
	}
	if !strings.HasPrefix(tree.Errors[1].Message, "mismatched input '<EOF>'") {
		t.Errorf("second error = %+v", tree.Errors[1])
	}
	if len(tree.Root.Children) != len(tree.Tokens) {
		t.Fatalf("error root children = %d, want %d", len(tree.Root.Children), len(tree.Tokens))
	}
	for _, c := range tree.Root.Children {
		if !c.Error || c.Node != nil {
			t.Errorf("child = %+v, want error token", c)
		}
	}
}

func TestRun_LexerError(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x = 1 $;")
	if len(tree.Errors) != 1 {
		t.Fatalf("errors = %+v", tree.Errors)
	}
	e := tree.Errors[0]
	if e.Offset != -1 || e.Line != 1 || e.Column != 6 || e.Token != -1 {
		t.Errorf("lexer error = %+v", e)
	}
	if e.Message != "token recognition error at: '$'" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestLexer_LongestMatchAndTies(t *testing.T) {
	fs := buildFS(t, `grammar K;
s : ('if' | ID)+ EOF ;
ID : [a-z]+ ;
WS : ' '+ -> skip ;
`)
	_, s := openScope(t, fs, "K", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "K"}, "if iffy")
	names := tree.TokenNames()
	var got []string
	for _, tok := range tree.Tokens {
		if tok.Type() == EOFType {
			got = append(got, "EOF")
			continue
		}
		got = append(got, names[tok.Type()])
	}
	if strings.Join(got, " ") != "T__0 ID EOF" {
		t.Errorf("token types = %v", got)
	}
}

func TestLexer_LongestAlternative(t *testing.T) {
	fs := buildFS(t, `grammar Op;
s : OP+ EOF ;
OP : '=' | '==' ;
`)
	_, s := openScope(t, fs, "Op", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "Op"}, "==")
	if len(tree.Tokens) != 2 {
		t.Fatalf("tokens = %d, want OP and EOF", len(tree.Tokens))
	}
	if tok := tree.Tokens[0]; tok.Text != "==" {
		t.Errorf("first token = %q, want %q", tok.Text, "==")
	}
	if len(tree.Errors) != 0 {
		t.Errorf("errors = %v", tree.Errors)
	}
}

func TestLexer_HiddenChannel(t *testing.T) {
	fs := buildFS(t, `grammar H;
s : ID+ EOF ;
ID : [a-z]+ ;
COMMENT : '#' ~[\n]* -> channel(HIDDEN) ;
WS : [ \n]+ -> skip ;
`)
	_, s := openScope(t, fs, "H", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "H"}, "a #c\nb")
	if len(tree.Tokens) != 4 {
		t.Fatalf("tokens = %d, want 4", len(tree.Tokens))
	}
	if c := tree.Tokens[1]; c.Text != "#c" || c.Channel != 1 {
		t.Errorf("comment token = %+v", c)
	}
	var idx []int
	for _, c := range tree.Root.Children {
		idx = append(idx, c.Token)
	}
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 2 || idx[2] != 3 {
		t.Errorf("root token children = %v, want [0 2 3]", idx)
	}
}

func TestRun_StackOverflow(t *testing.T) {
	lib := NewBaseLibrary(&RuntimeClass{MaxDepth: 10, MaxRecoveries: 1, CheckEvery: 64})
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", lib)
	_, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "((((((((1))))))));")
	if thrown == nil || thrown.Kind != KindStackOverflow {
		t.Fatalf("thrown = %v, want %s", thrown, KindStackOverflow)
	}
}

func TestRun_Canceled(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, thrown := Run(ctx, s, EntryPoint{Grammar: "Expr"}, "x;")
	if thrown == nil || thrown.Kind != KindCanceled {
		t.Fatalf("thrown = %v, want %s", thrown, KindCanceled)
	}
}

func TestRun_PanicBecomesThrown(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x;")

	c, err := s.loader.Load("term")
	if err != nil {
		t.Fatal(err)
	}
	c.(*RuleClass).chunk.Code[0] = 0x7F

	tree, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "x;")
	if tree != nil || thrown == nil || thrown.Kind != KindPanic {
		t.Fatalf("tree = %v, thrown = %v", tree, thrown)
	}
	if !strings.Contains(thrown.Message, "unknown opcode") || thrown.Stack == "" {
		t.Errorf("thrown = %+v", thrown)
	}
}

func TestLoader_ClassNotFound(t *testing.T) {
	fs := buildFS(t, exprGrammar)

	t.Run("missing artifact", func(t *testing.T) {
		reg := NewRegistry()
		var paths []string
		for _, f := range fs.List(vfs.ClassOutput, "Expr/") {
			if !strings.HasSuffix(f.Path, "/term.gclass") {
				paths = append(paths, f.Path)
			}
		}
		h, err := reg.Open(fs, vfs.ClassOutput, paths, NewBaseLibrary(nil))
		if err != nil {
			t.Fatal(err)
		}
		s, _ := reg.Get(h)
		_, err = s.Resolve(EntryPoint{Grammar: "Expr"})
		var cnf *ClassNotFoundError
		if !errors.As(err, &cnf) || cnf.Name != "term" {
			t.Errorf("Resolve err = %v, want term not found", err)
		}
	})

	t.Run("no shared library", func(t *testing.T) {
		_, s := openScope(t, fs, "Expr", nil)
		_, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "x;")
		if thrown == nil || thrown.Kind != KindClassNotFound || !strings.Contains(thrown.Message, "EOF") {
			t.Errorf("thrown = %v", thrown)
		}
	})

	t.Run("other grammar", func(t *testing.T) {
		_, s := openScope(t, fs, "Expr", NewBaseLibrary(nil))
		_, err := s.Resolve(EntryPoint{Grammar: "Other"})
		var cnf *ClassNotFoundError
		if !errors.As(err, &cnf) || cnf.Name != "OtherAdapter" {
			t.Errorf("Resolve err = %v", err)
		}
	})
}

func TestLoader_ResolvesSameInstance(t *testing.T) {
	_, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	a := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x;")
	b := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "y;")
	if a.Adapter != b.Adapter || a.Lexer != b.Lexer {
		t.Error("two runs in one scope loaded different classes")
	}

	_, other := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	c := mustRun(t, other, EntryPoint{Grammar: "Expr"}, "x;")
	if c.Adapter == a.Adapter {
		t.Error("two scopes share a loaded adapter")
	}
}

func TestRegistry_Dispose(t *testing.T) {
	reg, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))
	h := s.Handle()
	if live := reg.Live(); len(live) != 1 || live[0] != h {
		t.Fatalf("Live = %v", live)
	}
	p, err := s.Resolve(EntryPoint{Grammar: "Expr"})
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Dispose(h); err != nil {
		t.Fatal(err)
	}
	if !s.Disposed() || len(reg.Live()) != 0 {
		t.Error("scope still live after Dispose")
	}
	if _, err := reg.Get(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Get after Dispose = %v", err)
	}
	if err := reg.Dispose(h); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("second Dispose = %v", err)
	}
	if _, err := p.Parse(context.Background(), "x;"); !errors.Is(err, ErrDisposed) {
		t.Errorf("Parse after Dispose = %v", err)
	}
	_, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "x;")
	if thrown == nil || thrown.Kind != KindDisposed {
		t.Errorf("Run after Dispose threw %v", thrown)
	}
}

func TestRegistry_DisposeAll(t *testing.T) {
	fs := buildFS(t, exprGrammar)
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		if _, err := reg.OpenLocation(fs, vfs.ClassOutput, "Expr/", nil); err != nil {
			t.Fatal(err)
		}
	}
	live := reg.Live()
	if len(live) != 3 || live[0] >= live[1] || live[1] >= live[2] {
		t.Fatalf("Live = %v", live)
	}
	if n := reg.DisposeAll(); n != 3 {
		t.Errorf("DisposeAll = %d, want 3", n)
	}
	if len(reg.Live()) != 0 {
		t.Error("scopes left after DisposeAll")
	}
}

// runAndForget runs a parse in a fresh scope, disposes the scope and
// returns weak pointers to what the run loaded.
func runAndForget(t *testing.T, fs *vfs.FS) (weak.Pointer[AdapterClass], weak.Pointer[Scope]) {
	t.Helper()
	reg, s := openScope(t, fs, "Expr", NewBaseLibrary(nil))
	tree := mustRun(t, s, EntryPoint{Grammar: "Expr"}, "x = 1;")
	wa := weak.Make(tree.Adapter)
	ws := weak.Make(s)
	if err := reg.Dispose(s.Handle()); err != nil {
		t.Fatal(err)
	}
	return wa, ws
}

func TestDispose_ClassesUnreachable(t *testing.T) {
	wa, ws := runAndForget(t, buildFS(t, exprGrammar))
	for i := 0; i < 5 && (wa.Value() != nil || ws.Value() != nil); i++ {
		runtime.GC()
	}
	if wa.Value() != nil {
		t.Error("adapter class still reachable after Dispose")
	}
	if ws.Value() != nil {
		t.Error("scope still reachable after Dispose")
	}
}

func TestRun_Concurrent(t *testing.T) {
	reg, s := openScope(t, buildFS(t, exprGrammar), "Expr", NewBaseLibrary(nil))

	var wg sync.WaitGroup
	errs := make(chan string, 32)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "a = (1 + b) - 2;\nc;")
			if thrown != nil {
				errs <- thrown.Error()
				return
			}
			if len(tree.Tokens) != 13 || len(tree.Errors) != 0 {
				errs <- "unexpected parse result"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	// Runs racing a Dispose either finish or see the scope disposed.
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, thrown := Run(context.Background(), s, EntryPoint{Grammar: "Expr"}, "x;")
			if thrown != nil && thrown.Kind != KindDisposed {
				t.Errorf("thrown = %v", thrown)
			}
		}()
	}
	close(start)
	if err := reg.Dispose(s.Handle()); err != nil {
		t.Error(err)
	}
	wg.Wait()
}
