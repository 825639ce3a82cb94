package proxy

import (
	"context"
	"reflect"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/chazu/gramlab/compiler"
	"github.com/chazu/gramlab/compiler/gsrc"
	"github.com/chazu/gramlab/grammar"
	"github.com/chazu/gramlab/isolation"
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

// parse compiles the Expr grammar, parses input in a fresh scope, detaches
// the result and disposes the scope.
func parse(t *testing.T, input string) *ParseTree {
	t.Helper()
	u, errs := grammar.Load("", exprGrammar, nil)
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	out, errs := grammar.Generate(u, grammar.Options{})
	if len(errs) > 0 {
		t.Fatal(errs)
	}
	fs := vfs.New()
	out.Sync(fs, vfs.GeneratedSource)
	if r := compiler.NewDriver(fs, gsrc.New(), false).Compile(context.Background(), vfs.GeneratedSource); !r.Success() {
		t.Fatalf("compile: %v", r.Diagnostics())
	}

	reg := isolation.NewRegistry()
	h, err := reg.OpenLocation(fs, vfs.ClassOutput, "Expr/", isolation.NewBaseLibrary(nil))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Dispose(h)
	s, _ := reg.Get(h)
	raw, thrown := isolation.Run(context.Background(), s, isolation.EntryPoint{Grammar: "Expr"}, input)
	if thrown != nil {
		t.Fatalf("Run: %v", thrown)
	}
	return Detach(raw, input)
}

func TestDetach_Expr(t *testing.T) {
	tree := parse(t, "x = 1 + 2;\ny;")

	want := "(prog (stat x = (expr (term 1) + (term 2)) ;) (stat (expr (term y)) ;) <EOF>)"
	if got := tree.String(); got != want {
		t.Errorf("String() =\n%s\nwant\n%s", got, want)
	}
	if len(tree.Nodes()) != 8 {
		t.Fatalf("nodes = %d, want 8", len(tree.Nodes()))
	}
	names := make([]string, 0, 8)
	for _, n := range tree.Nodes() {
		names = append(names, n.RuleName)
	}
	if got := strings.Join(names, " "); got != "prog stat expr term term stat expr term" {
		t.Errorf("pre-order = %s", got)
	}
	if root := tree.Root(); root.RuleIndex != 0 || root.StartToken != 0 || root.StopToken != 8 {
		t.Errorf("root = %+v", root)
	}
	if got := tree.NodeText(tree.Node(2)); got != "1 + 2" {
		t.Errorf("NodeText(expr) = %q", got)
	}
	if tree.Node(3).RuleIndex != 3 {
		t.Errorf("term index = %d", tree.Node(3).RuleIndex)
	}
	last := tree.Tokens()[len(tree.Tokens())-1]
	if last.Type != EOFType || last.TypeName != "EOF" || last.Start != len(tree.Text()) {
		t.Errorf("EOF token = %+v", last)
	}
	if tree.HasErrors() || tree.IsUnparsed() {
		t.Error("clean parse reported errors or unparsed")
	}
}

// isolationTypes walks the type graph of v and returns every type that
// belongs to the isolation package.
func isolationTypes(v interface{}) []string {
	pkg := reflect.TypeOf(isolation.RawTree{}).PkgPath()
	seen := make(map[reflect.Type]bool)
	var found []string
	stack := []reflect.Type{reflect.TypeOf(v)}
	for len(stack) > 0 {
		typ := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[typ] {
			continue
		}
		seen[typ] = true
		if typ.PkgPath() == pkg {
			found = append(found, typ.String())
		}
		switch typ.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array, reflect.Chan:
			stack = append(stack, typ.Elem())
		case reflect.Map:
			stack = append(stack, typ.Key(), typ.Elem())
		case reflect.Struct:
			for i := 0; i < typ.NumField(); i++ {
				stack = append(stack, typ.Field(i).Type)
			}
		case reflect.Interface:
			found = append(found, "interface "+typ.String())
		}
	}
	return found
}

func TestParseTree_HoldsNoIsolationTypes(t *testing.T) {
	if found := isolationTypes(&ParseTree{}); len(found) > 0 {
		t.Errorf("ParseTree reaches %v", found)
	}
	if found := isolationTypes(Identity{}); len(found) > 0 {
		t.Errorf("Identity reaches %v", found)
	}
}

func TestParseTree_LazyOffsets(t *testing.T) {
	tree := parse(t, "x = 1 $;")
	if len(tree.errors) != 1 || tree.errors[0].HasOffset() {
		t.Fatalf("raw errors = %+v", tree.errors)
	}
	if tree.located != nil {
		t.Fatal("offsets resolved before SyntaxErrors was called")
	}
	errs := tree.SyntaxErrors()
	if len(errs) != 1 || errs[0].Offset != 6 || errs[0].Length != 2 {
		t.Errorf("SyntaxErrors = %+v", errs)
	}
	if tree.errors[0].HasOffset() {
		t.Error("resolving mutated the stored errors")
	}
}

func TestParseTree_OffsetsInRange(t *testing.T) {
	for _, input := range []string{"x = ;", "x = = 1;", "$", "x\n=\n"} {
		tree := parse(t, input)
		errs := tree.SyntaxErrors()
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

func TestLocator(t *testing.T) {
	text := "ab\n  héllo wörld\nlast"
	l := NewLocator()

	tests := []struct {
		line, col   int
		offset, len int
	}{
		{1, 0, 0, 2},
		{2, 4, 8, 3},  // "llo", after a two-byte rune
		{2, 8, 12, 6}, // "wörld"
		{2, 40, 18, 0},
		{3, 1, 20, 3},
		{9, 0, 19, 4},
	}
	for _, tt := range tests {
		off, n := l.Locate("f", text, tt.line, tt.col)
		if off != tt.offset || n != tt.len {
			t.Errorf("Locate(%d, %d) = %d, %d, want %d, %d", tt.line, tt.col, off, n, tt.offset, tt.len)
		}
	}
	l.Locate("g", "other", 1, 0)
	if l.Files() != 2 {
		t.Errorf("Files = %d, want 2", l.Files())
	}

	errs := l.Resolve("f", text, []SyntaxError{{Offset: 99}, {Line: 2, Column: 2, Offset: -1}})
	if errs[0].Offset != len(text)-1 || errs[1].Offset != 5 || errs[1].Length != 6 {
		t.Errorf("Resolve = %+v", errs)
	}
}

func TestUnparsed(t *testing.T) {
	u := Unparsed("a b", "h1", "Panic: boom")
	if !u.IsUnparsed() || u.Root() != nil || u.Text() != "a b" || u.Failure() != "Panic: boom" {
		t.Errorf("unparsed = %+v", u)
	}
	if u.String() != `<unparsed: "a b">` {
		t.Errorf("String = %q", u.String())
	}
	if id := u.Identity(); id.SourceText != "a b" || id.GrammarHash != "h1" {
		t.Errorf("Identity = %+v", id)
	}
	if !u.Equivalent(Unparsed("a b", "h1", "other")) {
		t.Error("same text not equivalent")
	}
	if u.Equivalent(Unparsed("a c", "h1", "")) {
		t.Error("different text equivalent")
	}
	if u.Equivalent(nil) {
		t.Error("equivalent to nil")
	}
}

func TestIdentity(t *testing.T) {
	a := parse(t, "x = 1;")
	b := parse(t, "x=1;")
	c := parse(t, "x = 2;")

	if !a.Equivalent(b) {
		t.Errorf("whitespace changed identity: %+v vs %+v", a.Identity(), b.Identity())
	}
	if a.Equivalent(c) {
		t.Error("different tokens share identity")
	}
	id := a.Identity()
	if id.SourceText != "" || id.TokenNamesChecksum == 0 || len(id.TokenSequenceHash) != 32 {
		t.Errorf("Identity = %+v", id)
	}
}

func TestParseTree_JSON(t *testing.T) {
	tree := parse(t, "x = 1 $;")
	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"ruleName":"prog"`, `"typeName":"ID"`, `"offset":6`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("JSON lacks %s:\n%s", want, data)
		}
	}

	var back ParseTree
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.String() != tree.String() {
		t.Errorf("decoded tree = %s, want %s", back.String(), tree.String())
	}
	if errs := back.SyntaxErrors(); len(errs) != 1 || errs[0].Offset != 6 {
		t.Errorf("decoded errors = %+v", errs)
	}
}
