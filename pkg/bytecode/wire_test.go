package bytecode

import (
	"bytes"
	"strings"
	"testing"
)

func TestClassFile_CBORRoundTrip(t *testing.T) {
	cf := NewClassFile(ClassRule, "Expr", "expr", "Expr/rules/expr.gsrc")
	cf.Index = 2
	cf.Chunk = buildOptional()

	data, err := MarshalClass(cf)
	if err != nil {
		t.Fatalf("MarshalClass: %v", err)
	}
	got, err := UnmarshalClass(data)
	if err != nil {
		t.Fatalf("UnmarshalClass: %v", err)
	}
	if got.Kind != ClassRule || got.Name != "expr" || got.Index != 2 {
		t.Errorf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Chunk.Code, cf.Chunk.Code) {
		t.Error("Code mismatch")
	}
	if len(got.Chunk.Constants) != 1 || got.Chunk.Constants[0] != "ID" {
		t.Errorf("Constants = %v", got.Chunk.Constants)
	}
}

func TestMarshalClass_Deterministic(t *testing.T) {
	mk := func() *ClassFile {
		cf := NewClassFile(ClassLexer, "Expr", "Expr", "Expr/ExprLexer.gsrc")
		cf.Tokens = []TokenDef{
			{Type: 1, Name: "T__0", Pattern: `;`, Display: "';'"},
			{Type: 2, Name: "WS", Pattern: `[ \t]+`, Skip: true},
		}
		return cf
	}
	a, err := MarshalClass(mk())
	if err != nil {
		t.Fatal(err)
	}
	b, err := MarshalClass(mk())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical classes encoded differently")
	}
}

func TestUnmarshalClass_Rejects(t *testing.T) {
	bad := NewClassFile(ClassAdapter, "Expr", "Expr", "Expr/ExprAdapter.gsrc")
	bad.Magic = "NOPE"
	data, err := MarshalClass(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalClass(data); err == nil || !strings.Contains(err.Error(), "magic") {
		t.Errorf("bad magic: err = %v", err)
	}

	noEntry := NewClassFile(ClassAdapter, "Expr", "Expr", "Expr/ExprAdapter.gsrc")
	data, err = MarshalClass(noEntry)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalClass(data); err == nil {
		t.Error("adapter without entry accepted")
	}

	dup := NewClassFile(ClassLexer, "Expr", "Expr", "Expr/ExprLexer.gsrc")
	dup.Tokens = []TokenDef{{Type: 1, Name: "A"}, {Type: 1, Name: "B"}}
	data, err = MarshalClass(dup)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnmarshalClass(data); err == nil {
		t.Error("duplicate token types accepted")
	}

	if _, err := UnmarshalClass([]byte{0xFF, 0x00}); err == nil {
		t.Error("garbage accepted")
	}
}

func TestClassNames(t *testing.T) {
	if got := ClassPath("Expr/rules/expr.gsrc"); got != "Expr/rules/expr.gclass" {
		t.Errorf("ClassPath = %q", got)
	}
	if got := SourcePath("Expr/rules/expr.gclass"); got != "Expr/rules/expr.gsrc" {
		t.Errorf("SourcePath = %q", got)
	}
	lexer := NewClassFile(ClassLexer, "Expr", "Expr", "")
	if got := lexer.ClassName(); got != "ExprLexer" {
		t.Errorf("lexer ClassName = %q", got)
	}
	rule := NewClassFile(ClassRule, "Expr", "term", "")
	if got := rule.ClassName(); got != "term" {
		t.Errorf("rule ClassName = %q", got)
	}
}
