package gsrc

import (
	"fmt"

	"github.com/chazu/gramlab/pkg/bytecode"
)

// Expr is a decoded rule body.
type Expr struct {
	Op     string // seq alt star plus opt ref tok any
	Name   string // ref and tok
	Kids   []*Expr
	Line   int
	Column int
}

// LexerDecl is a decoded (lexer ...) form.
type LexerDecl struct {
	Grammar string
	Tokens  []bytecode.TokenDef
	Lines   map[string][2]int // token name -> line, column
}

// RuleDecl is a decoded (rule ...) form.
type RuleDecl struct {
	Name   string
	Index  int
	Body   *Expr
	Line   int
	Column int
}

// AdapterDecl is a decoded (adapter ...) form.
type AdapterDecl struct {
	Grammar string
	Hash    string
	Entry   string
	Rules   []string
	Line    int
	Column  int
}

// Unit is one decoded source file. Exactly one of the decls is set.
type Unit struct {
	Path    string
	Lexer   *LexerDecl
	Rule    *RuleDecl
	Adapter *AdapterDecl
}

// Decode parses the text of one generated source.
func Decode(path, src string) (*Unit, error) {
	forms, err := Read(src)
	if err != nil {
		return nil, err
	}
	if len(forms) != 1 {
		return nil, &SyntaxError{Line: 1, Column: 1, Message: fmt.Sprintf("expected one form, found %d", len(forms))}
	}
	form := forms[0]
	u := &Unit{Path: path}
	switch form.Head() {
	case "lexer":
		u.Lexer, err = decodeLexer(form)
	case "rule":
		u.Rule, err = decodeRule(form)
	case "adapter":
		u.Adapter, err = decodeAdapter(form)
	default:
		err = malformed(form, "unknown form %s", form.String())
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func malformed(n *Node, format string, args ...interface{}) error {
	return &SyntaxError{Line: n.Line, Column: n.Column, Message: fmt.Sprintf(format, args...)}
}

func symbolAt(n *Node, i int, what string) (string, error) {
	if i >= len(n.Items) || n.Items[i].Kind != NodeSymbol {
		return "", malformed(n, "%s: expected %s", n.Head(), what)
	}
	return n.Items[i].Text, nil
}

func decodeLexer(form *Node) (*LexerDecl, error) {
	name, err := symbolAt(form, 1, "grammar name")
	if err != nil {
		return nil, err
	}
	decl := &LexerDecl{Grammar: name, Lines: make(map[string][2]int)}
	for _, tn := range form.Items[2:] {
		if tn.Head() != "token" || len(tn.Items) < 4 {
			return nil, malformed(tn, "expected (token TYPE NAME PATTERN ...)")
		}
		typ, ok := tn.Items[1].Int()
		if !ok {
			return nil, malformed(tn.Items[1], "token type must be an integer")
		}
		tokName, err := symbolAt(tn, 2, "token name")
		if err != nil {
			return nil, err
		}
		if tn.Items[3].Kind != NodeString {
			return nil, malformed(tn.Items[3], "token pattern must be a string")
		}
		def := bytecode.TokenDef{Type: typ, Name: tokName, Pattern: tn.Items[3].Text}
		for _, opt := range tn.Items[4:] {
			switch {
			case opt.Kind == NodeSymbol && opt.Text == "skip":
				def.Skip = true
			case opt.Head() == "channel" && len(opt.Items) == 2:
				ch, ok := opt.Items[1].Int()
				if !ok {
					return nil, malformed(opt, "channel must be an integer")
				}
				def.Channel = ch
			case opt.Head() == "display" && len(opt.Items) == 2 && opt.Items[1].Kind == NodeString:
				def.Display = opt.Items[1].Text
			default:
				return nil, malformed(opt, "unknown token option %s", opt.String())
			}
		}
		decl.Tokens = append(decl.Tokens, def)
		decl.Lines[tokName] = [2]int{tn.Line, tn.Column}
	}
	return decl, nil
}

func decodeRule(form *Node) (*RuleDecl, error) {
	if len(form.Items) != 4 {
		return nil, malformed(form, "expected (rule NAME INDEX BODY)")
	}
	name, err := symbolAt(form, 1, "rule name")
	if err != nil {
		return nil, err
	}
	idx, ok := form.Items[2].Int()
	if !ok {
		return nil, malformed(form.Items[2], "rule index must be an integer")
	}
	body, err := decodeExpr(form.Items[3])
	if err != nil {
		return nil, err
	}
	return &RuleDecl{Name: name, Index: idx, Body: body, Line: form.Line, Column: form.Column}, nil
}

func decodeExpr(n *Node) (*Expr, error) {
	if n.Kind == NodeSymbol && n.Text == "any" {
		return &Expr{Op: "any", Line: n.Line, Column: n.Column}, nil
	}
	e := &Expr{Op: n.Head(), Line: n.Line, Column: n.Column}
	switch e.Op {
	case "ref", "tok":
		name, err := symbolAt(n, 1, "name")
		if err != nil || len(n.Items) != 2 {
			return nil, malformed(n, "expected (%s NAME)", e.Op)
		}
		e.Name = name
		return e, nil
	case "star", "plus", "opt":
		if len(n.Items) != 2 {
			return nil, malformed(n, "%s takes one operand", e.Op)
		}
	case "alt":
		if len(n.Items) < 2 {
			return nil, malformed(n, "alt needs at least one alternative")
		}
	case "seq":
	default:
		return nil, malformed(n, "unknown expression %s", n.String())
	}
	for _, it := range n.Items[1:] {
		kid, err := decodeExpr(it)
		if err != nil {
			return nil, err
		}
		e.Kids = append(e.Kids, kid)
	}
	return e, nil
}

func decodeAdapter(form *Node) (*AdapterDecl, error) {
	name, err := symbolAt(form, 1, "grammar name")
	if err != nil {
		return nil, err
	}
	decl := &AdapterDecl{Grammar: name, Line: form.Line, Column: form.Column}
	for _, clause := range form.Items[2:] {
		switch clause.Head() {
		case "hash":
			if len(clause.Items) != 2 || clause.Items[1].Kind != NodeString {
				return nil, malformed(clause, "expected (hash \"...\")")
			}
			decl.Hash = clause.Items[1].Text
		case "entry":
			if decl.Entry, err = symbolAt(clause, 1, "entry rule"); err != nil {
				return nil, err
			}
		case "rules":
			for i := 1; i < len(clause.Items); i++ {
				r, err := symbolAt(clause, i, "rule name")
				if err != nil {
					return nil, err
				}
				decl.Rules = append(decl.Rules, r)
			}
		default:
			return nil, malformed(clause, "unknown adapter clause %s", clause.String())
		}
	}
	if decl.Entry == "" {
		return nil, malformed(form, "adapter has no entry")
	}
	return decl, nil
}
