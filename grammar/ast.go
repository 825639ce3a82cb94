package grammar

import (
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// AST: grammar files, rules and rule bodies
// ---------------------------------------------------------------------------

// Kind is the declared kind of a grammar file.
type Kind int

const (
	KindCombined Kind = iota // grammar X;
	KindLexer                // lexer grammar X;
	KindParser               // parser grammar X;
)

// Grammar is a parsed grammar file.
type Grammar struct {
	Name    string
	Kind    Kind
	Pos     Position
	Imports []Import
	Rules   []*Rule
	Source  string // file name used in diagnostics; empty for the main grammar
}

// Import is one name of an `import A, B;` statement.
type Import struct {
	Name string
	Pos  Position
}

// Rule returns the rule with the given name, or nil.
func (g *Grammar) Rule(name string) *Rule {
	for _, r := range g.Rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// ParserRules returns the parser rules in definition order.
func (g *Grammar) ParserRules() []*Rule {
	var out []*Rule
	for _, r := range g.Rules {
		if !r.IsLexer() {
			out = append(out, r)
		}
	}
	return out
}

// LexerRules returns the lexer rules, fragments included, in definition order.
func (g *Grammar) LexerRules() []*Rule {
	var out []*Rule
	for _, r := range g.Rules {
		if r.IsLexer() {
			out = append(out, r)
		}
	}
	return out
}

// Rule is a parser rule (lowercase name) or lexer rule (uppercase name).
type Rule struct {
	Name     string
	Pos      Position
	Fragment bool
	Body     Expr
	Commands []Command // lexer commands after ->
	Source   string    // grammar file the rule came from
}

// IsLexer reports whether r is a lexer rule.
func (r *Rule) IsLexer() bool {
	return isTokenName(r.Name)
}

// Command is a lexer command such as skip or channel(HIDDEN).
type Command struct {
	Name string
	Arg  string
	Pos  Position
}

// ---------------------------------------------------------------------------
// Rule body expressions
// ---------------------------------------------------------------------------

// Expr is the interface for rule body nodes.
type Expr interface {
	Position() Position
	expr() // marker method
}

// Alternation is a | b | c.
type Alternation struct {
	Pos  Position
	Alts []Expr
}

// Sequence is a b c. An empty sequence matches the empty string.
type Sequence struct {
	Pos   Position
	Items []Expr
}

// RepeatOp is the suffix of a repeated element.
type RepeatOp int

const (
	Optional   RepeatOp = iota // ?
	ZeroOrMore                 // *
	OneOrMore                  // +
)

func (op RepeatOp) String() string {
	switch op {
	case Optional:
		return "?"
	case ZeroOrMore:
		return "*"
	default:
		return "+"
	}
}

// Repeat is e?, e*, e+ and their non-greedy forms.
type Repeat struct {
	Pos    Position
	Op     RepeatOp
	Greedy bool
	Expr   Expr
}

// RuleRef references a parser rule.
type RuleRef struct {
	Pos  Position
	Name string
}

// TokenRef references a lexer rule or EOF.
type TokenRef struct {
	Pos  Position
	Name string
}

// Literal is a quoted string. In parser rules it denotes an implicit token.
type Literal struct {
	Pos   Position
	Value string
}

// CharSet is a lexer character class such as [a-z_] or 'a'..'z'.
type CharSet struct {
	Pos    Position
	Ranges []CharRange
}

// CharRange is an inclusive range of runes.
type CharRange struct {
	Lo, Hi rune
}

// Wildcard is `.`: any character in lexer rules, any token in parser rules.
type Wildcard struct {
	Pos Position
}

// Not is ~x in a lexer rule: any character outside a set.
type Not struct {
	Pos  Position
	Expr Expr
}

func (n *Alternation) Position() Position { return n.Pos }
func (n *Sequence) Position() Position    { return n.Pos }
func (n *Repeat) Position() Position      { return n.Pos }
func (n *RuleRef) Position() Position     { return n.Pos }
func (n *TokenRef) Position() Position    { return n.Pos }
func (n *Literal) Position() Position     { return n.Pos }
func (n *CharSet) Position() Position     { return n.Pos }
func (n *Wildcard) Position() Position    { return n.Pos }
func (n *Not) Position() Position         { return n.Pos }

func (n *Alternation) expr() {}
func (n *Sequence) expr()    {}
func (n *Repeat) expr()      {}
func (n *RuleRef) expr()     {}
func (n *TokenRef) expr()    {}
func (n *Literal) expr()     {}
func (n *CharSet) expr()     {}
func (n *Wildcard) expr()    {}
func (n *Not) expr()         {}

// Walk calls fn for e and every expression nested in it, depth first.
func Walk(e Expr, fn func(Expr)) {
	fn(e)
	switch n := e.(type) {
	case *Alternation:
		for _, a := range n.Alts {
			Walk(a, fn)
		}
	case *Sequence:
		for _, it := range n.Items {
			Walk(it, fn)
		}
	case *Repeat:
		Walk(n.Expr, fn)
	case *Not:
		Walk(n.Expr, fn)
	}
}

func isTokenName(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}
