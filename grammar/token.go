package grammar

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the grammar notation lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token in grammar source.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Names and literals
	TokenRuleRef  // expr, stat (lowercase initial)
	TokenTokenRef // ID, INT (uppercase initial)
	TokenLiteral  // 'if', ';'
	TokenCharSet  // [a-z_]
	TokenAction   // { ... }, skipped by the parser

	// Punctuation
	TokenColon      // :
	TokenSemicolon  // ;
	TokenOr         // |
	TokenQuestion   // ?
	TokenStar       // *
	TokenPlus       // +
	TokenLParen     // (
	TokenRParen     // )
	TokenDot        // .
	TokenTilde      // ~
	TokenArrow      // ->
	TokenRange      // ..
	TokenAssign     // =
	TokenPlusAssign // +=
	TokenPound      // #
	TokenComma      // ,
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenRuleRef:    "RULE_REF",
	TokenTokenRef:   "TOKEN_REF",
	TokenLiteral:    "LITERAL",
	TokenCharSet:    "CHARSET",
	TokenAction:     "ACTION",
	TokenColon:      ":",
	TokenSemicolon:  ";",
	TokenOr:         "|",
	TokenQuestion:   "?",
	TokenStar:       "*",
	TokenPlus:       "+",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenDot:        ".",
	TokenTilde:      "~",
	TokenArrow:      "->",
	TokenRange:      "..",
	TokenAssign:     "=",
	TokenPlusAssign: "+=",
	TokenPound:      "#",
	TokenComma:      ",",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position is a location in grammar source.
type Position struct {
	Offset int // byte offset, 0-based
	Line   int // 1-based
	Column int // 1-based, in runes
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token represents a lexical token of grammar source.
type Token struct {
	Type    TokenType
	Literal string   // the raw text
	Value   string   // unescaped content of literals and char sets
	Pos     Position // start position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Value)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}
