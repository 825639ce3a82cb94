package grammar

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for grammar notation
// ---------------------------------------------------------------------------

// Lexer tokenizes grammar source.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // column of ch (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
		l.pos = len(l.input)
		l.readPos = len(l.input) + 1
		l.col++
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

func (l *Lexer) atEOF() bool {
	return l.pos >= len(l.input)
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.col}
}

// Tokenize returns all tokens up to and including EOF.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens
		}
	}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	if errTok, ok := l.skipWhitespaceAndComments(); !ok {
		return errTok
	}

	pos := l.position()
	if l.atEOF() {
		return Token{Type: TokenEOF, Pos: pos}
	}

	simple := func(t TokenType, n int) Token {
		start := l.pos
		for i := 0; i < n; i++ {
			l.readChar()
		}
		return Token{Type: t, Literal: l.input[start:l.pos], Pos: pos}
	}

	switch l.ch {
	case ':':
		return simple(TokenColon, 1)
	case ';':
		return simple(TokenSemicolon, 1)
	case '|':
		return simple(TokenOr, 1)
	case '?':
		return simple(TokenQuestion, 1)
	case '*':
		return simple(TokenStar, 1)
	case '+':
		if l.peekChar() == '=' {
			return simple(TokenPlusAssign, 2)
		}
		return simple(TokenPlus, 1)
	case '(':
		return simple(TokenLParen, 1)
	case ')':
		return simple(TokenRParen, 1)
	case '.':
		if l.peekChar() == '.' {
			return simple(TokenRange, 2)
		}
		return simple(TokenDot, 1)
	case '~':
		return simple(TokenTilde, 1)
	case '=':
		return simple(TokenAssign, 1)
	case '#':
		return simple(TokenPound, 1)
	case ',':
		return simple(TokenComma, 1)
	case '-':
		if l.peekChar() == '>' {
			return simple(TokenArrow, 2)
		}
	case '\'':
		return l.readLiteral(pos)
	case '[':
		return l.readCharSet(pos)
	case '{':
		return l.readAction(pos)
	}

	if isIdentStart(l.ch) {
		start := l.pos
		for isIdentPart(l.ch) {
			l.readChar()
		}
		lit := l.input[start:l.pos]
		r, _ := utf8.DecodeRuneInString(lit)
		if unicode.IsUpper(r) {
			return Token{Type: TokenTokenRef, Literal: lit, Value: lit, Pos: pos}
		}
		return Token{Type: TokenRuleRef, Literal: lit, Value: lit, Pos: pos}
	}

	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: string(ch), Value: "unexpected character " + strconv.QuoteRune(ch), Pos: pos}
}

// skipWhitespaceAndComments skips whitespace, line comments and block
// comments. It returns an error token for an unterminated block comment.
func (l *Lexer) skipWhitespaceAndComments() (Token, bool) {
	for {
		switch {
		case l.atEOF():
			return Token{}, true
		case unicode.IsSpace(l.ch):
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for !l.atEOF() && l.ch != '\n' {
				l.readChar()
			}
		case l.ch == '/' && l.peekChar() == '*':
			pos := l.position()
			l.readChar()
			l.readChar()
			for !(l.ch == '*' && l.peekChar() == '/') {
				if l.atEOF() {
					return Token{Type: TokenError, Value: "unterminated comment", Pos: pos}, false
				}
				l.readChar()
			}
			l.readChar()
			l.readChar()
		default:
			return Token{}, true
		}
	}
}

// readLiteral reads a quoted literal such as 'if' or '\n'.
func (l *Lexer) readLiteral(pos Position) Token {
	start := l.pos
	l.readChar() // opening quote
	var sb strings.Builder
	for l.ch != '\'' {
		if l.atEOF() || l.ch == '\n' {
			return Token{Type: TokenError, Literal: l.input[start:l.pos], Value: "unterminated literal", Pos: pos}
		}
		if l.ch == '\\' {
			l.readChar()
			r, ok := l.readEscape()
			if !ok {
				return Token{Type: TokenError, Literal: l.input[start:l.pos], Value: "invalid escape sequence in literal", Pos: pos}
			}
			sb.WriteRune(r)
			continue
		}
		sb.WriteRune(l.ch)
		l.readChar()
	}
	l.readChar() // closing quote
	return Token{Type: TokenLiteral, Literal: l.input[start:l.pos], Value: sb.String(), Pos: pos}
}

// readEscape decodes the escape whose backslash was just consumed.
func (l *Lexer) readEscape() (rune, bool) {
	ch := l.ch
	l.readChar()
	switch ch {
	case 'n':
		return '\n', true
	case 'r':
		return '\r', true
	case 't':
		return '\t', true
	case 'b':
		return '\b', true
	case 'f':
		return '\f', true
	case '\\', '\'', '"', ']', '[', '-':
		return ch, true
	case 'u':
		if l.pos+4 > len(l.input) {
			return 0, false
		}
		hex := l.input[l.pos : l.pos+4]
		v, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return 0, false
		}
		for i := 0; i < 4; i++ {
			l.readChar()
		}
		return rune(v), true
	}
	return 0, false
}

// readCharSet reads a lexer character set. Value holds the raw text between
// the brackets; escapes are interpreted by parseCharSet.
func (l *Lexer) readCharSet(pos Position) Token {
	start := l.pos
	l.readChar() // [
	for l.ch != ']' {
		if l.atEOF() || l.ch == '\n' {
			return Token{Type: TokenError, Literal: l.input[start:l.pos], Value: "unterminated character set", Pos: pos}
		}
		if l.ch == '\\' {
			l.readChar()
		}
		l.readChar()
	}
	l.readChar() // ]
	lit := l.input[start:l.pos]
	return Token{Type: TokenCharSet, Literal: lit, Value: lit[1 : len(lit)-1], Pos: pos}
}

// readAction skips a balanced { ... } block.
func (l *Lexer) readAction(pos Position) Token {
	start := l.pos
	depth := 0
	for {
		if l.atEOF() {
			return Token{Type: TokenError, Literal: l.input[start:l.pos], Value: "unterminated action", Pos: pos}
		}
		switch l.ch {
		case '{':
			depth++
		case '}':
			depth--
		}
		l.readChar()
		if depth == 0 {
			break
		}
	}
	return Token{Type: TokenAction, Literal: l.input[start:l.pos], Pos: pos}
}

func isIdentStart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch)
}

func isIdentPart(ch rune) bool {
	return ch == '_' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}
